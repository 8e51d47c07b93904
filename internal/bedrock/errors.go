package bedrock

import "fmt"

// throttlingCode is the error code the runtime returns when a request is
// rate-limited upstream. Only this class of failure is retry-eligible.
const throttlingCode = "ThrottlingException"

// APIError is a structured error returned by the Bedrock API. Code carries
// the AWS "__type" error identifier when present.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bedrock: %s: %s (status=%d)", e.Code, e.Message, e.StatusCode)
}

func (e *APIError) HTTPStatus() int { return e.StatusCode }

// Throttled reports whether this failure is a transient rate limit eligible
// for retry. Every other backend failure is terminal.
func (e *APIError) Throttled() bool {
	return e.Code == throttlingCode || e.StatusCode == 429
}

// Package apierr defines the error taxonomy of the gateway and writes error
// bodies in the shape this proxy's OpenAI-compatible clients expect: a JSON
// object with a single "error" string.
package apierr

import (
	"encoding/json"
	"fmt"

	"github.com/valyala/fasthttp"
)

// ValidationError reports a malformed inbound request. It is always detected
// before any backend call and maps to HTTP 400.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// HTTPStatus implements the status mapping consumed by WriteError.
func (e *ValidationError) HTTPStatus() int { return fasthttp.StatusBadRequest }

// BackendError reports a failed backend invocation, including a throttling
// failure that survived all retries. Maps to HTTP 500.
type BackendError struct {
	Code    string
	Message string
}

func (e *BackendError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

func (e *BackendError) HTTPStatus() int { return fasthttp.StatusInternalServerError }

type envelope struct {
	Error string `json:"error"`
}

// Write serialises msg as {"error": msg} with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, msg string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: msg})
	ctx.SetBody(body)
}

// WriteError maps err to a status via its HTTPStatus method when available,
// defaulting to 500 for anything uncategorised.
func WriteError(ctx *fasthttp.RequestCtx, err error) {
	type statusCoder interface{ HTTPStatus() int }

	status := fasthttp.StatusInternalServerError
	if sc, ok := err.(statusCoder); ok {
		status = sc.HTTPStatus()
	}
	Write(ctx, status, err.Error())
}

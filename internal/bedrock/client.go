// Package bedrock is the boundary to the AWS Bedrock runtime. It exposes the
// two invocation operations the gateway needs — single-shot and streaming —
// plus the control-plane model listing, over plain HTTP with SigV4 request
// signing.
//
// Required configuration:
//   - AWS_ACCESS_KEY_ID
//   - AWS_SECRET_ACCESS_KEY
//   - AWS_REGION (e.g. "us-east-1")
//
// Optional:
//   - AWS_SESSION_TOKEN — for temporary credentials (IAM roles, STS).
//   - BEDROCK_ENDPOINT_URL — endpoint override for local mocks.
package bedrock

import (
	"bufio"
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	service   = "bedrock"
	algorithm = "AWS4-HMAC-SHA256"

	defaultTimeout = 120 * time.Second
)

// Client invokes Anthropic models on the Bedrock runtime.
type Client struct {
	accessKey    string
	secretKey    string
	sessionToken string
	region       string
	endpointURL  string // optional override for both sub-services (testing)
	client       *http.Client
	// streamClient has no overall timeout: a stream body stays open for as
	// long as generation runs. Cancellation comes from the request context.
	streamClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithSessionToken sets the AWS session token for temporary credentials.
func WithSessionToken(token string) Option {
	return func(c *Client) { c.sessionToken = token }
}

// WithEndpointURL overrides the Bedrock endpoint base URL (e.g. for local
// mocks). When set, all API calls use this URL instead of the regional
// AWS endpoint.
func WithEndpointURL(u string) Option {
	return func(c *Client) { c.endpointURL = u }
}

// WithTimeout overrides the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.client.Timeout = d }
}

// New creates a Bedrock runtime client.
func New(accessKey, secretKey, region string, opts ...Option) *Client {
	c := &Client{
		accessKey:    accessKey,
		secretKey:    secretKey,
		region:       region,
		client:       &http.Client{Timeout: defaultTimeout},
		streamClient: &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Invoke performs the single-shot invocation and returns the raw response
// payload. Failures come back as *APIError when the runtime produced a
// structured error body.
func (c *Client) Invoke(ctx context.Context, modelID string, req *InvokeRequest) ([]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("bedrock: marshal: %w", err)
	}

	resp, err := c.post(ctx, c.invokeEndpoint(modelID, false), payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("bedrock: read response: %w", err)
	}
	return body, nil
}

// FrameStream delivers the raw frames of a streaming invocation. Frames
// arrive in wire order; the channel closes when the backend finishes or the
// connection drops. A mid-stream failure simply ends the sequence — by then
// bytes have been committed downstream and there is nothing to retract.
type FrameStream struct {
	Frames <-chan json.RawMessage
}

// InvokeStream starts a streaming invocation. The HTTP exchange (and any
// error eligible for retry) completes before the first frame is delivered;
// everything after a nil return is at-most-once.
//
// Frames are newline-delimited JSON objects read off the chunked body. The
// reader goroutine stops when ctx is cancelled or the body is drained.
func (c *Client) InvokeStream(ctx context.Context, modelID string, req *InvokeRequest) (*FrameStream, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("bedrock: marshal: %w", err)
	}

	resp, err := c.postWith(ctx, c.streamClient, c.invokeEndpoint(modelID, true), payload)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.parseError(resp)
	}

	ch := make(chan json.RawMessage, 64)

	go func() {
		defer resp.Body.Close()
		defer close(ch)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			frame := make(json.RawMessage, len(line))
			copy(frame, line)
			select {
			case ch <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	return &FrameStream{Frames: ch}, nil
}

// ListFoundationModels returns the control-plane model catalog, optionally
// filtered by provider (e.g. "anthropic").
func (c *Client) ListFoundationModels(ctx context.Context, byProvider string) ([]ModelSummary, error) {
	endpoint := c.baseEndpoint("bedrock") + "/foundation-models"
	if byProvider != "" {
		endpoint += "?byProvider=" + url.QueryEscape(byProvider)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}
	if err := c.signRequest(httpReq, nil); err != nil {
		return nil, fmt.Errorf("bedrock: sign: %w", err)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var out struct {
		ModelSummaries []ModelSummary `json:"modelSummaries"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("bedrock: decode response: %w", err)
	}
	return out.ModelSummaries, nil
}

// HealthCheck probes the control plane with a model listing.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.ListFoundationModels(ctx, "")
	if err != nil {
		return fmt.Errorf("bedrock: health check: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload []byte) (*http.Response, error) {
	return c.postWith(ctx, c.client, endpoint, payload)
}

func (c *Client) postWith(ctx context.Context, hc *http.Client, endpoint string, payload []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if err := c.signRequest(httpReq, payload); err != nil {
		return nil, fmt.Errorf("bedrock: sign: %w", err)
	}

	resp, err := hc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}
	return resp, nil
}

// ─── Endpoints ───────────────────────────────────────────────────────────────

// baseEndpoint returns the root URL for a given Bedrock sub-service.
// When endpointURL is set (e.g. for testing), it is used for all services.
func (c *Client) baseEndpoint(subservice string) string {
	if c.endpointURL != "" {
		return strings.TrimRight(c.endpointURL, "/")
	}
	return fmt.Sprintf("https://%s.%s.amazonaws.com", subservice, c.region)
}

func (c *Client) invokeEndpoint(modelID string, stream bool) string {
	op := "invoke"
	if stream {
		op = "invoke-with-response-stream"
	}
	return fmt.Sprintf("%s/model/%s/%s", c.baseEndpoint("bedrock-runtime"), modelID, op)
}

// ─── AWS SigV4 signing ────────────────────────────────────────────────────────

func (c *Client) signRequest(req *http.Request, payload []byte) error {
	now := time.Now().UTC()
	datestamp := now.Format("20060102")
	amzdate := now.Format("20060102T150405Z")

	req.Header.Set("X-Amz-Date", amzdate)
	if c.sessionToken != "" {
		req.Header.Set("X-Amz-Security-Token", c.sessionToken)
	}

	payloadHash := sha256Hex(payload)

	host := req.URL.Host
	if host == "" {
		host = req.Host
	}
	req.Header.Set("Host", host)

	signedHeaders := "content-type;host;x-amz-date"
	canonicalHeaders := fmt.Sprintf(
		"content-type:%s\nhost:%s\nx-amz-date:%s\n",
		req.Header.Get("Content-Type"), host, amzdate,
	)
	if c.sessionToken != "" {
		signedHeaders = "content-type;host;x-amz-date;x-amz-security-token"
		canonicalHeaders = fmt.Sprintf(
			"content-type:%s\nhost:%s\nx-amz-date:%s\nx-amz-security-token:%s\n",
			req.Header.Get("Content-Type"), host, amzdate, c.sessionToken,
		)
	}

	canonicalURI := req.URL.Path
	if canonicalURI == "" {
		canonicalURI = "/"
	}

	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI,
		req.URL.RawQuery,
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")

	credentialScope := fmt.Sprintf("%s/%s/%s/aws4_request", datestamp, c.region, service)

	stringToSign := strings.Join([]string{
		algorithm,
		amzdate,
		credentialScope,
		sha256Hex([]byte(canonicalRequest)),
	}, "\n")

	signingKey := deriveSigningKey(c.secretKey, datestamp, c.region, service)
	signature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	req.Header.Set("Authorization", fmt.Sprintf(
		"%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		algorithm, c.accessKey, credentialScope, signedHeaders, signature,
	))

	return nil
}

func deriveSigningKey(secretKey, date, region, svc string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secretKey), date)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, svc)
	return hmacSHA256(kService, "aws4_request")
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// ─── Error handling ───────────────────────────────────────────────────────────

type apiErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"__type"`
}

func (c *Client) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var eb apiErrorBody
	if json.Unmarshal(body, &eb) == nil && eb.Message != "" {
		// The __type field may carry a fully qualified name; keep the last
		// path segment ("com.amazon#ThrottlingException" → "ThrottlingException").
		code := eb.Type
		if i := strings.LastIndexAny(code, "#."); i >= 0 {
			code = code[i+1:]
		}
		return &APIError{StatusCode: resp.StatusCode, Code: code, Message: eb.Message}
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("unexpected status %d", resp.StatusCode),
	}
}

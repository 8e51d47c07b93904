package relay

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/nulpointcorp/bedrock-gateway/internal/bedrock"
)

// Default retry parameters for throttled backend calls.
const (
	DefaultMaxRetries = 5
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 30 * time.Second
)

// Retrier re-runs backend invocations that fail with a throttling error.
// Every other failure class is returned to the caller immediately — retrying
// a validation or auth error just burns quota.
type Retrier struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	log *slog.Logger

	// Injection points for tests.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64

	// OnRetry fires before each backoff sleep.
	OnRetry func(attempt int)
}

// NewRetrier returns a Retrier with the default attempt count and delays.
func NewRetrier(log *slog.Logger) *Retrier {
	if log == nil {
		log = slog.Default()
	}
	return &Retrier{
		MaxAttempts: DefaultMaxRetries,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		log:         log,
		sleep:       sleepCtx,
		jitter:      rand.Float64,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// throttled reports whether err is a backend throttling response.
func throttled(err error) bool {
	var apiErr *bedrock.APIError
	return errors.As(err, &apiErr) && apiErr.Throttled()
}

// backoff computes the delay before retry attempt (zero-based): exponential
// in the attempt number with up to one base delay of jitter, capped at
// MaxDelay.
func (r *Retrier) backoff(attempt int) time.Duration {
	d := time.Duration(float64(r.BaseDelay) * math.Pow(2, float64(attempt)))
	d += time.Duration(r.jitter() * float64(r.BaseDelay))
	if d > r.MaxDelay {
		d = r.MaxDelay
	}
	return d
}

// Do runs fn up to MaxAttempts times, sleeping between throttled attempts.
// It returns the first non-throttling error, the last throttling error after
// the attempts are exhausted, or the context error if cancelled mid-backoff.
func (r *Retrier) Do(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < r.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !throttled(err) {
			return err
		}
		if attempt == r.MaxAttempts-1 {
			break
		}

		delay := r.backoff(attempt)
		r.log.Warn("backend throttled, backing off",
			slog.String("op", op),
			slog.Int("attempt", attempt+1),
			slog.Int("max_attempts", r.MaxAttempts),
			slog.Duration("delay", delay),
		)
		if r.OnRetry != nil {
			r.OnRetry(attempt + 1)
		}
		if serr := r.sleep(ctx, delay); serr != nil {
			return serr
		}
	}

	r.log.Error("backend still throttled after final attempt",
		slog.String("op", op),
		slog.Int("attempts", r.MaxAttempts),
	)
	return err
}

// Invoke runs a buffered backend invocation under the retry policy.
func (r *Retrier) Invoke(ctx context.Context, backend Backend, modelID string, req *bedrock.InvokeRequest) ([]byte, error) {
	var body []byte
	err := r.Do(ctx, "invoke", func() error {
		var ierr error
		body, ierr = backend.Invoke(ctx, modelID, req)
		return ierr
	})
	return body, err
}

// InvokeStream opens a streaming invocation under the retry policy. Only the
// initial connection is retried; frames already delivered are never replayed.
func (r *Retrier) InvokeStream(ctx context.Context, backend Backend, modelID string, req *bedrock.InvokeRequest) (*bedrock.FrameStream, error) {
	var stream *bedrock.FrameStream
	err := r.Do(ctx, "invoke_stream", func() error {
		var ierr error
		stream, ierr = backend.InvokeStream(ctx, modelID, req)
		return ierr
	})
	return stream, err
}

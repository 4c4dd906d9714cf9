package sources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/i474232898/airsense/internal/airquality"
)

// BackoffConfig controls exponential backoff behaviour.
type BackoffConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// HTTPClientConfig bundles HTTP client and resilience settings.
type HTTPClientConfig struct {
	Client         *http.Client
	Backoff        BackoffConfig
	RequestTimeout time.Duration
}

var (
	errRateLimited   = errors.New("rate limited")
	errServerError   = errors.New("server error")
	errUnexpected    = errors.New("unexpected status code")
	errUnauthorized  = errors.New("unauthorized")
	errCircuitOpen   = errors.New("circuit breaker open")
	errNoHTTPClient  = errors.New("http client not configured")
	errInvalidConfig = errors.New("invalid backoff configuration")

	// ErrMissingCredentials is returned by a factory whose source needs an API key.
	ErrMissingCredentials = errors.New("missing credentials")
)

// maxBodyBytes caps how much of a response is read.
const maxBodyBytes = 32 << 20

type statusError struct {
	code  int
	class airquality.ErrorClass
	err   error
}

func (e *statusError) Error() string { return fmt.Sprintf("%v: %d", e.err, e.code) }
func (e *statusError) Unwrap() error { return e.err }

func classifyStatus(code int) *statusError {
	switch {
	case code == http.StatusTooManyRequests:
		return &statusError{code, airquality.ClassRateLimited, errRateLimited}
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &statusError{code, airquality.ClassAuth, errUnauthorized}
	case code >= 500:
		return &statusError{code, airquality.ClassTransient, errServerError}
	case code < 200 || code >= 300:
		return &statusError{code, airquality.ClassPermanent, errUnexpected}
	}
	return nil
}

func classOf(err error) airquality.ErrorClass {
	var se *statusError
	if errors.As(err, &se) {
		return se.class
	}
	return airquality.ClassTransient
}

// resilientClient is the transport every HTTP source shares: a token-bucket
// limiter, a circuit breaker and bounded exponential backoff.
type resilientClient struct {
	source  string
	httpCfg HTTPClientConfig
	circuit *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

func newResilientClient(source string, client *http.Client, s Settings) *resilientClient {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        source,
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     2 * time.Minute,
		// Auth and permanent failures do not trip the breaker.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			c := classOf(err)
			return c == airquality.ClassAuth || c == airquality.ClassPermanent
		},
	})

	limit := rate.Inf
	if s.RatePerSecond > 0 {
		limit = rate.Limit(s.RatePerSecond)
	}
	burst := s.Burst
	if burst <= 0 {
		burst = 1
	}

	return &resilientClient{
		source: source,
		httpCfg: HTTPClientConfig{
			Client: client,
			Backoff: BackoffConfig{
				MaxRetries:      s.MaxRetries,
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     5 * time.Second,
			},
			RequestTimeout: s.Timeout,
		},
		circuit: cb,
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (c *resilientClient) fail(class airquality.ErrorClass, err error) *airquality.SourceError {
	return &airquality.SourceError{Source: c.source, Class: class, Err: err}
}

// doRequestWithResilience executes the request with rate limiting, retries,
// exponential backoff and a circuit breaker, returning the response body.
// Every error is a *airquality.SourceError.
func (c *resilientClient) doRequestWithResilience(
	ctx context.Context,
	buildRequest func(ctx context.Context) (*http.Request, error),
) ([]byte, error) {
	cfg := c.httpCfg
	if cfg.Client == nil {
		return nil, c.fail(airquality.ClassPermanent, errNoHTTPClient)
	}
	if cfg.Backoff.MaxRetries < 0 || cfg.Backoff.InitialInterval <= 0 {
		return nil, c.fail(airquality.ClassPermanent, errInvalidConfig)
	}

	var attempt int
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, c.fail(airquality.ClassTransient, err)
		}

		result, err := c.circuit.Execute(func() (interface{}, error) {
			return c.attempt(ctx, buildRequest)
		})
		if err == nil {
			body, ok := result.([]byte)
			if !ok {
				return nil, c.fail(airquality.ClassPermanent, fmt.Errorf("unexpected result type from circuit breaker"))
			}
			return body, nil
		}

		// If circuit is open, propagate immediately.
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, c.fail(airquality.ClassTransient, fmt.Errorf("%w: %v", errCircuitOpen, err))
		}
		if ctx.Err() != nil {
			return nil, c.fail(airquality.ClassTransient, ctx.Err())
		}

		class := classOf(err)
		if class == airquality.ClassAuth || class == airquality.ClassPermanent || attempt >= cfg.Backoff.MaxRetries {
			return nil, c.fail(class, err)
		}

		delay := cfg.Backoff.InitialInterval * time.Duration(math.Pow(2, float64(attempt)))
		if delay > cfg.Backoff.MaxInterval && cfg.Backoff.MaxInterval > 0 {
			delay = cfg.Backoff.MaxInterval
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, c.fail(airquality.ClassTransient, ctx.Err())
		case <-timer.C:
		}

		attempt++
	}
}

func (c *resilientClient) attempt(ctx context.Context, buildRequest func(ctx context.Context) (*http.Request, error)) ([]byte, error) {
	if c.httpCfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpCfg.RequestTimeout)
		defer cancel()
	}

	req, err := buildRequest(ctx)
	if err != nil {
		return nil, &statusError{0, airquality.ClassPermanent, err}
	}

	resp, err := c.httpCfg.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if se := classifyStatus(resp.StatusCode); se != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, se
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	return body, nil
}

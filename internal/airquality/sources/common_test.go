package sources

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/airsense/internal/airquality"
)

func fastClient(name string, retries int) *resilientClient {
	c := newResilientClient(name, http.DefaultClient, Settings{MaxRetries: retries})
	c.httpCfg.Backoff.InitialInterval = time.Millisecond
	c.httpCfg.Backoff.MaxInterval = 5 * time.Millisecond
	return c
}

func get(url string) func(ctx context.Context) (*http.Request, error) {
	return func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	}
}

func TestRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`ok`))
	}))
	defer srv.Close()

	body, err := fastClient("test", 3).doRequestWithResilience(context.Background(), get(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, int32(3), calls.Load())
}

func TestClassifiesFailures(t *testing.T) {
	cases := []struct {
		status    int
		class     airquality.ErrorClass
		wantCalls int32
	}{
		{http.StatusUnauthorized, airquality.ClassAuth, 1},
		{http.StatusForbidden, airquality.ClassAuth, 1},
		{http.StatusNotFound, airquality.ClassPermanent, 1},
		{http.StatusTooManyRequests, airquality.ClassRateLimited, 3},
		{http.StatusServiceUnavailable, airquality.ClassTransient, 3},
	}

	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			_, err := fastClient("test", 2).doRequestWithResilience(context.Background(), get(srv.URL))
			require.Error(t, err)

			var se *airquality.SourceError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tc.class, se.Class)
			assert.Equal(t, "test", se.Source)
			assert.ErrorIs(t, err, airquality.ErrSourceUnavailable)
			assert.Equal(t, tc.wantCalls, calls.Load())
		})
	}
}

func TestCircuitOpensAfterRepeatedFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := fastClient("flaky", 0)
	// gobreaker's default trip threshold is more than five consecutive failures
	for i := 0; i < 6; i++ {
		_, err := c.doRequestWithResilience(context.Background(), get(srv.URL))
		require.Error(t, err)
	}
	before := calls.Load()

	_, err := c.doRequestWithResilience(context.Background(), get(srv.URL))
	require.Error(t, err)
	assert.ErrorIs(t, err, errCircuitOpen)
	assert.Equal(t, before, calls.Load())
}

func TestStopsOnCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fastClient("test", 5).doRequestWithResilience(ctx, get(srv.URL))
	var se *airquality.SourceError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, airquality.ClassTransient, se.Class)
	assert.ErrorIs(t, err, context.Canceled)
}

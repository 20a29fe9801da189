package health

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/acs-smtp-relay/internal/metrics"
)

func getStatus(t *testing.T, h http.Handler, path string) (int, Status) {
	t.Helper()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var st Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	return rec.Code, st
}

func TestHealth(t *testing.T) {
	t.Parallel()

	c := metrics.NewCollector()
	c.ConnectionOpened()
	c.EmailSent()

	code, st := getStatus(t, New(":0", c).Handler(), "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", st.Status)
	assert.Equal(t, Version, st.Version)
	assert.Positive(t, st.Timestamp)
	require.NotNil(t, st.Metrics)
	assert.Equal(t, uint64(1), st.Metrics.EmailsSentTotal)
	assert.Equal(t, uint64(1), st.Metrics.ConnectionsTotal)
	assert.Equal(t, 100.0, st.Metrics.SuccessRatePercent)
}

func TestReady(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		sent   int
		failed int
		want   string
	}{
		{"no traffic", 0, 0, "healthy"},
		{"mostly failing but few sent", 5, 20, "healthy"},
		{"mostly failing", 11, 20, "degraded"},
		{"mostly succeeding", 20, 5, "healthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := metrics.NewCollector()
			for range tt.sent {
				c.EmailSent()
			}
			for range tt.failed {
				c.EmailFailed("api_request")
			}

			_, st := getStatus(t, New(":0", c).Handler(), "/ready")
			assert.Equal(t, tt.want, st.Status)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	c := metrics.NewCollector()
	c.BytesProcessed(10)

	rec := httptest.NewRecorder()
	New(":0", c).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "acs_smtp_relay_smtp_bytes_processed_total 10")
}

func TestUnknownPath(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	New(":0", metrics.NewCollector()).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServe_Shutdown(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := New(ln.Addr().String(), metrics.NewCollector())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

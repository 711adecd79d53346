package httpd

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "seatwatch/pkg/logx"
)

func newTestService(ready error) *Service {
	reg := prometheus.NewRegistry()
	promauto.With(reg).NewCounter(prometheus.CounterOpts{Name: "seatwatch_test_total", Help: "test"}).Inc()
	return New(Config{}, Sources{
		Gatherer: reg,
		Status:   func() any { return map[string]int{"records": 3} },
		Ready:    func() error { return ready },
	}, logx.Nop())
}

func get(t *testing.T, h http.Handler, path, auth string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", "Bearer "+auth)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	body, _ := io.ReadAll(rr.Body)
	return rr.Code, string(body)
}

func TestEndpoints(t *testing.T) {
	h := newTestService(nil).Handler(Config{})

	code, body := get(t, h, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)

	code, body = get(t, h, "/metrics", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "seatwatch_test_total 1")

	code, body = get(t, h, "/status", "")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"records":3}`, body)

	code, _ = get(t, h, "/debug/pprof/", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestReadyReportsError(t *testing.T) {
	h := newTestService(errors.New("tracker not started")).Handler(Config{})
	code, body := get(t, h, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, "tracker not started")
}

func TestTokenAuth(t *testing.T) {
	h := newTestService(nil).Handler(Config{Token: "s3cret", Pprof: true})

	code, _ := get(t, h, "/healthz", "")
	assert.Equal(t, http.StatusOK, code, "health stays open")

	code, _ = get(t, h, "/metrics", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = get(t, h, "/metrics", "wrong")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = get(t, h, "/metrics", "s3cret")
	assert.Equal(t, http.StatusOK, code)
	code, _ = get(t, h, "/status?token=s3cret", "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = get(t, h, "/debug/pprof/", "s3cret")
	assert.Equal(t, http.StatusOK, code)
}

func TestServeAndReconfigure(t *testing.T) {
	s := newTestService(nil)
	ctx := context.Background()
	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})

	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	s.Reconfigure(stopCtx, Config{Enabled: false})
	assert.Empty(t, s.Addr())
}

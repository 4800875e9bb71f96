package ops

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(ready func(context.Context) error) *Server {
	return New(&Config{
		AuthToken: "ops-token",
		Log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			io.WriteString(w, "quorum_requests_created_total 0\n")
		}),
		Ready: ready,
	})
}

func do(t *testing.T, h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthEndpoints(t *testing.T) {
	var deviceErr error
	srv := newTestServer(func(context.Context) error { return deviceErr })
	h := srv.Router()

	rr := do(t, h, http.MethodGet, "/livez", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"alive"}`, rr.Body.String())

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/readyz", "").Code)

	deviceErr = errors.New("hsm unreachable")
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/readyz", "").Code)

	rr = do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "quorum_requests_created_total")
}

func TestDrain(t *testing.T) {
	srv := newTestServer(nil)
	h := srv.Router()

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodPost, "/admin/drain", "").Code)

	rr := do(t, h, http.MethodPost, "/admin/drain", "ops-token")
	assert.JSONEq(t, `{"status":"draining"}`, rr.Body.String())
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/readyz", "").Code)

	rr = do(t, h, http.MethodPost, "/admin/drain", "ops-token")
	assert.JSONEq(t, `{"status":"already draining"}`, rr.Body.String())

	rr = do(t, h, http.MethodPost, "/admin/undrain", "ops-token")
	assert.JSONEq(t, `{"status":"ready"}`, rr.Body.String())
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/readyz", "").Code)
}

func TestShutdownRequest(t *testing.T) {
	srv := newTestServer(nil)
	h := srv.Router()

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodPost, "/admin/shutdown", "guess").Code)
	select {
	case <-srv.ShutdownRequested():
		t.Fatal("unauthenticated request triggered shutdown")
	default:
	}

	rr := do(t, h, http.MethodPost, "/admin/shutdown", "ops-token")
	require.Equal(t, http.StatusAccepted, rr.Code)
	select {
	case reason := <-srv.ShutdownRequested():
		assert.Contains(t, reason, "operator request")
	default:
		t.Fatal("shutdown not signalled")
	}
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/readyz", "").Code)

	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodGet, "/admin/shutdown", "ops-token").Code)
}

func TestShutdownRejectedWithoutConfiguredToken(t *testing.T) {
	srv := New(&Config{Log: slog.New(slog.NewTextHandler(io.Discard, nil))})
	assert.Equal(t, http.StatusUnauthorized, do(t, srv.Router(), http.MethodPost, "/admin/shutdown", "").Code)
}

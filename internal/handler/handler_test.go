package handler

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"tlu-gateway/internal/config"
	"tlu-gateway/internal/fetch"
	"tlu-gateway/internal/metrics"
	"tlu-gateway/internal/middleware"
	"tlu-gateway/internal/model"
	"tlu-gateway/internal/service"
)

// fakeUpstream answers every call with the same response or error and
// records what it was asked.
type fakeUpstream struct {
	mu     sync.Mutex
	status int
	ctype  string
	body   string
	err    error
	reqs   []*model.UpstreamRequest
}

func (f *fakeUpstream) Do(_ context.Context, req *model.UpstreamRequest) (*model.UpstreamResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	h := http.Header{}
	if f.ctype != "" {
		h.Set("Content-Type", f.ctype)
	}
	return &model.UpstreamResponse{StatusCode: f.status, Header: h, Body: []byte(f.body)}, nil
}

func (f *fakeUpstream) calls() []*model.UpstreamRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*model.UpstreamRequest(nil), f.reqs...)
}

func connReset() error {
	return &net.OpError{Op: "read", Net: "tcp", Err: os.NewSyscallError("read", syscall.ECONNRESET)}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{BaseURL: "https://sis.example.edu"},
		OAuth: config.OAuthConfig{
			TokenPath:    "/education/oauth/token",
			ClientID:     "education_client",
			ClientSecret: "password",
			GrantType:    "password",
		},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// newTestGateway assembles the gateway the way the binary does, over a fake upstream.
func newTestGateway(t *testing.T, up fetch.Doer) *echo.Echo {
	t.Helper()
	cfg := testConfig()
	logger := testLogger()
	m := metrics.New()

	engine := fetch.NewEngineWithPolicy(up, fetch.Policy{
		MaxRetries:           5,
		InitialDelay:         time.Millisecond,
		DelayStep:            time.Millisecond,
		DowngradeAtRemaining: 3,
		Downgrade:            true,
		Deadline:             5 * time.Second,
	}, logger, m)

	auth, err := service.NewAuthService(engine, cfg, logger)
	if err != nil {
		t.Fatalf("NewAuthService: %v", err)
	}
	proxy, err := service.NewProxyService(up, engine, cfg, logger, m)
	if err != nil {
		t.Fatalf("NewProxyService: %v", err)
	}

	e := echo.New()
	e.HTTPErrorHandler = NewErrorHandler(logger)
	e.Pre(middleware.CORS())
	e.Use(echomw.Recover())
	e.Use(middleware.MetricsMiddleware(m))

	d := NewDispatcher(NewLoginHandler(auth, logger), NewProxyHandler(proxy, logger), logger)
	RegisterRoutes(e, d, NewHealthHandler(cfg, "test"), cfg, m)
	return e
}

// writeCounter counts WriteHeader calls reaching the client.
type writeCounter struct {
	*httptest.ResponseRecorder
	headerWrites int
}

func (w *writeCounter) WriteHeader(code int) {
	w.headerWrites++
	w.ResponseRecorder.WriteHeader(code)
}

func (w *writeCounter) Write(b []byte) (int, error) {
	if w.headerWrites == 0 {
		w.headerWrites++
	}
	return w.ResponseRecorder.Write(b)
}

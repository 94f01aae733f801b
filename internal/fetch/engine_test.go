package fetch

import (
	"bufio"
	"context"
	"errors"
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

	"tlu-gateway/internal/client"
	"tlu-gateway/internal/config"
	"tlu-gateway/internal/metrics"
	"tlu-gateway/internal/model"
)

// scriptedDoer answers calls from per-scheme scripts and records the scheme
// of every call. When a script runs out its last step repeats.
type scriptedDoer struct {
	mu     sync.Mutex
	https  []step
	http   []step
	calls  []string
	onCall func(n int)
}

type step struct {
	status int
	err    error
}

func (d *scriptedDoer) Do(_ context.Context, req *model.UpstreamRequest) (*model.UpstreamResponse, error) {
	d.mu.Lock()
	d.calls = append(d.calls, req.Scheme)
	n := len(d.calls)
	script := &d.https
	if req.Scheme == model.SchemeHTTP {
		script = &d.http
	}
	var s step
	switch len(*script) {
	case 0:
		s = step{status: http.StatusOK}
	case 1:
		s = (*script)[0]
	default:
		s = (*script)[0]
		*script = (*script)[1:]
	}
	onCall := d.onCall
	d.mu.Unlock()

	if onCall != nil {
		onCall(n)
	}
	if s.err != nil {
		return nil, s.err
	}
	return &model.UpstreamResponse{StatusCode: s.status, Header: http.Header{}, Body: []byte(`{}`)}, nil
}

func (d *scriptedDoer) schemes() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func connReset() error {
	return &net.OpError{Op: "read", Net: "tcp", Err: os.NewSyscallError("read", syscall.ECONNRESET)}
}

func connRefused() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
}

func testPolicy() Policy {
	return Policy{
		MaxRetries:           5,
		InitialDelay:         time.Millisecond,
		DelayStep:            time.Millisecond,
		DowngradeAtRemaining: 3,
		Downgrade:            true,
		Deadline:             10 * time.Second,
	}
}

func newTestEngine(d Doer, p Policy) *Engine {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngineWithPolicy(d, p, logger, metrics.New())
}

func httpsRequest() *model.UpstreamRequest {
	return &model.UpstreamRequest{
		Method: http.MethodGet,
		Scheme: model.SchemeHTTPS,
		Target: "/education/api/semester/1",
		Header: http.Header{},
	}
}

func count(schemes []string, scheme string) int {
	n := 0
	for _, s := range schemes {
		if s == scheme {
			n++
		}
	}
	return n
}

func TestFetch_SucceedsFirstTry(t *testing.T) {
	d := &scriptedDoer{https: []step{{status: http.StatusOK}}}
	e := newTestEngine(d, testPolicy())

	resp, err := e.Fetch(context.Background(), httpsRequest())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if got := len(d.schemes()); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestFetch_ClientErrorsAreNotRetried(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusInternalServerError, http.StatusNotImplemented} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			d := &scriptedDoer{https: []step{{status: status}}}
			e := newTestEngine(d, testPolicy())

			resp, err := e.Fetch(context.Background(), httpsRequest())
			if err != nil {
				t.Fatalf("Fetch() error = %v", err)
			}
			if resp.StatusCode != status {
				t.Errorf("StatusCode = %d, want %d", resp.StatusCode, status)
			}
			if got := len(d.schemes()); got != 1 {
				t.Errorf("calls = %d, want 1", got)
			}
		})
	}
}

func TestFetch_RetriesBadGatewayThenSucceeds(t *testing.T) {
	d := &scriptedDoer{https: []step{
		{status: http.StatusBadGateway},
		{status: http.StatusServiceUnavailable},
		{status: http.StatusOK},
	}}
	e := newTestEngine(d, testPolicy())

	resp, err := e.Fetch(context.Background(), httpsRequest())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if got := d.schemes(); len(got) != 3 || count(got, model.SchemeHTTP) != 0 {
		t.Errorf("calls = %v, want three https calls", got)
	}
}

func TestFetch_ExhaustedReturnsTerminalError(t *testing.T) {
	d := &scriptedDoer{
		https: []step{{status: http.StatusGatewayTimeout}},
		http:  []step{{status: http.StatusBadGateway}},
	}
	e := newTestEngine(d, testPolicy())

	resp, err := e.Fetch(context.Background(), httpsRequest())
	if err == nil {
		t.Fatal("Fetch() expected error after exhausting retries, got nil")
	}
	if resp != nil {
		t.Errorf("Fetch() returned a response alongside error: %+v", resp)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("error = %v, want StatusError 504", err)
	}

	got := d.schemes()
	if n := count(got, model.SchemeHTTPS); n != 6 {
		t.Errorf("https calls = %d, want 6 (initial + 5 retries)", n)
	}
	if n := count(got, model.SchemeHTTP); n != 1 {
		t.Errorf("http probes = %d, want exactly 1", n)
	}
}

func TestFetch_DowngradeProbeFiresOnceAfterRepeatedFailures(t *testing.T) {
	d := &scriptedDoer{
		https: []step{{err: connReset()}},
		http:  []step{{err: connReset()}},
	}
	e := newTestEngine(d, testPolicy())

	_, err := e.Fetch(context.Background(), httpsRequest())
	if err == nil {
		t.Fatal("Fetch() expected error, got nil")
	}
	if Code(err) != CodeConnReset {
		t.Errorf("Code(err) = %q, want %q", Code(err), CodeConnReset)
	}

	got := d.schemes()
	if n := count(got, model.SchemeHTTP); n != 1 {
		t.Fatalf("http probes = %d, want exactly 1 (calls %v)", n, got)
	}
	first := -1
	for i, s := range got {
		if s == model.SchemeHTTP {
			first = i
			break
		}
	}
	if failedBefore := count(got[:first], model.SchemeHTTPS); failedBefore < 2 {
		t.Errorf("probe fired after %d https failures, want at least 2", failedBefore)
	}
	for _, s := range got[first+1:] {
		if s != model.SchemeHTTPS {
			t.Errorf("chain after failed probe used %q, want https", s)
		}
	}
}

func TestFetch_DowngradeProbeSuccessIsReturned(t *testing.T) {
	d := &scriptedDoer{
		https: []step{{err: &TransportError{Code: CodeProtocol, Retryable: true, Err: http.ErrSchemeMismatch}}},
		http:  []step{{status: http.StatusOK}},
	}
	e := newTestEngine(d, testPolicy())

	resp, err := e.Fetch(context.Background(), httpsRequest())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	got := d.schemes()
	if count(got, model.SchemeHTTPS) != 3 || count(got, model.SchemeHTTP) != 1 {
		t.Errorf("calls = %v, want 3 https then 1 http", got)
	}
}

func TestFetch_NoDowngradeForPlainUpstream(t *testing.T) {
	d := &scriptedDoer{http: []step{{err: connReset()}}}
	e := newTestEngine(d, testPolicy())

	req := httpsRequest()
	req.Scheme = model.SchemeHTTP
	if _, err := e.Fetch(context.Background(), req); err == nil {
		t.Fatal("Fetch() expected error, got nil")
	}
	if got := len(d.schemes()); got != 6 {
		t.Errorf("calls = %d, want 6", got)
	}
}

func TestFetch_DowngradeDisabled(t *testing.T) {
	d := &scriptedDoer{https: []step{{err: connReset()}}}
	p := testPolicy()
	p.Downgrade = false
	e := newTestEngine(d, p)

	if _, err := e.Fetch(context.Background(), httpsRequest()); err == nil {
		t.Fatal("Fetch() expected error, got nil")
	}
	if n := count(d.schemes(), model.SchemeHTTP); n != 0 {
		t.Errorf("http probes = %d, want 0", n)
	}
}

func TestFetch_FatalErrorNotRetried(t *testing.T) {
	d := &scriptedDoer{https: []step{{err: connRefused()}}}
	e := newTestEngine(d, testPolicy())

	_, err := e.Fetch(context.Background(), httpsRequest())
	if err == nil {
		t.Fatal("Fetch() expected error, got nil")
	}
	if Code(err) != CodeConnRefused {
		t.Errorf("Code(err) = %q, want %q", Code(err), CodeConnRefused)
	}
	if got := len(d.schemes()); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestFetch_ZeroRetriesMakesOneAttempt(t *testing.T) {
	d := &scriptedDoer{https: []step{{err: connReset()}}}
	p := testPolicy()
	p.MaxRetries = 0
	e := newTestEngine(d, p)

	_, err := e.Fetch(context.Background(), httpsRequest())
	if Code(err) != CodeConnReset {
		t.Errorf("Code(err) = %q, want %q", Code(err), CodeConnReset)
	}
	if got := d.schemes(); len(got) != 1 || got[0] != model.SchemeHTTPS {
		t.Errorf("calls = %v, want one https attempt", got)
	}
}

func TestFetch_CanceledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := &scriptedDoer{
		https:  []step{{err: connReset()}},
		onCall: func(int) { cancel() },
	}
	p := testPolicy()
	p.InitialDelay = time.Minute
	e := newTestEngine(d, p)

	done := make(chan error, 1)
	go func() {
		_, err := e.Fetch(ctx, httpsRequest())
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Fetch() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Fetch() did not return after cancellation")
	}
	if got := len(d.schemes()); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestFetch_DeadlineBoundsChain(t *testing.T) {
	d := &scriptedDoer{https: []step{{err: connReset()}}}
	p := testPolicy()
	p.InitialDelay = time.Minute
	p.Deadline = 50 * time.Millisecond
	e := newTestEngine(d, p)

	start := time.Now()
	_, err := e.Fetch(context.Background(), httpsRequest())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Fetch() error = %v, want context.DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Fetch() took %v, deadline not enforced", elapsed)
	}
}

func TestRetryState_DelayNonDecreasing(t *testing.T) {
	p := testPolicy()
	p.DelayStep = time.Second
	st := RetryState{AttemptsRemaining: 5, Delay: time.Second, Scheme: model.SchemeHTTPS}

	prev := st.Delay
	for st.AttemptsRemaining > 0 {
		st = st.next(p.DelayStep)
		if st.Delay < prev {
			t.Fatalf("delay decreased: %v -> %v", prev, st.Delay)
		}
		prev = st.Delay
	}
	if st.Delay != 6*time.Second {
		t.Errorf("final delay = %v, want 6s", st.Delay)
	}
}

func TestRetryState_ShouldDowngrade(t *testing.T) {
	p := testPolicy()
	tests := []struct {
		name string
		st   RetryState
		want bool
	}{
		{"too early", RetryState{AttemptsRemaining: 4, Scheme: model.SchemeHTTPS}, false},
		{"at threshold", RetryState{AttemptsRemaining: 3, Scheme: model.SchemeHTTPS}, true},
		{"below threshold", RetryState{AttemptsRemaining: 1, Scheme: model.SchemeHTTPS}, true},
		{"already attempted", RetryState{AttemptsRemaining: 2, Scheme: model.SchemeHTTPS, DowngradeAttempted: true}, false},
		{"plain http chain", RetryState{AttemptsRemaining: 2, Scheme: model.SchemeHTTP}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.st.shouldDowngrade(p); got != tt.want {
				t.Errorf("shouldDowngrade() = %v, want %v", got, tt.want)
			}
		})
	}
}

// tlsRejectingListener answers TLS handshakes with a plain HTTP error and
// hands plain connections to the HTTP server.
type tlsRejectingListener struct {
	net.Listener
}

func (l tlsRejectingListener) Accept() (net.Conn, error) {
	for {
		c, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		br := bufio.NewReader(c)
		first, err := br.Peek(1)
		if err != nil {
			_ = c.Close()
			continue
		}
		if first[0] == 0x16 { // TLS handshake record
			_, _ = c.Write([]byte("HTTP/1.1 400 Bad Request\r\nConnection: close\r\n\r\n"))
			_ = c.Close()
			continue
		}
		return &peekedConn{Conn: c, r: br}, nil
	}
}

type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// TestFetch_DowngradeAgainstRealUpstream points an https chain at an upstream
// that only speaks plain http: every https attempt fails the TLS handshake,
// the http probe gets through.
func TestFetch_DowngradeAgainstRealUpstream(t *testing.T) {
	upstream := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	upstream.Listener = tlsRejectingListener{Listener: upstream.Listener}
	upstream.Start()
	defer upstream.Close()

	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			BaseURL:        "https://" + upstream.Listener.Addr().String(),
			TimeoutSeconds: 5,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	uc, err := client.NewUpstreamClient(cfg, logger, nil)
	if err != nil {
		t.Fatalf("NewUpstreamClient: %v", err)
	}
	e := newTestEngine(uc, testPolicy())

	resp, err := e.Fetch(context.Background(), httpsRequest())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if string(resp.Body) != `{"ok":true}` {
		t.Errorf("body = %q", string(resp.Body))
	}
}

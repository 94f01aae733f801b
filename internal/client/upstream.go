// Package client provides the upstream HTTP client for the student-information system.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"tlu-gateway/internal/config"
	"tlu-gateway/internal/metrics"
	"tlu-gateway/internal/model"
)

// ErrResponseTooLarge is returned when an upstream body exceeds upstream.max_response_bytes.
var ErrResponseTooLarge = errors.New("upstream response exceeds size limit")

// UpstreamClient sends requests to the upstream. It keeps one http.Client per
// scheme; both have keep-alive disabled so a poisoned connection on the flaky
// upstream is never reused by another request.
type UpstreamClient struct {
	baseURL *url.URL
	secure  *http.Client
	plain   *http.Client
	maxBody int64
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient from config.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*UpstreamClient, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	dialer := &net.Dialer{Timeout: 30 * time.Second}

	secureTransport := &http.Transport{
		DisableKeepAlives:   true,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: 15 * time.Second,
		TLSClientConfig: &tls.Config{
			// The upstream serves an incomplete certificate chain.
			InsecureSkipVerify: !cfg.Upstream.VerifyTLS, //nolint:gosec // opt-in via upstream.verify_tls
		},
	}
	plainTransport := &http.Transport{
		DisableKeepAlives: true,
		DialContext:       dialer.DialContext,
	}

	timeout := cfg.Upstream.Timeout()
	return &UpstreamClient{
		baseURL: u,
		secure:  &http.Client{Transport: secureTransport, Timeout: timeout},
		plain:   &http.Client{Transport: plainTransport, Timeout: timeout},
		maxBody: cfg.Upstream.MaxResponseBytes,
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}, nil
}

// BaseURL returns a copy of the configured upstream base URL.
func (c *UpstreamClient) BaseURL() *url.URL {
	u := *c.baseURL
	return &u
}

// Do executes one upstream call and buffers the whole response body. Any
// status code is a successful call here; classification is the caller's job.
// The context controls the lifetime of the call: when it is canceled (e.g.
// the client disconnects) the upstream request is canceled too.
func (c *UpstreamClient) Do(ctx context.Context, ur *model.UpstreamRequest) (*model.UpstreamResponse, error) {
	target, err := c.resolve(ur)
	if err != nil {
		return nil, err
	}

	var body io.Reader = http.NoBody
	if len(ur.Body) > 0 {
		body = bytes.NewReader(ur.Body)
	}
	req, err := http.NewRequestWithContext(ctx, ur.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if ur.Header != nil {
		req.Header = ur.Header.Clone()
	}

	hc := c.secure
	if ur.Scheme == model.SchemeHTTP {
		hc = c.plain
	}

	c.logger.Debug("upstream request",
		"method", ur.Method,
		"scheme", ur.Scheme,
		"target", ur.Target,
	)

	start := time.Now()
	resp, err := hc.Do(req)
	method := metrics.NormalizeMethod(ur.Method)

	if err != nil {
		c.observe(method, ur.Scheme, start, 0)
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := c.readBody(resp.Body)
	c.observe(method, ur.Scheme, start, resp.StatusCode)
	if err != nil {
		return nil, err
	}

	return &model.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

// resolve joins the base URL, the request scheme and the request target.
func (c *UpstreamClient) resolve(ur *model.UpstreamRequest) (string, error) {
	scheme := ur.Scheme
	if scheme == "" {
		scheme = c.baseURL.Scheme
	}
	raw := scheme + "://" + c.baseURL.Host + c.baseURL.Path + ur.Target
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("build upstream url: %w", err)
	}
	return u.String(), nil
}

func (c *UpstreamClient) readBody(r io.Reader) ([]byte, error) {
	if c.maxBody <= 0 {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("read upstream body: %w", err)
		}
		return data, nil
	}
	data, err := io.ReadAll(io.LimitReader(r, c.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	if int64(len(data)) > c.maxBody {
		return nil, ErrResponseTooLarge
	}
	return data, nil
}

func (c *UpstreamClient) observe(method, scheme string, start time.Time, status int) {
	if c.metrics == nil {
		return
	}
	c.metrics.UpstreamDuration.WithLabelValues(method, scheme).Observe(time.Since(start).Seconds())
	if status > 0 {
		c.metrics.UpstreamResponses.WithLabelValues(method, scheme, strconv.Itoa(status)).Inc()
	}
}

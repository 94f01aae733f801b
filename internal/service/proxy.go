// Package service implements login and proxy forwarding against the upstream.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"tlu-gateway/internal/config"
	"tlu-gateway/internal/fetch"
	"tlu-gateway/internal/metrics"
	"tlu-gateway/internal/model"
	"tlu-gateway/internal/schedule"
)

// The upstream rejects requests that do not look like they come from its web client.
const (
	browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/120.0.0.0 Safari/537.36"
	acceptHeader     = "application/json, text/plain, */*"
)

// scheduleEndpoint returns the full schedule object graph; it is sanitised
// before reaching the client.
const scheduleEndpoint = "StudentCourseSubject/studentLoginUser"

// cookieEndpoints authenticate with the token cookie instead of Authorization.
var cookieEndpoints = []string{
	"registerperiod/find",
	"semestersubjectexamroom",
}

// unsafeMethods are sent exactly once: a retry could register a student twice.
var unsafeMethods = map[string]bool{
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodDelete: true,
	http.MethodPatch:  true,
}

// ProxyService forwards client requests to the upstream.
type ProxyService struct {
	doer    fetch.Doer
	engine  *fetch.Engine
	scheme  string
	referer string
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewProxyService creates a ProxyService. Unsafe methods go straight to d;
// everything else goes through e. The metrics parameter is optional.
func NewProxyService(d fetch.Doer, e *fetch.Engine, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*ProxyService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}
	return &ProxyService{
		doer:    d,
		engine:  e,
		scheme:  u.Scheme,
		referer: strings.TrimSuffix(u.String(), "/") + "/",
		logger:  logger.With("component", "proxy_service"),
		metrics: m,
	}, nil
}

// Forward relays pr to the upstream and returns what the client should see.
// Upstream application errors (status < 502) are results, not errors.
func (s *ProxyService) Forward(ctx context.Context, pr *model.ProxyRequest) (*model.ProxyResult, error) {
	ur := &model.UpstreamRequest{
		Method: pr.Method,
		Scheme: s.scheme,
		Target: pr.Target,
		Header: s.buildHeaders(pr),
	}

	if pr.Method != http.MethodGet && pr.Method != http.MethodHead && len(pr.Body) > 0 {
		body, err := encodeBody(pr.Header.Get("Content-Type"), pr.Body)
		if err != nil {
			return nil, err
		}
		ur.Body = body
		ur.Header.Set("Content-Type", "application/json")
	}

	if unsafeMethods[pr.Method] {
		return s.sendOnce(ctx, ur)
	}
	return s.fetch(ctx, ur)
}

func (s *ProxyService) buildHeaders(pr *model.ProxyRequest) http.Header {
	h := http.Header{}
	h.Set("User-Agent", browserUserAgent)
	h.Set("Referer", s.referer)
	h.Set("Accept", acceptHeader)

	auth := pr.Header.Get("Authorization")
	if auth == "" {
		return h
	}
	h.Set("Authorization", auth)
	if needsTokenCookie(pr.Target) {
		h.Set("Cookie", tokenCookie(auth))
	}
	return h
}

func needsTokenCookie(target string) bool {
	for _, p := range cookieEndpoints {
		if strings.Contains(target, p) {
			return true
		}
	}
	return false
}

// sendOnce issues a non-idempotent call with no retry and no downgrade.
func (s *ProxyService) sendOnce(ctx context.Context, ur *model.UpstreamRequest) (*model.ProxyResult, error) {
	s.logger.Info("sending non-idempotent request once", "method", ur.Method, "target", ur.Target)

	resp, err := s.doer.Do(ctx, ur)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", ur.Method, ur.Target, err)
	}

	s.logger.Debug("non-idempotent response", "method", ur.Method, "status", resp.StatusCode)

	contentType := "text/html; charset=utf-8"
	if json.Valid(resp.Body) {
		contentType = "application/json"
	}
	return &model.ProxyResult{
		StatusCode:  resp.StatusCode,
		ContentType: contentType,
		Body:        resp.Body,
	}, nil
}

// fetch runs a safe call through the retry engine.
func (s *ProxyService) fetch(ctx context.Context, ur *model.UpstreamRequest) (*model.ProxyResult, error) {
	resp, err := s.engine.Fetch(ctx, ur)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", ur.Method, ur.Target, err)
	}

	if strings.Contains(ur.Target, scheduleEndpoint) && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		clean, err := schedule.Sanitize(resp.Body)
		if err == nil {
			s.logger.Debug("schedule sanitized", "in_bytes", len(resp.Body), "out_bytes", len(clean))
			return &model.ProxyResult{
				StatusCode:  http.StatusOK,
				ContentType: "application/json",
				Body:        clean,
			}, nil
		}
		s.logger.Warn("schedule sanitizer failed, passing raw body through",
			"err", err,
			"target", ur.Target,
			"bytes", len(resp.Body),
		)
		if s.metrics != nil {
			s.metrics.SanitizerFallbacks.Inc()
		}
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	return &model.ProxyResult{
		StatusCode:  resp.StatusCode,
		ContentType: contentType,
		Body:        resp.Body,
	}, nil
}

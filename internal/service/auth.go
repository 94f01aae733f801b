package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"tlu-gateway/internal/config"
	"tlu-gateway/internal/fetch"
	"tlu-gateway/internal/model"
)

// ErrInvalidTokenResponse is returned when the token endpoint answers with a
// body that is not JSON (typically an HTML maintenance page).
var ErrInvalidTokenResponse = errors.New("token endpoint returned a non-JSON body")

// AuthService exchanges student credentials for an upstream OAuth token.
type AuthService struct {
	engine *fetch.Engine
	oauth  config.OAuthConfig
	scheme string
	logger *slog.Logger
}

// NewAuthService creates an AuthService.
func NewAuthService(e *fetch.Engine, cfg *config.Config, logger *slog.Logger) (*AuthService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}
	return &AuthService{
		engine: e,
		oauth:  cfg.OAuth,
		scheme: u.Scheme,
		logger: logger.With("component", "auth_service"),
	}, nil
}

// Login performs the password grant. Missing credentials are sent as empty
// strings; the upstream decides whether they are acceptable. The upstream
// status and JSON body are returned unchanged, 4xx included.
func (s *AuthService) Login(ctx context.Context, creds model.Credentials) (*model.LoginResult, error) {
	form := url.Values{}
	form.Set("client_id", s.oauth.ClientID)
	form.Set("client_secret", s.oauth.ClientSecret)
	form.Set("grant_type", s.oauth.GrantType)
	form.Set("username", creds.StudentCode)
	form.Set("password", creds.Password)

	req := &model.UpstreamRequest{
		Method: http.MethodPost,
		Scheme: s.scheme,
		Target: s.oauth.TokenPath,
		Header: http.Header{"Content-Type": {"application/x-www-form-urlencoded"}},
		Body:   []byte(form.Encode()),
	}

	s.logger.Debug("requesting token", "student_code", creds.StudentCode)

	resp, err := s.engine.Fetch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	if !json.Valid(resp.Body) {
		return nil, fmt.Errorf("login: %w (status %d)", ErrInvalidTokenResponse, resp.StatusCode)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		s.logger.Info("token request rejected", "status", resp.StatusCode, "student_code", creds.StudentCode)
	}
	return &model.LoginResult{StatusCode: resp.StatusCode, Body: resp.Body}, nil
}

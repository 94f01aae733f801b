// Package model defines shared types for the gateway.
package model

import (
	"net/http"
)

// Upstream URL schemes.
const (
	SchemeHTTPS = "https"
	SchemeHTTP  = "http"
)

// UpstreamRequest is one outbound call against the upstream. Method, Target
// and Body stay fixed across retries; a downgrade probe gets its own copy
// with a different Scheme.
type UpstreamRequest struct {
	Method string
	Scheme string
	Target string // path plus raw query, e.g. "/education/api/x?id=1"
	Header http.Header
	Body   []byte
}

// WithScheme returns a copy of r that targets the given scheme.
func (r *UpstreamRequest) WithScheme(scheme string) *UpstreamRequest {
	cp := *r
	cp.Scheme = scheme
	cp.Header = r.Header.Clone()
	return &cp
}

// UpstreamResponse is a fully buffered upstream response.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ProxyRequest represents a client request to be forwarded upstream.
type ProxyRequest struct {
	Method string
	Target string
	Header http.Header
	Body   []byte
}

// ProxyResult is what the handler writes back to the client.
type ProxyResult struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// Credentials is the body of POST /login. Missing fields stay empty.
type Credentials struct {
	StudentCode string `json:"studentCode"`
	Password    string `json:"password"`
}

// LoginResult carries the upstream token response verbatim.
type LoginResult struct {
	StatusCode int
	Body       []byte
}

// ErrorEnvelope is the body of every gateway-generated error response.
type ErrorEnvelope struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Code    string `json:"code,omitempty"`
}

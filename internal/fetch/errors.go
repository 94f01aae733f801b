package fetch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"syscall"
)

// Transport error codes reported in the gateway error envelope. They follow
// the errno-style names mobile clients already match on.
const (
	CodeConnReset   = "ECONNRESET"
	CodeTimeout     = "ETIMEDOUT"
	CodeProtocol    = "EPROTO"
	CodeConnRefused = "ECONNREFUSED"
	CodeNotFound    = "ENOTFOUND"
	CodeCanceled    = "ECANCELED"
)

// StatusError is an upstream response whose status code counts as a failure
// (502 and above).
type StatusError struct {
	StatusCode int
	Scheme     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d", e.StatusCode)
}

// TransportError is a classified upstream failure.
type TransportError struct {
	Code      string
	Retryable bool
	Err       error
}

func (e *TransportError) Error() string {
	if e.Code == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Classify maps an upstream failure onto the retry taxonomy: connection
// resets, timeouts, TLS protocol errors and 5xx statuses are retryable,
// everything else is fatal.
func Classify(err error) *TransportError {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te
	}

	var (
		statusErr *StatusError
		dnsErr    *net.DNSError
		recordErr tls.RecordHeaderError
		alertErr  tls.AlertError
		netErr    net.Error
	)
	switch {
	case errors.Is(err, context.Canceled):
		return &TransportError{Code: CodeCanceled, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &TransportError{Code: CodeTimeout, Retryable: true, Err: err}
	case errors.As(err, &statusErr):
		return &TransportError{Retryable: true, Err: err}
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return &TransportError{Code: CodeConnReset, Retryable: true, Err: err}
	case errors.Is(err, syscall.ECONNREFUSED):
		return &TransportError{Code: CodeConnRefused, Err: err}
	case errors.As(err, &dnsErr):
		return &TransportError{Code: CodeNotFound, Err: err}
	case errors.Is(err, http.ErrSchemeMismatch),
		errors.Is(err, syscall.EPROTO),
		errors.As(err, &recordErr),
		errors.As(err, &alertErr):
		return &TransportError{Code: CodeProtocol, Retryable: true, Err: err}
	case errors.Is(err, syscall.ETIMEDOUT),
		errors.As(err, &netErr) && netErr.Timeout():
		return &TransportError{Code: CodeTimeout, Retryable: true, Err: err}
	}
	return &TransportError{Err: err}
}

// Code returns the transport error code of err, or "" when it has none.
func Code(err error) string {
	if te := Classify(err); te != nil {
		return te.Code
	}
	return ""
}

// secretPattern matches token-bearing query parameters in URLs embedded in error messages.
var secretPattern = regexp.MustCompile(`(?i)((?:access_token|token|password)=)[^&\s"]+`)

// Redact hides token-bearing query values in an error message before it is logged.
func Redact(err error) string {
	if err == nil {
		return ""
	}
	return secretPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}

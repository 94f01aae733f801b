package service

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"strings"
)

// ErrMalformedBody is returned when a request declared as JSON does not parse.
var ErrMalformedBody = errors.New("malformed request body")

// encodeBody re-serialises an inbound body as JSON for the upstream.
// JSON is compacted, a form becomes an object (repeated keys become arrays)
// and anything else is sent as a JSON string.
func encodeBody(contentType string, body []byte) ([]byte, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)

	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		var buf bytes.Buffer
		if err := json.Compact(&buf, body); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
		}
		return buf.Bytes(), nil

	case mediaType == "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
		}
		obj := make(map[string]any, len(values))
		for k, v := range values {
			if len(v) == 1 {
				obj[k] = v[0]
			} else {
				obj[k] = v
			}
		}
		return marshalNoEscape(obj)

	default:
		return marshalNoEscape(string(body))
	}
}

// marshalNoEscape encodes v without HTML escaping of <, > and &.
func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

type tokenCookiePayload struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// tokenCookie builds the session cookie some upstream endpoints authenticate
// with instead of the Authorization header.
func tokenCookie(authorization string) string {
	token := strings.TrimSpace(strings.Replace(authorization, "Bearer ", "", 1))
	payload, err := marshalNoEscape(tokenCookiePayload{AccessToken: token, TokenType: "bearer"})
	if err != nil {
		// Unreachable for a struct of strings.
		return ""
	}
	return "token=" + encodeURIComponent(string(payload))
}

// encodeURIComponent percent-encodes s like the ECMAScript function of the
// same name, which is what the upstream's web client used to set the cookie.
func encodeURIComponent(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s) * 3)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if uriUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func uriUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	switch c {
	case '-', '_', '.', '!', '~', '*', '\'', '(', ')':
		return true
	}
	return false
}

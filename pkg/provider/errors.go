package provider

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// Normalized upstream error codes. OpenAI and Ollama disagree on bodies and
// on some statuses; callers only ever see these.
const (
	CodeRateLimited  = "rate_limited"
	CodeUnauthorized = "unauthorized"
	CodeBadRequest   = "bad_request"
	CodeNotFound     = "not_found"
	CodeUnavailable  = "unavailable"
	CodeUpstream     = "upstream_error"
)

// UpstreamError is returned by StreamCompletion when the endpoint answers
// with a non-2xx status. No delta has been produced at that point.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Code       string
	Message    string
}

func (e *UpstreamError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("%s upstream error (%d %s): %s", e.Provider, e.StatusCode, e.Code, msg)
}

// Retryable reports whether the caller may reasonably retry later.
func (e *UpstreamError) Retryable() bool {
	if e == nil {
		return false
	}
	return e.Code == CodeRateLimited || e.Code == CodeUnavailable
}

// StreamInterrupted is reported by Stream.Err when the connection was lost
// after the stream opened. Fragments already delivered stay delivered.
type StreamInterrupted struct {
	Provider  string
	Fragments int
	Err       error
}

func (e *StreamInterrupted) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err == nil {
		return fmt.Sprintf("%s stream interrupted after %d fragments", e.Provider, e.Fragments)
	}
	return fmt.Sprintf("%s stream interrupted after %d fragments: %v", e.Provider, e.Fragments, e.Err)
}

func (e *StreamInterrupted) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ErrMissingTerminal marks a body that reached EOF without the [DONE] sentinel.
var ErrMissingTerminal = errors.New("stream ended without terminal marker")

func IsUpstreamError(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}

func IsStreamInterrupted(err error) bool {
	var si *StreamInterrupted
	return errors.As(err, &si)
}

func codeForStatus(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return CodeRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CodeUnauthorized
	case status == http.StatusNotFound:
		return CodeNotFound
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return CodeBadRequest
	// Ollama answers 503 while a model is loading, OpenAI uses 503/529 when overloaded.
	case status == http.StatusServiceUnavailable || status == 529 || status == http.StatusBadGateway || status == http.StatusGatewayTimeout:
		return CodeUnavailable
	default:
		return CodeUpstream
	}
}

// newUpstreamError decodes either `{"error":{"message":...,"code":...}}`
// (OpenAI) or `{"error":"..."}` (Ollama) bodies and falls back to raw text.
func newUpstreamError(providerName string, status int, body []byte) *UpstreamError {
	ue := &UpstreamError{
		Provider:   providerName,
		StatusCode: status,
		Code:       codeForStatus(status),
	}

	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Error) > 0 {
		var detailed struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    any    `json:"code"`
		}
		if err := json.Unmarshal(envelope.Error, &detailed); err == nil && detailed.Message != "" {
			ue.Message = detailed.Message
			if detailed.Type == "insufficient_quota" {
				ue.Code = CodeRateLimited
			}
			return ue
		}
		var plain string
		if err := json.Unmarshal(envelope.Error, &plain); err == nil && plain != "" {
			ue.Message = plain
			if status == http.StatusNotFound || strings.Contains(strings.ToLower(plain), "not found") {
				ue.Code = CodeNotFound
			}
			return ue
		}
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	ue.Message = msg
	return ue
}

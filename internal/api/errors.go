package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrNotFound matches any 404 HTTPError via errors.Is.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyCompleted means the other player finalized the battle first.
	ErrAlreadyCompleted = errors.New("battle already completed")
)

// HTTPError is a non-2xx backend response.
type HTTPError struct {
	Method string
	Path   string
	Status int
	Detail string // backend "detail"/"error" message, or the raw body
}

func (e *HTTPError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, e.Detail)
}

// Is lets errors.Is(err, ErrNotFound) match 404s.
func (e *HTTPError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

func (e *HTTPError) alreadyCompleted() bool {
	if e.Status == http.StatusConflict {
		return true
	}
	return e.Status == http.StatusBadRequest && strings.Contains(strings.ToLower(e.Detail), "already completed")
}

// Message is the user-facing text for err: the backend detail when there is
// one, otherwise err.Error().
func Message(err error) string {
	var he *HTTPError
	if errors.As(err, &he) && he.Detail != "" {
		return he.Detail
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// IsTransient reports whether retrying err might succeed: network failures and
// 5xx responses. Cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status >= 500
	}
	return true
}

// detailOf extracts a message from FastAPI-style {"detail": ...} or
// {"error": ...} bodies, falling back to the trimmed body.
func detailOf(raw []byte) string {
	var body struct {
		Detail json.RawMessage `json:"detail"`
		Error  string          `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if len(body.Detail) > 0 {
			var s string
			if json.Unmarshal(body.Detail, &s) == nil {
				return s
			}
			var items []struct {
				Msg string `json:"msg"`
			}
			if json.Unmarshal(body.Detail, &items) == nil && len(items) > 0 {
				msgs := make([]string, 0, len(items))
				for _, it := range items {
					msgs = append(msgs, it.Msg)
				}
				return strings.Join(msgs, "; ")
			}
			return string(body.Detail)
		}
		if body.Error != "" {
			return body.Error
		}
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

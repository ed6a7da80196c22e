package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/njoerd114/watchledger/internal/provider"
)

// StatusError is returned for any non-2xx response from the REST endpoint.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("remote: HTTP %d: %s", e.StatusCode, e.Message)
}

// newStatusError builds a StatusError from a response body. PostgREST reports
// failures as {"message": ..., "hint": ...}; anything else is kept verbatim.
func newStatusError(code int, body []byte) *StatusError {
	var pe struct {
		Message string `json:"message"`
		Hint    string `json:"hint"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &pe) == nil && pe.Message != "" {
		msg = pe.Message
		if pe.Hint != "" {
			msg += " (" + pe.Hint + ")"
		}
	}
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return &StatusError{StatusCode: code, Message: msg}
}

// retryableStatus reports whether the status code indicates a transient
// server-side condition.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	default:
		return code >= http.StatusInternalServerError
	}
}

// isTransient reports whether err is worth another attempt: transport
// failures, timeouts, 408, 429 and 5xx. Cancellation of the caller's context
// is never transient.
func isTransient(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return retryableStatus(se.StatusCode)
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// classify maps a request failure onto the provider error classes.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case retryableStatus(se.StatusCode):
			return provider.Wrap(provider.ErrNetwork, op, err)
		case se.StatusCode == http.StatusBadRequest || se.StatusCode == http.StatusUnprocessableEntity:
			return provider.Wrap(provider.ErrValidation, op, err)
		default:
			// 401, 403, 404 (unknown table) and friends are configuration problems.
			return provider.Wrap(provider.ErrProvider, op, err)
		}
	}
	var ue *url.Error
	var ne net.Error
	if errors.As(err, &ue) || errors.As(err, &ne) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return provider.Wrap(provider.ErrNetwork, op, err)
	}
	return provider.Wrap(provider.ErrProvider, op, err)
}

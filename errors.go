package relaynet

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// ErrRequestTimeout is returned when a REST attempt exceeds its timeout.
var ErrRequestTimeout = errors.New(ErrTimeoutMessage)

// HTTPError is returned for non-2xx responses that do not carry a structured
// API error body.
type HTTPError struct {
	Method     string
	Path       string
	Route      string
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%d %s on %s %s", e.StatusCode, http.StatusText(e.StatusCode), e.Method, e.Path)
}

// APIError is returned for non-2xx responses whose body is a structured API
// error. Nested field errors are flattened into "path.to.field: message".
type APIError struct {
	HTTPError
	Code    int
	Message string
	Errors  []string
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%d) on %s %s", e.Message, e.Code, e.Method, e.Path)
	for _, fe := range e.Errors {
		b.WriteString("\n  ")
		b.WriteString(fe)
	}
	return b.String()
}

// Unwrap exposes the embedded HTTPError to errors.As.
func (e *APIError) Unwrap() error {
	return &e.HTTPError
}

// CloseError describes a gateway socket close.
type CloseError struct {
	Code   int
	Reason string
	// Fatal is true when the shard will not reconnect on its own.
	Fatal bool
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("gateway closed with code %d", e.Code)
	}
	return fmt.Sprintf("%d: %s", e.Code, e.Reason)
}

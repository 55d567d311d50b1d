package relaynet

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
)

// Requester issues rate-limited REST calls.
//
// Route helpers built on top of this library call Request with a method and
// a path; everything else (bucket selection, global throttling, retries on
// 429 and 502) happens behind it.
//
// Example:
//
//	resp, err := requester.Request(ctx, &relaynet.RequestOptions{
//	    Method: http.MethodPost,
//	    Path:   "/channels/123456789012345678/messages",
//	    Body:   map[string]any{"content": "hello"},
//	    Auth:   true,
//	})
type Requester interface {
	// Request sends the request through the route's bucket and returns the
	// decoded response. A 204 response returns (nil, nil).
	Request(ctx context.Context, opts *RequestOptions) (*Response, error)
}

// Shard is one gateway session.
type Shard interface {
	// ID returns the shard id.
	ID() int

	// Send queues a gateway command. Priority commands may use the bucket's
	// reserved allowance and jump ahead of queued non-priority commands.
	//
	// Returns an error if the shard has no open socket or the payload cannot
	// be encoded. A nil return means the command was queued, not written.
	Send(ctx context.Context, op int, payload any, priority bool) error

	// Status returns the current connection status name.
	Status() string

	// Latency returns the last measured heartbeat round trip.
	Latency() time.Duration
}

// RequestOptions describes one REST call.
type RequestOptions struct {
	Method string
	Path   string

	// Route overrides the bucket key derived from Method and Path.
	Route string

	Query url.Values

	// Body is JSON encoded. With Files it is sent as the payload_json part.
	Body  any
	Files []File

	// Auth sends the configured token. Authenticated requests are subject to
	// the global throttle.
	Auth bool

	// Reason is sent as the audit log reason.
	Reason string

	// Priority requests are queued at the front of their bucket.
	Priority bool

	// Timeout overrides the handler's default request timeout.
	Timeout time.Duration
}

// File is an attachment sent as a multipart part.
type File struct {
	Name   string
	Reader io.Reader
}

// Response is a decoded 2xx response.
type Response struct {
	StatusCode int
	Header     http.Header

	// Body is the raw response body.
	Body []byte

	// Data holds the parsed body for JSON responses.
	Data any
}

// Decode unmarshals the raw body into v.
func (r *Response) Decode(v any) error {
	return json.Unmarshal(r.Body, v)
}

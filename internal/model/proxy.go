// Package model defines shared types for the proxy pipeline.
package model

import (
	"context"
	"net/http"
	"net/url"

	uuid "github.com/satori/go.uuid"
)

// InterceptedRequest is a client request captured by the interception shell.
// It is owned by a single pipeline invocation and must not be mutated.
type InterceptedRequest struct {
	ID     uuid.UUID
	Ctx    context.Context // cancelled when the client goes away
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
}

// Context returns the request context, falling back to context.Background.
func (r *InterceptedRequest) Context() context.Context {
	if r.Ctx == nil {
		return context.Background()
	}
	return r.Ctx
}

// RewriteDecision is the outcome of routing an intercepted request.
// URL and Header are only set when InScope is true.
type RewriteDecision struct {
	InScope      bool
	OriginalHost string
	URL          *url.URL
	Header       http.Header
}

// UpstreamResponse is the fully read backend response.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Encoding lists content codings still applied to Body because they could
	// not be decoded. Empty when Body is plain.
	Encoding string
}

// RelayedResponse is what the interception shell sends back to the client.
type RelayedResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

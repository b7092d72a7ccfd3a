// Package relay converts a backend response into the client-facing response.
package relay

import (
	"bytes"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/samber/lo"

	"rewrite-proxy-go/internal/model"
)

// framingHeaders describe message length/encoding. The body is relayed decoded
// and re-framed by the shell, so these must not be copied.
var framingHeaders = []string{
	"content-encoding",
	"transfer-encoding",
	"content-length",
}

// RelayError signals a malformed UpstreamResponse. It indicates a forwarder bug.
type RelayError struct {
	Reason string
}

func (e *RelayError) Error() string {
	return "relay: " + e.Reason
}

// Relay copies status and body verbatim and drops the framing headers,
// matched case-insensitively. All other header keys keep their spelling.
// Codings the forwarder could not undo are declared again in Content-Encoding.
func Relay(resp *model.UpstreamResponse) (*model.RelayedResponse, error) {
	if resp == nil {
		return nil, &RelayError{Reason: "nil upstream response"}
	}
	if resp.StatusCode < 100 || resp.StatusCode > 599 {
		return nil, &RelayError{Reason: fmt.Sprintf("status code %d out of range", resp.StatusCode)}
	}

	header := FilterHeaders(resp.Header)
	if resp.Encoding != "" {
		header.Set("Content-Encoding", resp.Encoding)
	}
	return &model.RelayedResponse{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       bytes.Clone(resp.Body),
	}, nil
}

// FilterHeaders returns a deep copy of h without framing headers.
func FilterHeaders(h http.Header) http.Header {
	kept := lo.OmitBy(h, func(key string, _ []string) bool {
		return lo.Contains(framingHeaders, strings.ToLower(key))
	})
	out := make(http.Header, len(kept))
	for key, vals := range kept {
		out[key] = slices.Clone(vals)
	}
	return out
}

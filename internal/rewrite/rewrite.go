// Package rewrite turns an in-scope request into one addressed to the backend.
package rewrite

import (
	"fmt"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"rewrite-proxy-go/internal/model"
	"rewrite-proxy-go/internal/scope"
)

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// Backend is the fixed destination of rewritten requests.
type Backend struct {
	Host string
	Port string // empty keeps the port of the original request
}

// ParseBackend parses "host", "ip", "host:port" or "[ipv6]:port".
func ParseBackend(addr string) (Backend, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return Backend{}, fmt.Errorf("backend address is empty")
	}
	if strings.ContainsAny(addr, "/?#@") {
		return Backend{}, fmt.Errorf("backend address %q must not contain a scheme, path or userinfo", addr)
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		// No port. A bare IPv6 literal may or may not be bracketed.
		host = strings.TrimSuffix(strings.TrimPrefix(addr, "["), "]")
		if strings.Contains(host, ":") && net.ParseIP(host) == nil {
			return Backend{}, fmt.Errorf("backend address %q: %w", addr, err)
		}
		return Backend{Host: host}, nil
	}
	if host == "" {
		return Backend{}, fmt.Errorf("backend address %q has no host", addr)
	}
	if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
		return Backend{}, fmt.Errorf("backend address %q has invalid port %q", addr, port)
	}
	return Backend{Host: host, Port: port}, nil
}

// String returns the backend in host[:port] form.
func (b Backend) String() string {
	return b.authority("")
}

func (b Backend) authority(fallbackPort string) string {
	port := b.Port
	if port == "" {
		port = fallbackPort
	}
	host := b.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port == "" {
		return host
	}
	return host + ":" + port
}

// Rewrite replaces the authority of req's URL with the backend. Scheme, path and
// query are kept byte for byte; the hostname is never substituted textually, so
// occurrences of it in the path or query survive. Outbound headers are the inbound
// ones minus Host, with Host set back to the original authority.
func Rewrite(req *model.InterceptedRequest, backend Backend) (*model.RewriteDecision, error) {
	if req.URL == nil || req.URL.Hostname() == "" {
		raw := ""
		if req.URL != nil {
			raw = req.URL.String()
		}
		return nil, &scope.MatchError{URL: raw}
	}

	u := *req.URL
	u.Host = backend.authority(req.URL.Port())

	header := make(http.Header, len(req.Header)+1)
	for key, vals := range req.Header {
		if strings.EqualFold(key, "Host") {
			continue
		}
		header[key] = slices.Clone(vals)
	}
	header.Set("Host", originalAuthority(req))

	return &model.RewriteDecision{
		InScope:      true,
		OriginalHost: req.URL.Hostname(),
		URL:          &u,
		Header:       header,
	}, nil
}

// originalAuthority is the virtual host the backend should see. The scheme's
// default port is dropped so "example.com:443" becomes "example.com".
func originalAuthority(req *model.InterceptedRequest) string {
	host := req.URL.Hostname()
	port := req.URL.Port()
	if port == "" || defaultPorts[strings.ToLower(req.URL.Scheme)] == port {
		if strings.Contains(host, ":") {
			return "[" + host + "]"
		}
		return host
	}
	return net.JoinHostPort(host, port)
}

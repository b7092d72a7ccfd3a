// Package shell connects the request pipeline to the MITM proxy engine.
package shell

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/lqqyt2423/go-mitmproxy/proxy"
	uuid "github.com/satori/go.uuid"

	"rewrite-proxy-go/internal/config"
	"rewrite-proxy-go/internal/model"
	"rewrite-proxy-go/internal/service"
)

// Addon hands every decrypted request to the pipeline and answers in-scope
// requests itself. Out-of-scope requests continue to their origin untouched.
type Addon struct {
	proxy.BaseAddon

	pipeline    *service.Pipeline
	streamLimit int64
	logger      *slog.Logger
}

// NewAddon creates the pipeline addon.
func NewAddon(cfg *config.Config, pipeline *service.Pipeline, logger *slog.Logger) *Addon {
	return &Addon{
		pipeline:    pipeline,
		streamLimit: cfg.Proxy.StreamLargeBodies,
		logger:      logger.With("component", "shell"),
	}
}

// Requestheaders handles in-scope requests the engine would not buffer. The
// engine streams a body of stream_large_bodies bytes or more straight to the
// origin and never calls Request for it, so such requests are answered here.
func (a *Addon) Requestheaders(f *proxy.Flow) {
	a.checkBody(f, f.Request.Raw())
}

// checkBody rejects in-scope requests whose declared length reaches the stream
// limit. Bodies of unknown length are read up to the limit: small ones go
// through the pipeline at once, larger ones are rejected.
func (a *Addon) checkBody(f *proxy.Flow, raw *http.Request) {
	if raw == nil || raw.Body == nil || a.streamLimit <= 0 || f.Response != nil {
		return
	}
	if raw.ContentLength >= 0 && raw.ContentLength < a.streamLimit {
		return
	}
	if !a.pipeline.InScope(f.Request.URL.Host) {
		return
	}

	if raw.ContentLength >= a.streamLimit {
		err := fmt.Errorf("request body of %d bytes reaches the %d byte buffering limit", raw.ContentLength, a.streamLimit)
		f.Response = toResponse(a.pipeline.Fail(a.intercepted(f), err))
		return
	}

	body, err := io.ReadAll(io.LimitReader(raw.Body, a.streamLimit))
	if err != nil {
		f.Response = toResponse(a.pipeline.Fail(a.intercepted(f), fmt.Errorf("read request body: %w", err)))
		return
	}
	if int64(len(body)) >= a.streamLimit {
		err := fmt.Errorf("request body reaches the %d byte buffering limit", a.streamLimit)
		f.Response = toResponse(a.pipeline.Fail(a.intercepted(f), err))
		return
	}

	f.Request.Body = body
	a.logger.Debug("buffered request body of unknown length", "bytes", len(body))
	if resp := a.pipeline.Handle(a.intercepted(f)); resp != nil {
		f.Response = toResponse(resp)
	}
}

// Request runs the pipeline. A nil pipeline result leaves f.Response unset so
// the engine forwards the request to its original destination.
func (a *Addon) Request(f *proxy.Flow) {
	if f.Response != nil {
		return
	}
	resp := a.pipeline.Handle(a.intercepted(f))
	if resp == nil {
		return
	}
	f.Response = toResponse(resp)
}

func (a *Addon) intercepted(f *proxy.Flow) *model.InterceptedRequest {
	ctx := context.Background()
	if raw := f.Request.Raw(); raw != nil {
		ctx = raw.Context()
	}
	return &model.InterceptedRequest{
		ID:     uuid.NewV4(),
		Ctx:    ctx,
		Method: f.Request.Method,
		URL:    f.Request.URL,
		Header: f.Request.Header.Clone(),
		Body:   f.Request.Body,
	}
}

func toResponse(r *model.RelayedResponse) *proxy.Response {
	header := r.Header
	if header == nil {
		header = http.Header{}
	}
	return &proxy.Response{
		StatusCode: r.StatusCode,
		Header:     header,
		Body:       r.Body,
	}
}

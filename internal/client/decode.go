package client

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// ErrBodyTooLarge is returned when a decoded body grows past the configured limit.
var ErrBodyTooLarge = errors.New("decoded body too large")

// DecodeBody undoes the Content-Encoding chain of a response body.
// Encodings are listed in the order they were applied and removed in reverse.
// Decoding stops at the first coding it does not know; that coding and the ones
// applied before it are returned as rest, and body is still encoded with them.
// A positive limit caps the size of every decoded stage.
func DecodeBody(contentEncoding string, body []byte, limit int64) (decoded []byte, rest string, err error) {
	codings := strings.Split(contentEncoding, ",")
	for i := len(codings) - 1; i >= 0; i-- {
		coding := strings.ToLower(strings.TrimSpace(codings[i]))
		var r io.Reader
		switch coding {
		case "", "identity":
			continue
		case "gzip", "x-gzip":
			r, err = gzip.NewReader(bytes.NewReader(body))
		case "deflate":
			body, err = decodeDeflate(body, limit)
		case "br":
			r = brotli.NewReader(bytes.NewReader(body))
		case "zstd":
			body, err = decodeZstd(body, limit)
		default:
			return body, remaining(codings[:i+1]), nil
		}
		if err == nil && r != nil {
			body, err = readLimited(r, limit)
		}
		if err != nil {
			return nil, "", fmt.Errorf("decode %s body: %w", coding, err)
		}
	}
	return body, "", nil
}

func remaining(codings []string) string {
	out := make([]string, 0, len(codings))
	for _, c := range codings {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return strings.Join(out, ", ")
}

// readLimited reads r to EOF, failing once more than limit bytes come out.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, limit)
	}
	return out, nil
}

// decodeDeflate accepts zlib-wrapped data (RFC 9110) and falls back to raw
// DEFLATE, which some servers send instead.
func decodeDeflate(body []byte, limit int64) ([]byte, error) {
	if r, err := zlib.NewReader(bytes.NewReader(body)); err == nil {
		out, err := readLimited(r, limit)
		_ = r.Close()
		if err == nil || errors.Is(err, ErrBodyTooLarge) {
			return out, err
		}
	}
	r := flate.NewReader(bytes.NewReader(body))
	defer r.Close()
	return readLimited(r, limit)
}

func decodeZstd(body []byte, limit int64) ([]byte, error) {
	opts := []zstd.DOption{zstd.WithDecoderConcurrency(1)}
	if limit > 0 {
		opts = append(opts, zstd.WithDecoderMaxMemory(uint64(limit)))
	}
	dec, err := zstd.NewReader(bytes.NewReader(body), opts...)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return readLimited(dec, limit)
}

// Package patcher defines the extension surface of the proxy: the
// Decision sum type, the Transaction the patcher inspects, and the
// Patcher interface the engine calls into at well-defined points.
package patcher

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// Transaction is the per-request record the engine hands to a Patcher.
// One Transaction exists per client request (spec.md §3); it is tagged
// with a unique, monotonically increasing ID (internal/reqid).
type Transaction struct {
	ID uint64

	// Referer is the client's Referer header, if any.
	Referer string

	// URL is the effective request URL (may have been rewritten by a
	// prior Redirect decision).
	URL *url.URL

	Method string

	// Header is the client's request header set. It is mutated in
	// place by the engine (e.g. Accept-Encoding is overwritten before
	// the request is forwarded).
	Header http.Header

	// Body is the fully buffered request body.
	Body []byte

	// Agent is the http.Client selected to forward this transaction:
	// the client of the origin connection already opened on this client
	// connection when its address matches, a client built by the
	// engine's ClientFactory over a freshly dialed connection, or the
	// engine's general-purpose client.
	Agent *http.Client

	// Populated after the origin replies.
	StatusCode     int
	ResponseHeader http.Header
	ResponseBody   []byte
	IsText         bool
}

// DecodedBody decompresses body according to the Content-Encoding value
// passed in (read case-insensitively by the caller). It accepts
// "identity", "", "gzip", "deflate" (raw or zlib-wrapped), "br", and
// "zstd"; any other value is an error. This is used on both the request
// path (if a patcher wants the plaintext form) and, critically, on the
// response path before the text patcher hook ever sees a body (spec.md
// §4.7, §8 "bytes handed to onTextResponse are the fully-decompressed
// body").
func DecodedBody(body []byte, contentEncoding string) ([]byte, error) {
	switch contentEncoding {
	case "", "identity":
		return body, nil
	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	case "deflate":
		return decodeDeflate(body)
	case "br":
		return io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
	case "zstd":
		r, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	default:
		return nil, fmt.Errorf("unsupported content-encoding %q", contentEncoding)
	}
}

// decodeDeflate accepts both raw DEFLATE and zlib-wrapped DEFLATE, since
// real-world servers disagree about which one "deflate" means.
func decodeDeflate(body []byte) ([]byte, error) {
	if out, err := io.ReadAll(flate.NewReader(bytes.NewReader(body))); err == nil {
		return out, nil
	}
	zr, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("deflate: %w", err)
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

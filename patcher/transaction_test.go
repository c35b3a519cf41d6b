package patcher_test

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"testing"

	"github.com/andybalholm/brotli"
	qt "github.com/frankban/quicktest"
	"github.com/klauspost/compress/zstd"

	"github.com/patchwire/mitmgate/patcher"
)

func TestDecodedBodyIdentity(t *testing.T) {
	c := qt.New(t)
	plain := []byte("hello world")

	decoded, err := patcher.DecodedBody(plain, "identity")
	c.Assert(err, qt.IsNil)
	c.Assert(decoded, qt.DeepEquals, plain)

	decoded, err = patcher.DecodedBody(plain, "")
	c.Assert(err, qt.IsNil)
	c.Assert(decoded, qt.DeepEquals, plain)
}

func TestDecodedBodyGzip(t *testing.T) {
	c := qt.New(t)
	plain := []byte("<b>hi</b>")
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, _ = w.Write(plain)
	_ = w.Close()

	decoded, err := patcher.DecodedBody(buf.Bytes(), "gzip")
	c.Assert(err, qt.IsNil)
	c.Assert(decoded, qt.DeepEquals, plain)
}

func TestDecodedBodyDeflateRaw(t *testing.T) {
	c := qt.New(t)
	plain := []byte("hello world")
	var buf bytes.Buffer
	w, _ := flate.NewWriter(&buf, flate.DefaultCompression)
	_, _ = w.Write(plain)
	_ = w.Close()

	decoded, err := patcher.DecodedBody(buf.Bytes(), "deflate")
	c.Assert(err, qt.IsNil)
	c.Assert(decoded, qt.DeepEquals, plain)
}

func TestDecodedBodyBrotli(t *testing.T) {
	c := qt.New(t)
	plain := []byte("hello world")
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	_, _ = w.Write(plain)
	_ = w.Close()

	decoded, err := patcher.DecodedBody(buf.Bytes(), "br")
	c.Assert(err, qt.IsNil)
	c.Assert(decoded, qt.DeepEquals, plain)
}

func TestDecodedBodyZstd(t *testing.T) {
	c := qt.New(t)
	plain := []byte("hello world")
	var buf bytes.Buffer
	w, _ := zstd.NewWriter(&buf)
	_, _ = w.Write(plain)
	_ = w.Close()

	decoded, err := patcher.DecodedBody(buf.Bytes(), "zstd")
	c.Assert(err, qt.IsNil)
	c.Assert(decoded, qt.DeepEquals, plain)
}

func TestDecodedBodyUnsupported(t *testing.T) {
	c := qt.New(t)
	_, err := patcher.DecodedBody([]byte("x"), "unknown")
	c.Assert(err, qt.IsNotNil)
}

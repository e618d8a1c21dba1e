package httpclient

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

const (
	EncodingGzip    = "gzip"
	EncodingDeflate = "deflate"
	EncodingBrotli  = "br"
)

// wrapDecompression decodes the body according to Content-Encoding and
// drops the header and length so callers see plain content.
func (c *Client) wrapDecompression(resp *http.Response) io.ReadCloser {
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get(HeaderContentEncoding)))
	if encoding == "" || encoding == "identity" {
		return resp.Body
	}

	var reader io.Reader
	switch encoding {
	case EncodingGzip:
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			c.logger.Warn("invalid gzip body, returning raw body", slog.String("error", err.Error()))
			return resp.Body
		}
		reader = gz
	case EncodingDeflate:
		reader = flate.NewReader(resp.Body)
	case EncodingBrotli:
		reader = brotli.NewReader(resp.Body)
	default:
		c.logger.Debug("unknown content encoding, returning raw body", slog.String("encoding", encoding))
		return resp.Body
	}

	resp.Header.Del(HeaderContentEncoding)
	resp.ContentLength = -1
	resp.Uncompressed = true
	return &decompressReader{reader: reader, closer: resp.Body}
}

type decompressReader struct {
	reader io.Reader
	closer io.Closer
}

func (d *decompressReader) Read(p []byte) (int, error) {
	return d.reader.Read(p)
}

func (d *decompressReader) Close() error {
	if closer, ok := d.reader.(io.Closer); ok {
		_ = closer.Close()
	}
	return d.closer.Close()
}

// cancelOnClose releases an attempt's timeout context with its body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

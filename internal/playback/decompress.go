package playback

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/dsnet/compress/bzip2"
	"github.com/ulikunitz/xz"
)

var (
	gzipMagic  = []byte{0x1f, 0x8b}
	bzip2Magic = []byte("BZh")
	xzMagic    = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
)

// decompressPlaylist wraps r in a decoder chosen by magic bytes. Plain
// text passes through unchanged.
func decompressPlaylist(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	header, err := br.Peek(len(xzMagic))
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("peeking playlist header: %w", err)
	}

	switch {
	case bytes.HasPrefix(header, gzipMagic):
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("creating gzip reader: %w", err)
		}
		return zr, nil

	case bytes.HasPrefix(header, bzip2Magic):
		zr, err := bzip2.NewReader(br, nil)
		if err != nil {
			return nil, fmt.Errorf("creating bzip2 reader: %w", err)
		}
		return zr, nil

	case bytes.HasPrefix(header, xzMagic):
		zr, err := xz.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("creating xz reader: %w", err)
		}
		return io.NopCloser(zr), nil
	}

	return io.NopCloser(br), nil
}

package playback

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"

	"github.com/jmylchreest/livegen/internal/clock"
	"github.com/jmylchreest/livegen/internal/format"
	"github.com/jmylchreest/livegen/internal/httpclient"
)

// maxPlaylistSize bounds a fetched playlist.
const maxPlaylistSize = 4 << 20

// download copies a progressive source to the configured output. It returns
// the event emission to run once the fetch goroutine is accounted for.
func (s *HeadlessSurface) download(ctx context.Context, gen uint64, rawURL string) func() {
	ctx = httpclient.WithClass(ctx, httpclient.ClassRequest)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return func() { s.fail(gen, fmt.Errorf("creating request: %w", err)) }
	}

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return func() {}
		}
		return func() { s.fail(gen, fmt.Errorf("downloading source: %w", err)) }
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return func() { s.fail(gen, fmt.Errorf("downloading source: unexpected status %d", resp.StatusCode)) }
	}

	start := s.clock.Now()
	n, err := io.Copy(s.cfg.Output, resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return func() {}
		}
		return func() { s.fail(gen, fmt.Errorf("downloading source: %w", err)) }
	}

	s.logger.Info("progressive source downloaded",
		slog.String("size", format.Bytes(n)),
		slog.String("bytes", format.Number(n)),
		slog.Duration("elapsed", s.clock.Now().Sub(start)),
	)
	return func() { s.finish(gen) }
}

// followPlaylist plays a streaming source without an engine: it polls the
// media playlist and marks announced segments as buffered until the
// playlist ends.
func (s *HeadlessSurface) followPlaylist(ctx context.Context, gen uint64, rawURL string) func() {
	ctx = httpclient.WithClass(ctx, httpclient.ClassManifest)

	mediaURL, media, err := s.resolveMedia(ctx, rawURL)
	if err != nil {
		if ctx.Err() != nil {
			return func() {}
		}
		return func() { s.fail(gen, err) }
	}

	seen := make(map[string]bool)
	var cursor time.Duration

	for {
		for _, seg := range media.Segments {
			if seg == nil || seen[seg.URI] {
				continue
			}
			seen[seg.URI] = true
			s.appendFor(gen, cursor, cursor+seg.Duration)
			cursor += seg.Duration
		}

		if media.Endlist {
			s.endFor(gen)
			s.logger.Debug("playlist ended", slog.Duration("duration", cursor))
			return func() {}
		}

		interval := time.Duration(media.TargetDuration) * time.Second
		if interval <= 0 {
			interval = time.Second
		}
		if err := sleep(ctx, s.clock, interval); err != nil {
			return func() {}
		}

		pl, err := s.fetchPlaylist(ctx, mediaURL)
		if err != nil {
			if ctx.Err() != nil {
				return func() {}
			}
			return func() { s.fail(gen, err) }
		}
		next, ok := pl.(*playlist.Media)
		if !ok {
			return func() { s.fail(gen, fmt.Errorf("playlist %s changed type", mediaURL)) }
		}
		media = next
	}
}

// resolveMedia fetches rawURL and, for multivariant playlists, follows the
// first variant.
func (s *HeadlessSurface) resolveMedia(ctx context.Context, rawURL string) (string, *playlist.Media, error) {
	pl, err := s.fetchPlaylist(ctx, rawURL)
	if err != nil {
		return "", nil, err
	}

	switch p := pl.(type) {
	case *playlist.Media:
		return rawURL, p, nil

	case *playlist.Multivariant:
		if len(p.Variants) == 0 {
			return "", nil, fmt.Errorf("multivariant playlist %s has no variants", rawURL)
		}
		variantURL, err := resolveReference(rawURL, p.Variants[0].URI)
		if err != nil {
			return "", nil, err
		}
		vpl, err := s.fetchPlaylist(ctx, variantURL)
		if err != nil {
			return "", nil, err
		}
		media, ok := vpl.(*playlist.Media)
		if !ok {
			return "", nil, fmt.Errorf("variant %s is not a media playlist", variantURL)
		}
		return variantURL, media, nil

	default:
		return "", nil, fmt.Errorf("unsupported playlist type %T", pl)
	}
}

func (s *HeadlessSurface) fetchPlaylist(ctx context.Context, rawURL string) (playlist.Playlist, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching playlist: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching playlist: unexpected status %d", resp.StatusCode)
	}

	dec, err := decompressPlaylist(io.LimitReader(resp.Body, maxPlaylistSize))
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	body, err := io.ReadAll(io.LimitReader(dec, maxPlaylistSize))
	if err != nil {
		return nil, fmt.Errorf("reading playlist: %w", err)
	}

	pl, err := playlist.Unmarshal(body)
	if err != nil {
		return nil, fmt.Errorf("parsing playlist: %w", err)
	}
	return pl, nil
}

func resolveReference(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing playlist url: %w", err)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parsing variant url: %w", err)
	}
	return b.ResolveReference(r).String(), nil
}

func sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	done := make(chan struct{})
	t := clk.AfterFunc(d, func() { close(done) })
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

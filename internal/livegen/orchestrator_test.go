package livegen

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"github.com/jmylchreest/livegen/internal/channel"
	"github.com/jmylchreest/livegen/internal/config"
	"github.com/jmylchreest/livegen/internal/faults"
	"github.com/jmylchreest/livegen/internal/playback"
	"github.com/jmylchreest/livegen/internal/session"
)

type recordingReporter struct {
	mu       sync.Mutex
	statuses []string
	errs     []error
	playing  []string
}

func (r *recordingReporter) Status(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, text)
}

func (r *recordingReporter) Error(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recordingReporter) Playing(url string, live bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playing = append(r.playing, fmt.Sprintf("%s live=%t", url, live))
}

func (r *recordingReporter) snapshot() ([]string, []error, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.statuses...), append([]error(nil), r.errs...), append([]string(nil), r.playing...)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// backend is a scripted generation service.
type backend struct {
	srv      *httptest.Server
	requests chan session.Request
	conns    atomic.Int32
}

// newBackend serves a WebSocket endpoint that records the first request of
// each connection and answers it with replies.
func newBackend(t *testing.T, replies ...string) *backend {
	t.Helper()
	b := &backend{requests: make(chan session.Request, 4)}
	b.srv = httptest.NewServer(websocket.Handler(func(ws *websocket.Conn) {
		b.conns.Add(1)
		var req session.Request
		if err := websocket.JSON.Receive(ws, &req); err != nil {
			return
		}
		b.requests <- req
		for _, reply := range replies {
			if err := websocket.Message.Send(ws, reply); err != nil {
				return
			}
		}
		// Hold the connection until the client closes it.
		var discard string
		for websocket.Message.Receive(ws, &discard) == nil {
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) endpoint() string {
	return "ws://" + strings.TrimPrefix(b.srv.URL, "http://")
}

func newMediaServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/hls/x/playlist.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		_, _ = w.Write([]byte("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:1\n#EXT-X-MEDIA-SEQUENCE:0\n" +
			"#EXTINF:0.10000,\nseg0.ts\n#EXTINF:0.10000,\nseg1.ts\n#EXT-X-ENDLIST\n"))
	})
	mux.HandleFunc("/x/out.mp4", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("mp4-bytes"))
	})
	mux.HandleFunc("/hls/x/out.mp4", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("mp4-under-hls"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestOrchestrator(endpoint string, media *httptest.Server, rep Reporter, out *syncBuffer) *Orchestrator {
	surface := playback.HeadlessConfig{MaxBufferHole: 500 * time.Millisecond}
	if media != nil {
		surface.HTTPClient = media.Client()
	}
	if out != nil {
		surface.Output = out
	}
	return New(Options{
		Session: session.Config{
			Endpoint:       endpoint,
			ConnectTimeout: 5 * time.Second,
			MaxRetries:     2,
			Retry:          session.FixedDelay(10 * time.Millisecond),
			Dialer:         channel.NewWebSocketDialer("http://localhost/", nil),
		},
		Playback: playback.Config{EngineMode: config.EngineNative},
		Surface:  surface,
		Reporter: rep,
	})
}

func TestGenerate_Photosynthesis(t *testing.T) {
	media := newMediaServer(t)
	link := media.URL + "/hls/x/playlist.m3u8"
	b := newBackend(t, `{"status":"rendering"}`, fmt.Sprintf(`{"link":%q}`, link))
	rep := &recordingReporter{}
	o := newTestOrchestrator(b.endpoint(), media, rep, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := o.Generate(ctx, session.Task{Description: "explain photosynthesis", Credential: "abc123"})
	require.NoError(t, err)

	assert.Equal(t, link, res.Link)
	assert.Equal(t, session.LinkStreaming, res.Kind)

	select {
	case req := <-b.requests:
		assert.Equal(t, session.Request{Action: "create-video", Task: "explain photosynthesis", APIKey: "abc123"}, req)
	default:
		t.Fatal("backend received no request")
	}

	statuses, errs, playing := rep.snapshot()
	assert.Equal(t, []string{
		StatusConnecting,
		StatusConnected,
		StatusGenerating,
		"rendering",
		StatusGenerated,
		"Playback finished",
	}, statuses)
	assert.Empty(t, errs)
	assert.Equal(t, []string{link + " live=true"}, playing)
	assert.Equal(t, int32(1), b.conns.Load())
}

func TestGenerate_ProgressiveLink(t *testing.T) {
	media := newMediaServer(t)
	link := media.URL + "/x/out.mp4"
	b := newBackend(t, fmt.Sprintf(`{"mp4_link":%q}`, link))
	rep := &recordingReporter{}
	out := &syncBuffer{}
	o := newTestOrchestrator(b.endpoint(), media, rep, out)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := o.Generate(ctx, session.Task{Description: "a cat", Credential: "abc123"})
	require.NoError(t, err)
	assert.Equal(t, session.LinkProgressive, res.Kind)
	assert.Equal(t, "mp4-bytes", out.String())

	_, _, playing := rep.snapshot()
	assert.Equal(t, []string{link + " live=false"}, playing)
}

func TestGenerate_ProgressiveLinkUnderStreamingDirectory(t *testing.T) {
	media := newMediaServer(t)
	link := media.URL + "/hls/x/out.mp4"
	b := newBackend(t, fmt.Sprintf(`{"mp4_link":%q}`, link))
	rep := &recordingReporter{}
	out := &syncBuffer{}
	o := newTestOrchestrator(b.endpoint(), media, rep, out)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := o.Generate(ctx, session.Task{Description: "a cat", Credential: "abc123"})
	require.NoError(t, err)
	assert.Equal(t, session.LinkProgressive, res.Kind)
	assert.Equal(t, "mp4-under-hls", out.String())

	_, errs, playing := rep.snapshot()
	assert.Empty(t, errs)
	assert.Equal(t, []string{link + " live=false"}, playing)
}

func TestPlayableURL(t *testing.T) {
	tests := []struct {
		name string
		res  session.Result
		want string
	}{
		{"streaming directory", session.Result{Link: "https://cdn/hls/abc", Kind: session.LinkStreaming}, "https://cdn/hls/abc/playlist.m3u8"},
		{"streaming manifest", session.Result{Link: "https://cdn/x/playlist.m3u8", Kind: session.LinkStreaming}, "https://cdn/x/playlist.m3u8"},
		{"progressive under hls", session.Result{Link: "https://cdn/hls/out.mp4", Kind: session.LinkProgressive}, "https://cdn/hls/out.mp4"},
		{"progressive link field", session.Result{Link: "https://cdn/hls/clip", Kind: session.LinkProgressive}, "https://cdn/hls/clip"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, playableURL(tt.res))
		})
	}
}

func TestGenerate_SkipPlayback(t *testing.T) {
	b := newBackend(t, `{"link":"https://cdn/hls/abc"}`)
	rep := &recordingReporter{}
	o := newTestOrchestrator(b.endpoint(), nil, rep, nil)
	o.opts.SkipPlayback = true

	res, err := o.Generate(context.Background(), session.Task{Description: "a cat", Credential: "abc123"})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/hls/abc", res.Link)

	_, _, playing := rep.snapshot()
	assert.Empty(t, playing)
}

func TestGenerate_RemoteError(t *testing.T) {
	b := newBackend(t, `{"status":"queued"}`, `{"error":"quota exceeded"}`)
	rep := &recordingReporter{}
	o := newTestOrchestrator(b.endpoint(), nil, rep, nil)

	_, err := o.Generate(context.Background(), session.Task{Description: "a cat", Credential: "abc123"})
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrRemote)
	assert.Equal(t, faults.KindRemote, faults.KindOf(err))
	assert.Contains(t, err.Error(), "quota exceeded")

	_, errs, _ := rep.snapshot()
	require.Len(t, errs, 1)
}

func TestGenerate_InvalidTask(t *testing.T) {
	b := newBackend(t)
	rep := &recordingReporter{}
	o := newTestOrchestrator(b.endpoint(), nil, rep, nil)

	_, err := o.Generate(context.Background(), session.Task{Description: "  ", Credential: "abc123"})
	assert.ErrorIs(t, err, faults.ErrEmptyTask)

	_, err = o.Generate(context.Background(), session.Task{Description: "a cat"})
	assert.ErrorIs(t, err, faults.ErrEmptyCredential)

	assert.Zero(t, b.conns.Load())
	statuses, errs, _ := rep.snapshot()
	assert.Empty(t, statuses)
	assert.Len(t, errs, 2)
}

func TestGenerate_ConnectFailure(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()
	rep := &recordingReporter{}
	o := newTestOrchestrator("ws://"+strings.TrimPrefix(srv.URL, "http://"), nil, rep, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := o.Generate(ctx, session.Task{Description: "a cat", Credential: "abc123"})
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrRetriesExhausted)
	assert.Equal(t, faults.KindTransientNetwork, faults.KindOf(err))
	// The first dial plus MaxRetries reconnects.
	assert.Equal(t, int32(3), dials.Load())

	statuses, errs, _ := rep.snapshot()
	assert.Equal(t, []string{StatusConnecting}, statuses)
	assert.Len(t, errs, 1)
}

func TestGenerate_ConnectRecoversAfterFailedDial(t *testing.T) {
	var handshakes atomic.Int32
	requests := make(chan session.Request, 4)
	srv := httptest.NewServer(websocket.Server{
		Handshake: func(*websocket.Config, *http.Request) error {
			if handshakes.Add(1) == 1 {
				return errors.New("backend warming up")
			}
			return nil
		},
		Handler: func(ws *websocket.Conn) {
			var req session.Request
			if err := websocket.JSON.Receive(ws, &req); err != nil {
				return
			}
			requests <- req
			_ = websocket.Message.Send(ws, `{"link":"https://cdn/hls/abc"}`)
			var discard string
			for websocket.Message.Receive(ws, &discard) == nil {
			}
		},
	})
	defer srv.Close()

	rep := &recordingReporter{}
	o := newTestOrchestrator("ws://"+strings.TrimPrefix(srv.URL, "http://"), nil, rep, nil)
	o.opts.SkipPlayback = true

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := o.Generate(ctx, session.Task{Description: "a cat", Credential: "abc123"})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/hls/abc", res.Link)
	assert.Equal(t, int32(2), handshakes.Load())
	assert.Len(t, requests, 1)

	statuses, errs, _ := rep.snapshot()
	assert.Equal(t, []string{StatusConnecting, StatusConnected, StatusGenerating, StatusGenerated}, statuses)
	assert.Empty(t, errs)
}

func TestGenerate_ResubmitsAfterDroppedConnection(t *testing.T) {
	var conns atomic.Int32
	requests := make(chan session.Request, 4)
	srv := httptest.NewServer(websocket.Handler(func(ws *websocket.Conn) {
		n := conns.Add(1)
		var req session.Request
		if err := websocket.JSON.Receive(ws, &req); err != nil {
			return
		}
		requests <- req
		if n == 1 {
			// Lose the connection that carried the task.
			return
		}
		_ = websocket.Message.Send(ws, `{"link":"https://cdn/hls/abc"}`)
		var discard string
		for websocket.Message.Receive(ws, &discard) == nil {
		}
	}))
	defer srv.Close()

	rep := &recordingReporter{}
	o := newTestOrchestrator("ws://"+strings.TrimPrefix(srv.URL, "http://"), nil, rep, nil)
	o.opts.SkipPlayback = true

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := o.Generate(ctx, session.Task{Description: "a cat", Credential: "abc123"})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/hls/abc", res.Link)
	assert.Equal(t, int32(2), conns.Load())

	want := session.Request{Action: "create-video", Task: "a cat", APIKey: "abc123"}
	require.Len(t, requests, 2)
	assert.Equal(t, want, <-requests)
	assert.Equal(t, want, <-requests)

	statuses, errs, _ := rep.snapshot()
	assert.Contains(t, statuses, StatusResubmitted)
	assert.Empty(t, errs)
}

func TestGenerate_RetriesExhausted(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(websocket.Server{
		Handshake: func(*websocket.Config, *http.Request) error {
			if conns.Add(1) > 1 {
				return errors.New("backend unavailable")
			}
			return nil
		},
		Handler: func(ws *websocket.Conn) {
			var req session.Request
			_ = websocket.JSON.Receive(ws, &req)
		},
	})
	defer srv.Close()

	rep := &recordingReporter{}
	o := newTestOrchestrator("ws://"+strings.TrimPrefix(srv.URL, "http://"), nil, rep, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := o.Generate(ctx, session.Task{Description: "a cat", Credential: "abc123"})
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrRetriesExhausted)
	assert.Equal(t, int32(3), conns.Load())
}

func TestGenerate_CancelWhileWaiting(t *testing.T) {
	b := newBackend(t)
	rep := &recordingReporter{}
	o := newTestOrchestrator(b.endpoint(), nil, rep, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-b.requests
		cancel()
	}()

	_, err := o.Generate(ctx, session.Task{Description: "a cat", Credential: "abc123"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, IsCancelled(err))
}

func TestPlay_EmptyURL(t *testing.T) {
	rep := &recordingReporter{}
	o := New(Options{Reporter: rep})

	err := o.Play(context.Background(), " ")
	assert.ErrorIs(t, err, faults.ErrEmptyURL)
	_, errs, _ := rep.snapshot()
	assert.Len(t, errs, 1)
}

func TestPlay_RejectsInvalidURL(t *testing.T) {
	rep := &recordingReporter{}
	o := New(Options{Reporter: rep})

	err := o.Play(context.Background(), "ftp://cdn/x/out.mp4")
	require.Error(t, err)
	assert.Equal(t, faults.KindUserInput, faults.KindOf(err))
	_, errs, _ := rep.snapshot()
	assert.Len(t, errs, 1)
}

func TestPlay_NormalizesStreamingDirectory(t *testing.T) {
	media := newMediaServer(t)
	rep := &recordingReporter{}
	o := newTestOrchestrator("ws://unused", media, rep, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, o.Play(ctx, media.URL+"/hls/x"))
	_, _, playing := rep.snapshot()
	assert.Equal(t, []string{media.URL + "/hls/x/playlist.m3u8 live=true"}, playing)
}

// scriptedEngine reports a fixed sequence of faults once loaded.
type scriptedEngine struct {
	opts   playback.EngineOptions
	faults []playback.Fault
}

func (e *scriptedEngine) Load(string) error {
	go func() {
		for _, f := range e.faults {
			e.opts.OnFault(f)
		}
	}()
	return nil
}

func (e *scriptedEngine) StartLoad()         {}
func (e *scriptedEngine) RecoverMediaError() {}
func (e *scriptedEngine) Destroy() error     { return nil }

func engineOrchestrator(rep Reporter, faultSeq ...playback.Fault) *Orchestrator {
	return New(Options{
		Playback: playback.Config{
			EngineMode: config.EngineAuto,
			NewEngine: func(opts playback.EngineOptions) playback.Engine {
				return &scriptedEngine{opts: opts, faults: faultSeq}
			},
		},
		Reporter: rep,
	})
}

func TestPlay_StopsOnUnrecoverableFault(t *testing.T) {
	rep := &recordingReporter{}
	o := engineOrchestrator(rep, playback.Fault{Fatal: true, Type: playback.ErrorTypeOther, Err: errors.New("no supported tracks")})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := o.Play(ctx, "https://cdn/x/playlist.m3u8")
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrUnrecoverable)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
}

func TestPlay_ReportsRecoverableErrorsAndContinues(t *testing.T) {
	rep := &recordingReporter{}
	var seq []playback.Fault
	for i := 0; i < playback.DefaultMaxRecoveries+1; i++ {
		seq = append(seq, playback.Fault{Type: playback.ErrorTypeMedia, Details: playback.DetailsBufferLow})
	}
	o := engineOrchestrator(rep, seq...)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		assert.Eventually(t, func() bool {
			_, errs, _ := rep.snapshot()
			return len(errs) == 1
		}, 5*time.Second, 10*time.Millisecond)
		cancel()
	}()

	err := o.Play(ctx, "https://cdn/x/playlist.m3u8")
	assert.ErrorIs(t, err, context.Canceled)

	_, errs, _ := rep.snapshot()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], faults.ErrRecoveryExhausted)
}

package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/gohlslib/v2"
	"github.com/bluenviron/gohlslib/v2/pkg/codecs"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"

	"github.com/jmylchreest/livegen/internal/clock"
	"github.com/jmylchreest/livegen/internal/httpclient"
	"github.com/jmylchreest/livegen/internal/observability"
)

const (
	defaultClockRate = 90000

	// decodeBurstWindow and decodeBurstLimit decide when decode errors stop
	// being noise and become a fatal media fault.
	decodeBurstWindow = 10 * time.Second
	decodeBurstLimit  = 5

	monitorInterval           = 500 * time.Millisecond
	lowLatencyMonitorInterval = 250 * time.Millisecond

	workQueueSize  = 256
	faultQueueSize = 16
)

// ErrEngineDestroyed is returned by Load after Destroy.
var ErrEngineDestroyed = errors.New("engine destroyed")

// HLSEngine is an Engine built on gohlslib. It follows the stream's
// playlists, turns access unit timestamps into buffered ranges on the sink
// and watches the buffer for stalls and underruns.
type HLSEngine struct {
	cfg        EngineConfig
	sink       MediaSink
	onFault    func(Fault)
	httpClient *http.Client
	clock      clock.Clock
	logger     *slog.Logger

	work   chan func()
	faults chan Fault
	stop   chan struct{}
	wg     sync.WaitGroup

	mu        sync.Mutex
	url       string
	client    *gohlslib.Client
	gen       uint64
	restarted chan struct{}
	started   bool
	destroyed bool
	eos       bool

	offset  time.Duration
	base    time.Duration
	hasBase bool
	lastEnd time.Duration
	hasData bool
	// keyframe is set once a video random access unit arrived for the
	// current client generation. Earlier video cannot be decoded.
	keyframe bool

	lastData      time.Time
	stalledRaised bool
	lowArmed      bool
	decodeErrors  []time.Time
	monitor       clock.Timer
}

var _ Engine = (*HLSEngine)(nil)

// NewHLSEngine is the default EngineFactory.
func NewHLSEngine(opts EngineOptions) Engine {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Logger == nil {
		opts.Logger = observability.Discard()
	}
	if opts.OnFault == nil {
		opts.OnFault = func(Fault) {}
	}
	return &HLSEngine{
		cfg:        opts.Config,
		sink:       opts.Sink,
		onFault:    opts.OnFault,
		httpClient: opts.HTTPClient,
		clock:      opts.Clock,
		logger:     observability.WithComponent(opts.Logger, "hlsengine"),
		faults:     make(chan Fault, faultQueueSize),
		stop:       make(chan struct{}),
	}
}

// Load starts the gohlslib client for url.
func (e *HLSEngine) Load(rawURL string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.destroyed {
		return ErrEngineDestroyed
	}
	if !e.started {
		e.started = true
		if e.cfg.EnableWorker {
			e.work = make(chan func(), workQueueSize)
			e.wg.Add(1)
			go e.worker()
		}
		go e.notifier()
	}

	e.url = rawURL
	e.logger.Info("loading manifest",
		slog.String("url", rawURL),
		slog.Bool("worker", e.cfg.EnableWorker),
		slog.Bool("low_latency", e.cfg.LowLatencyMode),
		slog.Duration("max_buffer", e.cfg.ForwardBufferLimit()),
	)

	if err := e.startClientLocked(); err != nil {
		return err
	}
	if e.monitor == nil {
		e.armMonitorLocked()
	}
	return nil
}

// StartLoad restarts the client from the manifest.
func (e *HLSEngine) StartLoad() {
	e.restart("start_load")
}

// RecoverMediaError drops media buffered ahead of the playback position and
// restarts decoding.
func (e *HLSEngine) RecoverMediaError() {
	if e.sink != nil {
		e.sink.ResetBuffer()
	}
	e.restart("recover_media")
}

func (e *HLSEngine) restart(reason string) {
	e.mu.Lock()
	if e.destroyed || e.url == "" {
		e.mu.Unlock()
		return
	}
	old := e.client
	err := e.startClientLocked()
	e.mu.Unlock()

	if old != nil {
		old.Close()
	}

	if err != nil {
		e.logger.Warn("restarting client failed", slog.String("reason", reason), slog.String("error", err.Error()))
		e.emit(Fault{Fatal: true, Type: ErrorTypeNetwork, Details: DetailsManifestLoad, Err: err})
		return
	}
	e.logger.Debug("client restarted", slog.String("reason", reason))
}

// Destroy stops the client and every engine goroutine. It is idempotent.
func (e *HLSEngine) Destroy() error {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return nil
	}
	e.destroyed = true
	e.gen++
	if e.monitor != nil {
		e.monitor.Stop()
		e.monitor = nil
	}
	c := e.client
	e.client = nil
	e.mu.Unlock()

	// Unblock callbacks waiting on the queues before the client waits for them.
	close(e.stop)
	if c != nil {
		c.Close()
	}
	e.wg.Wait()

	e.logger.Debug("engine destroyed")
	return nil
}

// startClientLocked replaces the current client generation with a new one.
func (e *HLSEngine) startClientLocked() error {
	e.gen++
	gen := e.gen
	if e.restarted != nil {
		close(e.restarted)
	}
	e.restarted = make(chan struct{})

	e.offset = 0
	if e.sink != nil {
		e.offset = e.sink.BufferedEnd()
	}
	e.hasBase = false
	e.lastEnd = e.offset
	e.hasData = false
	e.keyframe = false
	e.eos = false
	e.lastData = e.clock.Now()
	e.stalledRaised = false
	e.lowArmed = false
	e.decodeErrors = nil

	var c *gohlslib.Client
	c = &gohlslib.Client{
		URI:        e.url,
		HTTPClient: e.httpClient,
		OnTracks: func(tracks []*gohlslib.Track) error {
			return e.onTracks(c, gen, tracks)
		},
		OnDecodeError: func(err error) {
			e.onDecodeError(gen, err)
		},
	}
	if err := c.Start(); err != nil {
		e.client = nil
		return fmt.Errorf("starting HLS client: %w", err)
	}
	e.client = c

	e.wg.Add(1)
	go e.watch(c, gen)
	return nil
}

func (e *HLSEngine) onTracks(c *gohlslib.Client, gen uint64, tracks []*gohlslib.Track) error {
	bound := 0
	for _, track := range tracks {
		rate := track.ClockRate
		if rate <= 0 {
			rate = defaultClockRate
		}

		switch codec := track.Codec.(type) {
		case *codecs.H264:
			c.OnDataH26x(track, func(pts int64, _ int64, au [][]byte) {
				if e.admitVideo(gen, h264.IsRandomAccess(au)) && e.awaitRoom(gen) {
					e.dispatch(func() { e.onMedia(gen, pts, rate) })
				}
			})
			bound++
		case *codecs.H265:
			c.OnDataH26x(track, func(pts int64, _ int64, au [][]byte) {
				if e.admitVideo(gen, h265.IsRandomAccess(au)) && e.awaitRoom(gen) {
					e.dispatch(func() { e.onMedia(gen, pts, rate) })
				}
			})
			bound++
		case *codecs.MPEG4Audio:
			c.OnDataMPEG4Audio(track, func(pts int64, _ [][]byte) {
				if e.awaitRoom(gen) {
					e.dispatch(func() { e.onMedia(gen, pts, rate) })
				}
			})
			bound++
		case *codecs.Opus:
			c.OnDataOpus(track, func(pts int64, _ [][]byte) {
				if e.awaitRoom(gen) {
					e.dispatch(func() { e.onMedia(gen, pts, rate) })
				}
			})
			bound++
		default:
			e.logger.Warn("unsupported codec", slog.String("type", fmt.Sprintf("%T", codec)))
		}
	}

	e.logger.Debug("tracks discovered", slog.Int("count", len(tracks)), slog.Int("bound", bound))
	if bound == 0 {
		return errors.New("no supported tracks")
	}
	return nil
}

// admitVideo drops video access units of generation gen until the first
// random access unit.
func (e *HLSEngine) admitVideo(gen uint64, randomAccess bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen || e.destroyed {
		return false
	}
	if !e.keyframe {
		if !randomAccess {
			return false
		}
		e.keyframe = true
	}
	return true
}

// awaitRoom holds a client data callback while the sink is buffered
// ForwardBufferLimit ahead of the playhead. Holding the callback stops the
// client from consuming further segments. It reports false once generation
// gen is replaced or the engine is destroyed.
func (e *HLSEngine) awaitRoom(gen uint64) bool {
	limit := e.cfg.ForwardBufferLimit()
	for {
		e.mu.Lock()
		if gen != e.gen || e.destroyed {
			e.mu.Unlock()
			return false
		}
		if limit <= 0 || e.sink == nil || e.sink.BufferedAhead() < limit {
			e.mu.Unlock()
			return true
		}
		restarted := e.restarted
		e.mu.Unlock()

		tick := make(chan struct{})
		t := e.clock.AfterFunc(e.pollInterval(), func() { close(tick) })
		select {
		case <-tick:
		case <-restarted:
			t.Stop()
			return false
		case <-e.stop:
			t.Stop()
			return false
		}
	}
}

// onMedia marks the timeline up to pts as buffered.
func (e *HLSEngine) onMedia(gen uint64, pts int64, rate int) {
	ts := ptsToDuration(pts, rate)

	e.mu.Lock()
	if gen != e.gen || e.destroyed {
		e.mu.Unlock()
		return
	}
	if !e.hasBase {
		e.base = ts
		e.hasBase = true
	}
	end := e.offset + ts - e.base
	start := e.lastEnd
	if end <= start {
		e.mu.Unlock()
		return
	}
	e.lastEnd = end
	e.hasData = true
	e.lastData = e.clock.Now()
	e.stalledRaised = false
	e.mu.Unlock()

	if e.sink != nil {
		e.sink.AppendMedia(start, end)
	}
}

func (e *HLSEngine) onDecodeError(gen uint64, err error) {
	e.mu.Lock()
	if gen != e.gen || e.destroyed {
		e.mu.Unlock()
		return
	}
	now := e.clock.Now()
	kept := e.decodeErrors[:0]
	for _, t := range e.decodeErrors {
		if now.Sub(t) < decodeBurstWindow {
			kept = append(kept, t)
		}
	}
	e.decodeErrors = append(kept, now)
	burst := len(e.decodeErrors) >= decodeBurstLimit
	if burst {
		e.decodeErrors = nil
	}
	e.mu.Unlock()

	e.logger.Debug("decode error", slog.String("error", err.Error()))
	e.emit(Fault{Fatal: burst, Type: ErrorTypeMedia, Details: DetailsDecode, Err: err})
}

// watch waits for a client generation to terminate and classifies why.
func (e *HLSEngine) watch(c *gohlslib.Client, gen uint64) {
	defer e.wg.Done()

	err := c.Wait2()

	e.mu.Lock()
	if gen != e.gen || e.destroyed {
		e.mu.Unlock()
		return
	}
	if errors.Is(err, gohlslib.ErrClientEOS) {
		e.eos = true
		e.mu.Unlock()
		e.logger.Info("stream ended")
		if e.sink != nil {
			e.sink.EndOfStream()
		}
		return
	}
	e.mu.Unlock()

	f := classifyClientError(err)
	e.logger.Warn("client terminated", slog.String("fault", f.String()))
	e.emit(f)
}

func (e *HLSEngine) pollInterval() time.Duration {
	if e.cfg.LowLatencyMode {
		return lowLatencyMonitorInterval
	}
	return monitorInterval
}

func (e *HLSEngine) armMonitorLocked() {
	e.monitor = e.clock.AfterFunc(e.pollInterval(), e.checkBuffer)
}

// checkBuffer raises BufferStalled once per stall when no media arrived
// within the stall timeout, and BufferLow once each time the buffered-ahead
// time drops below the low watermark.
func (e *HLSEngine) checkBuffer() {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}

	var raised []Fault
	if !e.eos {
		if e.cfg.StallTimeout > 0 && !e.stalledRaised && e.clock.Now().Sub(e.lastData) >= e.cfg.StallTimeout {
			e.stalledRaised = true
			raised = append(raised, Fault{Type: ErrorTypeMedia, Details: DetailsBufferStalled,
				Err: fmt.Errorf("no media for %s", e.cfg.StallTimeout)})
		}

		if e.hasData && e.sink != nil && e.cfg.LowBufferThreshold > 0 {
			ahead := e.sink.BufferedAhead()
			switch {
			case ahead >= e.cfg.LowBufferThreshold:
				e.lowArmed = true
			case e.lowArmed:
				e.lowArmed = false
				raised = append(raised, Fault{Type: ErrorTypeMedia, Details: DetailsBufferLow,
					Err: fmt.Errorf("buffered ahead %s below %s", ahead, e.cfg.LowBufferThreshold)})
			}
		}
	}
	e.armMonitorLocked()
	e.mu.Unlock()

	for _, f := range raised {
		e.emit(f)
	}
}

// dispatch runs fn on the worker goroutine when enabled.
func (e *HLSEngine) dispatch(fn func()) {
	if e.work == nil {
		fn()
		return
	}
	select {
	case e.work <- fn:
	case <-e.stop:
	}
}

func (e *HLSEngine) worker() {
	defer e.wg.Done()
	for {
		select {
		case fn := <-e.work:
			fn()
		case <-e.stop:
			return
		}
	}
}

// emit queues f for the notifier so OnFault never runs on a client or
// timer goroutine and may call Destroy.
func (e *HLSEngine) emit(f Fault) {
	select {
	case e.faults <- f:
	case <-e.stop:
	}
}

func (e *HLSEngine) notifier() {
	for {
		select {
		case f := <-e.faults:
			e.onFault(f)
		case <-e.stop:
			return
		}
	}
}

// classifyClientError maps a gohlslib termination error to a fatal fault.
func classifyClientError(err error) Fault {
	if err == nil {
		return Fault{Fatal: true, Type: ErrorTypeOther, Err: errors.New("client terminated")}
	}
	if isNetworkError(err) {
		details := DetailsFragmentLoad
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "playlist") || strings.Contains(msg, ".m3u8") {
			details = DetailsManifestLoad
		}
		return Fault{Fatal: true, Type: ErrorTypeNetwork, Details: details, Err: err}
	}
	if strings.Contains(strings.ToLower(err.Error()), "decod") {
		return Fault{Fatal: true, Type: ErrorTypeMedia, Details: DetailsDecode, Err: err}
	}
	return Fault{Fatal: true, Type: ErrorTypeOther, Err: err}
}

func isNetworkError(err error) bool {
	if errors.Is(err, httpclient.ErrMaxRetries) ||
		errors.Is(err, httpclient.ErrCircuitOpen) ||
		errors.Is(err, httpclient.ErrAttemptTimeout) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var statusErr *httpclient.StatusError
	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &statusErr) || errors.As(err, &urlErr) || errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "status code") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host")
}

// ptsToDuration converts a timestamp in units of 1/rate seconds.
func ptsToDuration(pts int64, rate int) time.Duration {
	r := int64(rate)
	sec := pts / r
	rem := pts % r
	return time.Duration(sec)*time.Second + time.Duration(rem)*time.Second/time.Duration(r)
}

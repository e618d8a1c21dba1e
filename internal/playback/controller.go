package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/livegen/internal/clock"
	"github.com/jmylchreest/livegen/internal/faults"
	"github.com/jmylchreest/livegen/internal/httpclient"
	"github.com/jmylchreest/livegen/internal/metrics"
	"github.com/jmylchreest/livegen/internal/observability"
)

// Default recovery settings.
const (
	DefaultMaxRecoveries = 5
	DefaultUnstickStep   = 1 * time.Second
)

// ErrClosed is returned by Load after Close.
var ErrClosed = errors.New("playback controller closed")

// Listener receives playback outcomes. Nil callbacks are skipped and
// callbacks never run concurrently with each other.
type Listener struct {
	// OnError receives faults the controller could not recover from and
	// exhausted recovery budgets.
	OnError func(err error)
	// OnEnded fires when the surface plays to the end of a finished source.
	OnEnded func()
}

// Config configures a Controller.
type Config struct {
	MaxRecoveries int
	UnstickStep   time.Duration
	// EngineMode is config.EngineAuto or config.EngineNative.
	EngineMode string
	Engine     EngineConfig
	// NewEngine creates streaming engines. Defaults to NewHLSEngine.
	NewEngine  EngineFactory
	HTTPClient *http.Client
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Controller plays one source at a time on a surface and keeps it playing.
type Controller struct {
	cfg     Config
	surface Surface
	sink    MediaSink
	logger  *slog.Logger

	dispatch sync.Mutex

	mu            sync.Mutex
	gen           uint64
	engine        Engine
	url           string
	kind          SourceKind
	live          bool
	recoveryCount int
	removers      []func()
	closed        bool
	listener      Listener
}

// New creates a controller that exclusively owns surface. Engines can only
// be bound when surface also implements MediaSink.
func New(surface Surface, cfg Config) (*Controller, error) {
	if surface == nil {
		return nil, errors.New("playback: surface is required")
	}
	if cfg.MaxRecoveries <= 0 {
		cfg.MaxRecoveries = DefaultMaxRecoveries
	}
	if cfg.UnstickStep <= 0 {
		cfg.UnstickStep = DefaultUnstickStep
	}
	if cfg.NewEngine == nil {
		cfg.NewEngine = NewHLSEngine
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.Discard()
	}
	if cfg.HTTPClient == nil {
		hc := cfg.Engine.HTTPConfig(httpclient.DefaultConfig())
		hc.Logger = cfg.Logger
		cfg.HTTPClient = httpclient.New(hc).StandardClient()
	}

	sink, _ := surface.(MediaSink)
	return &Controller{
		cfg:     cfg,
		surface: surface,
		sink:    sink,
		logger:  observability.WithComponent(cfg.Logger, "playback"),
	}, nil
}

// SetListener registers the controller's single listener.
func (c *Controller) SetListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = l
}

// Load tears down the current source and starts playing url.
func (c *Controller) Load(url string) error {
	url = strings.TrimSpace(url)
	if url == "" {
		return faults.New(faults.KindUserInput, "load", faults.ErrEmptyURL)
	}

	c.teardown()

	caps := DetectCapabilities(c.cfg.EngineMode)
	kind := ClassifySource(url)
	useEngine := kind == SourceStreaming && caps.EngineSupported && c.sink != nil

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.gen++
	gen := c.gen
	c.url = url
	c.kind = kind
	c.live = kind == SourceStreaming
	c.recoveryCount = 0

	removers := []func(){
		c.surface.AddListener(EventEnded, func() { c.onEnded(gen) }),
		c.surface.AddListener(EventError, func() { c.onSurfaceError(gen) }),
	}
	if kind == SourceStreaming {
		removers = append(removers,
			c.surface.AddListener(EventWaiting, func() { c.onNativeStall(gen, EventWaiting) }),
			c.surface.AddListener(EventStalled, func() { c.onNativeStall(gen, EventStalled) }),
		)
	}
	c.removers = removers
	c.mu.Unlock()

	path := "native"
	if useEngine {
		path = "engine"
	}
	metrics.RecordLoad(kind.String(), path)
	c.logger.Info("loading source",
		slog.String("url", url),
		slog.String("kind", kind.String()),
		slog.String("path", path),
	)

	if err := c.surface.SetSource(Source{URL: url, Kind: kind, Managed: useEngine}); err != nil {
		c.teardown()
		return faults.New(faults.KindUserInput, "load", err)
	}

	if useEngine {
		engine := c.cfg.NewEngine(EngineOptions{
			Config:     c.cfg.Engine,
			Sink:       c.sink,
			OnFault:    func(f Fault) { c.handleFault(gen, f) },
			HTTPClient: c.cfg.HTTPClient,
			Clock:      c.cfg.Clock,
			Logger:     c.cfg.Logger,
		})

		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			c.destroyEngine(engine)
			return nil
		}
		c.engine = engine
		c.mu.Unlock()

		if err := engine.Load(url); err != nil {
			return faults.Newf(faults.KindTransientNetwork, "load", err, "loading manifest")
		}
	}

	if err := c.surface.Play(); err != nil {
		c.logger.Debug("play request rejected", slog.String("error", err.Error()))
	}
	return nil
}

// Close tears down the current source. Later loads fail with ErrClosed.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.teardown()
}

// teardown destroys the engine and removes the surface listeners. It always
// completes, even when the engine panics or fails while being destroyed.
func (c *Controller) teardown() {
	c.mu.Lock()
	c.gen++
	engine := c.engine
	c.engine = nil
	removers := c.removers
	c.removers = nil
	c.mu.Unlock()

	for _, remove := range removers {
		remove()
	}
	if engine != nil {
		c.destroyEngine(engine)
	}
	c.surface.Reset()
}

func (c *Controller) destroyEngine(engine Engine) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("engine panicked while being destroyed", slog.Any("panic", r))
		}
	}()
	if err := engine.Destroy(); err != nil {
		c.logger.Warn("destroying engine", slog.String("error", err.Error()))
	}
}

// handleFault classifies an engine fault and runs the matching recovery.
func (c *Controller) handleFault(gen uint64, f Fault) {
	c.mu.Lock()
	if gen != c.gen || c.engine == nil {
		c.mu.Unlock()
		return
	}
	engine := c.engine

	exhausted := false
	if !f.Fatal && f.Details == DetailsBufferLow {
		if c.recoveryCount < c.cfg.MaxRecoveries {
			c.recoveryCount++
		} else {
			exhausted = true
		}
	}
	count := c.recoveryCount
	c.mu.Unlock()

	metrics.RecordFault(f.Type.String(), f.Details.String(), f.Fatal)
	c.logger.Debug("engine fault", slog.String("fault", f.String()))

	if f.Fatal {
		switch f.Type {
		case ErrorTypeNetwork:
			c.logger.Warn("network fault, restarting load", slog.String("fault", f.String()))
			metrics.RecordRecovery(metrics.ActionStartLoad)
			engine.StartLoad()
		case ErrorTypeMedia:
			c.logger.Warn("media fault, recovering decoder", slog.String("fault", f.String()))
			metrics.RecordRecovery(metrics.ActionRecoverMedia)
			engine.RecoverMediaError()
		default:
			c.logger.Error("unrecoverable playback fault", slog.String("fault", f.String()))
			metrics.RecordRecovery(metrics.ActionDestroy)
			c.report(gen, faults.Newf(faults.KindFatalUnrecoverable, "playback", faults.ErrUnrecoverable, "%s", f))
			c.mu.Lock()
			if c.engine == engine {
				c.engine = nil
			}
			c.mu.Unlock()
			c.destroyEngine(engine)
		}
		return
	}

	switch f.Details {
	case DetailsBufferStalled:
		c.logger.Info("buffer stalled, restarting load")
		metrics.RecordRecovery(metrics.ActionStartLoad)
		engine.StartLoad()
		c.unstick()
	case DetailsBufferLow:
		if exhausted {
			metrics.RecordRecovery(metrics.ActionReported)
			c.report(gen, faults.Newf(faults.KindDecodeMedia, "playback", faults.ErrRecoveryExhausted,
				"%d recoveries", c.cfg.MaxRecoveries))
			return
		}
		c.logger.Info("buffer low, recovering media", slog.Int("recovery", count), slog.Int("max", c.cfg.MaxRecoveries))
		metrics.RecordRecovery(metrics.ActionRecoverMedia)
		engine.RecoverMediaError()
	}
}

// unstick seeks slightly forward, bounded by the duration, and resumes.
// Failures are swallowed.
func (c *Controller) unstick() {
	pos := c.surface.Position()
	target := pos + c.cfg.UnstickStep
	if d := c.surface.Duration(); d > 0 && target > d {
		target = d
	}

	metrics.RecordRecovery(metrics.ActionUnstick)
	c.logger.Debug("unsticking playback", slog.Duration("from", pos), slog.Duration("to", target))

	if err := c.surface.Seek(target); err != nil {
		c.logger.Debug("unstick seek failed", slog.String("error", err.Error()))
	}
	if err := c.surface.Play(); err != nil {
		c.logger.Debug("unstick play rejected", slog.String("error", err.Error()))
	}
}

func (c *Controller) onNativeStall(gen uint64, ev Event) {
	if !c.current(gen) {
		return
	}
	c.logger.Debug("native stall", slog.String("event", ev.String()))
	c.unstick()
}

func (c *Controller) onEnded(gen uint64) {
	if !c.current(gen) {
		return
	}
	c.logger.Info("playback ended")
	c.notify(func(l Listener) {
		if l.OnEnded != nil {
			l.OnEnded()
		}
	})
}

func (c *Controller) onSurfaceError(gen uint64) {
	if !c.current(gen) {
		return
	}
	err := c.surface.Err()
	if err == nil {
		err = errors.New("surface error")
	}
	c.report(gen, faults.New(faults.KindTransientNetwork, "playback", err))
}

func (c *Controller) report(gen uint64, err error) {
	if !c.current(gen) {
		return
	}
	c.logger.Warn("playback error", slog.String("error", err.Error()))
	c.notify(func(l Listener) {
		if l.OnError != nil {
			l.OnError(err)
		}
	})
}

func (c *Controller) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen
}

func (c *Controller) notify(fn func(Listener)) {
	c.dispatch.Lock()
	defer c.dispatch.Unlock()

	c.mu.Lock()
	l := c.listener
	c.mu.Unlock()

	fn(l)
}

// URL returns the loaded source URL.
func (c *Controller) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

// SourceKind returns the kind of the loaded source.
func (c *Controller) SourceKind() SourceKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kind
}

// Live reports whether the loaded source is a streaming manifest.
func (c *Controller) Live() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

// RecoveryCount returns the number of low-buffer recoveries since the last load.
func (c *Controller) RecoveryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recoveryCount
}

// HasEngine reports whether a streaming engine is bound.
func (c *Controller) HasEngine() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine != nil
}

func (c *Controller) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("playback(%s %s live=%t)", c.kind, c.url, c.live)
}

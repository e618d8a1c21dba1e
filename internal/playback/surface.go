package playback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/jmylchreest/livegen/internal/clock"
	"github.com/jmylchreest/livegen/internal/observability"
)

// ErrNoSource is returned by surface operations before a source is set.
var ErrNoSource = errors.New("surface has no source")

// Event is a playback event emitted by a Surface.
type Event int

const (
	// EventWaiting fires when playback reaches the end of buffered media.
	EventWaiting Event = iota
	// EventStalled fires when playback has been waiting for StalledAfter.
	EventStalled
	// EventEnded fires when playback reaches the end of a finished source.
	EventEnded
	// EventError fires when the surface cannot play its source.
	EventError
)

func (e Event) String() string {
	switch e {
	case EventWaiting:
		return "waiting"
	case EventStalled:
		return "stalled"
	case EventEnded:
		return "ended"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Source describes what a surface plays.
type Source struct {
	URL  string
	Kind SourceKind
	// Managed is true when a streaming engine feeds the surface through its
	// MediaSink. Unmanaged sources are fetched by the surface itself.
	Managed bool
}

// Surface is a media rendering element.
type Surface interface {
	SetSource(src Source) error
	Play() error
	Position() time.Duration
	Duration() time.Duration
	Seek(pos time.Duration) error
	// AddListener registers fn for ev and returns a function that removes it.
	AddListener(ev Event, fn func()) (remove func())
	// Err returns the error behind the last EventError.
	Err() error
	// Reset detaches the source and stops all background work.
	Reset()
}

// MediaSink is the side of a surface a streaming engine feeds.
type MediaSink interface {
	// AppendMedia marks [start, end) of the presentation timeline as buffered.
	AppendMedia(start, end time.Duration)
	// ResetBuffer drops everything buffered ahead of the playback position.
	ResetBuffer()
	// EndOfStream marks the buffered media as complete.
	EndOfStream()
	BufferedEnd() time.Duration
	BufferedAhead() time.Duration
}

// HeadlessConfig configures a HeadlessSurface.
type HeadlessConfig struct {
	Clock clock.Clock
	// HTTPClient fetches unmanaged sources.
	HTTPClient *http.Client
	// Output receives progressive downloads. Defaults to io.Discard.
	Output io.Writer

	StalledAfter     time.Duration
	MaxBufferHole    time.Duration
	BackBufferLength time.Duration

	Logger *slog.Logger
}

type timeRange struct {
	start, end time.Duration
}

// HeadlessSurface models a media element without rendering: the playback
// position advances with the clock while playing and is held at the end of
// the buffered range containing it.
type HeadlessSurface struct {
	cfg    HeadlessConfig
	clock  clock.Clock
	logger *slog.Logger

	mu        sync.Mutex
	gen       uint64
	src       Source
	hasSource bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	playing   bool
	waiting   bool
	ended     bool
	eos       bool
	anchorPos time.Duration
	anchorAt  time.Time
	ranges    []timeRange
	duration  time.Duration
	err       error

	edgeTimer    clock.Timer
	stalledTimer clock.Timer

	listeners  map[Event]map[uint64]func()
	listenerID uint64
}

var (
	_ Surface   = (*HeadlessSurface)(nil)
	_ MediaSink = (*HeadlessSurface)(nil)
)

// NewHeadlessSurface creates a surface with no source.
func NewHeadlessSurface(cfg HeadlessConfig) *HeadlessSurface {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Output == nil {
		cfg.Output = io.Discard
	}
	if cfg.StalledAfter <= 0 {
		cfg.StalledAfter = 3 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.Discard()
	}
	return &HeadlessSurface{
		cfg:       cfg,
		clock:     cfg.Clock,
		logger:    observability.WithComponent(cfg.Logger, "surface"),
		listeners: make(map[Event]map[uint64]func()),
	}
}

// SetSource replaces the current source. Unmanaged sources start fetching
// immediately; managed ones wait for an engine to append media.
func (s *HeadlessSurface) SetSource(src Source) error {
	if src.URL == "" {
		return ErrNoSource
	}

	s.mu.Lock()
	cancel := s.resetLocked()
	s.src = src
	s.hasSource = true
	gen := s.gen

	var ctx context.Context
	if !src.Managed {
		ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	s.logger.Debug("source set",
		slog.String("url", src.URL),
		slog.String("kind", src.Kind.String()),
		slog.Bool("managed", src.Managed),
	)

	if !src.Managed {
		go func() {
			var done func()
			if src.Kind == SourceProgressive {
				done = s.download(ctx, gen, src.URL)
			} else {
				done = s.followPlaylist(ctx, gen, src.URL)
			}
			// Listeners run after Done so they may call Reset.
			s.wg.Done()
			done()
		}()
	}
	return nil
}

// Reset detaches the source, stops background fetches and waits for them.
func (s *HeadlessSurface) Reset() {
	s.mu.Lock()
	cancel := s.resetLocked()
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *HeadlessSurface) resetLocked() context.CancelFunc {
	s.gen++
	stopTimer(&s.edgeTimer)
	stopTimer(&s.stalledTimer)
	cancel := s.cancel
	s.cancel = nil
	s.src = Source{}
	s.hasSource = false
	s.playing = false
	s.waiting = false
	s.ended = false
	s.eos = false
	s.anchorPos = 0
	s.anchorAt = s.clock.Now()
	s.ranges = nil
	s.duration = 0
	s.err = nil
	return cancel
}

// Play starts or resumes playback.
func (s *HeadlessSurface) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasSource {
		return ErrNoSource
	}
	if s.err != nil {
		return s.err
	}
	if s.playing || s.ended {
		return nil
	}
	s.playing = true
	s.anchorAt = s.clock.Now()
	s.refreshLocked()
	return nil
}

// Pause stops the position from advancing.
func (s *HeadlessSurface) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.playing {
		return
	}
	s.anchorPos = s.positionLocked()
	s.anchorAt = s.clock.Now()
	s.playing = false
	stopTimer(&s.edgeTimer)
}

// Playing reports whether the surface is playing and not waiting for data.
func (s *HeadlessSurface) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing && !s.waiting
}

// Ended reports whether playback reached the end of a finished source.
func (s *HeadlessSurface) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func (s *HeadlessSurface) Position() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positionLocked()
}

// Duration returns the end of the furthest buffered or announced media.
// It is zero while unknown.
func (s *HeadlessSurface) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration
}

// Seek moves the playback position. Positions past the known duration are
// clamped to it.
func (s *HeadlessSurface) Seek(pos time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasSource {
		return ErrNoSource
	}
	if pos < 0 {
		pos = 0
	}
	if s.duration > 0 && pos > s.duration {
		pos = s.duration
	}
	s.anchorPos = pos
	s.anchorAt = s.clock.Now()
	if s.src.Kind == SourceStreaming && !s.eos {
		s.ended = false
	}
	s.refreshLocked()
	return nil
}

func (s *HeadlessSurface) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *HeadlessSurface) AddListener(ev Event, fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listenerID++
	id := s.listenerID
	if s.listeners[ev] == nil {
		s.listeners[ev] = make(map[uint64]func())
	}
	s.listeners[ev][id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners[ev], id)
	}
}

// ListenerCount returns the number of registered listeners across all events.
func (s *HeadlessSurface) ListenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.listeners {
		n += len(m)
	}
	return n
}

// AppendMedia implements MediaSink.
func (s *HeadlessSurface) AppendMedia(start, end time.Duration) {
	if end <= start {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasSource {
		return
	}
	s.addRangeLocked(start, end)
	s.refreshLocked()
}

// appendFor appends media fetched for source generation gen.
func (s *HeadlessSurface) appendFor(gen uint64, start, end time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || end <= start {
		return
	}
	s.addRangeLocked(start, end)
	s.refreshLocked()
}

func (s *HeadlessSurface) endFor(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	s.eos = true
	s.refreshLocked()
}

// ResetBuffer implements MediaSink.
func (s *HeadlessSurface) ResetBuffer() {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos := s.positionLocked()
	kept := s.ranges[:0]
	for _, r := range s.ranges {
		if r.start >= pos {
			continue
		}
		if r.end > pos {
			r.end = pos
		}
		kept = append(kept, r)
	}
	s.ranges = kept
	s.eos = false
	s.refreshLocked()
}

// EndOfStream implements MediaSink.
func (s *HeadlessSurface) EndOfStream() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eos = true
	s.refreshLocked()
}

// BufferedEnd implements MediaSink.
func (s *HeadlessSurface) BufferedEnd() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bufferedEndLocked(s.positionLocked())
}

// BufferedAhead implements MediaSink.
func (s *HeadlessSurface) BufferedAhead() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos := s.positionLocked()
	return s.bufferedEndLocked(pos) - pos
}

// fail stops playback with err if gen is still current.
func (s *HeadlessSurface) fail(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.anchorPos = s.positionLocked()
	s.err = err
	s.playing = false
	stopTimer(&s.edgeTimer)
	stopTimer(&s.stalledTimer)
	fns := s.listenersLocked(EventError)
	s.mu.Unlock()

	s.logger.Warn("playback error", slog.String("error", err.Error()))
	run(fns)
}

// finish ends an unbounded (progressive) source.
func (s *HeadlessSurface) finish(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.anchorPos = s.positionLocked()
	s.eos = true
	s.ended = true
	s.playing = false
	fns := s.listenersLocked(EventEnded)
	s.mu.Unlock()

	run(fns)
}

func (s *HeadlessSurface) bounded() bool {
	return s.src.Kind == SourceStreaming
}

func (s *HeadlessSurface) positionLocked() time.Duration {
	pos := s.anchorPos
	if s.playing && !s.waiting {
		pos += s.clock.Now().Sub(s.anchorAt)
	}
	if s.bounded() {
		if end := s.bufferedEndLocked(s.anchorPos); pos > end {
			pos = end
		}
	}
	return pos
}

// bufferedEndLocked returns the end of the buffered range that covers pos,
// or pos when nothing is buffered there.
func (s *HeadlessSurface) bufferedEndLocked(pos time.Duration) time.Duration {
	for _, r := range s.ranges {
		if r.start <= pos+s.cfg.MaxBufferHole && pos < r.end {
			return r.end
		}
	}
	return pos
}

func (s *HeadlessSurface) addRangeLocked(start, end time.Duration) {
	s.ranges = append(s.ranges, timeRange{start: start, end: end})
	sort.Slice(s.ranges, func(i, j int) bool { return s.ranges[i].start < s.ranges[j].start })

	merged := s.ranges[:1]
	for _, r := range s.ranges[1:] {
		last := &merged[len(merged)-1]
		if r.start <= last.end+s.cfg.MaxBufferHole {
			if r.end > last.end {
				last.end = r.end
			}
			continue
		}
		merged = append(merged, r)
	}
	s.ranges = merged

	if end > s.duration {
		s.duration = end
	}

	if s.cfg.BackBufferLength > 0 {
		floor := s.positionLocked() - s.cfg.BackBufferLength
		kept := s.ranges[:0]
		for _, r := range s.ranges {
			if r.end >= floor {
				kept = append(kept, r)
			}
		}
		s.ranges = kept
	}
}

// refreshLocked re-arms the edge timer after any change to position,
// buffer or play state. Events are only ever emitted from timers, so
// listeners that seek or play never re-enter a surface call.
func (s *HeadlessSurface) refreshLocked() {
	stopTimer(&s.edgeTimer)
	if !s.playing || s.ended || !s.bounded() {
		return
	}

	now := s.clock.Now()
	pos := s.positionLocked()
	end := s.bufferedEndLocked(pos)
	gen := s.gen

	if end > pos {
		if s.waiting {
			s.waiting = false
			stopTimer(&s.stalledTimer)
			s.anchorPos = pos
			s.anchorAt = now
		}
		s.edgeTimer = s.clock.AfterFunc(end-pos, func() { s.onEdge(gen) })
		return
	}
	s.edgeTimer = s.clock.AfterFunc(0, func() { s.onEdge(gen) })
}

func (s *HeadlessSurface) onEdge(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || !s.playing || s.ended {
		s.mu.Unlock()
		return
	}
	s.edgeTimer = nil

	pos := s.positionLocked()
	if s.bufferedEndLocked(pos) > pos {
		s.refreshLocked()
		s.mu.Unlock()
		return
	}

	s.anchorPos = pos
	s.anchorAt = s.clock.Now()

	var fns []func()
	switch {
	case s.eos && pos+s.cfg.MaxBufferHole >= s.duration:
		s.ended = true
		s.playing = false
		s.waiting = false
		stopTimer(&s.stalledTimer)
		fns = s.listenersLocked(EventEnded)
	case !s.waiting:
		s.waiting = true
		s.stalledTimer = s.clock.AfterFunc(s.cfg.StalledAfter, func() { s.onStalled(gen) })
		fns = s.listenersLocked(EventWaiting)
	}
	s.mu.Unlock()

	run(fns)
}

func (s *HeadlessSurface) onStalled(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || !s.waiting {
		s.mu.Unlock()
		return
	}
	s.stalledTimer = nil
	fns := s.listenersLocked(EventStalled)
	s.mu.Unlock()

	run(fns)
}

// listenersLocked snapshots the listeners of ev in registration order.
func (s *HeadlessSurface) listenersLocked(ev Event) []func() {
	m := s.listeners[ev]
	if len(m) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m[id])
	}
	return fns
}

func run(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

func stopTimer(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

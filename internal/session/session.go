// Package session implements the connection-session controller: one logical
// request/response exchange with the generation backend over an unreliable
// bidirectional channel.
//
// A Controller connects with a bounded timeout, reconnects after
// unintentional closes up to a retry budget, submits exactly one task per
// open connection and finalizes on the first usable result. Once finalized it
// ignores every further frame and closes the channel intentionally.
//
// Transport callbacks run on transport goroutines and timers on clock
// goroutines. All state lives under one mutex and listener callbacks are
// never invoked while it is held.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmylchreest/livegen/internal/channel"
	"github.com/jmylchreest/livegen/internal/clock"
	"github.com/jmylchreest/livegen/internal/faults"
	"github.com/jmylchreest/livegen/internal/metrics"
	"github.com/jmylchreest/livegen/internal/observability"
)

// Default configuration values.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultRetryDelay     = 2 * time.Second
	DefaultMaxRetries     = 3
)

// Task is a generation request.
type Task struct {
	Description string
	Credential  string
}

// Validate rejects empty fields before any network action.
func (t Task) Validate() error {
	if strings.TrimSpace(t.Description) == "" {
		return faults.New(faults.KindUserInput, "submit", faults.ErrEmptyTask)
	}
	if t.Credential == "" {
		return faults.New(faults.KindUserInput, "submit", faults.ErrEmptyCredential)
	}
	return nil
}

// Listener receives session notifications. Nil callbacks are skipped.
// Callbacks for one session never run concurrently with each other.
type Listener struct {
	// OnFrame receives every forwarded frame before finalization, verbatim.
	OnFrame func(Frame)
	// OnStatus receives progress text.
	OnStatus func(status string)
	// OnResult receives the single usable link of the session.
	OnResult func(Result)
	// OnFailure receives the terminal error reported by the backend.
	OnFailure func(err error)
	// OnRetriesExhausted fires once when the reconnect budget is spent.
	OnRetriesExhausted func(attempts int)
	// OnOpen fires after every successful open, reconnects included.
	OnOpen func()
}

// Config configures a Controller.
type Config struct {
	Endpoint       string
	ConnectTimeout time.Duration
	MaxRetries     int
	Retry          RetryPolicy
	Dialer         channel.Dialer
	Clock          clock.Clock
	Logger         *slog.Logger
}

// attempt is one dialed transport. Callbacks close over their attempt and
// are ignored once it is no longer current.
type attempt struct {
	transport channel.Transport
	result    chan error
	opened    bool
	settled   bool
}

func (a *attempt) settle(err error) {
	if a.settled {
		return
	}
	a.settled = true
	a.result <- err
}

// Controller manages one connection session.
type Controller struct {
	cfg    Config
	id     string
	logger *slog.Logger

	// dispatch serializes listener callbacks.
	dispatch sync.Mutex

	mu           sync.Mutex
	state        State
	retryCount   int
	intentional  bool
	// epoch advances on every Disconnect. A scheduled reconnect only dials
	// while the epoch it was scheduled under is still current.
	epoch        uint64
	finalized    bool
	submitted    bool
	current      *attempt
	connectTimer clock.Timer
	retryTimer   clock.Timer
	listener     Listener
}

// New creates an idle Controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("session: endpoint is required")
	}
	if cfg.Dialer == nil {
		return nil, errors.New("session: dialer is required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Retry == nil {
		cfg.Retry = FixedDelay(DefaultRetryDelay)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.Discard()
	}

	id := uuid.NewString()
	logger := observability.WithCorrelationID(observability.WithComponent(cfg.Logger, "session"), id)

	return &Controller{
		cfg:    cfg,
		id:     id,
		logger: logger,
		state:  StateIdle,
	}, nil
}

// ID returns the session identifier used in logs.
func (c *Controller) ID() string { return c.id }

// SetListener registers the session's single listener, replacing any
// previous one. Pass the zero Listener to unregister.
func (c *Controller) SetListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = l
}

// State returns the current connection state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RetryCount returns the number of consecutive reconnects scheduled since
// the last successful open.
func (c *Controller) RetryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryCount
}

// Finalized reports whether the session delivered its result or terminal error.
func (c *Controller) Finalized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finalized
}

// Connect opens the channel and blocks until it is open, the dial fails, the
// connect timeout expires or ctx is done. It returns nil immediately when a
// connection is already open or in flight.
func (c *Controller) Connect(ctx context.Context) error {
	return c.connect(ctx, nil)
}

// connect dials a new transport. A non-nil epoch marks a scheduled reconnect,
// which is dropped with ErrAborted when a Disconnect happened since.
func (c *Controller) connect(ctx context.Context, epoch *uint64) error {
	c.mu.Lock()
	if epoch != nil && (*epoch != c.epoch || c.intentional) {
		c.mu.Unlock()
		return faults.New(faults.KindTransientNetwork, "reconnect", faults.ErrAborted)
	}
	if c.finalized {
		c.mu.Unlock()
		return faults.New(faults.KindUserInput, "connect", faults.ErrSessionFinalized)
	}
	if c.state == StateConnecting || c.state == StateOpen {
		c.mu.Unlock()
		return nil
	}

	c.intentional = false
	stopTimer(&c.retryTimer)
	prev := c.detachLocked()
	if err := c.transitionLocked(StateConnecting); err != nil {
		c.mu.Unlock()
		closeTransport(prev, c.logger)
		return err
	}

	a := &attempt{result: make(chan error, 1)}
	c.current = a
	c.mu.Unlock()

	closeTransport(prev, c.logger)

	c.logger.Debug("connecting", slog.String("endpoint", c.cfg.Endpoint))
	tr := c.cfg.Dialer.Dial(c.cfg.Endpoint, c.handlerFor(a))

	c.mu.Lock()
	if c.current != a {
		// Superseded while dialing.
		c.mu.Unlock()
		closeTransport(tr, c.logger)
		return c.wait(ctx, a)
	}
	a.transport = tr
	if !a.settled {
		c.connectTimer = c.cfg.Clock.AfterFunc(c.cfg.ConnectTimeout, func() { c.onConnectTimeout(a) })
	}
	c.mu.Unlock()

	return c.wait(ctx, a)
}

func (c *Controller) wait(ctx context.Context, a *attempt) error {
	select {
	case err := <-a.result:
		return err
	case <-ctx.Done():
		c.abort(a, ctx.Err())
		return ctx.Err()
	}
}

// abort gives up on a pending attempt because the caller stopped waiting.
func (c *Controller) abort(a *attempt, cause error) {
	c.mu.Lock()
	if c.current != a || a.settled {
		c.mu.Unlock()
		return
	}
	stopTimer(&c.connectTimer)
	a.settle(cause)
	tr := c.detachLocked()
	c.forceStateLocked(StateClosed)
	c.mu.Unlock()

	metrics.RecordConnect("cancelled")
	closeTransport(tr, c.logger)
}

func (c *Controller) onConnectTimeout(a *attempt) {
	c.mu.Lock()
	if c.current != a || a.settled {
		c.mu.Unlock()
		return
	}
	c.connectTimer = nil
	a.settle(faults.Newf(faults.KindTransientNetwork, "connect", faults.ErrConnectTimeout,
		"no open within %s", c.cfg.ConnectTimeout))
	// The transport stays current so its close event drives the retry policy.
	tr := a.transport
	c.forceStateLocked(StateClosed)
	c.mu.Unlock()

	metrics.RecordConnect("timeout")
	c.logger.Warn("connect timed out", slog.Duration("timeout", c.cfg.ConnectTimeout))
	closeTransport(tr, c.logger)
}

func (c *Controller) handlerFor(a *attempt) channel.Handler {
	return channel.Handler{
		OnOpen:    func() { c.onOpen(a) },
		OnMessage: func(data []byte) { c.onMessage(a, data) },
		OnError:   func(err error) { c.onError(a, err) },
		OnClose:   func() { c.onClose(a) },
	}
}

func (c *Controller) onOpen(a *attempt) {
	c.mu.Lock()
	if c.current != a || a.settled {
		c.mu.Unlock()
		return
	}
	stopTimer(&c.connectTimer)
	a.opened = true
	if err := c.transitionLocked(StateOpen); err != nil {
		c.mu.Unlock()
		return
	}
	c.retryCount = 0
	c.submitted = false
	a.settle(nil)
	c.mu.Unlock()

	metrics.RecordConnect("open")
	c.logger.Info("connected", slog.String("endpoint", c.cfg.Endpoint))
	c.notify(func(l Listener) {
		if l.OnOpen != nil {
			l.OnOpen()
		}
	})
}

func (c *Controller) onError(a *attempt, err error) {
	c.mu.Lock()
	if c.current != a {
		c.mu.Unlock()
		return
	}
	if a.opened {
		c.mu.Unlock()
		c.logger.Warn("channel error", slog.String("error", err.Error()))
		return
	}
	stopTimer(&c.connectTimer)
	settled := a.settled
	a.settle(faults.Newf(faults.KindTransientNetwork, "connect", faults.ErrConnectFailed, "%v", err))
	c.forceStateLocked(StateClosed)
	c.mu.Unlock()

	if !settled {
		metrics.RecordConnect("failed")
	}
	c.logger.Warn("connect failed", slog.String("error", err.Error()))
}

func (c *Controller) onClose(a *attempt) {
	c.mu.Lock()
	if c.current != a {
		c.mu.Unlock()
		return
	}
	stopTimer(&c.connectTimer)
	a.settle(faults.New(faults.KindTransientNetwork, "connect", faults.ErrConnectFailed))
	c.current = nil
	c.forceStateLocked(StateClosed)

	if c.intentional || c.finalized {
		c.mu.Unlock()
		return
	}

	if c.retryCount < c.cfg.MaxRetries {
		c.retryCount++
		n := c.retryCount
		epoch := c.epoch
		delay := c.cfg.Retry.Delay(n)
		c.retryTimer = c.cfg.Clock.AfterFunc(delay, func() { c.reconnect(n, epoch) })
		c.mu.Unlock()

		metrics.SessionReconnectTotal.Inc()
		c.logger.Warn("channel closed unexpectedly, reconnecting",
			slog.Int("attempt", n),
			slog.Int("max_retries", c.cfg.MaxRetries),
			slog.Duration("delay", delay),
		)
		return
	}

	attempts := c.retryCount
	c.mu.Unlock()

	metrics.SessionRetriesExhaustedTotal.Inc()
	c.logger.Error("reconnect retries exhausted", slog.Int("attempts", attempts))
	c.notify(func(l Listener) {
		if l.OnRetriesExhausted != nil {
			l.OnRetriesExhausted(attempts)
		}
	})
}

func (c *Controller) reconnect(n int, epoch uint64) {
	c.mu.Lock()
	if epoch != c.epoch || c.intentional || c.finalized {
		c.mu.Unlock()
		return
	}
	c.retryTimer = nil
	c.mu.Unlock()

	go c.retryConnect(n, epoch)
}

// retryConnect runs one scheduled reconnect. Its failure is logged only:
// the close of the failed transport drives the retry policy.
func (c *Controller) retryConnect(n int, epoch uint64) error {
	err := c.connect(context.Background(), &epoch)
	switch {
	case err == nil:
	case errors.Is(err, faults.ErrAborted):
		c.logger.Debug("reconnect dropped after disconnect", slog.Int("attempt", n))
	default:
		c.logger.Warn("reconnect attempt failed",
			slog.Int("attempt", n),
			slog.String("error", err.Error()),
		)
	}
	return err
}

func (c *Controller) onMessage(a *attempt, data []byte) {
	c.mu.Lock()
	if c.current != a {
		c.mu.Unlock()
		return
	}
	if c.finalized {
		c.mu.Unlock()
		metrics.RecordFrame("late")
		c.logger.Debug("ignoring frame after finalization")
		return
	}

	frame, err := ParseFrame(data)
	if err != nil {
		c.mu.Unlock()
		metrics.RecordFrame("malformed")
		c.logger.Warn("discarding malformed frame", slog.String("error", err.Error()))
		return
	}
	if frame.IsInternalError() {
		c.mu.Unlock()
		metrics.RecordFrame("internal_error")
		c.logger.Warn("discarding internal server error notice")
		return
	}

	result, hasResult := frame.Result()
	terminal := hasResult || frame.Error != ""
	if terminal {
		c.finalized = true
	}
	c.mu.Unlock()

	switch {
	case hasResult:
		metrics.RecordFrame("result")
		c.logger.Info("generation finished",
			slog.String("link", result.Link),
			slog.String("kind", result.Kind.String()),
		)
		c.notify(func(l Listener) {
			if l.OnFrame != nil {
				l.OnFrame(frame)
			}
			if l.OnResult != nil {
				l.OnResult(result)
			}
		})
		c.Disconnect()

	case frame.Error != "":
		metrics.RecordFrame("error")
		c.logger.Warn("generation failed", slog.String("error", frame.Error))
		failure := faults.Newf(faults.KindRemote, "generate", faults.ErrRemote, "%s", frame.Error)
		c.notify(func(l Listener) {
			if l.OnFrame != nil {
				l.OnFrame(frame)
			}
			if l.OnFailure != nil {
				l.OnFailure(failure)
			}
		})
		c.Disconnect()

	default:
		if frame.Status != "" {
			metrics.RecordFrame("status")
		}
		c.notify(func(l Listener) {
			if l.OnFrame != nil {
				l.OnFrame(frame)
			}
			if frame.Status != "" && l.OnStatus != nil {
				l.OnStatus(frame.Status)
			}
		})
	}
}

// notify runs fn against the current listener outside the state lock.
func (c *Controller) notify(fn func(Listener)) {
	c.dispatch.Lock()
	defer c.dispatch.Unlock()

	c.mu.Lock()
	l := c.listener
	c.mu.Unlock()

	fn(l)
}

// Disconnect closes the channel intentionally and cancels any pending
// reconnect. It is idempotent.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	c.intentional = true
	c.epoch++
	c.retryCount = 0
	stopTimer(&c.retryTimer)
	stopTimer(&c.connectTimer)

	if a := c.current; a != nil {
		a.settle(faults.New(faults.KindTransientNetwork, "connect", faults.ErrAborted))
	}
	tr := c.detachLocked()

	if c.state == StateClosed || c.state == StateIdle {
		c.forceStateLocked(StateClosed)
		c.mu.Unlock()
		closeTransport(tr, c.logger)
		return
	}

	_ = c.transitionLocked(StateClosing)
	c.mu.Unlock()

	closeTransport(tr, c.logger)

	c.mu.Lock()
	if c.state == StateClosing {
		c.forceStateLocked(StateClosed)
	}
	c.mu.Unlock()

	c.logger.Debug("disconnected")
}

// Submit sends the task. It requires an open connection and allows one
// submission per open connection. Completion is observed through the
// Listener.
func (c *Controller) Submit(ctx context.Context, task Task) error {
	if err := task.Validate(); err != nil {
		metrics.RecordSubmit("rejected")
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	var tr channel.Transport
	if c.current != nil {
		tr = c.current.transport
	}
	switch {
	case c.finalized:
		c.mu.Unlock()
		metrics.RecordSubmit("rejected")
		return faults.New(faults.KindUserInput, "submit", faults.ErrSessionFinalized)
	case c.state != StateOpen || tr == nil:
		c.mu.Unlock()
		metrics.RecordSubmit("rejected")
		return faults.New(faults.KindUserInput, "submit", faults.ErrNotConnected)
	case c.submitted:
		c.mu.Unlock()
		metrics.RecordSubmit("rejected")
		return faults.New(faults.KindUserInput, "submit", faults.ErrAlreadySubmitted)
	}
	c.submitted = true
	c.mu.Unlock()

	payload, err := json.Marshal(Request{
		Action: ActionCreateVideo,
		Task:   task.Description,
		APIKey: task.Credential,
	})
	if err != nil {
		return fmt.Errorf("encoding task: %w", err)
	}

	if err := tr.Send(payload); err != nil {
		c.mu.Lock()
		if c.current != nil && c.current.transport == tr {
			c.submitted = false
		}
		c.mu.Unlock()
		metrics.RecordSubmit("failed")
		return faults.New(faults.KindTransientNetwork, "submit", err)
	}

	metrics.RecordSubmit("sent")
	c.logger.Info("task submitted", slog.Int("task_length", len(task.Description)))
	return nil
}

// detachLocked clears the current attempt and returns its transport so the
// caller can close it after releasing the lock.
func (c *Controller) detachLocked() channel.Transport {
	a := c.current
	c.current = nil
	if a == nil {
		return nil
	}
	return a.transport
}

func (c *Controller) transitionLocked(to State) error {
	from := c.state
	if !canTransition(from, to) {
		err := transitionError(from, to)
		c.logger.Error("rejected state transition", slog.String("error", err.Error()))
		return err
	}
	c.state = to
	c.logger.Debug("state transition", slog.String("transition", describeTransition(from, to)))
	return nil
}

// forceStateLocked moves to Closed from any state. Closing is legal from
// every state the controller can be in, so this only skips the log noise of
// Closed -> Closed.
func (c *Controller) forceStateLocked(to State) {
	if c.state == to {
		return
	}
	_ = c.transitionLocked(to)
}

func stopTimer(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func closeTransport(tr channel.Transport, logger *slog.Logger) {
	if tr == nil {
		return
	}
	if err := tr.Close(); err != nil {
		logger.Debug("closing transport", slog.String("error", err.Error()))
	}
}

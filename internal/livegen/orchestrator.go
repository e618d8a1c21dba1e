// Package livegen runs a generation request end to end: it submits the task
// over a connection session, waits for the generated link and keeps the
// video playing through the playback controller.
package livegen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/livegen/internal/faults"
	"github.com/jmylchreest/livegen/internal/format"
	"github.com/jmylchreest/livegen/internal/observability"
	"github.com/jmylchreest/livegen/internal/playback"
	"github.com/jmylchreest/livegen/internal/session"
	"github.com/jmylchreest/livegen/internal/urlutil"
)

// Status messages reported during a run.
const (
	StatusConnecting  = "Connecting to video generation service..."
	StatusConnected   = "Connected to video generation service"
	StatusGenerating  = "Generating video..."
	StatusGenerated   = "Video generated successfully!"
	StatusResubmitted = "Reconnected, request sent again"
)

// Options configures an Orchestrator.
type Options struct {
	// Session is the template for the session created by each Generate call.
	Session session.Config
	// Playback configures the controller created for each playback run.
	Playback playback.Config
	// Surface configures the headless surface created for each playback run.
	Surface playback.HeadlessConfig
	// SkipPlayback makes Generate return as soon as the link is known.
	SkipPlayback bool
	Reporter     Reporter
	Logger       *slog.Logger
}

// Orchestrator wires sessions to playback.
type Orchestrator struct {
	opts   Options
	logger *slog.Logger
}

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = observability.Discard()
	}
	if opts.Reporter == nil {
		opts.Reporter = NewLogReporter(opts.Logger)
	}
	if opts.Session.Logger == nil {
		opts.Session.Logger = opts.Logger
	}
	if opts.Playback.Logger == nil {
		opts.Playback.Logger = opts.Logger
	}
	if opts.Surface.Logger == nil {
		opts.Surface.Logger = opts.Logger
	}
	return &Orchestrator{
		opts:   opts,
		logger: observability.WithComponent(opts.Logger, "orchestrator"),
	}
}

type outcome struct {
	result session.Result
	err    error
}

// Generate submits task and plays the generated video until ctx is done,
// playback ends or an unrecoverable playback fault occurs. It returns the
// generated link as soon as one was received, even when playback fails.
func (o *Orchestrator) Generate(ctx context.Context, task session.Task) (session.Result, error) {
	if err := task.Validate(); err != nil {
		o.opts.Reporter.Error(err)
		return session.Result{}, err
	}

	sess, err := session.New(o.opts.Session)
	if err != nil {
		return session.Result{}, fmt.Errorf("creating session: %w", err)
	}
	defer sess.Disconnect()

	logger := observability.WithCorrelationID(o.logger, sess.ID())

	done := make(chan outcome, 1)
	deliver := func(out outcome) {
		select {
		case done <- out:
		default:
		}
	}
	opened := make(chan struct{}, 1)
	sess.SetListener(session.Listener{
		OnStatus: o.opts.Reporter.Status,
		OnResult: func(res session.Result) { deliver(outcome{result: res}) },
		OnFailure: func(err error) {
			deliver(outcome{err: err})
		},
		OnRetriesExhausted: func(attempts int) {
			deliver(outcome{err: faults.Newf(faults.KindTransientNetwork, "connect", faults.ErrRetriesExhausted,
				"%d reconnect attempts", attempts)})
		},
		OnOpen: func() {
			select {
			case opened <- struct{}{}:
			default:
			}
		},
	})

	fail := func(err error) (session.Result, error) {
		o.opts.Reporter.Error(err)
		return session.Result{}, err
	}

	o.opts.Reporter.Status(StatusConnecting)
	if err := sess.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return session.Result{}, ctx.Err()
		}
		if faults.KindOf(err) != faults.KindTransientNetwork {
			return fail(fmt.Errorf("connecting to video generation service: %w", err))
		}
		// The session retries on its own; only exhaustion is surfaced.
		logger.Warn("connect failed, waiting for reconnect", slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			return session.Result{}, ctx.Err()
		case out := <-done:
			if out.err != nil {
				return fail(out.err)
			}
			return fail(fmt.Errorf("connecting to video generation service: %w", err))
		case <-opened:
		}
	}
	o.opts.Reporter.Status(StatusConnected)

	// Replies may arrive before Submit returns.
	o.opts.Reporter.Status(StatusGenerating)
	if _, err := submitOnce(ctx, sess, task); err != nil {
		return fail(fmt.Errorf("sending video generation request: %w", err))
	}
	logger.Info("task submitted, waiting for result")

	var res session.Result
	for res.Link == "" {
		select {
		case <-ctx.Done():
			return session.Result{}, ctx.Err()
		case out := <-done:
			if out.err != nil {
				return fail(out.err)
			}
			res = out.result
		case <-opened:
			// A reconnected channel carries no task until it is sent again.
			sent, err := submitOnce(ctx, sess, task)
			if err != nil {
				return fail(fmt.Errorf("resending video generation request: %w", err))
			}
			if sent {
				logger.Info("reconnected, task resubmitted")
				o.opts.Reporter.Status(StatusResubmitted)
			}
		}
	}
	sess.Disconnect()

	o.opts.Reporter.Status(StatusGenerated)
	logger.Info("video generated", slog.String("link", res.Link), slog.String("kind", res.Kind.String()))

	if o.opts.SkipPlayback {
		return res, nil
	}
	return res, o.play(ctx, playableURL(res))
}

// submitOnce sends task on the current connection. It reports false without
// an error when the connection already carries the task, has dropped again
// or the session already finished: the listener delivers what follows.
func submitOnce(ctx context.Context, sess *session.Controller, task session.Task) (bool, error) {
	err := sess.Submit(ctx, task)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, faults.ErrAlreadySubmitted),
		errors.Is(err, faults.ErrNotConnected),
		errors.Is(err, faults.ErrSessionFinalized):
		return false, nil
	default:
		return false, err
	}
}

// playableURL normalizes streaming links. Progressive links are played as
// delivered.
func playableURL(res session.Result) string {
	if res.Kind == session.LinkStreaming {
		return urlutil.FormatHLSURL(res.Link)
	}
	return res.Link
}

// Play plays url until ctx is done, playback ends or an unrecoverable
// playback fault occurs.
func (o *Orchestrator) Play(ctx context.Context, url string) error {
	url = strings.TrimSpace(url)
	if url == "" {
		err := faults.New(faults.KindUserInput, "play", faults.ErrEmptyURL)
		o.opts.Reporter.Error(err)
		return err
	}
	if err := urlutil.ValidateURL(url); err != nil {
		err = faults.New(faults.KindUserInput, "play", err)
		o.opts.Reporter.Error(err)
		return err
	}
	return o.play(ctx, urlutil.FormatHLSURL(url))
}

func (o *Orchestrator) play(ctx context.Context, url string) error {
	logger := o.logger.With(slog.String("run_id", ulid.Make().String()))
	surface := playback.NewHeadlessSurface(o.opts.Surface)
	ctrl, err := playback.New(surface, o.opts.Playback)
	if err != nil {
		return fmt.Errorf("creating playback controller: %w", err)
	}
	defer ctrl.Close()

	ended := make(chan struct{}, 1)
	fatal := make(chan error, 1)
	ctrl.SetListener(playback.Listener{
		OnError: func(err error) {
			if faults.KindOf(err) == faults.KindFatalUnrecoverable {
				select {
				case fatal <- err:
				default:
				}
				return
			}
			o.opts.Reporter.Error(fmt.Errorf("video playback error: %w", err))
		},
		OnEnded: func() {
			select {
			case ended <- struct{}{}:
			default:
			}
		},
	})

	logger.Debug("loading video", slog.String("url", url))
	if err := ctrl.Load(url); err != nil {
		err = fmt.Errorf("loading video: %w", err)
		o.opts.Reporter.Error(err)
		return err
	}
	o.opts.Reporter.Playing(url, ctrl.Live())

	select {
	case <-ctx.Done():
		logger.Info("playback stopped",
			slog.String("reason", "cancelled"),
			slog.String("position", format.Position(surface.Position())),
		)
		return ctx.Err()
	case <-ended:
		logger.Info("playback ended",
			slog.String("url", url),
			slog.String("duration", format.Position(surface.Duration())),
		)
		o.opts.Reporter.Status("Playback finished")
		return nil
	case err := <-fatal:
		err = fmt.Errorf("video playback error: %w", err)
		o.opts.Reporter.Error(err)
		return err
	}
}

// IsCancelled reports whether err only reflects the caller stopping the run.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}

package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jmylchreest/livegen/internal/channel"
	"github.com/jmylchreest/livegen/internal/config"
	"github.com/jmylchreest/livegen/internal/httpclient"
	"github.com/jmylchreest/livegen/internal/livegen"
	"github.com/jmylchreest/livegen/internal/playback"
	"github.com/jmylchreest/livegen/internal/session"
)

// buildOrchestrator wires the configured components. The returned close
// function releases the progressive output file.
func buildOrchestrator(cfg *config.Config, logger *slog.Logger, rep livegen.Reporter, skipPlayback bool) (*livegen.Orchestrator, func() error, error) {
	closeFn := func() error { return nil }

	var output io.Writer
	if cfg.Playback.Output != "" {
		f, err := os.Create(cfg.Playback.Output)
		if err != nil {
			return nil, nil, fmt.Errorf("creating output file: %w", err)
		}
		output = f
		closeFn = f.Close
	}

	engineCfg := playback.EngineConfigFrom(cfg.Playback)
	httpCfg := engineCfg.HTTPConfig(httpclient.ConfigFrom(cfg.HTTP))
	httpCfg.Logger = logger
	media := httpclient.New(httpCfg).StandardClient()

	orch := livegen.New(livegen.Options{
		Session: session.Config{
			Endpoint:       cfg.Session.Endpoint,
			ConnectTimeout: cfg.Session.ConnectTimeout,
			MaxRetries:     cfg.Session.MaxRetries,
			Retry:          session.PolicyFromConfig(cfg.Session),
			Dialer:         channel.NewWebSocketDialer(cfg.Session.Origin, logger),
			Logger:         logger,
		},
		Playback: playback.Config{
			MaxRecoveries: cfg.Playback.MaxRecoveries,
			UnstickStep:   cfg.Playback.UnstickStep,
			EngineMode:    cfg.Playback.Engine,
			Engine:        engineCfg,
			HTTPClient:    media,
			Logger:        logger,
		},
		Surface: playback.HeadlessConfig{
			HTTPClient:       media,
			Output:           output,
			StalledAfter:     cfg.Playback.StalledAfter,
			MaxBufferHole:    cfg.Playback.MaxBufferHole,
			BackBufferLength: cfg.Playback.BackBufferLength,
			Logger:           logger,
		},
		SkipPlayback: skipPlayback,
		Reporter:     rep,
		Logger:       logger,
	})
	return orch, closeFn, nil
}

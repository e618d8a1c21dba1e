package cmd

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/livegen/internal/livegen"
	"github.com/jmylchreest/livegen/internal/observability"
)

var playCmd = &cobra.Command{
	Use:   "play <url>",
	Short: "Play a video URL with playback recovery",
	Long: `Play an HLS manifest or a progressive video file. Streaming directory
URLs without a manifest name get playlist.m3u8 appended.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlay,
}

func init() {
	playCmd.Flags().String("output", "", "write progressive downloads to this file")
	playCmd.Flags().String("engine", "", "streaming engine mode (auto, native)")
	playCmd.Flags().Bool("metrics", false, "serve Prometheus metrics while running")

	rootCmd.AddCommand(playCmd)
}

func runPlay(cmd *cobra.Command, args []string) error {
	bindFlags(cmd, map[string]string{
		"playback.output": "output",
		"playback.engine": "engine",
		"metrics.enabled": "metrics",
	})
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := observability.LoggerFromContext(cmd.Context())
	orch, closeOutput, err := buildOrchestrator(cfg, logger, livegen.NewWriterReporter(cmd.OutOrStdout()), false)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeOutput(); err != nil {
			logger.Warn("closing output", slog.String("error", err.Error()))
		}
	}()

	return runWithMetrics(cmd.Context(), cfg, logger, func(ctx context.Context) error {
		return orch.Play(ctx, args[0])
	})
}

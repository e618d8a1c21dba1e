package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/livegen/internal/livegen"
	"github.com/jmylchreest/livegen/internal/observability"
	"github.com/jmylchreest/livegen/internal/session"
)

var generateCmd = &cobra.Command{
	Use:   "generate [task description]",
	Short: "Generate a video and play it",
	Long: `Submit a task to the video generation service and play the generated
video as soon as its link arrives. Playback keeps running until the video
ends, an unrecoverable fault occurs or the command is interrupted.

The credential is read from --api-key, LIVEGEN_SESSION_API_KEY or the
session.api_key config value.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runGenerate,
}

func init() {
	generateCmd.Flags().String("api-key", "", "credential sent with the task")
	generateCmd.Flags().String("endpoint", "", "WebSocket endpoint of the generation service")
	generateCmd.Flags().String("output", "", "write progressive downloads to this file")
	generateCmd.Flags().String("engine", "", "streaming engine mode (auto, native)")
	generateCmd.Flags().Bool("no-play", false, "print the generated link without playing it")
	generateCmd.Flags().Bool("metrics", false, "serve Prometheus metrics while running")

	rootCmd.AddCommand(generateCmd)
}

func runGenerate(cmd *cobra.Command, args []string) error {
	bindFlags(cmd, map[string]string{
		"session.api_key":  "api-key",
		"session.endpoint": "endpoint",
		"playback.output":  "output",
		"playback.engine":  "engine",
		"metrics.enabled":  "metrics",
	})
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	noPlay, _ := cmd.Flags().GetBool("no-play")

	logger := observability.LoggerFromContext(cmd.Context())
	rep := livegen.NewWriterReporter(cmd.OutOrStdout())
	orch, closeOutput, err := buildOrchestrator(cfg, logger, rep, noPlay)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeOutput(); err != nil {
			logger.Warn("closing output", slog.String("error", err.Error()))
		}
	}()

	task := session.Task{
		Description: strings.Join(args, " "),
		Credential:  cfg.Session.APIKey,
	}

	return runWithMetrics(cmd.Context(), cfg, logger, func(ctx context.Context) error {
		res, err := orch.Generate(ctx, task)
		if res.Link != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "link (%s): %s\n", res.Kind, res.Link)
		}
		return err
	})
}

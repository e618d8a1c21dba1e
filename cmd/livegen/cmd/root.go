// Package cmd implements the CLI commands for livegen.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jmylchreest/livegen/internal/config"
	"github.com/jmylchreest/livegen/internal/observability"
	"github.com/jmylchreest/livegen/internal/version"
)

// cfgFile holds the config file path from CLI flag.
var cfgFile string

var rootCmd = &cobra.Command{
	Use:     "livegen",
	Short:   "Generate videos and keep them playing while they render",
	Version: version.Short(),
	Long: `livegen submits a video generation task to the generation service over a
WebSocket control channel and plays the resulting stream as soon as a link is
available, recovering from network stalls and media faults along the way.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, _ []string) {
		cmd.SetContext(observability.ContextWithLogger(cmd.Context(), initLogging()))
	}

	// Not bound to viper: an explicitly set flag beats env and config, an
	// unset one must not shadow them with its default.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.livegen.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".livegen")
	}

	viper.SetEnvPrefix(config.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// initLogging configures the default slog logger. Priority: explicit CLI
// flag, then LIVEGEN_LOGGING_* env vars, then config file, then defaults.
func initLogging() *slog.Logger {
	level := viper.GetString("logging.level")
	format := viper.GetString("logging.format")

	if rootCmd.PersistentFlags().Changed("log-level") {
		level, _ = rootCmd.PersistentFlags().GetString("log-level")
	}
	if rootCmd.PersistentFlags().Changed("log-format") {
		format, _ = rootCmd.PersistentFlags().GetString("log-format")
	}
	viper.Set("logging.level", strings.ToLower(level))
	viper.Set("logging.format", strings.ToLower(format))

	logCfg := config.LoggingConfig{
		Level:      strings.ToLower(level),
		Format:     strings.ToLower(format),
		AddSource:  viper.GetBool("logging.add_source"),
		TimeFormat: viper.GetString("logging.time_format"),
	}
	if logCfg.Level == "warning" {
		logCfg.Level = "warn"
		viper.Set("logging.level", "warn")
	}

	logger := observability.NewLoggerWithWriter(logCfg, os.Stderr)
	logger = observability.WithApp(logger, version.ApplicationName)
	observability.SetDefault(logger)

	return logger
}

// loadConfig decodes and validates the merged flag, env, file and default
// configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// bindFlags binds viper keys to flags of the running command. Binding happens
// at run time because several commands share keys and viper keeps only the
// last binding per key.
func bindFlags(cmd *cobra.Command, keys map[string]string) {
	for key, name := range keys {
		mustBindPFlag(key, cmd.Flags().Lookup(name))
	}
}

// mustBindPFlag binds a viper key to a cobra flag and panics if binding fails.
func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %q to key %q: %v", flag.Name, key, err))
	}
}

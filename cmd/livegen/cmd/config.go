package cmd

import (
	"fmt"
	"io"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/livegen/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the default configuration",
	Long: `Dump the default configuration values in YAML format. Redirect the
output to a file to create a configuration template:

  livegen config dump > ~/.livegen.yaml

Environment variables use the LIVEGEN_ prefix and underscores for nesting.
Example: session.max_retries -> LIVEGEN_SESSION_MAX_RETRIES`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return dumpDefaults(cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// toMap converts a config struct to a map keyed by mapstructure tags with
// durations in Go duration syntax.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		key := typ.Field(i).Tag.Get("mapstructure")
		if key == "" {
			key = typ.Field(i).Name
		}

		switch fv := field.Interface().(type) {
		case time.Duration:
			result[key] = fv.String()
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(fv)
			} else {
				result[key] = fv
			}
		}
	}
	return result
}

func dumpDefaults(w io.Writer) error {
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	data, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Fprintln(w, "# livegen configuration")
	fmt.Fprintln(w, "#")
	fmt.Fprintln(w, "# All values shown below are defaults.")
	fmt.Fprintln(w, "# Durations use Go syntax: 500ms, 10s, 2m")
	fmt.Fprintln(w, "#")
	fmt.Fprintln(w)
	_, err = w.Write(data)
	return err
}

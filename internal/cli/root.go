// Package cli implements the relances command line.
package cli

import (
	"fmt"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/tourcraft/relances/internal/conf"
	"github.com/tourcraft/relances/internal/logger"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
	Format     string // "json" | "text"
	Version    string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command.
func NewRootCommand(version string) *cobra.Command {
	opts := &RootOptions{Version: version}

	cmd := &cobra.Command{
		Use:     "relances",
		Short:   "Automatic follow-up engine",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to relances.yaml")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override log.level")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewAuditCommand(opts))
	cmd.AddCommand(NewEvaluateCommand(opts))
	cmd.AddCommand(NewRulesCommand(opts))

	return cmd
}

// loadSettings reads the configuration and builds the process logger.
func (o *RootOptions) loadSettings() (*conf.Settings, logger.Logger, error) {
	settings, err := conf.Load(o.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	if o.LogLevel != "" {
		settings.Log.Level = o.LogLevel
	}
	conf.SetSettings(settings)

	log := logger.NewZapLogger(os.Stderr, logger.ParseLevel(settings.Log.Level), &logger.Options{
		Format: settings.Log.Format,
		Fields: []logger.Field{logger.String("version", o.Version)},
	})
	logger.SetGlobal(log)
	return settings, log, nil
}

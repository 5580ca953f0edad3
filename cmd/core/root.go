package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/posync/backend/internal/config"
	"github.com/kimhsiao/posync/backend/internal/logging"
	"github.com/kimhsiao/posync/backend/internal/services"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	Format     string // "json" | "text"
	Verbose    bool

	cfg       *config.Config
	logCloser io.Closer
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the posync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "posync",
		Short:         "Offline-first POS transaction reconciliation",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if cmd.Name() == "version" {
				return nil
			}
			return opts.load(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.logCloser != nil {
				return opts.logCloser.Close()
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "config file (default: posync.yaml in the data directory or working directory)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewEnqueueCommand(opts))
	cmd.AddCommand(NewFailedCommand(opts))
	cmd.AddCommand(NewPurgeCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

// load reads configuration and sets up logging. Logs go to stderr so JSON
// output on stdout stays parseable.
func (o *RootOptions) load(cmd *cobra.Command) error {
	cfg, err := config.NewLoader(o.ConfigFile).Load()
	if err != nil {
		return err
	}
	o.cfg = cfg

	logOpts := cfg.LoggingOptions()
	logOpts.Out = cmd.ErrOrStderr()
	if o.Verbose {
		logOpts.Level = logging.LevelDebug
	} else if logOpts.Level == logging.LevelInfo {
		logOpts.Level = logging.LevelWarn
	}
	o.logCloser = logging.Setup(logOpts)
	return nil
}

// openService opens the queue without starting background work.
func (o *RootOptions) openService(ctx context.Context) (*services.ReconciliationService, error) {
	svc, err := services.New(ctx, o.cfg)
	if err != nil {
		return nil, err
	}
	if err := svc.RefreshPending(ctx); err != nil {
		svc.Stop()
		return nil, err
	}
	return svc, nil
}

// emit writes v as indented JSON in json mode, or calls text otherwise.
func (o *RootOptions) emit(w io.Writer, v interface{}, text func(io.Writer)) error {
	if o.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

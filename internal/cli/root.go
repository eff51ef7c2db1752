// Package cli implements the cobra command tree for ociimage.
package cli

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/intermodal-go/ociimage/internal/config"
	"github.com/intermodal-go/ociimage/internal/logging"
)

// ExitError wraps an error with a specific process exit code.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit code %d", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// Execute builds the command tree, runs it, and returns the process exit
// code.
func Execute() int {
	cmd := NewRootCommand()
	if err := cmd.Execute(); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			return exitErr.Code
		}
		return 1
	}
	return 0
}

// NewRootCommand constructs the top-level cobra.Command with every
// subcommand attached.
func NewRootCommand() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "ociimage",
		Short: "Pull and inspect OCI/Docker container images without a daemon",
		Long: `ociimage pulls container images directly from an OCI Distribution
(Docker Registry HTTP API V2) registry into a local OCI Image Layout,
verifying every blob against its content digest, and can unpack layers
onto disk with overlayfs-native whiteout handling.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd, cfgFile)
			if err != nil {
				return &ExitError{Code: 2, Err: err}
			}

			logger := logging.Setup(cfg)

			ctx := cmd.Context()
			ctx = config.NewContext(ctx, cfg)
			ctx = logging.NewContext(ctx, logger)
			cmd.SetContext(ctx)

			logger.Debug("configuration loaded",
				slog.String("root", cfg.Root),
				slog.Int("concurrency", cfg.Concurrency),
				slog.String("logLevel", cfg.LogLevel),
			)
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: .ociimage.yaml)")
	pf.String("root", "", "data directory for blob cache, image layouts, and unpacked layers")
	pf.Int("concurrency", 0, "bound on simultaneous layer downloads during a pull")
	pf.String("log-level", "info", "log level: debug, info, warn, error")
	pf.String("log-format", "text", "log format: text, json")
	pf.Bool("no-color", false, "disable colored output")
	pf.BoolP("quiet", "q", false, "suppress non-essential output")

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &ExitError{Code: 2, Err: err}
	})

	cmd.AddCommand(
		newVersionCommand(),
		newPullCommand(),
		newInspectCommand(),
		newListCommand(),
		newClearBlobCacheCommand(),
		newClearUnpackedCommand(),
	)

	return cmd
}

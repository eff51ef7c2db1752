package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/intermodal-go/ociimage/internal/config"
	"github.com/intermodal-go/ociimage/lib/blobcache"
	"github.com/intermodal-go/ociimage/lib/paths"
)

func newClearBlobCacheCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-blob-cache",
		Short: "Remove every cached blob",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.FromContext(cmd.Context())
			pth := paths.New(cfg.Root)

			cache, err := blobcache.New(pth.BlobCacheRoot())
			if err != nil {
				return &ExitError{Code: 1, Err: err}
			}
			if err := cache.Clear(); err != nil {
				return &ExitError{Code: 1, Err: err}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "cleared blob cache at %s\n", cache.Root())
			return nil
		},
	}
}

func newClearUnpackedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-unpacked",
		Short: "Remove every unpacked overlay layer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.FromContext(cmd.Context())
			pth := paths.New(cfg.Root)

			root := pth.OverlayLayersRoot()
			if err := os.RemoveAll(root); err != nil {
				return &ExitError{Code: 1, Err: err}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "cleared unpacked layers at %s\n", root)
			return nil
		},
	}
}

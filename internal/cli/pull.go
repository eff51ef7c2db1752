package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/intermodal-go/ociimage/internal/config"
	"github.com/intermodal-go/ociimage/internal/logging"
	"github.com/intermodal-go/ociimage/lib/blobcache"
	"github.com/intermodal-go/ociimage/lib/docker"
	"github.com/intermodal-go/ociimage/lib/paths"
	"github.com/intermodal-go/ociimage/lib/pull"
	"github.com/intermodal-go/ociimage/lib/resolver"
	"github.com/intermodal-go/ociimage/lib/transport"
)

func newPullCommand() *cobra.Command {
	var (
		force      bool
		unpack     bool
		cleanOnErr bool
		platform   string
	)

	cmd := &cobra.Command{
		Use:   "pull <name>",
		Short: "Pull an image into a local OCI Image Layout",
		Long: `Pull resolves an image reference of the form "docker://[domain/]path[:tag][@digest]"
against its registry, verifies every blob against its content digest, and
writes the result into an OCI Image Layout under the configured root
directory.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := config.FromContext(ctx)
			logger := logging.FromContext(ctx)

			ref, err := transport.ParseImageName(args[0])
			if err != nil {
				return &ExitError{Code: 2, Err: err}
			}

			plat := resolver.CurrentPlatform()
			if platform != "" {
				plat, err = resolver.ParsePlatform(platform)
				if err != nil {
					return &ExitError{Code: 2, Err: err}
				}
			}

			pth := paths.New(cfg.Root)
			cache, err := blobcache.New(pth.BlobCacheRoot())
			if err != nil {
				return &ExitError{Code: 1, Err: err}
			}

			client, err := docker.NewClient(ref.Domain(), cache)
			if err != nil {
				return &ExitError{Code: 1, Err: err}
			}

			logger.Info("pulling image", "reference", ref.String(), "platform", plat.String())

			res, err := pull.Pull(ctx, client, pth, ref, pull.Options{
				Force:       force,
				Platform:    plat,
				Concurrency: cfg.Concurrency,
				Unpack:      unpack,
				CleanOnErr:  cleanOnErr,
			})
			if err != nil {
				return &ExitError{Code: 1, Err: err}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "pulled %s\n", ref)
			fmt.Fprintf(cmd.OutOrStdout(), "  manifest: %s\n", res.ManifestDigest)
			fmt.Fprintf(cmd.OutOrStdout(), "  config:   %s\n", res.ConfigDigest)
			fmt.Fprintf(cmd.OutOrStdout(), "  layers:   %d\n", len(res.Layers))
			fmt.Fprintf(cmd.OutOrStdout(), "  layout:   %s\n", res.LayoutDir)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing layout directory")
	cmd.Flags().BoolVar(&unpack, "unpack", false, "also unpack every layer onto an overlayfs-ready diff directory")
	cmd.Flags().BoolVar(&cleanOnErr, "clean-on-err", false, "remove the whole layout directory if the pull fails, instead of leaving partial blobs for debugging")
	cmd.Flags().StringVar(&platform, "platform", "", "os/arch[/variant] to resolve a multi-platform index to (default: host platform)")

	return cmd
}

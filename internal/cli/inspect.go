package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/intermodal-go/ociimage/internal/config"
	"github.com/intermodal-go/ociimage/lib/blobcache"
	"github.com/intermodal-go/ociimage/lib/docker"
	"github.com/intermodal-go/ociimage/lib/image"
	"github.com/intermodal-go/ociimage/lib/paths"
	"github.com/intermodal-go/ociimage/lib/resolver"
	"github.com/intermodal-go/ociimage/lib/transport"
)

func newInspectCommand() *cobra.Command {
	var (
		platform   string
		showConfig bool
		showRaw    bool
	)

	cmd := &cobra.Command{
		Use:   "inspect <name>",
		Short: "Resolve an image's manifest and config without writing a layout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := config.FromContext(ctx)

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

			source := docker.NewSource(client, ref)
			img := image.Open(source, ref, plat)

			// --raw prints the exact, platform-resolved manifest bytes the
			// registry returned; --config prints the decoded OCI config
			// blob. Neither re-projects into the Inspection summary.
			switch {
			case showRaw:
				raw, _, err := img.RawManifest(ctx)
				if err != nil {
					return &ExitError{Code: 1, Err: err}
				}
				_, err = cmd.OutOrStdout().Write(append(raw, '\n'))
				return err
			case showConfig:
				body, err := img.ConfigBlob(ctx)
				if err != nil {
					return &ExitError{Code: 1, Err: err}
				}
				var pretty any
				if err := json.Unmarshal(body, &pretty); err != nil {
					return &ExitError{Code: 1, Err: fmt.Errorf("decode config blob: %w", err)}
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(pretty)
			}

			insp, err := img.Inspect(ctx)
			if err != nil {
				return &ExitError{Code: 1, Err: err}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(insp); err != nil {
				return &ExitError{Code: 1, Err: fmt.Errorf("encode inspection: %w", err)}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&platform, "platform", "", "os/arch[/variant] to resolve a multi-platform index to (default: host platform)")
	cmd.Flags().BoolVar(&showConfig, "config", false, "print the decoded OCI image config instead of the inspection summary")
	cmd.Flags().BoolVar(&showRaw, "raw", false, "print the raw platform-resolved manifest bytes instead of the inspection summary")

	return cmd
}

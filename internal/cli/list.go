package cli

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/intermodal-go/ociimage/internal/config"
	"github.com/intermodal-go/ociimage/lib/paths"
)

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List images already pulled into an OCI Image Layout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.FromContext(cmd.Context())
			pth := paths.New(cfg.Root)

			refs, err := listImageLayoutDirs(pth.ImagesRoot())
			if err != nil {
				return &ExitError{Code: 1, Err: err}
			}

			for _, ref := range refs {
				fmt.Fprintln(cmd.OutOrStdout(), ref)
			}
			return nil
		},
	}
}

// listImageLayoutDirs walks root (paths.Paths.ImagesRoot's
// transport/domain/path.../tag tree) and returns a "transport://domain/path:tag"
// string for every leaf directory that holds an oci-layout marker.
func listImageLayoutDirs(root string) ([]string, error) {
	var refs []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if filepath.Clean(p) == filepath.Clean(root) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if d.Name() != "oci-layout" {
			return nil
		}
		rel, err := filepath.Rel(root, filepath.Dir(p))
		if err != nil {
			return err
		}
		refs = append(refs, layoutRelPathToRef(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk image layouts under %s: %w", root, err)
	}
	sort.Strings(refs)
	return refs, nil
}

// layoutRelPathToRef turns a root-relative "transport/domain/path.../tag"
// directory path back into the "transport://domain/path:tag" display form.
func layoutRelPathToRef(rel string) string {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 3 {
		return rel
	}
	transport := parts[0]
	domain := parts[1]
	tag := parts[len(parts)-1]
	path := strings.Join(parts[2:len(parts)-1], "/")
	return fmt.Sprintf("%s://%s/%s:%s", transport, domain, path, tag)
}

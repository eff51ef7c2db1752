// Package overlay implements the apply-layer operation of spec §4.10:
// extracting a gzip-compressed tar layer stream onto a directory the way
// overlayfs expects, translating OCI whiteout markers into their
// overlayfs-native forms along the way.
package overlay

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/klauspost/compress/gzip"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"

	"github.com/intermodal-go/ociimage/lib/errs"
)

const (
	whiteoutPrefix = ".wh."
	opaqueWhiteout = ".wh..wh..opq"
	opaqueXattr    = "trusted.overlay.opaque"
)

// IDMap optionally remaps a layer's recorded file ownership onto the host
// during unpack, e.g. a rootless overlay mount where container UID 0 maps
// to host UID 100000. A zero-value IDMap performs no remapping: entries
// are chowned, best effort, to the tar header's literal uid/gid.
type IDMap struct {
	UIDMappings []specs.LinuxIDMapping
	GIDMappings []specs.LinuxIDMapping
}

func (m IDMap) empty() bool {
	return len(m.UIDMappings) == 0 && len(m.GIDMappings) == 0
}

func remapID(id int, mappings []specs.LinuxIDMapping) int {
	for _, m := range mappings {
		if uint32(id) >= m.ContainerID && uint32(id) < m.ContainerID+m.Size {
			return int(m.HostID + (uint32(id) - m.ContainerID))
		}
	}
	return id
}

// Unpack materializes one layer as an overlayfs-ready diff directory under
// base (spec §4.10 steps 1-2): it creates base/diff, and if lowerSpec is
// non-empty records it verbatim in base/lower alongside the base/work
// scratch directory overlayfs requires whenever a lowerdir is mounted,
// before extracting r into base/diff. idMap, if non-zero, remaps every
// extracted entry's ownership through its UID/GID mapping tables.
func Unpack(base, lowerSpec string, r io.Reader, idMap IDMap) error {
	diff := filepath.Join(base, "diff")
	if err := os.MkdirAll(diff, 0o755); err != nil {
		return fmt.Errorf("create layer diff dir %s: %w", diff, err)
	}

	if lowerSpec != "" {
		if err := os.WriteFile(filepath.Join(base, "lower"), []byte(lowerSpec), 0o644); err != nil {
			return fmt.Errorf("write lower spec under %s: %w", base, err)
		}
		work := filepath.Join(base, "work")
		if err := os.MkdirAll(work, 0o755); err != nil {
			return fmt.Errorf("create layer work dir %s: %w", work, err)
		}
	}

	return ApplyLayer(diff, r, idMap)
}

// ApplyLayer extracts r (a gzip-compressed tar stream) into dest.
//
//   - An entry named ".wh.<name>" becomes a character device node, major
//     and minor 0, named <name> in the same directory — overlayfs's own
//     whiteout marker.
//   - An entry named ".wh..wh..opq" sets the trusted.overlay.opaque=y
//     xattr on its parent directory and produces no filesystem entry of
//     its own — overlayfs's opaque-directory marker, meaning "hide
//     anything below this directory in lower layers".
//
// Every path is resolved through dest with securejoin, so a layer cannot
// escape dest via ".." components or absolute symlink targets in its
// headers. Directories, regular files and symlinks are chowned to the
// uid/gid in their headers, remapped through idMap's UID/GID mapping
// tables when idMap is non-zero; chown failures are ignored.
func ApplyLayer(dest string, r io.Reader, idMap IDMap) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return errs.InvalidArgument(fmt.Errorf("open layer gzip stream: %w", err))
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read layer tar entry: %w", err)
		}

		name := filepath.Clean("/" + hdr.Name)[1:]
		dir, base := filepath.Split(name)

		if base == opaqueWhiteout {
			parent, err := securejoin.SecureJoin(dest, dir)
			if err != nil {
				return fmt.Errorf("resolve opaque-whiteout parent %q: %w", dir, err)
			}
			if err := os.MkdirAll(parent, 0o755); err != nil {
				return fmt.Errorf("mkdir opaque-whiteout parent %s: %w", parent, err)
			}
			if err := unix.Lsetxattr(parent, opaqueXattr, []byte("y"), 0); err != nil {
				return fmt.Errorf("set %s on %s: %w", opaqueXattr, parent, err)
			}
			continue
		}

		if strings.HasPrefix(base, whiteoutPrefix) {
			target, err := securejoin.SecureJoin(dest, filepath.Join(dir, base[len(whiteoutPrefix):]))
			if err != nil {
				return fmt.Errorf("resolve whiteout target %q: %w", name, err)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("mkdir whiteout parent of %s: %w", target, err)
			}
			os.Remove(target)
			if err := unix.Mknod(target, unix.S_IFCHR, 0); err != nil {
				return fmt.Errorf("create whiteout device %s: %w", target, err)
			}
			continue
		}

		if err := applyEntry(dest, name, hdr, tr, idMap); err != nil {
			return err
		}
	}
}

func applyEntry(dest, name string, hdr *tar.Header, r io.Reader, idMap IDMap) error {
	target, err := securejoin.SecureJoin(dest, name)
	if err != nil {
		return fmt.Errorf("resolve layer entry %q: %w", name, err)
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(target, os.FileMode(hdr.Mode&0o7777)); err != nil {
			return fmt.Errorf("mkdir %s: %w", target, err)
		}
		chownEntry(target, hdr, idMap)
		return nil
	case tar.TypeReg:
		if err := writeRegularFile(target, hdr, r); err != nil {
			return err
		}
		chownEntry(target, hdr, idMap)
		return nil
	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("mkdir parent of symlink %s: %w", target, err)
		}
		os.Remove(target)
		if err := os.Symlink(hdr.Linkname, target); err != nil {
			return fmt.Errorf("symlink %s -> %s: %w", target, hdr.Linkname, err)
		}
		chownEntry(target, hdr, idMap)
		return nil
	case tar.TypeLink:
		linkTarget, err := securejoin.SecureJoin(dest, filepath.Clean("/"+hdr.Linkname)[1:])
		if err != nil {
			return fmt.Errorf("resolve hardlink target %q: %w", hdr.Linkname, err)
		}
		os.Remove(target)
		if err := os.Link(linkTarget, target); err != nil {
			return fmt.Errorf("hardlink %s -> %s: %w", target, linkTarget, err)
		}
		return nil
	case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
		// Device and FIFO nodes inside an unprivileged rootfs unpack are
		// rarely reachable and never required for the pull/inspect paths
		// this package serves; skip rather than fail the whole layer.
		return nil
	default:
		return nil
	}
}

// chownEntry applies the header's ownership, remapped through idMap when
// idMap is non-zero. Errors are ignored: an unprivileged unpack can't
// chown at all, the same best-effort tolerance the teacher's extractTar
// uses for mode bits.
func chownEntry(target string, hdr *tar.Header, idMap IDMap) {
	uid := remapID(hdr.Uid, idMap.UIDMappings)
	gid := remapID(hdr.Gid, idMap.GIDMappings)
	unix.Lchown(target, uid, gid)
}

func writeRegularFile(target string, hdr *tar.Header, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("mkdir parent of %s: %w", target, err)
	}
	os.Remove(target)
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode&0o7777))
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("write %s: %w", target, err)
	}
	return nil
}

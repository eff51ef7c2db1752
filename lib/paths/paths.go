// Package paths centralizes the on-disk layout described in spec §6
// ("Persistent state layout") under one caller-provided root directory, the
// way the teacher's own lib/paths wraps a single dataDir with typed
// path-construction methods instead of scattering filepath.Join calls.
//
// Directory structure:
//
//	{root}/
//	  blobs/{alg}/{hex}                                  content-addressed blob cache
//	  images/{transport}/{domain}/{path}/{tag}/           one OCI Image Layout per pulled ref
//	  storage/overlay/layers/{alg}/{hex}/
//	    diff/                                             unpacked layer contents
//	    work/                                              overlayfs scratch dir
package paths

import (
	"path/filepath"

	"github.com/intermodal-go/ociimage/lib/digest"
	"github.com/intermodal-go/ociimage/lib/reference"
)

// Paths wraps a root directory with typed accessors for every path this
// module reads or writes under it.
type Paths struct {
	root string
}

// New wraps root, which the caller is responsible for creating.
func New(root string) *Paths { return &Paths{root: root} }

// Root returns the wrapped root directory.
func (p *Paths) Root() string { return p.root }

// BlobCacheRoot is the process-wide content-addressed blob cache.
func (p *Paths) BlobCacheRoot() string { return filepath.Join(p.root, "blobs") }

// ImageLayoutDir is the OCI Image Layout directory a pull of ref writes
// into.
func (p *Paths) ImageLayoutDir(ref reference.Reference) string {
	return filepath.Join(p.root, "images", ref.Transport(), ref.Domain(), filepath.FromSlash(ref.Path()), ref.Tag())
}

// ImagesRoot is the parent of every ImageLayoutDir, used to enumerate
// locally pulled images.
func (p *Paths) ImagesRoot() string { return filepath.Join(p.root, "images") }

// OverlayLayerRoot is the per-layer storage directory.
func (p *Paths) OverlayLayerRoot(d digest.Digest) string {
	return filepath.Join(p.root, "storage", "overlay", "layers", string(d.Algorithm()), d.Hex())
}

// OverlayLayerDiff is the unpacked layer contents overlayfs mounts as a
// lowerdir.
func (p *Paths) OverlayLayerDiff(d digest.Digest) string {
	return filepath.Join(p.OverlayLayerRoot(d), "diff")
}

// OverlayLayerWork is overlayfs's required scratch directory for the
// topmost (writable) layer.
func (p *Paths) OverlayLayerWork(d digest.Digest) string {
	return filepath.Join(p.OverlayLayerRoot(d), "work")
}

// OverlayLayersRoot is the parent of every OverlayLayerRoot, used to
// enumerate and garbage-collect unpacked layers.
func (p *Paths) OverlayLayersRoot() string {
	return filepath.Join(p.root, "storage", "overlay", "layers")
}

// Package layout writes the on-disk OCI Image Layout (spec §4.8): an
// oci-layout marker file, content-addressed blobs under blobs/<alg>/<hex>,
// and an index.json tagging each top-level manifest/index by name. It
// wraps umoci's oci/cas/dir engine, the same CAS abstraction umoci's own
// unpack tooling is built on.
package layout

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	godigest "github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/opencontainers/umoci/oci/cas"
	"github.com/opencontainers/umoci/oci/cas/dir"

	"github.com/intermodal-go/ociimage/lib/digest"
	"github.com/intermodal-go/ociimage/lib/errs"
)

// Writer is a handle on one on-disk OCI Image Layout. Index methods are
// not safe for concurrent use; the pull orchestrator (spec §5) calls them
// only from its own goroutine, while its layer tasks call just HasBlob and
// WriteBlob, which write distinct content-addressed files. Index
// mutations (WriteManifest, DeleteTag) only replace Writer's in-memory
// copy of index.json (spec §4.8's "updateIndex(index): in-memory
// replace"); FlushIndex is what actually persists it (spec §4.8's
// "writeIndex(): serialize and atomically overwrite"), so callers control
// exactly when the on-disk index reflects a change.
type Writer struct {
	root   string
	engine cas.Engine

	indexLoaded bool
	index       v1.Index
}

// Exists reports whether root already holds a layout, by checking for its
// oci-layout marker file. A pure read with no side effects, so the pull
// orchestrator's "pulling into an existing layout without force" check
// (spec §4.9 step 3) can run before any network request.
func Exists(root string) bool {
	_, err := os.Stat(filepath.Join(root, "oci-layout"))
	return err == nil
}

// Create opens (or initializes) the layout at root for tag. If root
// already holds a layout and force is false, Create fails with an
// errs.FailedPrecondition error without touching the filesystem (spec
// §4.9 step 3: "AlreadyExists (no side effects)"). If force is set and a
// layout is already present, its existing descriptor for tag is cleared
// (via DeleteTag) rather than the whole directory being removed, so
// unrelated blobs already on disk can be reused by the pull that follows
// instead of being re-fetched.
func Create(ctx context.Context, root, tag string, force bool) (*Writer, error) {
	if Exists(root) {
		if !force {
			return nil, errs.FailedPrecondition(fmt.Errorf("layout %s already exists (retry with force): %w", root, os.ErrExist))
		}
		w, err := Open(root)
		if err != nil {
			return nil, err
		}
		if err := w.DeleteTag(ctx, tag); err != nil {
			w.Close()
			return nil, fmt.Errorf("clear existing tag %q in layout %s: %w", tag, root, err)
		}
		return w, nil
	}
	if err := dir.Create(root); err != nil {
		return nil, fmt.Errorf("create oci layout %s: %w", root, err)
	}
	return Open(root)
}

// Open opens an already-initialized layout at root.
func Open(root string) (*Writer, error) {
	engine, err := dir.Open(root)
	if err != nil {
		return nil, fmt.Errorf("open oci layout %s: %w", root, err)
	}
	return &Writer{root: root, engine: engine}, nil
}

// ensureIndexLoaded reads index.json into w.index on first use; later
// calls return the in-memory copy so repeated WriteManifest/DeleteTag
// calls within one pull see each other's updates without a round trip to
// disk on every call.
func (w *Writer) ensureIndexLoaded(ctx context.Context) error {
	if w.indexLoaded {
		return nil
	}
	idx, err := w.engine.GetIndex(ctx)
	if err != nil {
		return fmt.Errorf("read layout index: %w", err)
	}
	w.index = idx
	w.indexLoaded = true
	return nil
}

// Root returns the layout's root directory.
func (w *Writer) Root() string { return w.root }

// Close releases the engine's resources.
func (w *Writer) Close() error { return w.engine.Close() }

// WriteBlob stores r's bytes under blobs/<alg>/<hex>. d is the digest the
// caller already verified upstream (spec §4.1); the underlying CAS engine
// independently recomputes the digest while writing and errors on
// mismatch, so a corrupted write can never masquerade under the wrong name.
func (w *Writer) WriteBlob(ctx context.Context, d digest.Digest, r io.Reader) error {
	got, _, err := w.engine.PutBlob(ctx, r)
	if err != nil {
		return fmt.Errorf("write blob %s to layout: %w", d, err)
	}
	if got.String() != d.String() {
		return errs.DataLoss(fmt.Errorf("layout blob %s: engine computed %s", d, got))
	}
	return nil
}

// HasBlob reports whether d is already stored in this layout.
func (w *Writer) HasBlob(ctx context.Context, d digest.Digest) bool {
	rc, err := w.engine.GetBlob(ctx, godigest.Digest(d.String()))
	if err != nil {
		return false
	}
	rc.Close()
	return true
}

// WriteManifest stores raw (a manifest or index's exact bytes) as a blob
// and tags it tag in the in-memory index, replacing any existing
// descriptor with the same tag. mediaType is recorded on the descriptor
// so resolver.IsIndexMediaType can later tell an index from a single
// manifest without re-reading the blob. The index itself is not persisted
// until FlushIndex is called, so a caller can write the manifest blob
// before a layer fan-out (spec §4.9 step 6) and only make the tag visible
// once every layer has also landed.
func (w *Writer) WriteManifest(ctx context.Context, raw []byte, mediaType, tag string) error {
	d, size, err := w.engine.PutBlob(ctx, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("write manifest to layout: %w", err)
	}
	if err := w.ensureIndexLoaded(ctx); err != nil {
		return err
	}

	desc := v1.Descriptor{
		MediaType:   mediaType,
		Digest:      d,
		Size:        size,
		Annotations: map[string]string{v1.AnnotationRefName: tag},
	}

	w.index.SchemaVersion = 2
	kept := w.index.Manifests[:0]
	for _, existing := range w.index.Manifests {
		if existing.Annotations[v1.AnnotationRefName] != tag {
			kept = append(kept, existing)
		}
	}
	w.index.Manifests = append(kept, desc)
	return nil
}

// ResolveTag returns the descriptor tagged tag in the index.
func (w *Writer) ResolveTag(ctx context.Context, tag string) (v1.Descriptor, bool, error) {
	if err := w.ensureIndexLoaded(ctx); err != nil {
		return v1.Descriptor{}, false, err
	}
	for _, d := range w.index.Manifests {
		if d.Annotations[v1.AnnotationRefName] == tag {
			return d, true, nil
		}
	}
	return v1.Descriptor{}, false, nil
}

// DeleteTag removes tag's descriptor from the in-memory index and
// persists the result immediately. The underlying blob is left in place:
// other tags, or a future pull with the same content, may still
// reference it. Used directly by Create's force path, ahead of any
// WriteManifest call, so it flushes on its own rather than waiting on a
// later FlushIndex.
func (w *Writer) DeleteTag(ctx context.Context, tag string) error {
	if err := w.ensureIndexLoaded(ctx); err != nil {
		return err
	}
	kept := w.index.Manifests[:0]
	for _, existing := range w.index.Manifests {
		if existing.Annotations[v1.AnnotationRefName] != tag {
			kept = append(kept, existing)
		}
	}
	w.index.Manifests = kept
	return w.FlushIndex(ctx)
}

// FlushIndex persists the in-memory index to index.json (spec §4.8's
// writeIndex step). Call once after every blob a pull needs has landed,
// so a reader opening the layout mid-pull never sees a tag pointing at a
// manifest whose layers aren't all written yet.
func (w *Writer) FlushIndex(ctx context.Context) error {
	if err := w.ensureIndexLoaded(ctx); err != nil {
		return err
	}
	if err := w.engine.PutIndex(ctx, w.index); err != nil {
		return fmt.Errorf("write layout index: %w", err)
	}
	return nil
}


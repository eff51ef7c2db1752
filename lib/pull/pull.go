// Package pull implements the pull orchestrator of spec §5: it drives
// manifest resolution, config retrieval, and bounded-concurrency layer
// download into an OCI Image Layout. index.json is written only after every
// blob has landed, so a failed pull never publishes its tag. The layout
// directory itself is removed on failure only when Options.CleanOnErr is
// set; otherwise the blobs already written are left in place.
package pull

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/intermodal-go/ociimage/lib/digest"
	"github.com/intermodal-go/ociimage/lib/docker"
	"github.com/intermodal-go/ociimage/lib/errs"
	"github.com/intermodal-go/ociimage/lib/image"
	"github.com/intermodal-go/ociimage/lib/layout"
	"github.com/intermodal-go/ociimage/lib/overlay"
	"github.com/intermodal-go/ociimage/lib/paths"
	"github.com/intermodal-go/ociimage/lib/reference"
	"github.com/intermodal-go/ociimage/lib/resolver"
)

// defaultConcurrency is spec §5's N=3 bound on simultaneous layer
// downloads.
const defaultConcurrency = 3

// Options configures a Pull.
type Options struct {
	// Force allows overwriting an already-populated layout directory.
	Force bool
	// Platform selects one manifest out of a multi-platform index. The
	// zero value resolves to resolver.CurrentPlatform().
	Platform resolver.Platform
	// Concurrency bounds simultaneous layer downloads. <= 0 defaults to 3.
	Concurrency int
	// Unpack, if set, also applies every layer (in order) onto an
	// overlayfs-ready diff directory per layer, via lib/overlay.
	Unpack bool
	// CleanOnErr, if set, removes the whole layout directory when the pull
	// fails after layout.Create has already run, leaving no trace (spec
	// §7). If unset, a failed pull leaves whatever blobs it had already
	// written under the layout's blobs/ directory for debugging.
	CleanOnErr bool
	// IDMap optionally remaps every unpacked layer's file ownership, for
	// rootless overlay mounts where container UIDs/GIDs don't match the
	// host. Only consulted when Unpack is set; the zero value performs no
	// remapping.
	IDMap overlay.IDMap
}

// Result summarizes a completed pull.
type Result struct {
	LayoutDir      string
	ManifestDigest digest.Digest
	ConfigDigest   digest.Digest
	Layers         []digest.Digest
}

// Pull resolves ref against client, writes its manifest, config, and
// layers into an OCI Image Layout under paths.ImageLayoutDir(ref), and
// optionally unpacks each layer.
func Pull(ctx context.Context, client *docker.Client, pth *paths.Paths, ref reference.Reference, opts Options) (*Result, error) {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	platform := opts.Platform
	if platform == (resolver.Platform{}) {
		platform = resolver.CurrentPlatform()
	}

	// layout.Create runs the "already exists and not forced" precondition
	// check (spec §4.9 step 3) before any network call, so a no-op pull of
	// an already-present image neither touches the registry nor reports a
	// transport/auth error in place of the documented precondition error.
	layoutDir := pth.ImageLayoutDir(ref)
	writer, err := layout.Create(ctx, layoutDir, ref.Tag(), opts.Force)
	if err != nil {
		return nil, err
	}
	defer writer.Close()

	succeeded := false
	defer func() {
		if !succeeded && opts.CleanOnErr {
			os.RemoveAll(layoutDir)
		}
	}()

	source := docker.NewSource(client, ref)
	img := image.Open(source, ref, platform)

	manifest, manifestDigest, err := img.Manifest(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve manifest for %s: %w", ref, err)
	}

	// Write the manifest blob and stage its tag in the in-memory index
	// before config/layer writes begin (spec §4.9 steps 5-7): the index
	// isn't persisted to disk until FlushIndex succeeds at the very end,
	// so this ordering doesn't expose a tag pointing at missing layers.
	rawManifest, mediaType, err := img.RawManifest(ctx)
	if err != nil {
		return nil, err
	}
	if err := writer.WriteManifest(ctx, rawManifest, mediaType, ref.Tag()); err != nil {
		return nil, fmt.Errorf("write manifest for %s: %w", ref, err)
	}

	configDigest, err := digest.Parse(string(manifest.Config.Digest))
	if err != nil {
		return nil, errs.InvalidArgument(fmt.Errorf("manifest config descriptor for %s: %w", ref, err))
	}
	configBytes, err := img.ConfigBlob(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch config blob for %s: %w", ref, err)
	}
	// A force-pull reuses the tag's old layout directory (layout.Create
	// only clears the tag, not the blob store), so a config blob already
	// in the layout is not rewritten. Its bytes are still read above,
	// since the diff_ids below come from them.
	if !writer.HasBlob(ctx, configDigest) {
		if err := writer.WriteBlob(ctx, configDigest, bytes.NewReader(configBytes)); err != nil {
			return nil, fmt.Errorf("write config blob for %s: %w", ref, err)
		}
	}

	layerDigests := make([]digest.Digest, len(manifest.Layers))
	for i, l := range manifest.Layers {
		d, err := digest.Parse(string(l.Digest))
		if err != nil {
			return nil, errs.InvalidArgument(fmt.Errorf("manifest layer %d descriptor for %s: %w", i, ref, err))
		}
		layerDigests[i] = d
	}

	// Zip manifest.layers with the config's rootfs.diff_ids (spec §4.9 step
	// 9): each layer's diff_id is the digest of its *uncompressed* tar,
	// independent of the compressed digest the manifest/cache key on.
	var cfg v1.Image
	if err := json.Unmarshal(configBytes, &cfg); err != nil {
		return nil, errs.InvalidArgument(fmt.Errorf("decode image config for %s: %w", ref, err))
	}
	diffIDs := make([]digest.Digest, len(cfg.RootFS.DiffIDs))
	for i, raw := range cfg.RootFS.DiffIDs {
		d, err := digest.Parse(string(raw))
		if err != nil {
			return nil, errs.InvalidArgument(fmt.Errorf("config rootfs diff_id %d for %s: %w", i, ref, err))
		}
		diffIDs[i] = d
	}
	if len(diffIDs) != 0 && len(diffIDs) != len(layerDigests) {
		return nil, errs.InvalidArgument(fmt.Errorf("%s: manifest has %d layers but config lists %d diff_ids", ref, len(layerDigests), len(diffIDs)))
	}

	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(concurrency))
	for i, d := range layerDigests {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			if !writer.HasBlob(gctx, d) {
				rc, err := source.Blob(gctx, d)
				if err != nil {
					return fmt.Errorf("fetch layer %d (%s): %w", i, d, err)
				}
				err = writer.WriteBlob(gctx, d, rc)
				rc.Close()
				if err != nil {
					return fmt.Errorf("write layer %d (%s) to layout: %w", i, d, err)
				}
			}

			if len(diffIDs) == 0 {
				return nil
			}
			if err := verifyDiffID(gctx, source, d, diffIDs[i]); err != nil {
				return fmt.Errorf("verify layer %d (%s) diff_id: %w", i, d, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if opts.Unpack {
		var lowerDirs []string
		for i, d := range layerDigests {
			// Non-bottom layers stack on a lower chain built from layers
			// already unpacked this pull; OverlayLayerWork gives each one a
			// scratch directory overlayfs needs during the copy-up of any
			// later container mount, so it's created alongside the diff
			// directory rather than lazily by the mount path.
			if err := os.MkdirAll(pth.OverlayLayerWork(d), 0o755); err != nil {
				return nil, fmt.Errorf("create overlay workdir for layer %d (%s): %w", i, d, err)
			}
			lowerSpec := strings.Join(lowerDirs, ":")
			if err := unpackLayer(ctx, source, pth, d, lowerSpec, opts.IDMap); err != nil {
				return nil, fmt.Errorf("unpack layer %d (%s): %w", i, d, err)
			}
			lowerDirs = append([]string{pth.OverlayLayerDiff(d)}, lowerDirs...)
		}
	}

	if err := writer.FlushIndex(ctx); err != nil {
		return nil, fmt.Errorf("persist layout index for %s: %w", ref, err)
	}

	succeeded = true
	return &Result{
		LayoutDir:      layoutDir,
		ManifestDigest: manifestDigest,
		ConfigDigest:   configDigest,
		Layers:         layerDigests,
	}, nil
}

// verifyDiffID re-opens the layer already verified and written under its
// compressed digest d (served straight from the blob cache, no second
// network round trip), decompresses it, and checks the result against
// diffID, the config's rootfs digest of the uncompressed layer. A mismatch here means
// the compressed bytes matched the manifest but decode to different
// content than the config promised — a corrupt or substituted layer the
// compressed-digest check alone cannot catch.
func verifyDiffID(ctx context.Context, source *docker.Source, d, diffID digest.Digest) error {
	rc, err := source.Blob(ctx, d)
	if err != nil {
		return err
	}
	defer rc.Close()

	gz, err := gzip.NewReader(rc)
	if err != nil {
		return errs.DataLoss(fmt.Errorf("open layer %s as gzip: %w", d, err))
	}
	defer gz.Close()

	ok, err := diffID.Verify(gz)
	if err != nil {
		return fmt.Errorf("read decompressed layer %s: %w", d, err)
	}
	if !ok {
		return errs.DataLoss(fmt.Errorf("diff_id mismatch for layer %s", d))
	}
	return nil
}

func unpackLayer(ctx context.Context, source *docker.Source, pth *paths.Paths, d digest.Digest, lowerSpec string, idMap overlay.IDMap) error {
	rc, err := source.Blob(ctx, d)
	if err != nil {
		return err
	}
	defer rc.Close()

	return overlay.Unpack(pth.OverlayLayerRoot(d), lowerSpec, rc, idMap)
}

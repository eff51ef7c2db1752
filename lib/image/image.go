// Package image implements the Image facade of spec §4.7: a single object
// binding a manifest source to one resolved (platform-matched) manifest and
// its config, so callers don't re-derive the resolution on every access.
package image

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/intermodal-go/ociimage/lib/digest"
	"github.com/intermodal-go/ociimage/lib/docker"
	"github.com/intermodal-go/ociimage/lib/errs"
	"github.com/intermodal-go/ociimage/lib/reference"
	"github.com/intermodal-go/ociimage/lib/resolver"
)

// Source is the subset of docker.Source the facade needs, so tests can
// substitute a fake without spinning up an httptest server.
type Source interface {
	Manifest(ctx context.Context) ([]byte, string, error)
	ManifestByDigest(ctx context.Context, d digest.Digest) ([]byte, string, error)
	Blob(ctx context.Context, d digest.Digest) (io.ReadCloser, error)
}

var _ Source = (*docker.Source)(nil)

// Image is a reference bound to a source and a target platform. A single
// Image resolves its manifest at most once, even if Manifest/Config/
// Inspect are all called.
type Image struct {
	source   Source
	ref      reference.Reference
	platform resolver.Platform

	once      sync.Once
	manifest  v1.Manifest
	raw       []byte
	mediaType string
	digest    digest.Digest
	err       error
}

// Open binds source to ref, resolving to platform if the reference names a
// multi-platform index.
func Open(source Source, ref reference.Reference, platform resolver.Platform) *Image {
	return &Image{source: source, ref: ref, platform: platform}
}

// Reference returns the reference this Image was opened for.
func (img *Image) Reference() reference.Reference { return img.ref }

// Manifest returns the platform-resolved manifest and its own content
// digest (computed over the exact bytes the registry returned, per spec
// §4.1 — this is the digest a caller would pin with "@sha256:...").
func (img *Image) Manifest(ctx context.Context) (v1.Manifest, digest.Digest, error) {
	img.once.Do(func() { img.resolve(ctx) })
	return img.manifest, img.digest, img.err
}

// RawManifest returns the exact bytes and media type of the
// platform-resolved manifest — the single-image manifest a multi-platform
// index was narrowed down to, never the index itself — so the pull
// orchestrator (spec §4.9 step 6) writes the right blob under index.json.
func (img *Image) RawManifest(ctx context.Context) ([]byte, string, error) {
	img.once.Do(func() { img.resolve(ctx) })
	return img.raw, img.mediaType, img.err
}

func (img *Image) resolve(ctx context.Context) {
	raw, mediaType, err := img.source.Manifest(ctx)
	if err != nil {
		img.err = err
		return
	}

	if resolver.IsIndexMediaType(mediaType) {
		desc, err := resolver.Descriptor(raw, img.platform)
		if err != nil {
			img.err = err
			return
		}
		raw, mediaType, err = img.source.ManifestByDigest(ctx, digest.FromHex(desc.Digest.Algorithm(), desc.Digest.Encoded()))
		if err != nil {
			img.err = err
			return
		}
		if mediaType == "" {
			mediaType = desc.MediaType
		}
	}

	var m v1.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		img.err = errs.InvalidArgument(fmt.Errorf("decode manifest for %s: %w", img.ref, err))
		return
	}
	img.manifest = m
	img.raw = raw
	img.mediaType = mediaType
	img.digest = digest.FromBytes(digest.SHA256, raw)
}

// ConfigBlob returns the raw bytes of the image's config blob.
func (img *Image) ConfigBlob(ctx context.Context) ([]byte, error) {
	m, _, err := img.Manifest(ctx)
	if err != nil {
		return nil, err
	}
	d, err := digest.Parse(string(m.Config.Digest))
	if err != nil {
		return nil, errs.InvalidArgument(fmt.Errorf("manifest config descriptor: %w", err))
	}
	rc, err := img.source.Blob(ctx, d)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	body, err := io.ReadAll(rc)
	if err != nil {
		return nil, errs.Unavailable(fmt.Errorf("read config blob: %w", err))
	}
	return body, nil
}

// OCIConfig decodes the config blob as an OCI image config.
func (img *Image) OCIConfig(ctx context.Context) (v1.Image, error) {
	body, err := img.ConfigBlob(ctx)
	if err != nil {
		return v1.Image{}, err
	}
	var cfg v1.Image
	if err := json.Unmarshal(body, &cfg); err != nil {
		return v1.Image{}, errs.InvalidArgument(fmt.Errorf("decode image config: %w", err))
	}
	return cfg, nil
}

// Inspection is the projection spec §4.7's inspect operation returns: a
// stable, CLI-friendly summary rather than the raw manifest/config structs.
// DockerVersion and Labels default to their zero values ("" and an empty
// map) when the source config carries neither — spec §9's schema2/OCI
// isomorphism decision.
type Inspection struct {
	Reference      string            `json:"reference"`
	ManifestDigest string            `json:"manifestDigest"`
	MediaType      string            `json:"mediaType"`
	Platform       resolver.Platform `json:"platform"`
	Layers         []LayerInfo       `json:"layers"`
	Created        string            `json:"created,omitempty"`
	DockerVersion  string            `json:"dockerVersion,omitempty"`
	Labels         map[string]string `json:"labels"`
	Env            []string          `json:"env,omitempty"`
	Cmd            []string          `json:"cmd,omitempty"`
	Entrypoint     []string          `json:"entrypoint,omitempty"`
}

// LayerInfo is one entry of a manifest's layer list projected for display.
type LayerInfo struct {
	Digest    string `json:"digest"`
	MediaType string `json:"mediaType"`
	Size      int64  `json:"size"`
}

// Inspect resolves the manifest and config and projects them into an
// Inspection, the shape the "inspect" CLI command serializes.
func (img *Image) Inspect(ctx context.Context) (Inspection, error) {
	m, d, err := img.Manifest(ctx)
	if err != nil {
		return Inspection{}, err
	}
	body, err := img.ConfigBlob(ctx)
	if err != nil {
		return Inspection{}, err
	}
	var cfg v1.Image
	if err := json.Unmarshal(body, &cfg); err != nil {
		return Inspection{}, errs.InvalidArgument(fmt.Errorf("decode image config: %w", err))
	}
	// Docker v2 schema2 configs carry a top-level "docker_version" string
	// with no OCI equivalent; v1.Image's decoder simply ignores it, so
	// pull it out separately rather than widening the shared config type.
	var dockerMeta struct {
		DockerVersion string `json:"docker_version"`
	}
	_ = json.Unmarshal(body, &dockerMeta)

	layers := make([]LayerInfo, 0, len(m.Layers))
	for _, l := range m.Layers {
		layers = append(layers, LayerInfo{Digest: string(l.Digest), MediaType: l.MediaType, Size: l.Size})
	}

	labels := cfg.Config.Labels
	if labels == nil {
		labels = map[string]string{}
	}

	insp := Inspection{
		Reference:      img.ref.String(),
		ManifestDigest: d.String(),
		MediaType:      m.MediaType,
		Platform:       resolver.Platform{OS: cfg.OS, Architecture: cfg.Architecture, Variant: cfg.Variant},
		Layers:         layers,
		DockerVersion:  dockerMeta.DockerVersion,
		Labels:         labels,
	}
	if cfg.Created != nil {
		insp.Created = cfg.Created.Format("2006-01-02T15:04:05Z07:00")
	}
	if cfg.Config.Env != nil {
		insp.Env = cfg.Config.Env
	}
	if cfg.Config.Cmd != nil {
		insp.Cmd = cfg.Config.Cmd
	}
	if cfg.Config.Entrypoint != nil {
		insp.Entrypoint = cfg.Config.Entrypoint
	}
	return insp, nil
}

package docker

import (
	"context"
	"io"
	"sync"

	"github.com/intermodal-go/ociimage/lib/digest"
	"github.com/intermodal-go/ociimage/lib/reference"
)

// Source binds a Client to one Reference and memoizes its manifest fetch
// (spec §4.5's Image Source): repeated Manifest calls return the same bytes
// without re-hitting the registry, while Blob always streams fresh (blobs
// are fetched once each by the pull orchestrator and are cached on disk by
// the Client's blobcache regardless).
type Source struct {
	client *Client
	ref    reference.Reference

	once         sync.Once
	manifest     []byte
	manifestType string
	err          error
}

// NewSource returns a Source for ref using client.
func NewSource(client *Client, ref reference.Reference) *Source {
	return &Source{client: client, ref: ref}
}

// Reference returns the reference this source was built for.
func (s *Source) Reference() reference.Reference { return s.ref }

// Manifest returns the manifest or index bytes and their media type,
// fetching and caching them on first call.
func (s *Source) Manifest(ctx context.Context) ([]byte, string, error) {
	s.once.Do(func() {
		s.manifest, s.manifestType, s.err = s.client.GetManifest(ctx, s.ref)
	})
	return s.manifest, s.manifestType, s.err
}

// ManifestByDigest fetches a manifest named directly by digest, used to
// resolve one platform's entry out of a multi-platform index.
func (s *Source) ManifestByDigest(ctx context.Context, d digest.Digest) ([]byte, string, error) {
	return s.client.GetManifestByDigest(ctx, s.ref.Path(), d)
}

// Blob returns a verified reader for the blob d within this source's
// repository.
func (s *Source) Blob(ctx context.Context, d digest.Digest) (io.ReadCloser, error) {
	return s.client.GetBlob(ctx, s.ref.Path(), d)
}

// Tags lists every tag in this source's repository.
func (s *Source) Tags(ctx context.Context) ([]string, error) {
	return s.client.GetRepoTags(ctx, s.ref.Path())
}

package pull_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	godigest "github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intermodal-go/ociimage/lib/blobcache"
	"github.com/intermodal-go/ociimage/lib/digest"
	"github.com/intermodal-go/ociimage/lib/docker"
	"github.com/intermodal-go/ociimage/lib/errs"
	"github.com/intermodal-go/ociimage/lib/paths"
	"github.com/intermodal-go/ociimage/lib/pull"
	"github.com/intermodal-go/ociimage/lib/reference"
)

// gzipBlob compresses raw and returns the gzip bytes alongside the digests
// of both the compressed form (the manifest/cache key) and the
// uncompressed form (the config's rootfs diff_id).
func gzipBlob(t *testing.T, raw []byte) (compressed []byte, compressedDigest, diffID digest.Digest) {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err := gw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	return buf.Bytes(), digest.FromBytes(digest.SHA256, buf.Bytes()), digest.FromBytes(digest.SHA256, raw)
}

func TestPullWritesCompleteLayout(t *testing.T) {
	uncompressedLayers := [][]byte{[]byte("layer-one-bytes"), []byte("layer-two-bytes"), []byte("layer-three-bytes")}
	layerBodies := make([][]byte, len(uncompressedLayers))
	layerDigests := make([]digest.Digest, len(uncompressedLayers))
	diffIDs := make([]godigest.Digest, len(uncompressedLayers))
	for i, raw := range uncompressedLayers {
		compressed, compressedDigest, diffID := gzipBlob(t, raw)
		layerBodies[i] = compressed
		layerDigests[i] = compressedDigest
		diffIDs[i] = godigest.Digest(diffID.String())
	}

	configBytes, err := json.Marshal(v1.Image{
		OS:           "linux",
		Architecture: "amd64",
		RootFS:       v1.RootFS{Type: "layers", DiffIDs: diffIDs},
	})
	require.NoError(t, err)
	configDigest := digest.FromBytes(digest.SHA256, configBytes)

	manifest := v1.Manifest{
		MediaType: "application/vnd.oci.image.manifest.v1+json",
		Config:    v1.Descriptor{MediaType: "application/vnd.oci.image.config.v1+json", Digest: godigest.Digest(configDigest.String()), Size: int64(len(configBytes))},
	}
	for i, d := range layerDigests {
		manifest.Layers = append(manifest.Layers, v1.Descriptor{
			MediaType: "application/vnd.oci.image.layer.v1.tar+gzip",
			Digest:    godigest.Digest(d.String()),
			Size:      int64(len(layerBodies[i])),
		})
	}
	manifestBytes, err := json.Marshal(manifest)
	require.NoError(t, err)

	var inFlight, maxInFlight atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v2/":
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == "/v2/lib/img/manifests/latest":
			w.Header().Set("Content-Type", "application/vnd.oci.image.manifest.v1+json")
			w.Write(manifestBytes)
		case r.URL.Path == "/v2/lib/img/blobs/"+configDigest.String():
			w.Write(configBytes)
		default:
			for i, d := range layerDigests {
				if r.URL.Path == "/v2/lib/img/blobs/"+d.String() {
					cur := inFlight.Add(1)
					defer inFlight.Add(-1)
					for {
						if m := maxInFlight.Load(); cur > m {
							if maxInFlight.CompareAndSwap(m, cur) {
								break
							}
							continue
						}
						break
					}
					time.Sleep(20 * time.Millisecond)
					w.Write(layerBodies[i])
					return
				}
			}
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	domain := srv.URL[len("http://"):]
	cache, err := blobcache.New(t.TempDir())
	require.NoError(t, err)
	client, err := docker.NewClient(domain, cache, docker.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	ref, err := reference.Parse("docker://" + domain + "/lib/img:latest")
	require.NoError(t, err)

	root := t.TempDir()
	pth := paths.New(root)

	result, err := pull.Pull(t.Context(), client, pth, ref, pull.Options{Concurrency: 3})
	require.NoError(t, err)
	assert.Len(t, result.Layers, 3)
	assert.LessOrEqual(t, maxInFlight.Load(), int64(3))

	blobsDir := filepath.Join(pth.ImageLayoutDir(ref), "blobs", "sha256")
	entries, err := os.ReadDir(blobsDir)
	require.NoError(t, err)
	// config + 3 layers + 1 manifest = 5 blobs.
	assert.Len(t, entries, 5)

	_, err = os.Stat(filepath.Join(pth.ImageLayoutDir(ref), "index.json"))
	require.NoError(t, err)
}

func TestPullRefusesExistingLayoutWithoutForce(t *testing.T) {
	// The registry is deliberately never given a working handler: if the
	// precondition check regressed back to running after the manifest
	// fetch, this test would fail on a registry/transport error instead of
	// the expected errs.FailedPrecondition, making the regression visible
	// rather than silently passing for the wrong reason.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request to registry: %s %s", r.Method, r.URL.Path)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	domain := srv.URL[len("http://"):]
	cache, err := blobcache.New(t.TempDir())
	require.NoError(t, err)
	client, err := docker.NewClient(domain, cache, docker.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	ref, err := reference.Parse("docker://" + domain + "/lib/img:latest")
	require.NoError(t, err)

	root := t.TempDir()
	pth := paths.New(root)
	require.NoError(t, os.MkdirAll(pth.ImageLayoutDir(ref), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(pth.ImageLayoutDir(ref), "oci-layout"), []byte(`{}`), 0o644))

	_, err = pull.Pull(t.Context(), client, pth, ref, pull.Options{})
	require.Error(t, err)
	assert.True(t, errs.IsFailedPrecondition(err), "expected FailedPrecondition, got %v", err)
}

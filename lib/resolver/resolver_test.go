package resolver_test

import (
	"encoding/json"
	"testing"

	godigest "github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intermodal-go/ociimage/lib/resolver"
)

func indexWithPlatforms(t *testing.T, platforms ...v1.Platform) []byte {
	t.Helper()
	idx := v1.Index{}
	for i, p := range platforms {
		hex := string(rune('a'+i)) + "000000000000000000000000000000000000000000000000000000000000"
		idx.Manifests = append(idx.Manifests, v1.Descriptor{
			MediaType: "application/vnd.oci.image.manifest.v1+json",
			Digest:    godigest.Digest("sha256:" + hex),
			Platform:  &p,
		})
	}
	b, err := json.Marshal(idx)
	require.NoError(t, err)
	return b
}

func TestDescriptorMatchesExactPlatform(t *testing.T) {
	raw := indexWithPlatforms(t,
		v1.Platform{OS: "linux", Architecture: "amd64"},
		v1.Platform{OS: "linux", Architecture: "arm64"},
	)

	d, err := resolver.Descriptor(raw, resolver.Platform{OS: "linux", Architecture: "arm64"})
	require.NoError(t, err)
	assert.Contains(t, string(d.Digest), "b000000")
}

func TestDescriptorNormalizesUnameStyleArch(t *testing.T) {
	raw := indexWithPlatforms(t, v1.Platform{OS: "linux", Architecture: "arm64"})

	d, err := resolver.Descriptor(raw, resolver.Platform{OS: "linux", Architecture: resolver.NormalizeArchitecture("aarch64")})
	require.NoError(t, err)
	assert.Contains(t, string(d.Digest), "a000000")
}

func TestDescriptorNoMatch(t *testing.T) {
	raw := indexWithPlatforms(t, v1.Platform{OS: "linux", Architecture: "amd64"})

	_, err := resolver.Descriptor(raw, resolver.Platform{OS: "windows", Architecture: "amd64"})
	require.Error(t, err)
	var noMatch *resolver.NoMatchingPlatformError
	assert.ErrorAs(t, err, &noMatch)
}

func TestParsePlatform(t *testing.T) {
	p, err := resolver.ParsePlatform("linux/x86_64")
	require.NoError(t, err)
	assert.Equal(t, "linux", p.OS)
	assert.Equal(t, "amd64", p.Architecture)

	_, err = resolver.ParsePlatform("linux")
	assert.Error(t, err)
}

func TestIsIndexMediaType(t *testing.T) {
	assert.True(t, resolver.IsIndexMediaType("application/vnd.oci.image.index.v1+json"))
	assert.True(t, resolver.IsIndexMediaType("application/vnd.docker.distribution.manifest.list.v2+json"))
	assert.False(t, resolver.IsIndexMediaType("application/vnd.oci.image.manifest.v1+json"))
}

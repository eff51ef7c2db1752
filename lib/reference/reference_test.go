package reference_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intermodal-go/ociimage/lib/reference"
)

func TestParseVectors(t *testing.T) {
	cases := []struct {
		in       string
		domain   string
		path     string
		tag      string
		hasDigest bool
	}{
		{in: "docker://fedora", domain: "docker.io", path: "library/fedora", tag: "latest"},
		{in: "docker://rustvmm/dev:v9", domain: "docker.io", path: "rustvmm/dev", tag: "v9"},
		{in: "docker://localhost:8000/foo/bar", domain: "localhost:8000", path: "foo/bar", tag: "latest"},
	}

	for _, c := range cases {
		ref, err := reference.Parse(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, "docker", ref.Transport(), c.in)
		assert.Equal(t, c.domain, ref.Domain(), c.in)
		assert.Equal(t, c.path, ref.Path(), c.in)
		assert.Equal(t, c.tag, ref.Tag(), c.in)
		_, ok := ref.Digest()
		assert.Equal(t, c.hasDigest, ok, c.in)
	}
}

func TestParseErrors(t *testing.T) {
	for _, in := range []string{"docker://", "docker", "localhost:/foo/bar"} {
		_, err := reference.Parse(in)
		assert.Error(t, err, in)
	}
}

func TestParseWithDigest(t *testing.T) {
	hex := strings.Repeat("a", 64)
	ref, err := reference.Parse("docker://library/alpine:3.19@sha256:" + hex)
	require.NoError(t, err)
	assert.Equal(t, "3.19", ref.Tag())
	d, ok := ref.Digest()
	require.True(t, ok)
	assert.Equal(t, "sha256:"+hex, d.String())
}

func TestReferenceRoundTrip(t *testing.T) {
	inputs := []string{
		"docker://fedora",
		"docker://rustvmm/dev:v9",
		"docker://localhost:8000/foo/bar",
	}
	for _, in := range inputs {
		ref, err := reference.Parse(in)
		require.NoError(t, err, in)

		canonical := ref.String()
		reparsed, err := reference.Parse(canonical)
		require.NoError(t, err, canonical)
		assert.True(t, ref.Equal(reparsed), "round-trip mismatch for %s -> %s", in, canonical)

		// Parsing the canonical form again must reproduce the same canonical form.
		assert.Equal(t, canonical, reparsed.String())
	}
}

package transport_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intermodal-go/ociimage/lib/reference"
	"github.com/intermodal-go/ociimage/lib/transport"
)

type fakeTransport struct{ name string }

func (f fakeTransport) Name() string { return f.name }

func (f fakeTransport) ParseReference(s string) (reference.Reference, error) {
	return reference.Parse(s)
}

func TestRegisterAndLookup(t *testing.T) {
	transport.Register(fakeTransport{name: "faketest"})

	got, ok := transport.Lookup("faketest")
	require.True(t, ok)
	assert.Equal(t, "faketest", got.Name())

	_, ok = transport.Lookup("nope-never-registered")
	assert.False(t, ok)
}

func TestParseImageNameDispatches(t *testing.T) {
	transport.Register(fakeTransport{name: "faketest2"})

	ref, err := transport.ParseImageName("faketest2://fedora")
	require.NoError(t, err)
	assert.Equal(t, "faketest2", ref.Transport())
	assert.Equal(t, "docker.io", ref.Domain())
}

func TestParseImageNameUnknownTransport(t *testing.T) {
	_, err := transport.ParseImageName("nosuchtransport://fedora")
	assert.Error(t, err)
}

func TestParseImageNameMissingPrefix(t *testing.T) {
	_, err := transport.ParseImageName("fedora")
	assert.Error(t, err)
}

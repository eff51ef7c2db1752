package docker

import (
	"github.com/intermodal-go/ociimage/lib/reference"
	"github.com/intermodal-go/ociimage/lib/transport"
)

func init() {
	transport.Register(dockerTransport{})
}

// dockerTransport registers this package with lib/transport under the name
// "docker" so reference.Parse's grammar is reachable without callers
// importing this package directly.
type dockerTransport struct{}

func (dockerTransport) Name() string { return "docker" }

func (dockerTransport) ParseReference(s string) (reference.Reference, error) {
	return reference.Parse(s)
}

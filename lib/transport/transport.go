// Package transport implements the process-wide transport registry of spec
// §4.3: a name ("docker") maps to the Transport that knows how to parse
// references naming it. Concrete transports
// register themselves from an init func, mirroring how database/sql
// drivers register with the driver registry.
package transport

import (
	"fmt"
	"strings"
	"sync"

	"github.com/intermodal-go/ociimage/lib/errs"
	"github.com/intermodal-go/ociimage/lib/reference"
)

// Transport is the capability set a registered transport exposes.
type Transport interface {
	// Name returns the transport name under which it was registered.
	Name() string
	// ParseReference parses the full "name://..." reference string,
	// including the leading "name:" prefix.
	ParseReference(s string) (reference.Reference, error)
}

var (
	mu         sync.RWMutex
	transports = map[string]Transport{}
)

// Register adds t to the registry under its own Name(). Calling Register
// twice for the same name replaces the previous registration; transports
// are expected to register once from an init func.
func Register(t Transport) {
	mu.Lock()
	defer mu.Unlock()
	transports[t.Name()] = t
}

// Lookup returns the transport registered under name, if any.
func Lookup(name string) (Transport, bool) {
	mu.RLock()
	defer mu.RUnlock()
	t, ok := transports[name]
	return t, ok
}

// ParseImageName splits the leading "name:" prefix off s and dispatches to
// the matching registered transport. It is the entry point CLI commands use
// to turn a user-supplied string into a Reference without depending on any
// concrete transport package directly.
func ParseImageName(s string) (reference.Reference, error) {
	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return reference.Reference{}, errs.InvalidArgument(fmt.Errorf("image name %q: missing transport prefix", s))
	}
	name := s[:idx]
	t, ok := Lookup(name)
	if !ok {
		return reference.Reference{}, errs.InvalidArgument(fmt.Errorf("image name %q: unknown transport %q", s, name))
	}
	return t.ParseReference(s)
}

// Package resolver picks the single manifest matching a target platform
// out of a possibly multi-platform OCI index or Docker manifest list (spec
// §4.6).
package resolver

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"

	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/samber/lo"

	"github.com/intermodal-go/ociimage/lib/errs"
)

// Platform identifies an (os, architecture, variant) triple.
type Platform struct {
	OS           string
	Architecture string
	Variant      string
}

// archAliases normalizes uname-style architecture names to the OCI/GOARCH
// convention, per spec §4.6 ("x86_64 -> amd64, aarch64 -> arm64").
var archAliases = map[string]string{
	"x86_64":  "amd64",
	"aarch64": "arm64",
	"armv7l":  "arm",
}

// NormalizeArchitecture maps a uname-style architecture name to its
// OCI/GOARCH equivalent, passing unrecognized names through unchanged.
func NormalizeArchitecture(arch string) string {
	if n, ok := archAliases[strings.ToLower(arch)]; ok {
		return n
	}
	return arch
}

// CurrentPlatform returns the platform of the process running this code.
func CurrentPlatform() Platform {
	return Platform{OS: runtime.GOOS, Architecture: runtime.GOARCH}
}

// ParsePlatform parses a "os/arch[/variant]" string as accepted by the CLI's
// --platform flag, normalizing the architecture component.
func ParsePlatform(s string) (Platform, error) {
	parts := strings.Split(s, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Platform{}, errs.InvalidArgument(fmt.Errorf("platform %q: want os/arch[/variant]", s))
	}
	p := Platform{OS: parts[0], Architecture: NormalizeArchitecture(parts[1])}
	if len(parts) > 2 {
		p.Variant = parts[2]
	}
	return p, nil
}

func (p Platform) matches(candidate v1.Platform) bool {
	if !strings.EqualFold(p.OS, candidate.OS) {
		return false
	}
	if !strings.EqualFold(p.Architecture, NormalizeArchitecture(candidate.Architecture)) {
		return false
	}
	if p.Variant != "" && candidate.Variant != "" && !strings.EqualFold(p.Variant, candidate.Variant) {
		return false
	}
	return true
}

func (p Platform) String() string {
	if p.Variant == "" {
		return p.OS + "/" + p.Architecture
	}
	return p.OS + "/" + p.Architecture + "/" + p.Variant
}

// NoMatchingPlatformError reports that an index had no descriptor matching
// the requested platform.
type NoMatchingPlatformError struct {
	Requested Platform
	Available []Platform
}

func (e *NoMatchingPlatformError) Error() string {
	avail := lo.Map(e.Available, func(p Platform, _ int) string { return p.String() })
	return fmt.Sprintf("no manifest for platform %s (available: %s)", e.Requested, strings.Join(avail, ", "))
}

// Descriptor selects one manifest entry out of an index for the requested
// platform, without fetching it. Callers fetch raw/mediaType themselves
// (e.g. via docker.Source.ManifestByDigest) since the fetch requires a
// network round trip this package shouldn't own.
func Descriptor(indexRaw []byte, want Platform) (v1.Descriptor, error) {
	var idx v1.Index
	if err := json.Unmarshal(indexRaw, &idx); err != nil {
		return v1.Descriptor{}, errs.InvalidArgument(fmt.Errorf("decode image index: %w", err))
	}

	match, ok := lo.Find(idx.Manifests, func(d v1.Descriptor) bool {
		return d.Platform != nil && want.matches(*d.Platform)
	})
	if !ok {
		available := lo.FilterMap(idx.Manifests, func(d v1.Descriptor, _ int) (Platform, bool) {
			if d.Platform == nil {
				return Platform{}, false
			}
			return Platform{OS: d.Platform.OS, Architecture: d.Platform.Architecture, Variant: d.Platform.Variant}, true
		})
		return v1.Descriptor{}, errs.NotFound(&NoMatchingPlatformError{Requested: want, Available: available})
	}
	return match, nil
}

// IsIndexMediaType reports whether mediaType names a multi-platform index
// or manifest list rather than a single-platform manifest.
func IsIndexMediaType(mediaType string) bool {
	switch mediaType {
	case "application/vnd.oci.image.index.v1+json",
		"application/vnd.docker.distribution.manifest.list.v2+json":
		return true
	default:
		return false
	}
}

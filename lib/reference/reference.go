// Package reference parses and normalizes image reference strings of the
// form "transport://[domain/]path[:tag][@digest]" (spec §4.2, §6).
package reference

import (
	"fmt"
	"strings"

	distref "github.com/distribution/reference"

	"github.com/intermodal-go/ociimage/lib/digest"
	"github.com/intermodal-go/ociimage/lib/errs"
)

// maxPathLength is spec §3's 256-character cap on the normalized path.
const maxPathLength = 256

// Reference is an immutable, normalized image reference.
type Reference struct {
	transport string
	domain    string
	path      string
	tag       string
	dig       digest.Digest
}

// Parse parses and normalizes s. Normalization applies docker.io/library/
// latest defaults per spec §3: empty domain becomes docker.io; on the
// default domain a path with no slash is prefixed library/; an absent tag
// becomes latest.
func Parse(s string) (Reference, error) {
	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return Reference{}, errs.InvalidArgument(fmt.Errorf("reference %q: missing transport separator", s))
	}
	transport := s[:idx]
	remainder := s[idx+1:]
	if !strings.HasPrefix(remainder, "//") {
		return Reference{}, errs.InvalidArgument(fmt.Errorf("reference %q: transport must be followed by //", s))
	}
	return parseWithinTransport(transport, remainder[2:])
}

// parseWithinTransport parses the "[domain/]path[:tag][@digest]" grammar
// common to every transport, after Parse has stripped the "name://"
// prefix. Transport implementations (spec §4.3) reach it through Parse.
func parseWithinTransport(transport, rest string) (Reference, error) {
	if rest == "" {
		return Reference{}, errs.InvalidArgument(fmt.Errorf("reference: empty name"))
	}

	namePart := rest
	var dig digest.Digest
	if at := strings.IndexByte(rest, '@'); at >= 0 {
		namePart = rest[:at]
		parsed, err := digest.Parse(rest[at+1:])
		if err != nil {
			return Reference{}, err
		}
		dig = parsed
	}
	if namePart == "" {
		return Reference{}, errs.InvalidArgument(fmt.Errorf("reference: empty name"))
	}

	named, err := distref.ParseNormalizedNamed(namePart)
	if err != nil {
		return Reference{}, errs.InvalidArgument(fmt.Errorf("parse reference %q: %w", namePart, err))
	}

	domain := distref.Domain(named)
	path := distref.Path(named)
	if len(path) > maxPathLength {
		return Reference{}, errs.InvalidArgument(fmt.Errorf("reference path %q exceeds %d characters", path, maxPathLength))
	}

	tag := "latest"
	if tagged, ok := named.(distref.Tagged); ok {
		tag = tagged.Tag()
	}

	return Reference{
		transport: transport,
		domain:    domain,
		path:      path,
		tag:       tag,
		dig:       dig,
	}, nil
}

// Transport returns the leading transport name (e.g. "docker").
func (r Reference) Transport() string { return r.transport }

// Domain returns the normalized registry domain (defaults to docker.io).
func (r Reference) Domain() string { return r.domain }

// Path returns the normalized repository path (library/-prefixed on the
// default domain when the caller didn't supply one).
func (r Reference) Path() string { return r.path }

// Tag returns the normalized tag, defaulting to "latest".
func (r Reference) Tag() string { return r.tag }

// Digest returns the pinned digest and whether one was present.
func (r Reference) Digest() (digest.Digest, bool) { return r.dig, !r.dig.Empty() }

// Name returns the "domain/path" form, without tag or digest.
func (r Reference) Name() string { return r.domain + "/" + r.path }

// WithinTransport returns the canonical "//domain/path[:tag][@digest]"
// form, without the leading "transport:".
func (r Reference) WithinTransport() string {
	var b strings.Builder
	b.WriteString("//")
	b.WriteString(r.domain)
	b.WriteByte('/')
	b.WriteString(r.path)
	if r.tag != "" {
		b.WriteByte(':')
		b.WriteString(r.tag)
	}
	if d, ok := r.Digest(); ok {
		b.WriteByte('@')
		b.WriteString(d.String())
	}
	return b.String()
}

// String returns the fully canonical "transport://domain/path[:tag][@digest]".
func (r Reference) String() string {
	return r.transport + ":" + r.WithinTransport()
}

// Equal reports structural equality of every field, including the
// transport name.
func (r Reference) Equal(o Reference) bool {
	return r.transport == o.transport &&
		r.domain == o.domain &&
		r.path == o.path &&
		r.tag == o.tag &&
		r.dig.Equal(o.dig)
}

// Package digest implements the content-address value type (spec §4.1):
// parsing, hashing, and streaming verification of "alg:hex" digests.
package digest

import (
	"encoding/json"
	"fmt"
	"io"

	godigest "github.com/opencontainers/go-digest"

	"github.com/intermodal-go/ociimage/lib/errs"
)

// Algorithm identifies a supported hash algorithm.
type Algorithm = godigest.Algorithm

// SHA256 is the only algorithm spec.md requires; go-digest registers it
// (and others) at init time.
const SHA256 = godigest.SHA256

const verifyChunkSize = 16 * 1024 // §4.1: "suggested 16 KiB"

// Digest is an immutable (algorithm, hex) pair. Its canonical text form is
// "alg:hex". The zero value is not a valid digest.
type Digest struct {
	inner godigest.Digest
}

// Parse validates s as "alg:hex" and returns the corresponding Digest.
// Unknown algorithms and malformed hex both surface as errs.InvalidArgument.
func Parse(s string) (Digest, error) {
	d := godigest.Digest(s)
	if err := d.Validate(); err != nil {
		return Digest{}, errs.InvalidArgument(fmt.Errorf("parse digest %q: %w", s, err))
	}
	return Digest{inner: d}, nil
}

// FromBytes computes the digest of b under alg.
func FromBytes(alg Algorithm, b []byte) Digest {
	return Digest{inner: alg.FromBytes(b)}
}

// FromHex constructs a Digest directly from an already-known hex digest,
// without validating the hex length against the algorithm. Used when
// deserializing values a server has already vouched for (e.g. a manifest
// descriptor digest prior to verification).
func FromHex(alg Algorithm, hex string) Digest {
	return Digest{inner: godigest.NewDigestFromEncoded(alg, hex)}
}

// String returns the canonical "alg:hex" form.
func (d Digest) String() string { return d.inner.String() }

// Algorithm returns the digest's hash algorithm.
func (d Digest) Algorithm() Algorithm { return d.inner.Algorithm() }

// Hex returns the lowercase hex-encoded hash value.
func (d Digest) Hex() string { return d.inner.Encoded() }

// Empty reports whether d is the zero value.
func (d Digest) Empty() bool { return d.inner == "" }

// Equal reports structural equality.
func (d Digest) Equal(o Digest) bool { return d.inner == o.inner }

// Verify consumes r to completion, in fixed-size chunks, feeding a fresh
// hasher for d's algorithm, and reports whether the resulting hash matches
// d. The stream is drained fully even on mismatch, so callers may pipe
// through a decompressor that needs to reach EOF. A non-nil error only
// ever reflects an I/O failure reading r, never a digest mismatch — that
// case returns (false, nil).
func (d Digest) Verify(r io.Reader) (bool, error) {
	verifier := d.inner.Verifier()
	buf := make([]byte, verifyChunkSize)
	if _, err := io.CopyBuffer(verifier, r, buf); err != nil {
		return false, fmt.Errorf("read stream for digest verification: %w", err)
	}
	return verifier.Verified(), nil
}

// MarshalJSON implements json.Marshaler using the canonical "alg:hex" form.
func (d Digest) MarshalJSON() ([]byte, error) { return json.Marshal(d.inner.String()) }

// UnmarshalJSON implements json.Unmarshaler, validating the decoded string
// the same way Parse does.
func (d *Digest) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errs.InvalidArgument(fmt.Errorf("unmarshal digest: %w", err))
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

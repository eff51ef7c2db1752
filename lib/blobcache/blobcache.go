// Package blobcache implements the process-wide, content-addressed blob
// cache described in spec §3 ("Blob cache entry"): a file at
// <root>/<alg>/<hex> whose existence proves its bytes hash to that digest.
package blobcache

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nrednav/cuid2"

	"github.com/intermodal-go/ociimage/lib/digest"
	"github.com/intermodal-go/ociimage/lib/errs"
)

// Cache is safe for concurrent use: Put calls with different digests write
// to distinct temp files and rename into distinct final paths.
type Cache struct {
	root string
}

// New returns a Cache rooted at dir, creating it if necessary.
func New(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob cache root: %w", err)
	}
	return &Cache{root: dir}, nil
}

// Path returns the on-disk path a verified blob for d would live at,
// regardless of whether it has been written yet.
func (c *Cache) Path(d digest.Digest) string {
	return filepath.Join(c.root, string(d.Algorithm()), d.Hex())
}

// Has reports whether d is already cached.
func (c *Cache) Has(d digest.Digest) bool {
	_, err := os.Stat(c.Path(d))
	return err == nil
}

// Open returns a reader for an already-cached blob.
func (c *Cache) Open(d digest.Digest) (*os.File, error) {
	f, err := os.Open(c.Path(d))
	if err != nil {
		return nil, fmt.Errorf("open cached blob %s: %w", d, err)
	}
	return f, nil
}

// Put streams r into a temporary file while verifying it against d, then
// atomically renames the temp file into the cache on success. It returns
// an errs.DataLoss error without writing a cache entry on mismatch; the
// temp file is always removed unless the rename succeeds. r is fully
// drained either way, since Digest.Verify drains the stream even on
// mismatch.
func (c *Cache) Put(d digest.Digest, r io.Reader) (path string, err error) {
	dir := filepath.Join(c.root, string(d.Algorithm()))
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create cache algorithm dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+cuid2.Generate()+"-*")
	if err != nil {
		return "", fmt.Errorf("create temp blob file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpPath)
		}
	}()

	// Tee the verified read through the temp file: a single pass writes
	// to disk and feeds the hasher simultaneously.
	ok, verifyErr := d.Verify(io.TeeReader(r, tmp))
	closeErr := tmp.Close()
	if verifyErr != nil {
		err = fmt.Errorf("verify blob %s: %w", d, verifyErr)
		return "", err
	}
	if closeErr != nil {
		err = fmt.Errorf("close temp blob file: %w", closeErr)
		return "", err
	}
	if !ok {
		err = errs.DataLoss(fmt.Errorf("digest mismatch for blob %s", d))
		return "", err
	}

	final := c.Path(d)
	if renameErr := os.Rename(tmpPath, final); renameErr != nil {
		err = fmt.Errorf("commit blob %s into cache: %w", d, renameErr)
		return "", err
	}
	return final, nil
}

// Clear removes every cached blob. Used by the CLI's
// "clear-blob-cache" command.
func (c *Cache) Clear() error {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read blob cache root: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(c.root, e.Name())); err != nil {
			return fmt.Errorf("remove %s: %w", e.Name(), err)
		}
	}
	return nil
}

// Root returns the cache's root directory.
func (c *Cache) Root() string { return c.root }

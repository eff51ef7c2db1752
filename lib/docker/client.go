// Package docker implements the "docker" transport (spec §4.4): an HTTPS
// client for the Docker Registry HTTP API V2, including the bearer-token
// challenge/exchange flow, manifest/blob/tag-list fetches, and the
// redirect-without-Authorization policy blob storage providers rely on.
package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	v1types "github.com/google/go-containerregistry/pkg/v1/types"

	"github.com/intermodal-go/ociimage/lib/blobcache"
	"github.com/intermodal-go/ociimage/lib/digest"
	"github.com/intermodal-go/ociimage/lib/errs"
	"github.com/intermodal-go/ociimage/lib/reference"
)

// DefaultDomain is the registry domain substituted for Docker Hub, per
// spec §3's reference-normalization defaults.
const DefaultDomain = "docker.io"

const defaultHubHost = "https://registry-1.docker.io"

// acceptManifestTypes is the Accept header sent on every manifest fetch, in
// the preference order spec §4.4 specifies: OCI index and manifest first,
// Docker v2 schema2 manifest and manifest list as fallbacks.
var acceptManifestTypes = strings.Join([]string{
	string(v1types.OCIImageIndex),
	string(v1types.OCIManifestSchema1),
	string(v1types.DockerManifestSchema2),
	string(v1types.DockerManifestList),
}, ",")

// Client is a registry client bound to a single domain. It is safe for
// concurrent use: ensureAuth guards the auth state with its own lock, and
// the blob cache writes each digest through its own temp file and rename,
// letting the bounded-concurrency downloader
// (spec §5) share one Client across its worker goroutines.
type Client struct {
	repoURL    *url.URL
	httpClient *http.Client
	cache      *blobcache.Cache
	auth       authState

	inFlightBlobs atomic.Int64
}

// Option configures a Client at construction.
type Option func(*Client)

// WithHTTPClient overrides the underlying *http.Client, e.g. in tests
// pointed at an httptest.Server. The CheckRedirect policy is always
// reinstated, since the redirect-without-Authorization rule is load-bearing.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		clone := *hc
		clone.CheckRedirect = noFollowRedirect
		c.httpClient = &clone
	}
}

func noFollowRedirect(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

// NewClient builds a Client for domain (e.g. "docker.io" or
// "localhost:5000"). cache is the process-wide blob cache blobs are
// verified into.
func NewClient(domain string, cache *blobcache.Cache, opts ...Option) (*Client, error) {
	repoURL, err := normalizeRepoURL(domain)
	if err != nil {
		return nil, errs.InvalidArgument(fmt.Errorf("registry domain %q: %w", domain, err))
	}
	c := &Client{
		repoURL: repoURL,
		cache:   cache,
		httpClient: &http.Client{
			CheckRedirect: noFollowRedirect,
			Transport: &http.Transport{
				ResponseHeaderTimeout: 30 * time.Second,
				IdleConnTimeout:       90 * time.Second,
			},
			// No overall Timeout: blob bodies are unbounded in size and
			// must be allowed to stream for as long as the connection
			// stays open (spec §5).
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func normalizeRepoURL(domain string) (*url.URL, error) {
	if domain == DefaultDomain {
		return url.Parse(defaultHubHost)
	}
	if strings.Contains(domain, "://") {
		return url.Parse(domain)
	}
	scheme := "https"
	if _, _, err := net.SplitHostPort(domain); err == nil {
		// An explicit port with no scheme names a local/dev registry.
		scheme = "http"
	}
	return url.Parse(scheme + "://" + domain)
}

// GetManifest fetches the manifest or index for ref, returning its raw
// bytes and the Content-Type the registry reported.
func (c *Client) GetManifest(ctx context.Context, ref reference.Reference) ([]byte, string, error) {
	tagOrDigest := ref.Tag()
	if d, ok := ref.Digest(); ok {
		tagOrDigest = d.String()
	}
	return c.getManifestRaw(ctx, ref.Path(), tagOrDigest)
}

// GetManifestByDigest fetches a manifest named directly by digest, the form
// a multi-platform index's descriptors are resolved through (spec §4.6).
func (c *Client) GetManifestByDigest(ctx context.Context, repoPath string, d digest.Digest) ([]byte, string, error) {
	return c.getManifestRaw(ctx, repoPath, d.String())
}

func (c *Client) getManifestRaw(ctx context.Context, repoPath, tagOrDigest string) ([]byte, string, error) {
	if err := c.ensureAuth(ctx, repoPath, "pull"); err != nil {
		return nil, "", err
	}
	u := fmt.Sprintf("%s/v2/%s/manifests/%s", c.repoURL, repoPath, tagOrDigest)

	resp, err := c.do(ctx, http.MethodGet, u, http.Header{"Accept": []string{acceptManifestTypes}}, true, true)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", errs.Unavailable(fmt.Errorf("read manifest body: %w", err))
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// GetBlob returns a reader for the blob identified by d within repoPath,
// fetching and digest-verifying it into the blob cache first if it isn't
// already cached. The returned ReadCloser's bytes are guaranteed to hash to
// d; a digest mismatch is reported as an errs.DataLoss error and no cache
// entry is written.
func (c *Client) GetBlob(ctx context.Context, repoPath string, d digest.Digest) (io.ReadCloser, error) {
	if c.cache.Has(d) {
		return c.cache.Open(d)
	}

	if err := c.ensureAuth(ctx, repoPath, "pull"); err != nil {
		return nil, err
	}
	u := fmt.Sprintf("%s/v2/%s/blobs/%s", c.repoURL, repoPath, d.String())

	c.inFlightBlobs.Add(1)
	defer c.inFlightBlobs.Add(-1)

	resp, err := c.do(ctx, http.MethodGet, u, nil, true, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if _, err := c.cache.Put(d, resp.Body); err != nil {
		return nil, err
	}
	return c.cache.Open(d)
}

// GetRepoTags lists every tag for repoPath.
func (c *Client) GetRepoTags(ctx context.Context, repoPath string) ([]string, error) {
	if err := c.ensureAuth(ctx, repoPath, "pull"); err != nil {
		return nil, err
	}
	u := fmt.Sprintf("%s/v2/%s/tags/list", c.repoURL, repoPath)

	resp, err := c.do(ctx, http.MethodGet, u, nil, true, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body struct {
		Tags []string `json:"tags"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errs.Unavailable(fmt.Errorf("decode tags list: %w", err))
	}
	return body.Tags, nil
}

// InFlightBlobStreams reports how many GetBlob calls are currently
// mid-transfer against the registry, for tests asserting the downloader's
// bounded-concurrency property (spec §5, property 4).
func (c *Client) InFlightBlobStreams() int64 { return c.inFlightBlobs.Load() }

// do issues an HTTP request, attaching the current bearer token (if
// authorize is set) and, on a 3xx response, manually re-issuing the request
// against the Location header with authorize forced false: many registries
// redirect blob fetches to pre-signed object-storage URLs that reject (or
// leak credentials via) a forwarded Authorization header.
func (c *Client) do(ctx context.Context, method, target string, headers http.Header, followRedirects, authorize bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, errs.Unavailable(fmt.Errorf("build request %s %s: %w", method, target, err))
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if authorize {
		if tok := c.auth.currentToken(); tok != nil {
			req.Header.Set("Authorization", "Bearer "+tok.value)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errs.Unavailable(fmt.Errorf("request %s %s: %w", method, target, err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	if followRedirects && resp.StatusCode >= 300 && resp.StatusCode < 400 {
		loc := resp.Header.Get("Location")
		resp.Body.Close()
		if loc == "" {
			return nil, errs.Unavailable(fmt.Errorf("redirect from %s: missing Location header", target))
		}
		return c.do(ctx, method, loc, headers, false, false)
	}

	defer resp.Body.Close()
	return nil, errs.Unavailable(fmt.Errorf("%s %s: unexpected status %d", method, target, resp.StatusCode))
}

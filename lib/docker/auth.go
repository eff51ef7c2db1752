package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/intermodal-go/ociimage/lib/errs"
)

// token is a bearer token obtained from a realm's token endpoint (spec
// §4.4's "Bearer(valid) / Bearer(expired)" auth states).
type token struct {
	value     string
	issuedAt  time.Time
	expiresIn time.Duration
}

func (t *token) validAt(now time.Time) bool {
	return t != nil && now.Before(t.issuedAt.Add(t.expiresIn))
}

// authState is the client-wide "Unknown -> NoAuth | Bearer(...)" state
// machine from spec §4.4, guarded by its own RWMutex so concurrent blob
// fetches under the bounded-concurrency downloader (spec §5) share one
// ping/token-exchange instead of racing to re-authenticate.
type authState struct {
	mu       sync.RWMutex
	checked  bool
	required bool
	tok      *token
}

func (c *Client) ensureAuth(ctx context.Context, repoPath, scope string) error {
	c.auth.mu.RLock()
	settled := c.auth.settled()
	c.auth.mu.RUnlock()
	if settled {
		return nil
	}

	c.auth.mu.Lock()
	defer c.auth.mu.Unlock()
	if c.auth.settled() {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.repoURL.String()+"/v2/", nil)
	if err != nil {
		return errs.Unavailable(fmt.Errorf("build ping request: %w", err))
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errs.Unavailable(fmt.Errorf("ping %s: %w", c.repoURL, err))
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		c.auth.checked = true
		c.auth.required = false
		return nil
	case http.StatusUnauthorized:
		realm, service, err := parseBearerChallenge(resp.Header.Get("WWW-Authenticate"))
		if err != nil {
			return errs.Unauthenticated(fmt.Errorf("registry %s: %w", c.repoURL, err))
		}
		tok, err := c.exchangeToken(ctx, realm, service, repoPath, scope)
		if err != nil {
			return err
		}
		c.auth.checked = true
		c.auth.required = true
		c.auth.tok = tok
		return nil
	default:
		return errs.Unavailable(fmt.Errorf("ping %s: unexpected status %d", c.repoURL, resp.StatusCode))
	}
}

// settled reports whether auth is already resolved and, if bearer auth is
// required, whether the current token is still valid. Callers must hold
// a.mu (read or write).
func (a *authState) settled() bool {
	if !a.checked {
		return false
	}
	if !a.required {
		return true
	}
	return a.tok.validAt(time.Now())
}

func (a *authState) currentToken() *token {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.tok
}

func (c *Client) exchangeToken(ctx context.Context, realm, service, repoPath, scope string) (*token, error) {
	u, err := url.Parse(realm)
	if err != nil {
		return nil, errs.Unauthenticated(fmt.Errorf("auth realm %q: %w", realm, err))
	}
	q := u.Query()
	q.Set("service", service)
	q.Set("scope", fmt.Sprintf("repository:%s:%s", repoPath, scope))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errs.Unauthenticated(fmt.Errorf("build token request: %w", err))
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errs.Unauthenticated(fmt.Errorf("token request to %s: %w", u.Host, err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errs.Unauthenticated(fmt.Errorf("token endpoint %s: status %d", u.Host, resp.StatusCode))
	}

	var body struct {
		Token       string     `json:"token"`
		AccessToken string     `json:"access_token"`
		IssuedAt    *time.Time `json:"issued_at"`
		ExpiresIn   *int       `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errs.Unauthenticated(fmt.Errorf("decode token response: %w", err))
	}

	value := body.Token
	if value == "" {
		value = body.AccessToken
	}
	if value == "" {
		return nil, errs.Unauthenticated(fmt.Errorf("token endpoint %s: empty token", u.Host))
	}

	issuedAt := time.Now()
	if body.IssuedAt != nil {
		issuedAt = *body.IssuedAt
	}
	expiresIn := 60 * time.Second
	if body.ExpiresIn != nil {
		expiresIn = time.Duration(*body.ExpiresIn) * time.Second
	}
	return &token{value: value, issuedAt: issuedAt, expiresIn: expiresIn}, nil
}

// parseBearerChallenge extracts realm and service from a
// "Bearer realm=\"...\",service=\"...\",scope=\"...\"" WWW-Authenticate
// header (spec §4.4).
func parseBearerChallenge(header string) (realm, service string, err error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", "", fmt.Errorf("missing WWW-Authenticate header")
	}
	scheme, params, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", "", fmt.Errorf("unsupported auth challenge: %q", header)
	}

	values := map[string]string{}
	for _, kv := range splitChallengeParams(params) {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		values[strings.TrimSpace(k)] = strings.Trim(strings.TrimSpace(v), `"`)
	}

	realm, service = values["realm"], values["service"]
	if realm == "" || service == "" {
		return "", "", fmt.Errorf("auth challenge missing realm or service: %q", header)
	}
	return realm, service, nil
}

// splitChallengeParams splits a comma-separated auth-param list without
// breaking on commas inside quoted values.
func splitChallengeParams(s string) []string {
	var out []string
	var cur strings.Builder
	inQuotes := false
	for _, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			cur.WriteRune(r)
		case r == ',' && !inQuotes:
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// Package auth obtains and caches the short-lived credentials the speech
// backends accept.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lokutor-ai/voiceloop/pkg/orchestrator"
)

// DefaultTTL is how long a fetched credential is reused. DashScope tokens
// live for 60 seconds; reusing them for 40 leaves room for a slow dial.
const DefaultTTL = 40 * time.Second

// Credential is a bearer token with its server-side expiry. A zero
// ExpiresAt never expires.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// tokenResponse is the wire shape shared by DashScope and the backend.
type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

func (r tokenResponse) credential() Credential {
	c := Credential{Token: r.Token}
	if r.ExpiresAt > 0 {
		c.ExpiresAt = time.Unix(r.ExpiresAt, 0)
	}
	return c
}

// MarshalJSON writes the credential in the backend's wire format.
func (c Credential) MarshalJSON() ([]byte, error) {
	r := tokenResponse{Token: c.Token}
	if !c.ExpiresAt.IsZero() {
		r.ExpiresAt = c.ExpiresAt.Unix()
	}
	return json.Marshal(r)
}

// TokenSource yields a credential that is valid right now.
type TokenSource interface {
	Token(ctx context.Context) (Credential, error)
}

// Fetcher obtains a fresh credential.
type Fetcher interface {
	Fetch(ctx context.Context) (Credential, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context) (Credential, error)

func (f FetcherFunc) Fetch(ctx context.Context) (Credential, error) { return f(ctx) }

// Static is a TokenSource for a long-lived key.
type Static string

func (s Static) Token(context.Context) (Credential, error) {
	if s == "" {
		return Credential{}, fmt.Errorf("auth: empty key: %w", orchestrator.ErrAuth)
	}
	return Credential{Token: string(s)}, nil
}

// Cache reuses a fetched credential until its TTL or its expiry, whichever
// comes first. Concurrent callers that miss share a single fetch.
type Cache struct {
	fetcher Fetcher
	ttl     time.Duration
	now     func() time.Time

	mu        sync.Mutex
	cred      Credential
	fetchedAt time.Time
	group     singleflight.Group
}

// NewCache wraps f. A ttl of zero means DefaultTTL.
func NewCache(f Fetcher, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{fetcher: f, ttl: ttl, now: time.Now}
}

func (c *Cache) Token(ctx context.Context) (Credential, error) {
	c.mu.Lock()
	if c.validLocked() {
		cred := c.cred
		c.mu.Unlock()
		return cred, nil
	}
	c.mu.Unlock()

	// The fetch is shared, so one caller giving up must not fail the rest.
	v, err, _ := c.group.Do("token", func() (interface{}, error) {
		cred, err := c.fetcher.Fetch(context.WithoutCancel(ctx))
		if err != nil {
			return Credential{}, err
		}
		c.mu.Lock()
		c.cred = cred
		c.fetchedAt = c.now()
		c.mu.Unlock()
		return cred, nil
	})
	if err != nil {
		return Credential{}, err
	}
	return v.(Credential), nil
}

func (c *Cache) validLocked() bool {
	if c.cred.Token == "" {
		return false
	}
	now := c.now()
	if now.Sub(c.fetchedAt) >= c.ttl {
		return false
	}
	return c.cred.ExpiresAt.IsZero() || now.Before(c.cred.ExpiresAt)
}

// Invalidate drops the cached credential, e.g. after the backend rejected it.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cred = Credential{}
}

// HTTPFetcher asks the generation backend for a temporary token on behalf
// of a user.
type HTTPFetcher struct {
	baseURL string
	userID  string
	client  *http.Client
}

func NewHTTPFetcher(baseURL, userID string, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPFetcher{baseURL: strings.TrimRight(baseURL, "/"), userID: userID, client: client}
}

func (f *HTTPFetcher) Fetch(ctx context.Context) (Credential, error) {
	body, err := json.Marshal(map[string]string{"unionid": f.userID})
	if err != nil {
		return Credential{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/generate_temp_token", bytes.NewReader(body))
	if err != nil {
		return Credential{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	return doTokenRequest(f.client, req, "backend")
}

// DashScopeFetcher exchanges a long-lived DashScope API key for a
// temporary token.
type DashScopeFetcher struct {
	apiKey string
	url    string
	client *http.Client
}

func NewDashScopeFetcher(apiKey, url string, client *http.Client) *DashScopeFetcher {
	if url == "" {
		url = "https://dashscope.aliyuncs.com/api/v1/tokens"
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &DashScopeFetcher{apiKey: apiKey, url: url, client: client}
}

func (f *DashScopeFetcher) Fetch(ctx context.Context) (Credential, error) {
	if f.apiKey == "" {
		return Credential{}, fmt.Errorf("dashscope: token: no api key: %w", orchestrator.ErrAuth)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, nil)
	if err != nil {
		return Credential{}, err
	}
	req.Header.Set("Authorization", "Bearer "+f.apiKey)
	req.Header.Set("Content-Type", "application/json")
	return doTokenRequest(f.client, req, "dashscope")
}

// StatusError carries the HTTP status of a rejected token request.
type StatusError struct {
	Status int
	Body   string
	Err    error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Status, e.Body)
}

func (e *StatusError) Unwrap() error { return e.Err }

func doTokenRequest(client *http.Client, req *http.Request, name string) (Credential, error) {
	resp, err := client.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("%s: token: %w: %v", name, orchestrator.ErrConnection, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		kind := orchestrator.ErrConnection
		switch resp.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			kind = orchestrator.ErrAuth
		}
		return Credential{}, fmt.Errorf("%s: token: %w", name, &StatusError{
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(string(b)),
			Err:    kind,
		})
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return Credential{}, fmt.Errorf("%s: token: decode: %w", name, err)
	}
	if tr.Token == "" {
		return Credential{}, fmt.Errorf("%s: token: empty token: %w", name, orchestrator.ErrAuth)
	}
	return tr.credential(), nil
}

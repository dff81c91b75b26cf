package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lokutor-ai/voiceloop/pkg/orchestrator"
)

func TestCacheReusesWithinTTL(t *testing.T) {
	var calls atomic.Int32
	f := FetcherFunc(func(ctx context.Context) (Credential, error) {
		n := calls.Add(1)
		return Credential{Token: string(rune('a' + n - 1))}, nil
	})

	clock := time.Unix(1000, 0)
	c := NewCache(f, 40*time.Second)
	c.now = func() time.Time { return clock }

	first, err := c.Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	clock = clock.Add(39 * time.Second)
	again, _ := c.Token(context.Background())
	if again.Token != first.Token || calls.Load() != 1 {
		t.Fatalf("expected a cached token, got %q after %d fetches", again.Token, calls.Load())
	}

	clock = clock.Add(time.Second)
	fresh, _ := c.Token(context.Background())
	if fresh.Token == first.Token || calls.Load() != 2 {
		t.Errorf("expected a refetch at the ttl, got %q after %d fetches", fresh.Token, calls.Load())
	}
}

func TestCacheHonoursServerExpiry(t *testing.T) {
	var calls atomic.Int32
	clock := time.Unix(1000, 0)
	f := FetcherFunc(func(ctx context.Context) (Credential, error) {
		calls.Add(1)
		return Credential{Token: "t", ExpiresAt: clock.Add(5 * time.Second)}, nil
	})
	c := NewCache(f, time.Minute)
	c.now = func() time.Time { return clock }

	c.Token(context.Background())
	clock = clock.Add(6 * time.Second)
	c.Token(context.Background())
	if calls.Load() != 2 {
		t.Errorf("expected a refetch past the expiry, got %d fetches", calls.Load())
	}
}

func TestCacheSharesConcurrentFetch(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	f := FetcherFunc(func(ctx context.Context) (Credential, error) {
		calls.Add(1)
		<-release
		return Credential{Token: "shared"}, nil
	})
	c := NewCache(f, 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cred, err := c.Token(context.Background())
			if err != nil || cred.Token != "shared" {
				t.Errorf("unexpected result %q, %v", cred.Token, err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("expected one fetch, got %d", calls.Load())
	}
}

func TestCacheFetchOutlivesCancelledCaller(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	c := NewCache(FetcherFunc(func(ctx context.Context) (Credential, error) {
		close(started)
		select {
		case <-release:
			return Credential{Token: "t"}, nil
		case <-ctx.Done():
			return Credential{}, ctx.Err()
		}
	}), 0)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := c.Token(ctx)
		first <- err
	}()
	<-started

	second := make(chan Credential, 1)
	go func() {
		cred, err := c.Token(context.Background())
		if err != nil {
			t.Errorf("waiter failed: %v", err)
		}
		second <- cred
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(release)

	if cred := <-second; cred.Token != "t" {
		t.Errorf("expected the shared token, got %q", cred.Token)
	}
	<-first
}

func TestCacheInvalidate(t *testing.T) {
	var calls atomic.Int32
	c := NewCache(FetcherFunc(func(ctx context.Context) (Credential, error) {
		calls.Add(1)
		return Credential{Token: "t"}, nil
	}), 0)

	c.Token(context.Background())
	c.Invalidate()
	c.Token(context.Background())
	if calls.Load() != 2 {
		t.Errorf("expected a refetch after invalidate, got %d fetches", calls.Load())
	}
}

func TestHTTPFetcher(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/generate_temp_token" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		switch body["unionid"] {
		case "user_123":
			json.NewEncoder(w).Encode(map[string]any{"token": "st-abc", "expires_at": 1744080369})
		case "":
			http.Error(w, `{"detail":"unionid不能为空"}`, http.StatusBadRequest)
		default:
			http.Error(w, `{"detail":"用户不存在"}`, http.StatusNotFound)
		}
	}))
	defer server.Close()

	cred, err := NewHTTPFetcher(server.URL+"/", "user_123", nil).Fetch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cred.Token != "st-abc" || cred.ExpiresAt.Unix() != 1744080369 {
		t.Errorf("unexpected credential %+v", cred)
	}

	_, err = NewHTTPFetcher(server.URL, "nobody", nil).Fetch(context.Background())
	if !errors.Is(err, orchestrator.ErrAuth) {
		t.Errorf("expected ErrAuth for an unknown user, got %v", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusNotFound {
		t.Errorf("expected a 404 StatusError, got %v", err)
	}
}

func TestDashScopeFetcher(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"token": "st-xyz", "expires_at": time.Now().Add(time.Minute).Unix()})
	}))
	defer server.Close()

	cred, err := NewDashScopeFetcher("sk-test", server.URL, nil).Fetch(context.Background())
	if err != nil || cred.Token != "st-xyz" {
		t.Fatalf("unexpected result %+v, %v", cred, err)
	}

	_, err = NewDashScopeFetcher("sk-wrong", server.URL, nil).Fetch(context.Background())
	if !errors.Is(err, orchestrator.ErrAuth) {
		t.Errorf("expected ErrAuth, got %v", err)
	}
}

func TestServerErrorIsConnection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := NewHTTPFetcher(server.URL, "user_123", nil).Fetch(context.Background())
	if !errors.Is(err, orchestrator.ErrConnection) {
		t.Errorf("expected ErrConnection, got %v", err)
	}
}

func TestCredentialJSON(t *testing.T) {
	b, err := json.Marshal(Credential{Token: "st-1", ExpiresAt: time.Unix(42, 0)})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"token":"st-1","expires_at":42}` {
		t.Errorf("unexpected json %s", b)
	}
}

package memory

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
)

// fakeEmbedder maps known words onto fixed axes.
type fakeEmbedder struct {
	err error
}

func (f fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	v := make([]float32, 4)
	for i, w := range []string{"tea", "cat", "rain", "music"} {
		if strings.Contains(text, w) {
			v[i] = 1
		}
	}
	return v, nil
}

func TestStatic(t *testing.T) {
	s := Static{"a", "b"}
	got, err := s.Retrieve(context.Background(), "anything")
	if err != nil || len(got) != 2 {
		t.Fatalf("unexpected result %v, %v", got, err)
	}
	got[0] = "changed"
	if s[0] != "a" {
		t.Error("Retrieve must not expose the backing slice")
	}
}

func TestLocalRanking(t *testing.T) {
	ctx := context.Background()
	l := NewLocal(fakeEmbedder{}, Options{TopK: 2, Threshold: 0.5})
	for _, m := range []string{"likes green tea", "has a cat", "hates rain", "likes tea and music"} {
		if err := l.Add(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	if l.Len() != 4 {
		t.Fatalf("expected 4 memories, got %d", l.Len())
	}

	got, err := l.Retrieve(ctx, "do you want some tea")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "likes green tea" || got[1] != "likes tea and music" {
		t.Errorf("unexpected ranking %v", got)
	}

	got, _ = l.Retrieve(ctx, "nothing related")
	if len(got) != 0 {
		t.Errorf("expected no hits below the threshold, got %v", got)
	}
}

func TestLocalEmptySkipsEmbedding(t *testing.T) {
	l := NewLocal(fakeEmbedder{err: errors.New("should not be called")}, DefaultOptions())
	got, err := l.Retrieve(context.Background(), "tea")
	if err != nil || got != nil {
		t.Errorf("expected nothing, got %v, %v", got, err)
	}
}

func TestOpenAIEmbedder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/embeddings") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing api key")
		}
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if req["model"] != "text-embedding-v3" || req["input"] != "hello" {
			t.Errorf("unexpected request %v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  "text-embedding-v3",
			"data": []map[string]any{
				{"object": "embedding", "index": 0, "embedding": []float64{0.5, -0.25, 1}},
			},
			"usage": map[string]any{"prompt_tokens": 1, "total_tokens": 1},
		})
	}))
	defer server.Close()

	e, err := NewOpenAIEmbedder("sk-test", "text-embedding-v3", WithBaseURL(server.URL))
	if err != nil {
		t.Fatal(err)
	}
	vec, err := e.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vec) != 3 || vec[0] != 0.5 || vec[1] != -0.25 || vec[2] != 1 {
		t.Errorf("unexpected vector %v", vec)
	}
}

func TestOpenAIEmbedderRequiresKey(t *testing.T) {
	if _, err := NewOpenAIEmbedder("", ""); err == nil {
		t.Error("expected an error without api key")
	}
}

// testDSN returns the test database DSN from the environment, or skips the
// test if VOICELOOP_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("VOICELOOP_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VOICELOOP_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

func TestStoreSearch(t *testing.T) {
	dsn := testDSN(t)
	ctx := context.Background()

	store, err := NewStore(ctx, dsn, 4, fakeEmbedder{}, Options{TopK: 5, Threshold: 0.5})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	if _, err := store.pool.Exec(ctx, `DELETE FROM memories WHERE avatar_id IN ('alice', 'bob')`); err != nil {
		t.Fatal(err)
	}

	for _, m := range []string{"likes green tea", "hates rain"} {
		if err := store.Add(ctx, "alice", m); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if err := store.Add(ctx, "bob", "likes tea too"); err != nil {
		t.Fatal(err)
	}

	got, err := store.ForAvatar("alice").Retrieve(ctx, "tea please")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 1 || got[0] != "likes green tea" {
		t.Errorf("unexpected memories %v", got)
	}
}

// Package memory retrieves long-term memory snippets that accompany each
// generation request.
package memory

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/lokutor-ai/voiceloop/pkg/orchestrator"
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

var (
	_ orchestrator.MemoryRetriever = Static(nil)
	_ orchestrator.MemoryRetriever = (*Local)(nil)
	_ orchestrator.MemoryRetriever = (*Retriever)(nil)
)

// Static returns the same snippets for every query.
type Static []string

func (s Static) Retrieve(context.Context, string) ([]string, error) {
	return slices.Clone(s), nil
}

// Options bound a search.
type Options struct {
	// TopK is the maximum number of snippets returned.
	TopK int
	// Threshold is the minimum cosine similarity a snippet needs.
	Threshold float64
}

// DefaultOptions returns five snippets with similarity of at least 0.7.
func DefaultOptions() Options {
	return Options{TopK: 5, Threshold: 0.7}
}

type entry struct {
	text   string
	vector []float32
	norm   float64
}

// Local keeps memories in process and ranks them by cosine similarity.
// It is safe for concurrent use.
type Local struct {
	embedder Embedder
	opts     Options

	mu      sync.RWMutex
	entries []entry
}

func NewLocal(embedder Embedder, opts Options) *Local {
	return &Local{embedder: embedder, opts: opts}
}

// Add embeds text and stores it.
func (l *Local) Add(ctx context.Context, text string) error {
	vec, err := l.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("memory: embed: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry{text: text, vector: vec, norm: norm(vec)})
	return nil
}

func (l *Local) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func (l *Local) Retrieve(ctx context.Context, query string) ([]string, error) {
	l.mu.RLock()
	empty := len(l.entries) == 0
	l.mu.RUnlock()
	if empty {
		return nil, nil
	}

	q, err := l.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("memory: embed query: %w", err)
	}
	qn := norm(q)

	type scored struct {
		text string
		sim  float64
	}
	var hits []scored

	l.mu.RLock()
	for _, e := range l.entries {
		sim := cosine(q, qn, e.vector, e.norm)
		if sim >= l.opts.Threshold {
			hits = append(hits, scored{e.text, sim})
		}
	}
	l.mu.RUnlock()

	slices.SortStableFunc(hits, func(a, b scored) int {
		switch {
		case a.sim > b.sim:
			return -1
		case a.sim < b.sim:
			return 1
		}
		return 0
	})
	if l.opts.TopK > 0 && len(hits) > l.opts.TopK {
		hits = hits[:l.opts.TopK]
	}

	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.text
	}
	return out, nil
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func cosine(a []float32, an float64, b []float32, bn float64) float64 {
	if an == 0 || bn == 0 || len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (an * bn)
}

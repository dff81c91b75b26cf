package orchestrator

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

const sampleStream = `{"text":"Hello","endpoint":false}
{"text":", world","endpoint":false}

{"text":"","endpoint":true}
`

func feedAll(t *testing.T, r *ResponseStreamReader, chunks []string) []StreamRecord {
	t.Helper()
	var out []StreamRecord
	for _, c := range chunks {
		recs, err := r.Feed([]byte(c))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		out = append(out, recs...)
	}
	return out
}

func TestReaderChunkingInvariance(t *testing.T) {
	whole := feedAll(t, NewResponseStreamReader(nil), []string{sampleStream})
	if len(whole) != 3 {
		t.Fatalf("expected 3 records, got %d", len(whole))
	}

	for _, size := range []int{1, 2, 3, 7, 16} {
		var chunks []string
		for i := 0; i < len(sampleStream); i += size {
			end := i + size
			if end > len(sampleStream) {
				end = len(sampleStream)
			}
			chunks = append(chunks, sampleStream[i:end])
		}
		got := feedAll(t, NewResponseStreamReader(nil), chunks)
		if len(got) != len(whole) {
			t.Fatalf("chunk size %d: got %d records, want %d", size, len(got), len(whole))
		}
		for i := range got {
			if got[i] != whole[i] {
				t.Errorf("chunk size %d: record %d = %+v, want %+v", size, i, got[i], whole[i])
			}
		}
	}
}

func TestReaderSkipsMalformedLines(t *testing.T) {
	r := NewResponseStreamReader(nil)
	recs := feedAll(t, r, []string{"{\"text\":\"a\"}\nnot json\n{\"text\":\"b\"}\n"})
	if len(recs) != 2 || recs[0].Text != "a" || recs[1].Text != "b" {
		t.Fatalf("unexpected records %+v", recs)
	}
	if r.Malformed() != 1 {
		t.Errorf("expected 1 malformed line, got %d", r.Malformed())
	}
}

func TestReaderErrorRecord(t *testing.T) {
	r := NewResponseStreamReader(nil)
	recs, err := r.Feed([]byte("{\"text\":\"a\"}\n{\"error\":\"quota exceeded\",\"endpoint\":true}\n"))
	if len(recs) != 1 {
		t.Fatalf("expected the preceding record, got %+v", recs)
	}
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expected a connection error, got %v", err)
	}
	if !strings.Contains(err.Error(), "quota exceeded") {
		t.Errorf("expected the backend message, got %v", err)
	}
}

func TestReaderFlushParsesTail(t *testing.T) {
	r := NewResponseStreamReader(nil)
	recs := feedAll(t, r, []string{`{"text":"tail","endpoint":true}`})
	if len(recs) != 0 {
		t.Fatalf("expected no complete record yet, got %+v", recs)
	}
	tail, err := r.Flush()
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 1 || tail[0].Text != "tail" || !tail[0].EndOfTurn {
		t.Errorf("unexpected tail %+v", tail)
	}
}

func TestReaderRunStopsAtEndOfTurn(t *testing.T) {
	body := io.NopCloser(strings.NewReader(sampleStream + `{"text":"after","endpoint":false}` + "\n"))
	var got []string
	err := NewResponseStreamReader(nil).Run(context.Background(), body, func(rec StreamRecord) bool {
		got = append(got, rec.Text)
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(got, "|") != "Hello|, world|" {
		t.Errorf("unexpected records %q", got)
	}
}

func TestReaderRunEOFTail(t *testing.T) {
	body := io.NopCloser(strings.NewReader(`{"text":"only","endpoint":true}`))
	var got []StreamRecord
	err := NewResponseStreamReader(nil).Run(context.Background(), body, func(rec StreamRecord) bool {
		got = append(got, rec)
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Text != "only" {
		t.Errorf("unexpected records %+v", got)
	}
}

type closeTracker struct {
	io.Reader
	mu     sync.Mutex
	closed bool
	pw     *io.PipeWriter
}

func (c *closeTracker) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.pw.CloseWithError(io.ErrClosedPipe)
}

func TestReaderRunCancelClosesBody(t *testing.T) {
	pr, pw := io.Pipe()
	body := &closeTracker{Reader: pr, pw: pw}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- NewResponseStreamReader(nil).Run(ctx, body, func(StreamRecord) bool { return true })
	}()

	pw.Write([]byte(`{"text":"partial"}` + "\n"))
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	body.mu.Lock()
	defer body.mu.Unlock()
	if !body.closed {
		t.Error("expected the body to be closed")
	}
}

func TestApplyFiller(t *testing.T) {
	tests := []struct {
		name  string
		rec   StreamRecord
		first bool
		want  string
	}{
		{"empty first end", StreamRecord{EndOfTurn: true}, true, "Mm."},
		{"not first", StreamRecord{EndOfTurn: true}, false, ""},
		{"not end", StreamRecord{}, true, ""},
		{"has text", StreamRecord{Text: "Hi", EndOfTurn: true}, true, "Hi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := applyFiller(tt.rec, tt.first, "Mm.").Text; got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

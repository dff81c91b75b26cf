package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// StreamRecord is one line of the generation backend's NDJSON response.
type StreamRecord struct {
	Text      string `json:"text"`
	EndOfTurn bool   `json:"endpoint"`
	Error     string `json:"error,omitempty"`
}

// ResponseStreamReader splits a byte stream into StreamRecords. Bytes after
// the last newline are kept until more data arrives, so records come out the
// same no matter how the stream is chunked.
type ResponseStreamReader struct {
	logger    Logger
	buf       []byte
	malformed int
}

func NewResponseStreamReader(logger Logger) *ResponseStreamReader {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &ResponseStreamReader{logger: logger}
}

// Malformed returns how many lines were skipped because they did not parse.
func (r *ResponseStreamReader) Malformed() int {
	return r.malformed
}

// Feed consumes chunk and returns every record completed by it. A record
// carrying an error ends the stream: it is returned as a connection error
// together with the records that preceded it.
func (r *ResponseStreamReader) Feed(chunk []byte) ([]StreamRecord, error) {
	r.buf = append(r.buf, chunk...)
	var out []StreamRecord
	for {
		i := bytes.IndexByte(r.buf, '\n')
		if i < 0 {
			break
		}
		line := r.buf[:i]
		r.buf = r.buf[i+1:]

		rec, ok, err := r.parse(line)
		if err != nil {
			return out, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	if len(r.buf) == 0 {
		r.buf = nil
	}
	return out, nil
}

// Flush parses whatever is left once the stream has ended.
func (r *ResponseStreamReader) Flush() ([]StreamRecord, error) {
	tail := r.buf
	r.buf = nil
	rec, ok, err := r.parse(tail)
	if err != nil || !ok {
		return nil, err
	}
	return []StreamRecord{rec}, nil
}

func (r *ResponseStreamReader) parse(line []byte) (StreamRecord, bool, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return StreamRecord{}, false, nil
	}
	var rec StreamRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		r.malformed++
		r.logger.Warn("skipping malformed stream record", "error", fmt.Errorf("%w: %v", ErrProtocol, err), "line", string(line))
		return StreamRecord{}, false, nil
	}
	if rec.Error != "" {
		return rec, false, NewTurnError(KindConnection, "generation", errors.New(rec.Error))
	}
	return rec, true, nil
}

// Run reads body until the terminal record, EOF or cancellation of ctx,
// handing each record to deliver in order. deliver returning false stops
// the read. The body is closed on return, and as soon as ctx is cancelled.
func (r *ResponseStreamReader) Run(ctx context.Context, body io.ReadCloser, deliver func(StreamRecord) bool) error {
	stop := context.AfterFunc(ctx, func() { _ = body.Close() })
	defer func() {
		stop()
		_ = body.Close()
	}()

	emit := func(recs []StreamRecord) (bool, error) {
		for _, rec := range recs {
			if !deliver(rec) {
				return true, ctx.Err()
			}
			if rec.EndOfTurn {
				return true, nil
			}
		}
		return false, nil
	}

	chunk := make([]byte, 4096)
	for {
		n, readErr := body.Read(chunk)
		if n > 0 {
			recs, err := r.Feed(chunk[:n])
			done, derr := emit(recs)
			if done || derr != nil {
				return derr
			}
			if err != nil {
				return err
			}
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !errors.Is(readErr, io.EOF) {
				return NewTurnError(KindConnection, "generation", readErr)
			}
			recs, err := r.Flush()
			if err != nil {
				return err
			}
			_, derr := emit(recs)
			return derr
		}
	}
}

package stream

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// fakeSource replays a fixed chunk sequence, optionally failing at the end.
type fakeSource struct {
	chunks []string
	err    error

	pos    int
	closed atomic.Bool
}

func (f *fakeSource) Next() bool {
	if f.pos >= len(f.chunks) {
		return false
	}
	f.pos++
	return true
}

func (f *fakeSource) Current() json.RawMessage {
	return json.RawMessage(f.chunks[f.pos-1])
}

func (f *fakeSource) Err() error { return f.err }

func (f *fakeSource) Close() error {
	f.closed.Store(true)
	return nil
}

func TestBridge_OrderAndDoneSentinel(t *testing.T) {
	src := &fakeSource{chunks: []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}}

	out, err := io.ReadAll(Bridge(src, nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := "data: {\"n\":1}\n\ndata: {\"n\":2}\n\ndata: {\"n\":3}\n\ndata: [DONE]\n\n"
	if string(out) != want {
		t.Errorf("output mismatch:\ngot:  %q\nwant: %q", out, want)
	}
	if !src.closed.Load() {
		t.Error("source should be closed after drain")
	}
}

func TestBridge_TransformApplied(t *testing.T) {
	src := &fakeSource{chunks: []string{`{"a":1}`, `{"a":2}`}}
	wrap := func(raw json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"wrapped":` + string(raw) + `}`), nil
	}

	out, err := io.ReadAll(Bridge(src, wrap))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := "data: {\"wrapped\":{\"a\":1}}\n\ndata: {\"wrapped\":{\"a\":2}}\n\ndata: [DONE]\n\n"
	if string(out) != want {
		t.Errorf("output mismatch:\ngot:  %q\nwant: %q", out, want)
	}
}

func TestBridge_SourceErrorSuppressesDone(t *testing.T) {
	srcErr := errors.New("connection reset")
	src := &fakeSource{chunks: []string{`{"n":1}`}, err: srcErr}

	out, err := io.ReadAll(Bridge(src, nil))
	if !errors.Is(err, srcErr) {
		t.Fatalf("expected source error, got %v", err)
	}

	if !strings.Contains(string(out), `{"n":1}`) {
		t.Errorf("chunks before the failure should still be delivered, got %q", out)
	}
	if strings.Contains(string(out), "[DONE]") {
		t.Error("a failed stream must not carry the done sentinel")
	}
	if !src.closed.Load() {
		t.Error("source should be closed after failure")
	}
}

func TestBridge_TransformErrorAborts(t *testing.T) {
	src := &fakeSource{chunks: []string{`{"ok":1}`, `broken`}}
	tErr := errors.New("bad chunk")
	strict := func(raw json.RawMessage) (json.RawMessage, error) {
		if string(raw) == "broken" {
			return nil, tErr
		}
		return raw, nil
	}

	out, err := io.ReadAll(Bridge(src, strict))
	if !errors.Is(err, tErr) {
		t.Fatalf("expected transform error, got %v", err)
	}
	if strings.Contains(string(out), "[DONE]") {
		t.Error("aborted stream must not carry the done sentinel")
	}
}

func TestBridge_CloseStopsProducer(t *testing.T) {
	chunks := make([]string, 1000)
	for i := range chunks {
		chunks[i] = `{"n":0}`
	}
	src := &fakeSource{chunks: chunks}

	r := Bridge(src, nil)

	buf := make([]byte, 16)
	if _, err := r.Read(buf); err != nil {
		t.Fatalf("first read failed: %v", err)
	}
	r.Close()

	deadline := time.After(2 * time.Second)
	for !src.closed.Load() {
		select {
		case <-deadline:
			t.Fatal("producer did not stop after reader close")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	if src.pos == len(chunks) {
		t.Error("producer drained the whole source despite reader close")
	}
}

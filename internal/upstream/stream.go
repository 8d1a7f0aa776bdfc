package upstream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
)

// doneSentinel marks the normal end of an upstream SSE sequence.
const doneSentinel = "[DONE]"

// maxEventSize bounds a single SSE line. Chunks carrying full tool-call
// arguments can get large.
const maxEventSize = 1 << 20

var dataPrefix = []byte("data:")

// Stream iterates the data records of an upstream SSE response.
//
// Usage mirrors the SDK streaming iterators:
//
//	for s.Next() {
//		raw := s.Current()
//		...
//	}
//	if err := s.Err(); err != nil { ... }
type Stream struct {
	resp    *http.Response
	scanner *bufio.Scanner
	cur     json.RawMessage
	err     error
	done    bool
}

func newStream(resp *http.Response) *Stream {
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 4096), maxEventSize)
	return &Stream{resp: resp, scanner: sc}
}

// Next advances to the next data record. It returns false once the terminal
// sentinel arrives, the response body ends, or an error occurs; check Err
// afterwards to distinguish normal completion from failure.
func (s *Stream) Next() bool {
	if s.done || s.err != nil {
		return false
	}

	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if !bytes.HasPrefix(line, dataPrefix) {
			// Blank keep-alives, comments, and event/id fields are skipped;
			// only data records carry chunks in this dialect.
			continue
		}
		payload := bytes.TrimSpace(line[len(dataPrefix):])
		if string(payload) == doneSentinel {
			s.done = true
			return false
		}
		s.cur = append(s.cur[:0], payload...)
		return true
	}

	s.done = true
	s.err = s.scanner.Err()
	if s.err == nil {
		// The body ended without the terminal sentinel. A clean EOF here is
		// still a truncated stream and must not look like normal completion.
		s.err = io.ErrUnexpectedEOF
	}
	return false
}

// Current returns the payload of the last record read by Next. The returned
// slice is reused on the following Next call.
func (s *Stream) Current() json.RawMessage { return s.cur }

// Err returns the first error encountered while iterating, or nil after a
// normal end of stream.
func (s *Stream) Err() error { return s.err }

// Close releases the underlying response body. Safe to call at any point;
// closing mid-iteration aborts the upstream transfer.
func (s *Stream) Close() error {
	return s.resp.Body.Close()
}

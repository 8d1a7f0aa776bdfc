// Package stream converts an upstream chunk sequence into an outbound SSE
// byte stream.
//
// The bridge deliberately decouples consumption of the upstream sequence from
// production of outbound bytes: a detached goroutine drains the source and
// writes framed records into one end of a pipe while the transport reads from
// the other. Driving both sides from the same callback couples the consumption
// loop's lifetime to the transport's internal buffering, which is exactly the
// failure mode this design exists to avoid. The pipe is unbuffered, so each
// write blocks until the reader takes it — backpressure falls out for free,
// and a reader that goes away fails the next write, which stops consumption
// and releases the upstream source.
package stream

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/nulpointcorp/llm-relay/internal/normalize"
)

// doneRecord is the terminal sentinel marking normal end of stream.
const doneRecord = "data: [DONE]\n\n"

// ChunkSource is the upstream side of the bridge: an iterator over raw chunk
// payloads. *upstream.Stream satisfies it.
type ChunkSource interface {
	Next() bool
	Current() json.RawMessage
	Err() error
	Close() error
}

// Bridge returns a reader producing SSE data records for every chunk in src,
// in source order, terminated by the [DONE] sentinel. transform is applied to
// each chunk before framing; nil means pass-through.
//
// If the source fails mid-stream, or transform rejects a chunk, the read end
// is closed with that error instead of the sentinel — the consumer observes
// stream failure, never silent truncation. Closing the returned reader stops
// the producer and closes src.
func Bridge(src ChunkSource, transform normalize.Transform) io.ReadCloser {
	pr, pw := io.Pipe()

	go func() {
		defer src.Close()

		for src.Next() {
			raw := src.Current()
			if transform != nil {
				out, err := transform(raw)
				if err != nil {
					pw.CloseWithError(err)
					return
				}
				raw = out
			}
			if _, err := fmt.Fprintf(pw, "data: %s\n\n", raw); err != nil {
				// Reader is gone (client disconnect). Stop consuming.
				return
			}
		}

		if err := src.Err(); err != nil {
			pw.CloseWithError(err)
			return
		}

		_, _ = io.WriteString(pw, doneRecord)
		pw.Close()
	}()

	return pr
}

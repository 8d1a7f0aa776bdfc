package relay

import (
	"strings"

	"github.com/nulpointcorp/llm-relay/internal/normalize"
)

// Route binds a path prefix to an upstream target. Descriptors are built once
// at startup, never mutated, and shared read-only between requests.
type Route struct {
	// Prefix is matched literally against the start of the inbound path.
	Prefix string

	// Target is the absolute upstream base URL.
	Target string

	// Headers are injected on every forwarded request for this route,
	// overriding any client-supplied header of the same name.
	Headers map[string]string

	// TransformCompletion rewrites buffered responses. Nil means the upstream
	// body is returned unchanged.
	TransformCompletion normalize.Transform

	// TransformChunk rewrites each streamed chunk. Nil means pass-through.
	TransformChunk normalize.Transform
}

// Table is an ordered, immutable route list.
type Table struct {
	routes []Route
}

// NewTable copies routes into an immutable Table. Order is significant:
// resolution returns the first match, so overlapping prefixes shadow later
// entries — a configuration hazard, not a runtime error.
func NewTable(routes []Route) *Table {
	t := &Table{routes: make([]Route, len(routes))}
	copy(t.routes, routes)
	return t
}

// Len returns the number of routes.
func (t *Table) Len() int { return len(t.routes) }

// Resolve returns the first route whose prefix is a literal prefix of path.
// Matching is byte-wise: no case folding, no trailing-slash handling.
func (t *Table) Resolve(path string) (*Route, bool) {
	for i := range t.routes {
		if strings.HasPrefix(path, t.routes[i].Prefix) {
			return &t.routes[i], true
		}
	}
	return nil, false
}

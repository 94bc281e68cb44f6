package filter

import (
	"strings"
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

// Accumulator incrementally builds a single filter from a stream of values
// (event ids, pubkeys or tag values) discovered elsewhere. Every Add that
// contributes something new emits the current filter to observers; Flush starts
// a new window. A value is accepted at most once for the accumulator's whole
// life, so the windows between flushes never overlap.
type Accumulator struct {
	base nostr.Filter
	key  string

	mu        sync.Mutex
	window    []string
	seen      map[string]struct{}
	listeners map[int]func(nostr.Filter)
	nextID    int
}

// NewAccumulator creates an accumulator that places accumulated values into
// the given key of base: "ids", "authors" or a tag key such as "#e" or "#p".
func NewAccumulator(base nostr.Filter, key string) *Accumulator {
	return &Accumulator{
		base:      Clone(base),
		key:       key,
		seen:      make(map[string]struct{}),
		listeners: make(map[int]func(nostr.Filter)),
	}
}

// Add feeds values into the current window and notifies observers when at
// least one of them had not been seen before.
func (a *Accumulator) Add(values ...string) {
	a.mu.Lock()
	added := false
	for _, v := range values {
		if _, ok := a.seen[v]; ok {
			continue
		}
		a.seen[v] = struct{}{}
		a.window = append(a.window, v)
		added = true
	}
	if !added {
		a.mu.Unlock()
		return
	}
	f := a.filterLocked()
	fns := make([]func(nostr.Filter), 0, len(a.listeners))
	for _, fn := range a.listeners {
		fns = append(fns, fn)
	}
	a.mu.Unlock()

	for _, fn := range fns {
		fn(Clone(f))
	}
}

// Filter returns the filter describing the current window.
func (a *Accumulator) Filter() nostr.Filter {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.filterLocked()
}

// Observe registers fn for future emissions. The current filter is not replayed.
func (a *Accumulator) Observe(fn func(nostr.Filter)) (cancel func()) {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = fn
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.listeners, id)
		a.mu.Unlock()
	}
}

// Flush empties the current window.
func (a *Accumulator) Flush() {
	a.mu.Lock()
	a.window = nil
	a.mu.Unlock()
}

func (a *Accumulator) filterLocked() nostr.Filter {
	f := Clone(a.base)
	values := append(make([]string, 0, len(a.window)), a.window...)
	switch {
	case a.key == "ids":
		f.IDs = values
	case a.key == "authors":
		f.Authors = values
	case strings.HasPrefix(a.key, "#"):
		if f.Tags == nil {
			f.Tags = make(nostr.TagMap)
		}
		f.Tags[strings.TrimPrefix(a.key, "#")] = values
	}
	return f
}

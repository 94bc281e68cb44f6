package req

import (
	"github.com/nbd-wtf/go-nostr"

	"github.com/girino/rxnostr/filter"
)

// OneshotReq emits exactly one query and is done immediately.
type OneshotReq struct {
	*base
}

// NewOneshot creates a single-shot request. Filters are normalized once.
func NewOneshot(filters ...nostr.Filter) *OneshotReq {
	id := newID()
	b := newBase(Oneshot, Query{SubID: makeSubID(id, 0), Filters: filter.Normalize(filters)}, id)
	close(b.done)
	return &OneshotReq{base: b}
}

// ForwardReq keeps one subscription id for its whole life and replaces the
// relay-side filters in place whenever SetFilters is called.
type ForwardReq struct {
	*base
}

var _ Req = (*ForwardReq)(nil)

// NewForward creates a forward request with normalized initial filters.
func NewForward(initial ...nostr.Filter) *ForwardReq {
	id := newID()
	return &ForwardReq{base: newBase(Forward, Query{SubID: makeSubID(id, 0), Filters: filter.Normalize(initial)}, id)}
}

// SetFilters replaces the live filters. Every filter gets limit 0: a forward
// subscription only asks for events from now on, never for stored history.
// It reports false when the request is already over.
func (r *ForwardReq) SetFilters(filters ...nostr.Filter) bool {
	live := make([]nostr.Filter, len(filters))
	for i, f := range filters {
		f = filter.Clone(f)
		f.Limit = 0
		f.LimitZero = true
		live[i] = f
	}
	return r.emit(func(cur Query) Query {
		return Query{SubID: cur.SubID, Filters: live}
	})
}

// Over stops the request: no further queries are emitted and any bound
// accumulator is released.
func (r *ForwardReq) Over() { r.over() }

// ForwardFrom seeds a forward request from acc's current filter and replaces
// its filters on every accumulator emission. preprocess may be nil.
func ForwardFrom(acc FilterAccumulator, preprocess func(nostr.Filter) nostr.Filter) *ForwardReq {
	r := NewForward(acc.Filter())
	r.setDetach(acc.Observe(func(f nostr.Filter) {
		if preprocess != nil {
			f = preprocess(f)
		}
		r.SetFilters(f)
	}))
	return r
}

// BackwardReq treats every SetFilters call as a new page with its own
// subscription id.
type BackwardReq struct {
	*base
	page int
}

var _ Req = (*BackwardReq)(nil)

// NewBackward creates a backward request with normalized initial filters.
func NewBackward(initial ...nostr.Filter) *BackwardReq {
	id := newID()
	return &BackwardReq{base: newBase(Backward, Query{SubID: makeSubID(id, 0), Filters: filter.Normalize(initial)}, id)}
}

// SetFilters emits the next page under a freshly minted subscription id.
// It reports false when the request is already over.
func (r *BackwardReq) SetFilters(filters ...nostr.Filter) bool {
	page := cloneFilters(filters)
	return r.emit(func(Query) Query {
		r.page++
		return Query{SubID: makeSubID(r.id, r.page), Filters: page}
	})
}

// Over marks the last page. Streams using the request complete once the
// pages already issued are done.
func (r *BackwardReq) Over() { r.over() }

// BackwardFrom binds a backward request to acc. The accumulator is flushed
// right after each pull so consecutive pages describe disjoint windows.
func BackwardFrom(acc FilterAccumulator, preprocess func(nostr.Filter) nostr.Filter) *BackwardReq {
	r := NewBackward(acc.Filter())
	r.setDetach(acc.Observe(func(f nostr.Filter) {
		if preprocess != nil {
			f = preprocess(f)
		}
		acc.Flush()
		r.SetFilters(f)
	}))
	return r
}

// Package filter holds the pure helpers the request model relies on: a
// normalizer that deduplicates filter sets and an incremental accumulator that
// builds one filter from values discovered over time.
package filter

import (
	"slices"

	"github.com/nbd-wtf/go-nostr"
)

// Normalize returns a cleaned copy of filters. Values inside each filter are
// sorted and deduplicated, filters that can never match anything are dropped,
// and filters equal to an earlier one are dropped. The input is not modified.
func Normalize(filters []nostr.Filter) []nostr.Filter {
	out := make([]nostr.Filter, 0, len(filters))
	for _, f := range filters {
		f = clean(f)
		if !Satisfiable(f) {
			continue
		}
		if slices.ContainsFunc(out, func(o nostr.Filter) bool { return o.Limit == f.Limit && nostr.FilterEqual(o, f) }) {
			continue
		}
		out = append(out, f)
	}
	return out
}

// Satisfiable reports whether a relay could ever return an event for f.
// An explicitly empty ids/authors/kinds/tag list matches nothing, and so does
// a time window that ends before it starts.
func Satisfiable(f nostr.Filter) bool {
	if f.IDs != nil && len(f.IDs) == 0 {
		return false
	}
	if f.Authors != nil && len(f.Authors) == 0 {
		return false
	}
	if f.Kinds != nil && len(f.Kinds) == 0 {
		return false
	}
	for _, values := range f.Tags {
		if len(values) == 0 {
			return false
		}
	}
	if f.Since != nil && f.Until != nil && *f.Since > *f.Until {
		return false
	}
	return f.Limit >= 0
}

// Clone returns a deep copy of f.
func Clone(f nostr.Filter) nostr.Filter {
	c := f
	c.IDs = cloneNonNil(f.IDs)
	c.Authors = cloneNonNil(f.Authors)
	c.Kinds = cloneNonNil(f.Kinds)
	if f.Tags != nil {
		c.Tags = make(nostr.TagMap, len(f.Tags))
		for k, v := range f.Tags {
			c.Tags[k] = cloneNonNil(v)
		}
	}
	if f.Since != nil {
		since := *f.Since
		c.Since = &since
	}
	if f.Until != nil {
		until := *f.Until
		c.Until = &until
	}
	return c
}

func clean(f nostr.Filter) nostr.Filter {
	c := Clone(f)
	c.IDs = sortedUnique(c.IDs)
	c.Authors = sortedUnique(c.Authors)
	c.Kinds = sortedUnique(c.Kinds)
	for k, v := range c.Tags {
		c.Tags[k] = sortedUnique(v)
	}
	return c
}

func cloneNonNil[T any](s []T) []T {
	if s == nil {
		return nil
	}
	return append(make([]T, 0, len(s)), s...)
}

func sortedUnique[T int | string](s []T) []T {
	if s == nil {
		return nil
	}
	slices.Sort(s)
	return slices.Compact(s)
}

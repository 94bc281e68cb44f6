package filter

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(v int64) *nostr.Timestamp {
	t := nostr.Timestamp(v)
	return &t
}

func TestNormalizeDedupesAndSorts(t *testing.T) {
	in := []nostr.Filter{
		{Kinds: []int{7, 1, 1}, Authors: []string{"b", "a", "b"}},
		{Kinds: []int{1, 7}, Authors: []string{"a", "b"}},
		{Tags: nostr.TagMap{"e": {"y", "x", "x"}}},
	}
	out := Normalize(in)

	require.Len(t, out, 2)
	assert.Equal(t, []int{1, 7}, out[0].Kinds)
	assert.Equal(t, []string{"a", "b"}, out[0].Authors)
	assert.Equal(t, []string{"x", "y"}, out[1].Tags["e"])

	// input untouched
	assert.Equal(t, []int{7, 1, 1}, in[0].Kinds)
}

func TestNormalizeDropsUnsatisfiable(t *testing.T) {
	out := Normalize([]nostr.Filter{
		{IDs: []string{}},
		{Authors: []string{}},
		{Kinds: []int{}},
		{Tags: nostr.TagMap{"p": {}}},
		{Since: ts(20), Until: ts(10)},
		{Kinds: []int{1}, Since: ts(10), Until: ts(20)},
	})

	require.Len(t, out, 1)
	assert.Equal(t, []int{1}, out[0].Kinds)
}

func TestNormalizeEmpty(t *testing.T) {
	assert.Empty(t, Normalize(nil))
}

func TestAccumulatorWindowsAreDisjoint(t *testing.T) {
	acc := NewAccumulator(nostr.Filter{Kinds: []int{0}}, "authors")

	var got []nostr.Filter
	cancel := acc.Observe(func(f nostr.Filter) {
		got = append(got, f)
		acc.Flush()
	})
	defer cancel()

	acc.Add("alice", "bob")
	acc.Add("bob")
	acc.Add("carol", "alice")

	require.Len(t, got, 2)
	assert.Equal(t, []string{"alice", "bob"}, got[0].Authors)
	assert.Equal(t, []string{"carol"}, got[1].Authors)
	assert.Equal(t, []int{0}, got[1].Kinds)
}

func TestAccumulatorTagKeyAndCancel(t *testing.T) {
	acc := NewAccumulator(nostr.Filter{Kinds: []int{1}}, "#e")
	calls := 0
	cancel := acc.Observe(func(nostr.Filter) { calls++ })

	acc.Add("id1")
	cancel()
	acc.Add("id2")

	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"id1", "id2"}, acc.Filter().Tags["e"])

	acc.Flush()
	f := acc.Filter()
	assert.False(t, Satisfiable(f))
}

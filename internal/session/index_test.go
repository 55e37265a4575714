package session

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecipientIndexAddRemoveGet(t *testing.T) {
	idx := NewRecipientIndex()

	assert.Empty(t, idx.Get("alice"))
	assert.Equal(t, 0, idx.Count())

	idx.Add("alice", "conn-1")
	idx.Add("alice", "conn-2")
	idx.Add("bob", "conn-3")

	got := idx.Get("alice")
	sort.Strings(got)
	assert.Equal(t, []string{"conn-1", "conn-2"}, got)
	assert.Equal(t, 2, idx.Count())

	idx.Remove("alice", "conn-1")
	assert.Equal(t, []string{"conn-2"}, idx.Get("alice"))

	idx.Remove("alice", "conn-2")
	assert.Empty(t, idx.Get("alice"))
	assert.Equal(t, 1, idx.Count(), "bob's membership must survive alice's removal")
}

func TestRecipientIndexRemoveUnknownIsNoop(t *testing.T) {
	idx := NewRecipientIndex()
	idx.Remove("nobody", "conn-x") // must not panic
	assert.Empty(t, idx.Get("nobody"))
}

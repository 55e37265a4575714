package session

import (
	"sync"
	"sync/atomic"
)

// RecipientIndex maps recipientId to the set of connection ids open
// for it on this node, using copy-on-write atomic snapshots so the
// hot-path Get() is a lock-free load — the same optimization the
// teacher's subscription index applies to channel membership, here
// repurposed to per-recipient connection membership.
type RecipientIndex struct {
	mu    sync.Mutex // guards writes to snapshot
	value atomic.Value // map[string][]string, recipientId -> connectionIds
}

func NewRecipientIndex() *RecipientIndex {
	idx := &RecipientIndex{}
	idx.value.Store(make(map[string][]string))
	return idx
}

// Add registers connectionID under recipientID.
func (idx *RecipientIndex) Add(recipientID, connectionID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	cur := idx.value.Load().(map[string][]string)
	next := make(map[string][]string, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	existing := next[recipientID]
	updated := make([]string, 0, len(existing)+1)
	updated = append(updated, existing...)
	updated = append(updated, connectionID)
	next[recipientID] = updated
	idx.value.Store(next)
}

// Remove drops connectionID from recipientID's set.
func (idx *RecipientIndex) Remove(recipientID, connectionID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	cur := idx.value.Load().(map[string][]string)
	existing, ok := cur[recipientID]
	if !ok {
		return
	}
	next := make(map[string][]string, len(cur))
	for k, v := range cur {
		next[k] = v
	}
	updated := make([]string, 0, len(existing))
	for _, id := range existing {
		if id != connectionID {
			updated = append(updated, id)
		}
	}
	if len(updated) == 0 {
		delete(next, recipientID)
	} else {
		next[recipientID] = updated
	}
	idx.value.Store(next)
}

// Get is the lock-free hot-path read: current connection ids for recipientID.
func (idx *RecipientIndex) Get(recipientID string) []string {
	cur := idx.value.Load().(map[string][]string)
	return cur[recipientID]
}

// Count returns the number of distinct recipients with at least one
// open connection on this node.
func (idx *RecipientIndex) Count() int {
	cur := idx.value.Load().(map[string][]string)
	return len(cur)
}

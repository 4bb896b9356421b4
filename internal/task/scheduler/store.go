package scheduler

import (
	"time"

	"github.com/google/btree"
)

type storeItem struct {
	at  time.Time
	seq uint64
	t   *Timer
}

func lessItem(a, b storeItem) bool {
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	return a.seq < b.seq
}

// store orders pending occurrences by expiration. Equal expirations keep
// insertion order. Not safe for concurrent use; Service.mu guards it.
type store struct {
	tree *btree.BTreeG[storeItem]
	seq  uint64
}

func newStore() *store {
	return &store{tree: btree.NewG[storeItem](32, lessItem)}
}

func (s *store) insert(t *Timer) {
	s.seq++
	s.tree.ReplaceOrInsert(storeItem{at: t.expiration, seq: s.seq, t: t})
}

// popDue removes and returns every timer with expiration <= now, earliest
// first.
func (s *store) popDue(now time.Time) []*Timer {
	var due []*Timer
	for {
		it, ok := s.tree.Min()
		if !ok || it.at.After(now) {
			return due
		}
		s.tree.DeleteMin()
		due = append(due, it.t)
	}
}

func (s *store) peekMin() (time.Time, bool) {
	it, ok := s.tree.Min()
	if !ok {
		return time.Time{}, false
	}
	return it.at, true
}

func (s *store) len() int { return s.tree.Len() }

func (s *store) snapshot() []*Timer {
	out := make([]*Timer, 0, s.tree.Len())
	s.tree.Ascend(func(it storeItem) bool {
		out = append(out, it.t)
		return true
	})
	return out
}

func (s *store) drain() []*Timer {
	out := s.snapshot()
	s.tree.Clear(false)
	return out
}

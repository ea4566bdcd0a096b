package lock

import (
	"context"
	"fmt"
	"sort"
)

// Set is an ordered collection of locks acquired and released together.
//
// Locks are sorted by Rank, then by name, so every task that needs an
// overlapping subset requests it in the same global order.
type Set struct {
	locks []*Lock
}

// NewSet builds a Set from locks, dropping nils and duplicates.
func NewSet(locks ...*Lock) *Set {
	seen := make(map[*Lock]struct{}, len(locks))
	ordered := make([]*Lock, 0, len(locks))
	for _, l := range locks {
		if l == nil {
			continue
		}
		if _, dup := seen[l]; dup {
			continue
		}
		seen[l] = struct{}{}
		ordered = append(ordered, l)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].rank != ordered[j].rank {
			return ordered[i].rank < ordered[j].rank
		}
		return ordered[i].name < ordered[j].name
	})
	return &Set{locks: ordered}
}

// Locks returns the locks in acquisition order.
func (s *Set) Locks() []*Lock {
	out := make([]*Lock, len(s.locks))
	copy(out, s.locks)
	return out
}

// Len returns the number of locks in the set.
func (s *Set) Len() int {
	return len(s.locks)
}

// TryAcquireAll takes every lock without blocking. On the first failure the
// locks already taken are released and the error is returned, so the caller
// never holds a partial subset.
func (s *Set) TryAcquireAll(owner Owner) error {
	for i, l := range s.locks {
		if err := l.TryAcquire(owner); err != nil {
			s.releaseFirst(i, owner)
			return fmt.Errorf("acquiring %s lock %s: %w", l.rank, l.name, err)
		}
	}
	return nil
}

// AcquireAll takes every lock in order, blocking as needed. If ctx ends or a
// resource has been deleted, the locks already taken are released.
func (s *Set) AcquireAll(ctx context.Context, owner Owner) error {
	for i, l := range s.locks {
		if err := l.Acquire(ctx, owner); err != nil {
			s.releaseFirst(i, owner)
			return err
		}
	}
	return nil
}

// ReleaseAll releases every lock in reverse acquisition order.
func (s *Set) ReleaseAll(owner Owner) {
	s.releaseFirst(len(s.locks), owner)
}

// releaseFirst releases locks[0:n] in reverse order.
func (s *Set) releaseFirst(n int, owner Owner) {
	for i := n - 1; i >= 0; i-- {
		s.locks[i].Release(owner)
	}
}

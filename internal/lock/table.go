package lock

import (
	"fmt"
	"sort"
	"sync"
)

// Info is a point-in-time view of one lock, for diagnostics.
type Info struct {
	Name  string `json:"name"`
	Rank  string `json:"rank"`
	Owner Owner  `json:"owner,omitempty"`
	Count int    `json:"count"`
}

type tableKey struct {
	rank Rank
	id   string
}

// Table hands out exactly one Lock per resource.
//
// Locks are created on first use and live until Remove, which retires them so
// that stale references fail with ErrDeleted instead of guarding nothing.
type Table struct {
	mu     sync.Mutex
	locks  map[tableKey]*Lock
	logger Logger
}

// NewTable creates an empty lock table.
func NewTable() *Table {
	return &Table{
		locks:  make(map[tableKey]*Lock),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger passed to every lock created afterwards.
func (t *Table) SetLogger(logger Logger) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.logger = logger
	for _, l := range t.locks {
		l.SetLogger(logger)
	}
}

// Get returns the lock for (rank, id), creating it if needed.
func (t *Table) Get(rank Rank, id string) *Lock {
	key := tableKey{rank: rank, id: id}

	t.mu.Lock()
	defer t.mu.Unlock()

	if l, ok := t.locks[key]; ok {
		return l
	}
	l := New(fmt.Sprintf("%s:%s", rank, id), rank)
	l.SetLogger(t.logger)
	t.locks[key] = l
	return l
}

// Lookup returns the lock for (rank, id) without creating it.
func (t *Table) Lookup(rank Rank, id string) (*Lock, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[tableKey{rank: rank, id: id}]
	return l, ok
}

// Remove retires and forgets the lock for (rank, id). It is a no-op if the
// lock was never created.
func (t *Table) Remove(rank Rank, id string) {
	key := tableKey{rank: rank, id: id}

	t.mu.Lock()
	l, ok := t.locks[key]
	delete(t.locks, key)
	t.mu.Unlock()

	if ok {
		l.Retire()
	}
}

// Len returns the number of live locks.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}

// Snapshot returns the state of every live lock, sorted by rank then name.
func (t *Table) Snapshot() []Info {
	t.mu.Lock()
	locks := make([]*Lock, 0, len(t.locks))
	for _, l := range t.locks {
		locks = append(locks, l)
	}
	t.mu.Unlock()

	infos := make([]Info, 0, len(locks))
	for _, l := range locks {
		owner, count := l.Holder()
		infos = append(infos, Info{
			Name:  l.name,
			Rank:  l.rank.String(),
			Owner: owner,
			Count: count,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Rank != infos[j].Rank {
			return rankOrder(infos[i].Rank) < rankOrder(infos[j].Rank)
		}
		return infos[i].Name < infos[j].Name
	})
	return infos
}

func rankOrder(name string) int {
	for r := RankUngrouped; r <= RankDevice; r++ {
		if r.String() == name {
			return int(r)
		}
	}
	return int(RankDevice) + 1
}

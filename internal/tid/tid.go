// Package tid implements a thread-ID lookup table: a fixed bucket
// array of hash chains with a lock-free Get and lock-protected
// Set/Del, specialized from interface{} keys to the kernel's own
// uint64 thread identifiers.
//
// Ported from Oichkatzelesfrettschen-biscuit's hashtable.Hashtable_t,
// dropping the general-purpose khash/equal type switch (this table's
// key is always a TID, never a string or Ustr) in favor of a generic
// value type so internal/proc can store *Thread directly instead of
// boxing it through interface{}.
package tid

import (
	"sync"
	"sync/atomic"
)

type elem[V any] struct {
	key   uint64
	value V
	next  atomic.Pointer[elem[V]]
}

type bucket[V any] struct {
	mu    sync.Mutex // guards Set/Del only; Get walks the chain lock-free
	first atomic.Pointer[elem[V]]
}

// Table is a fixed-size hash table from TID to V, safe for concurrent
// use: Get never blocks behind a writer, mirroring the lock-free-get
// discipline the ported table was built for.
type Table[V any] struct {
	buckets []*bucket[V]
}

// New allocates a table with the given number of buckets.
func New[V any](size int) *Table[V] {
	if size < 1 {
		size = 1
	}
	t := &Table[V]{buckets: make([]*bucket[V], size)}
	for i := range t.buckets {
		t.buckets[i] = &bucket[V]{}
	}
	return t
}

func (t *Table[V]) hash(tid uint64) int {
	// Fibonacci hashing: spreads sequential TIDs (the common case —
	// thread IDs are allocated from a monotonic counter) across
	// buckets instead of clustering them in the low-order bits.
	h := tid * 11400714819323198485 // 2^64 / golden ratio
	return int(h % uint64(len(t.buckets)))
}

// Get looks up tid without taking any bucket lock.
func (t *Table[V]) Get(tid uint64) (V, bool) {
	b := t.buckets[t.hash(tid)]
	for e := b.first.Load(); e != nil; e = e.next.Load() {
		if e.key == tid {
			return e.value, true
		}
	}
	var zero V
	return zero, false
}

// Set inserts tid->value, reporting false without modifying the table
// if tid is already present.
func (t *Table[V]) Set(tid uint64, value V) bool {
	b := t.buckets[t.hash(tid)]
	b.mu.Lock()
	defer b.mu.Unlock()

	for e := b.first.Load(); e != nil; e = e.next.Load() {
		if e.key == tid {
			return false
		}
	}
	n := &elem[V]{key: tid, value: value}
	n.next.Store(b.first.Load())
	b.first.Store(n)
	return true
}

// Del removes tid, reporting whether it was present.
func (t *Table[V]) Del(tid uint64) bool {
	b := t.buckets[t.hash(tid)]
	b.mu.Lock()
	defer b.mu.Unlock()

	var prev *elem[V]
	for e := b.first.Load(); e != nil; e = e.next.Load() {
		if e.key == tid {
			if prev == nil {
				b.first.Store(e.next.Load())
			} else {
				prev.next.Store(e.next.Load())
			}
			return true
		}
		prev = e
	}
	return false
}

// Len returns the total number of entries across all buckets.
func (t *Table[V]) Len() int {
	n := 0
	for _, b := range t.buckets {
		b.mu.Lock()
		for e := b.first.Load(); e != nil; e = e.next.Load() {
			n++
		}
		b.mu.Unlock()
	}
	return n
}

// Iter applies f to every stored entry; iteration stops early if f
// returns true. Entries inserted or removed concurrently with an Iter
// call may or may not be observed, matching the teacher's table.
func (t *Table[V]) Iter(f func(tid uint64, value V) bool) bool {
	for _, b := range t.buckets {
		for e := b.first.Load(); e != nil; e = e.next.Load() {
			if f(e.key, e.value) {
				return true
			}
		}
	}
	return false
}

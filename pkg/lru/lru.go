// Package lru implements a size-bounded least recently used map whose
// entries expire. It is not safe for concurrent use, see concurrent_lru.
package lru

import "fmt"

type entry[K comparable, V any] struct {
	prev, next *entry[K, V]

	key    K
	v      V
	expire int64 // unix nano
}

// LRU evicts the least recently used entry once maxSize is reached.
// Expired entries are dropped lazily by Get, or in bulk by Clean.
type LRU[K comparable, V any] struct {
	maxSize int

	// front is the least recently used entry.
	front, back *entry[K, V]
	length      int
	m           map[K]*entry[K, V]
}

func NewLRU[K comparable, V any](maxSize int) *LRU[K, V] {
	if maxSize <= 0 {
		panic(fmt.Sprintf("LRU: invalid max size: %d", maxSize))
	}
	return &LRU[K, V]{
		maxSize: maxSize,
		m:       make(map[K]*entry[K, V], maxSize),
	}
}

// Add stores v under key until expire (unix nano).
func (q *LRU[K, V]) Add(key K, v V, expire int64) {
	if e, ok := q.m[key]; ok {
		e.v, e.expire = v, expire
		q.moveToBack(e)
		return
	}

	// Full: the oldest entry is recycled.
	if q.length >= q.maxSize {
		e := q.front
		delete(q.m, e.key)
		e.key, e.v, e.expire = key, v, expire
		q.m[key] = e
		q.moveToBack(e)
		return
	}

	e := &entry[K, V]{key: key, v: v, expire: expire}
	q.m[key] = e
	q.pushBack(e)
}

// Get returns the value of key if it has not expired at now.
func (q *LRU[K, V]) Get(key K, now int64) (v V, ok bool) {
	e, ok := q.m[key]
	if !ok {
		return v, false
	}
	if now >= e.expire {
		q.unlink(e)
		return v, false
	}
	q.moveToBack(e)
	return e.v, true
}

func (q *LRU[K, V]) Del(key K) {
	if e := q.m[key]; e != nil {
		q.unlink(e)
	}
}

// Clean removes every entry expired at now.
func (q *LRU[K, V]) Clean(now int64) (removed int) {
	for e := q.front; e != nil; {
		next := e.next
		if now >= e.expire {
			q.unlink(e)
			removed++
		}
		e = next
	}
	return removed
}

func (q *LRU[K, V]) Len() int {
	return q.length
}

func (q *LRU[K, V]) pushBack(e *entry[K, V]) {
	q.length++
	e.prev, e.next = q.back, nil
	if q.back == nil {
		q.front = e
	} else {
		q.back.next = e
	}
	q.back = e
}

func (q *LRU[K, V]) detach(e *entry[K, V]) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		q.front = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		q.back = e.prev
	}
	e.prev, e.next = nil, nil
	q.length--
}

func (q *LRU[K, V]) moveToBack(e *entry[K, V]) {
	if q.back == e {
		return
	}
	q.detach(e)
	q.pushBack(e)
}

func (q *LRU[K, V]) unlink(e *entry[K, V]) {
	q.detach(e)
	delete(q.m, e.key)
}

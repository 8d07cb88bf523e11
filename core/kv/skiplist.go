// Package kv holds the key-value backends behind the request body commands:
// an in-process skip list with protobuf snapshots, and Redis.
package kv

import (
	"cmp"
	"math/rand/v2"
	"sync"
)

// DefaultMaxLevel bounds tower height when none is configured
const DefaultMaxLevel = 12

type slNode[K cmp.Ordered, V any] struct {
	key   K
	value V
	next  []*slNode[K, V]
}

// SkipList is an ordered map guarded by its own lock
type SkipList[K cmp.Ordered, V any] struct {
	mu       sync.RWMutex
	head     *slNode[K, V]
	level    int
	maxLevel int
	size     int
}

// NewSkipList creates an empty list whose towers are at most maxLevel high
func NewSkipList[K cmp.Ordered, V any](maxLevel int) *SkipList[K, V] {
	if maxLevel <= 0 {
		maxLevel = DefaultMaxLevel
	}
	return &SkipList[K, V]{
		head:     &slNode[K, V]{next: make([]*slNode[K, V], maxLevel)},
		level:    1,
		maxLevel: maxLevel,
	}
}

func (s *SkipList[K, V]) randomLevel() int {
	lvl := 1
	for lvl < s.maxLevel && rand.IntN(2) == 0 {
		lvl++
	}
	return lvl
}

// findPath fills update with the last node before key on every level and
// returns the first node at or after key on level 0
func (s *SkipList[K, V]) findPath(key K, update []*slNode[K, V]) *slNode[K, V] {
	x := s.head
	for i := s.level - 1; i >= 0; i-- {
		for x.next[i] != nil && x.next[i].key < key {
			x = x.next[i]
		}
		if update != nil {
			update[i] = x
		}
	}
	return x.next[0]
}

// Set stores value under key, replacing an existing value. It reports
// whether the key was new.
func (s *SkipList[K, V]) Set(key K, value V) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	update := make([]*slNode[K, V], s.maxLevel)
	x := s.findPath(key, update)
	if x != nil && x.key == key {
		x.value = value
		return false
	}

	lvl := s.randomLevel()
	if lvl > s.level {
		for i := s.level; i < lvl; i++ {
			update[i] = s.head
		}
		s.level = lvl
	}

	n := &slNode[K, V]{key: key, value: value, next: make([]*slNode[K, V], lvl)}
	for i := 0; i < lvl; i++ {
		n.next[i] = update[i].next[i]
		update[i].next[i] = n
	}
	s.size++
	return true
}

// Get returns the value for key
func (s *SkipList[K, V]) Get(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	x := s.findPath(key, nil)
	if x != nil && x.key == key {
		return x.value, true
	}
	var zero V
	return zero, false
}

// Del removes key and reports whether it was present
func (s *SkipList[K, V]) Del(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	update := make([]*slNode[K, V], s.maxLevel)
	x := s.findPath(key, update)
	if x == nil || x.key != key {
		return false
	}

	for i := 0; i < s.level; i++ {
		if update[i].next[i] != x {
			break
		}
		update[i].next[i] = x.next[i]
	}
	for s.level > 1 && s.head.next[s.level-1] == nil {
		s.level--
	}
	s.size--
	return true
}

// Len returns the number of keys
func (s *SkipList[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Range calls fn for each entry in key order until fn returns false.
// The list is read-locked for the duration, so fn must not modify it.
func (s *SkipList[K, V]) Range(fn func(key K, value V) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for x := s.head.next[0]; x != nil; x = x.next[0] {
		if !fn(x.key, x.value) {
			return
		}
	}
}

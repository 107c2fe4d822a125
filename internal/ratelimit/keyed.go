package ratelimit

import (
	"container/list"
	"sync"
)

const defaultMaxKeys = 4096

// KeyedLimiter keeps one TokenBucket per key (a peer id on the relay). The
// number of live buckets is bounded; the least recently used one is evicted
// when a new key arrives at the limit, and starts full if it returns.
type KeyedLimiter struct {
	clock    Clock
	capacity int64
	rate     int64
	maxKeys  int

	mu      sync.Mutex
	buckets map[string]*keyedEntry
	lru     *list.List
	evicted uint64
}

type keyedEntry struct {
	bucket *TokenBucket
	elem   *list.Element
}

// NewKeyedLimiter allows a burst of capacity per key, refilled at rate
// tokens/sec. maxKeys <= 0 selects a default bound.
func NewKeyedLimiter(clock Clock, capacity, rate int64, maxKeys int) *KeyedLimiter {
	if clock == nil {
		clock = RealClock{}
	}
	if maxKeys <= 0 {
		maxKeys = defaultMaxKeys
	}
	return &KeyedLimiter{
		clock:    clock,
		capacity: capacity,
		rate:     rate,
		maxKeys:  maxKeys,
		buckets:  make(map[string]*keyedEntry),
		lru:      list.New(),
	}
}

func (l *KeyedLimiter) Allow(key string, tokens int64) bool {
	return l.bucket(key).Allow(tokens)
}

// Len reports how many keys currently hold a bucket.
func (l *KeyedLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *KeyedLimiter) Evicted() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.evicted
}

func (l *KeyedLimiter) bucket(key string) *TokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.buckets[key]; ok {
		l.lru.MoveToFront(e.elem)
		return e.bucket
	}

	for len(l.buckets) >= l.maxKeys {
		oldest := l.lru.Back()
		if oldest == nil {
			break
		}
		l.lru.Remove(oldest)
		delete(l.buckets, oldest.Value.(string))
		l.evicted++
	}

	e := &keyedEntry{
		bucket: NewTokenBucket(l.clock, l.capacity, l.rate),
		elem:   l.lru.PushFront(key),
	}
	l.buckets[key] = e
	return e.bucket
}

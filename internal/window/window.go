package window

import (
	"math"
	"slices"
)

const (
	// Width is the fixed bucket size in seconds.
	Width = 60
	// Grace is how long past a bucket's end the watermark must move before it is closed.
	Grace = 5
)

// BucketKey is the minute index since the epoch.
type BucketKey int64

// Bounds of floor(ts/Width) that fit in a BucketKey. Both are exact in float64.
const (
	minKey = -(1 << 63)
	maxKey = 1 << 63
)

// BucketOf maps a timestamp in seconds to its minute bucket. The result is
// undefined unless Representable(ts).
func BucketOf(ts float64) BucketKey {
	return BucketKey(math.Floor(ts / Width))
}

// Representable reports whether ts has a bucket that fits in a BucketKey.
// NaN and infinities do not.
func Representable(ts float64) bool {
	b := math.Floor(ts / Width)

	return b >= minKey && b < maxKey
}

// Start returns the first second covered by the bucket.
func (k BucketKey) Start() float64 { return float64(k) * Width }

// ClosedBy reports whether a watermark at ts is past the bucket's end plus grace.
func (k BucketKey) ClosedBy(ts float64) bool {
	return k.Start()+Width+Grace < ts
}

// UserSet is a set of distinct user ids.
type UserSet map[string]struct{}

// Add inserts uid; inserting an existing member is a no-op.
func (s UserSet) Add(uid string) { s[uid] = struct{}{} }

// Has reports membership.
func (s UserSet) Has(uid string) bool {
	_, ok := s[uid]

	return ok
}

// Partial collects one batch's buckets before they are merged into a Store.
type Partial map[BucketKey]UserSet

// Add records uid under key, creating the bucket on first sight.
func (p Partial) Add(key BucketKey, uid string) {
	users, ok := p[key]
	if !ok {
		users = make(UserSet)
		p[key] = users
	}

	users.Add(uid)
}

// Store maps minute buckets to their distinct users. It is owned by a single
// goroutine and is not safe for concurrent use.
type Store struct {
	buckets map[BucketKey]UserSet
}

func NewStore() *Store {
	return &Store{buckets: make(map[BucketKey]UserSet, 8)}
}

// Merge unions every bucket of p into the store. It never removes members.
func (s *Store) Merge(p Partial) {
	for key, incoming := range p {
		if len(incoming) == 0 {
			continue
		}

		users, ok := s.buckets[key]
		if !ok {
			users = make(UserSet, len(incoming))
			s.buckets[key] = users
		}

		for uid := range incoming {
			users.Add(uid)
		}
	}
}

// Evict removes the given buckets. Absent keys are ignored.
func (s *Store) Evict(keys ...BucketKey) {
	for _, k := range keys {
		delete(s.buckets, k)
	}
}

// Users returns the set for key. Callers must not modify it.
func (s *Store) Users(key BucketKey) (UserSet, bool) {
	users, ok := s.buckets[key]

	return users, ok
}

// Count returns the number of distinct users in key, or 0 if absent.
func (s *Store) Count(key BucketKey) int { return len(s.buckets[key]) }

// Len returns the number of pending buckets.
func (s *Store) Len() int { return len(s.buckets) }

// Keys returns the pending bucket keys in ascending order.
func (s *Store) Keys() []BucketKey {
	keys := make([]BucketKey, 0, len(s.buckets))
	for k := range s.buckets {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	return keys
}

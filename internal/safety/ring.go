package safety

import "time"

// timeRing is a fixed-capacity ring of action timestamps.
// Insertion evicts the oldest entry once full. The bound is a correctness
// requirement: the guard must hold bounded memory per account.
type timeRing struct {
	buf  []time.Time
	next int
	n    int
}

func newTimeRing(capacity int) *timeRing {
	if capacity < 1 {
		capacity = 1
	}
	return &timeRing{buf: make([]time.Time, capacity)}
}

func (r *timeRing) add(t time.Time) {
	r.buf[r.next] = t
	r.next = (r.next + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
}

func (r *timeRing) len() int { return r.n }

// countSince counts entries strictly newer than cutoff.
func (r *timeRing) countSince(cutoff time.Time) int {
	c := 0
	for _, t := range r.each() {
		if t.After(cutoff) {
			c++
		}
	}
	return c
}

// oldestSince returns the oldest entry newer than cutoff.
func (r *timeRing) oldestSince(cutoff time.Time) (time.Time, bool) {
	var oldest time.Time
	found := false
	for _, t := range r.each() {
		if !t.After(cutoff) {
			continue
		}
		if !found || t.Before(oldest) {
			oldest = t
			found = true
		}
	}
	return oldest, found
}

func (r *timeRing) each() []time.Time {
	out := make([]time.Time, 0, r.n)
	for i := 0; i < r.n; i++ {
		out = append(out, r.buf[(r.next-r.n+i+len(r.buf))%len(r.buf)])
	}
	return out
}

// contentEntry is one normalized content record. The hash doubles as the
// bounded exact-duplicate set: an entry with an equal hash is an exact match.
type contentEntry struct {
	hash  uint64
	words map[string]struct{}
}

// contentRing is a fixed-capacity ring of recent normalized content.
type contentRing struct {
	buf  []contentEntry
	next int
	n    int
}

func newContentRing(capacity int) *contentRing {
	if capacity < 1 {
		capacity = 1
	}
	return &contentRing{buf: make([]contentEntry, capacity)}
}

func (r *contentRing) add(e contentEntry) {
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
}

func (r *contentRing) len() int { return r.n }

func (r *contentRing) each() []contentEntry {
	out := make([]contentEntry, 0, r.n)
	for i := 0; i < r.n; i++ {
		out = append(out, r.buf[(r.next-r.n+i+len(r.buf))%len(r.buf)])
	}
	return out
}

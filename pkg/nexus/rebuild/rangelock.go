package rebuild

import "sync"

type span struct {
	off uint64
	end uint64
}

// RangeLock serializes segment copies against live writes to the same
// byte range. A front-end write overlapping a segment under copy waits
// until the copy lands, so the copy can never overwrite it with stale
// source data; conversely a segment copy waits for an in-flight write
// to the range before reading the source.
type RangeLock struct {
	mu   sync.Mutex
	cond *sync.Cond
	held []span
}

func NewRangeLock() *RangeLock {
	l := &RangeLock{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Lock blocks until no held range overlaps [off, off+length), then
// takes the range.
func (l *RangeLock) Lock(off, length uint64) {
	end := off + length
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.overlapsLocked(off, end) {
		l.cond.Wait()
	}
	l.held = append(l.held, span{off: off, end: end})
}

// Unlock releases a range taken by Lock.
func (l *RangeLock) Unlock(off, length uint64) {
	end := off + length
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, s := range l.held {
		if s.off == off && s.end == end {
			l.held = append(l.held[:i], l.held[i+1:]...)
			break
		}
	}
	l.cond.Broadcast()
}

func (l *RangeLock) overlapsLocked(off, end uint64) bool {
	for _, s := range l.held {
		if off < s.end && s.off < end {
			return true
		}
	}
	return false
}

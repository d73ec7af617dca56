package rebuild

import (
	"testing"
	"time"
)

func TestRangeLockBlocksOverlap(t *testing.T) {
	l := NewRangeLock()
	l.Lock(0, 1024)

	got := make(chan struct{})
	go func() {
		l.Lock(512, 1024) // overlaps [0, 1024)
		close(got)
	}()

	select {
	case <-got:
		t.Fatal("overlapping lock did not wait")
	case <-time.After(50 * time.Millisecond):
	}

	l.Unlock(0, 1024)
	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("lock was not handed over on release")
	}
	l.Unlock(512, 1024)
}

func TestRangeLockDisjointRanges(t *testing.T) {
	l := NewRangeLock()
	l.Lock(0, 512)

	got := make(chan struct{})
	go func() {
		l.Lock(512, 512)
		close(got)
	}()

	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("disjoint range blocked")
	}
	l.Unlock(0, 512)
	l.Unlock(512, 512)
}

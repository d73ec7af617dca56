package rebuild

import (
	"sync"
	"time"
)

// DefaultHistoryCapacity bounds the per-nexus rebuild history log.
const DefaultHistoryCapacity = 32

// Record is the audit entry retained for a finished rebuild job.
type Record struct {
	ChildURI        string    `json:"childUri"`
	SrcURI          string    `json:"srcUri"`
	State           State     `json:"state"`
	BlocksTotal     uint64    `json:"blocksTotal"`
	BlocksRecovered uint64    `json:"blocksRecovered"`
	BlockSize       uint64    `json:"blockSize"`
	StartTime       time.Time `json:"startTime"`
	EndTime         time.Time `json:"endTime"`
}

// Duration of the rebuild.
func (r Record) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// History is the bounded log of finished rebuild jobs of one nexus.
// Oldest entries are evicted once the capacity is reached. It is an
// audit surface, never an input to control decisions.
type History struct {
	mu   sync.Mutex
	cap  int
	recs []Record
}

// NewHistory with the given capacity; zero or negative means
// DefaultHistoryCapacity.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &History{cap: capacity}
}

// Push appends a record, evicting the oldest entry when full.
func (h *History) Push(r Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.recs) == h.cap {
		copy(h.recs, h.recs[1:])
		h.recs = h.recs[:h.cap-1]
	}
	h.recs = append(h.recs, r)
}

// Records returns a copy of the log, oldest first.
func (h *History) Records() []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Record, len(h.recs))
	copy(out, h.recs)
	return out
}

// Len is the number of retained records.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.recs)
}

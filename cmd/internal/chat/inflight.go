package chat

import (
	"sync"
	"time"
)

// inflight records when each running append started. Stores stamp CreatedAt no earlier than
// that, so a sync checkpoint below the oldest start cannot skip a message that is not visible yet.
type inflight struct {
	mu     sync.Mutex
	next   uint64
	starts map[uint64]time.Time
}

func (f *inflight) begin(at time.Time) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.starts == nil {
		f.starts = make(map[uint64]time.Time)
	}
	f.next++
	f.starts[f.next] = at
	return f.next
}

func (f *inflight) end(token uint64) {
	f.mu.Lock()
	delete(f.starts, token)
	f.mu.Unlock()
}

// oldest returns the earliest start among running appends.
func (f *inflight) oldest() (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var (
		first time.Time
		ok    bool
	)
	for _, at := range f.starts {
		if !ok || at.Before(first) {
			first, ok = at, true
		}
	}
	return first, ok
}

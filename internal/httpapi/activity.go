package httpapi

import (
	"sync"
	"time"

	"herald/internal/eventbus"
)

// activityEntry is one item of the recent-activity feed.
type activityEntry struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data,omitempty"`
}

// activityFeed keeps the last N bus events in a ring for the dashboard.
type activityFeed struct {
	bus  eventbus.Bus
	size int

	mu      sync.Mutex
	entries []activityEntry

	unsub func()
	done  chan struct{}
}

func newActivityFeed(bus eventbus.Bus, size int) *activityFeed {
	return &activityFeed{bus: bus, size: size}
}

func (f *activityFeed) start() {
	if f.bus == nil || f.done != nil {
		return
	}
	ch, unsub := f.bus.Subscribe(64)
	f.unsub = unsub
	f.done = make(chan struct{})
	go func() {
		defer close(f.done)
		for e := range ch {
			f.append(activityEntry{Type: e.Type, At: e.Time, Data: e.Data})
		}
	}()
}

func (f *activityFeed) stop() {
	if f.unsub == nil {
		return
	}
	f.unsub()
	<-f.done
	f.unsub = nil
	f.done = nil
}

func (f *activityFeed) append(e activityEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	if len(f.entries) > f.size {
		f.entries = f.entries[len(f.entries)-f.size:]
	}
}

// snapshot returns entries newest first.
func (f *activityFeed) snapshot() []activityEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]activityEntry, 0, len(f.entries))
	for i := len(f.entries) - 1; i >= 0; i-- {
		out = append(out, f.entries[i])
	}
	return out
}

// Package monitor fans controller state events out to in-process observers.
package monitor

import (
	"encoding/json"
	"sync"
	"time"
)

// Event is one controller state change.
type Event struct {
	Time     time.Time `json:"t"`
	Axis     string    `json:"axis,omitempty"`
	State    string    `json:"state"`
	Position int64     `json:"pos"`
	Target   int64     `json:"target"`
	Speed    int       `json:"speed"`
}

// JSON encodes the event as a single JSON object.
func (e Event) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return ""
	}
	return string(data)
}

// Broadcaster distributes events to multiple subscribers.
// Publishing to a nil *Broadcaster is a no-op.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[chan Event]struct{}
}

// NewBroadcaster creates a new broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[chan Event]struct{}),
	}
}

// Subscribe returns a channel that receives published events and a cleanup function.
// The caller must call the returned cleanup when done.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Publish sends an event to all subscribers without blocking the caller.
// Slow subscribers miss events once their buffer is full.
func (b *Broadcaster) Publish(evt Event) {
	if b == nil {
		return
	}
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- evt:
		default:
			// channel full, skip
		}
	}
}

// Package bus is the in-process event feed for agent lifecycle and memory
// health. The supervisor and memory store publish; `gocrew serve` forwards
// selected topics to its client as notifications.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBufferSize = 64

// Event is one published message.
type Event struct {
	Topic   string
	At      time.Time
	Payload any
}

// Subscription receives events whose topic starts with one of its prefixes.
type Subscription struct {
	prefixes []string
	ch       chan Event
	dropped  atomic.Int64
}

// Ch returns the channel events arrive on. It is closed by Unsubscribe or
// Close.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Dropped counts events lost because the buffer was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscription) matches(topic string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

// Bus fans events out to subscribers. Publishing never blocks; a full
// subscriber loses the event and its Dropped count goes up.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
	now    func() time.Time
}

func New() *Bus {
	return &Bus{subs: map[*Subscription]struct{}{}, now: time.Now}
}

// Subscribe matches every topic when no prefix is given. Empty prefixes are
// ignored.
func (b *Bus) Subscribe(prefixes ...string) *Subscription {
	sub := &Subscription{ch: make(chan Event, defaultBufferSize)}
	for _, p := range prefixes {
		if p != "" {
			sub.prefixes = append(sub.prefixes, p)
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes sub and closes its channel. It is safe to call twice.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if b == nil || sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Publish is a no-op on a nil or closed Bus, so components can run without one.
func (b *Bus) Publish(topic string, payload any) {
	if b == nil {
		return
	}
	ev := Event{Topic: topic, At: b.now(), Payload: payload}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Close ends every subscription. Later subscriptions start closed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
	}
	b.subs = map[*Subscription]struct{}{}
}

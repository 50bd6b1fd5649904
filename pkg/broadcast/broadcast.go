// Package broadcast fans execution events out to per-device subscribers.
// Publishing never blocks: a subscriber that cannot keep up is disconnected.
package broadcast

import (
	"log"
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscriber queue length used when none is given
const DefaultBuffer = 64

// Broadcaster delivers events to the subscribers of the event's device in
// publish order
type Broadcaster struct {
	buffer int

	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	closed bool
}

// New creates a broadcaster whose subscribers queue up to buffer events
func New(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broadcaster{
		buffer: buffer,
		subs:   make(map[string]map[*Subscription]struct{}),
	}
}

// Subscription is one viewer of a device's events
type Subscription struct {
	b        *Broadcaster
	deviceID string
	ch       chan Event
	once     sync.Once
	dropped  atomic.Bool
}

// Subscribe registers a viewer for deviceID. It only receives events
// published from now on.
func (b *Broadcaster) Subscribe(deviceID string) *Subscription {
	s := &Subscription{
		b:        b,
		deviceID: deviceID,
		ch:       make(chan Event, b.buffer),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.once.Do(func() { close(s.ch) })
		return s
	}
	set, ok := b.subs[deviceID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[deviceID] = set
	}
	set[s] = struct{}{}
	return s
}

// Publish hands ev to every subscriber of ev.DeviceID without blocking
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for s := range b.subs[ev.DeviceID] {
		select {
		case s.ch <- ev:
		default:
			log.Printf("[BROADCAST %s] subscriber too slow, disconnecting", ev.DeviceID)
			s.dropped.Store(true)
			b.removeLocked(s)
		}
	}
}

// Subscribers returns how many viewers deviceID has
func (b *Broadcaster) Subscribers(deviceID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[deviceID])
}

// Close disconnects every subscriber; later subscriptions start closed
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, set := range b.subs {
		for s := range set {
			b.removeLocked(s)
		}
	}
}

func (b *Broadcaster) removeLocked(s *Subscription) {
	if set, ok := b.subs[s.deviceID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.deviceID)
		}
	}
	s.once.Do(func() { close(s.ch) })
}

// Events returns the stream; it is closed on Close or disconnection
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// DeviceID returns the device the subscription watches
func (s *Subscription) DeviceID() string {
	return s.deviceID
}

// Dropped reports whether the subscription was cut for falling behind
func (s *Subscription) Dropped() bool {
	return s.dropped.Load()
}

// Close unsubscribes; it is safe to call more than once
func (s *Subscription) Close() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.removeLocked(s)
}

// Copyright 2024 The mqtt-multi-proxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bus provides an in-process broadcast channel for observed MQTT
// messages. Every publish seen by the proxy is copied onto the bus so
// observers (the WebSocket message stream) can render live traffic. Each
// subscriber has a bounded backlog; a slow subscriber loses its oldest
// entries rather than blocking the fanout path.
package bus

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Payload is a raw message body. It marshals to a JSON array of byte
// values rather than the base64 string encoding/json uses for []byte,
// matching the wire contract of the /ws/messages stream.
type Payload []byte

// MarshalJSON encodes the payload as an array of numbers.
func (p Payload) MarshalJSON() ([]byte, error) {
	ints := make([]uint16, len(p))
	for i, b := range p {
		ints[i] = uint16(b)
	}
	return json.Marshal(ints)
}

// UnmarshalJSON accepts the array-of-numbers form.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var ints []byte
	if err := json.Unmarshal(data, &ints); err != nil {
		return err
	}
	*p = ints
	return nil
}

// Message is one observed MQTT publish with its metadata. ClientID names
// the connection that observed it: "main" for the upstream broker, the
// broker record id for downstream connections.
type Message struct {
	Timestamp time.Time `json:"timestamp"`
	ClientID  string    `json:"client_id"`
	Topic     string    `json:"topic"`
	Payload   Payload   `json:"payload"`
	QoS       byte      `json:"qos"`
	Retain    bool      `json:"retain"`
}

// Bus broadcasts messages to all current subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// Subscription is one observer's bounded view of the bus.
type Subscription struct {
	bus     *Bus
	ch      chan Message
	dropped atomic.Uint64
	once    sync.Once
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a new observer with the given backlog capacity.
func (b *Bus) Subscribe(backlog int) *Subscription {
	if backlog <= 0 {
		backlog = 64
	}
	sub := &Subscription{bus: b, ch: make(chan Message, backlog)}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return sub
}

// Publish delivers a message to every subscriber. It never blocks: when a
// subscriber's backlog is full, its oldest entry is discarded to make room.
func (b *Bus) Publish(msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		select {
		case sub.ch <- msg:
			continue
		default:
		}

		// Backlog full: evict the oldest entry, then retry once. A
		// concurrent reader may have emptied the slot in between, in
		// which case the send simply succeeds.
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
		default:
		}
		select {
		case sub.ch <- msg:
		default:
			sub.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// C returns the subscriber's message channel.
func (s *Subscription) C() <-chan Message {
	return s.ch
}

// Dropped returns how many messages this subscriber has lost to backlog
// overflow.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the subscription from the bus and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

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

package proxy

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	fingerprintCapacity = 4096
	fingerprintTTL      = 3 * time.Second
)

// fingerprintEntry pairs a hash with its insertion time so stale queue
// slots left behind by a refreshed hash can be told apart on eviction.
type fingerprintEntry struct {
	hash uint64
	at   time.Time
}

// fingerprintSet is a bounded set of recently forwarded message
// fingerprints used for loop suppression. MQTT carries no correlation id,
// so an echo of our own publish can only be recognized by content: a
// 64-bit hash of (topic, payload). Hash collisions suppress a legitimate
// repeat message; the short TTL bounds that exposure.
type fingerprintSet struct {
	mu       sync.Mutex
	entries  map[uint64]time.Time
	queue    []fingerprintEntry
	capacity int
	ttl      time.Duration
}

func newFingerprintSet(capacity int, ttl time.Duration) *fingerprintSet {
	return &fingerprintSet{
		entries:  make(map[uint64]time.Time),
		capacity: capacity,
		ttl:      ttl,
	}
}

// fingerprint hashes a (topic, payload) pair. The zero byte separates the
// fields so ("a", "b/c") and ("a/b", "c") cannot alias.
func fingerprint(topic string, payload []byte) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(topic)
	_, _ = d.Write([]byte{0})
	_, _ = d.Write(payload)
	return d.Sum64()
}

// seenOrInsert reports whether the pair was recorded within the TTL. When
// it was not, the fingerprint is inserted (evicting oldest entries once
// the set is full) and false is returned.
func (s *fingerprintSet) seenOrInsert(topic string, payload []byte) bool {
	h := fingerprint(topic, payload)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if at, ok := s.entries[h]; ok && now.Sub(at) < s.ttl {
		return true
	}

	for len(s.entries) >= s.capacity && len(s.queue) > 0 {
		front := s.queue[0]
		s.queue = s.queue[1:]
		if at, ok := s.entries[front.hash]; ok && at.Equal(front.at) {
			delete(s.entries, front.hash)
		}
	}

	s.entries[h] = now
	s.queue = append(s.queue, fingerprintEntry{hash: h, at: now})

	// Refreshed hashes leave stale slots behind; compact once the queue
	// grows past twice the capacity so it stays bounded.
	if len(s.queue) > 2*s.capacity {
		live := s.queue[:0]
		for _, e := range s.queue {
			if at, ok := s.entries[e.hash]; ok && at.Equal(e.at) {
				live = append(live, e)
			}
		}
		s.queue = live
	}
	return false
}

// size returns the number of live entries, for tests.
func (s *fingerprintSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Copyright (c) 2026 John Earle
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

package pipeline

import (
	"sync"
	"time"
)

// Cache is the in-process dedup layer: a time-windowed set keyed by
// (message id, correlation token). A claim is inserted optimistically
// before any I/O to close the race between near-simultaneous deliveries
// of the same push. The durable uniqueness constraint remains the source
// of truth; this layer only removes noise and narrows the window.
type Cache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	clock   Clock
}

// NewCache creates a dedup cache with the given entry TTL.
func NewCache(ttl time.Duration, clock Clock) *Cache {
	return &Cache{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		clock:   clock,
	}
}

// Claim inserts the key if absent (or expired) and reports whether this
// caller claimed it.
func (c *Cache) Claim(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if at, ok := c.entries[key]; ok && now.Sub(at) < c.ttl {
		return false
	}
	c.entries[key] = now
	return true
}

// Release drops a claim so a later retry of an unclaimable event can
// claim again.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Purge removes expired entries and returns how many were dropped.
func (c *Cache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	dropped := 0
	for key, at := range c.entries {
		if now.Sub(at) >= c.ttl {
			delete(c.entries, key)
			dropped++
		}
	}
	return dropped
}

// Len reports the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

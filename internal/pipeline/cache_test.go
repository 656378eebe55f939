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
	"testing"
	"time"
)

// TestCache_ClaimOnce verifies that a key can only be claimed once inside
// the TTL window.
func TestCache_ClaimOnce(t *testing.T) {
	clock := newFakeClock()
	cache := NewCache(10*time.Minute, clock)

	if !cache.Claim("msg-1") {
		t.Fatal("first claim should succeed")
	}
	if cache.Claim("msg-1") {
		t.Error("second claim of the same key should fail")
	}
	if !cache.Claim("msg-2") {
		t.Error("claim of a different key should succeed")
	}
}

// TestCache_ClaimAfterExpiry verifies that an expired entry can be
// reclaimed.
func TestCache_ClaimAfterExpiry(t *testing.T) {
	clock := newFakeClock()
	cache := NewCache(10*time.Minute, clock)

	cache.Claim("msg-1")
	clock.Advance(10*time.Minute + time.Second)

	if !cache.Claim("msg-1") {
		t.Error("claim after TTL expiry should succeed")
	}
}

// TestCache_Release verifies that a released claim can be re-claimed
// immediately.
func TestCache_Release(t *testing.T) {
	clock := newFakeClock()
	cache := NewCache(10*time.Minute, clock)

	cache.Claim("msg-1")
	cache.Release("msg-1")

	if !cache.Claim("msg-1") {
		t.Error("claim after release should succeed")
	}
}

// TestCache_Purge verifies that only expired entries are dropped.
func TestCache_Purge(t *testing.T) {
	clock := newFakeClock()
	cache := NewCache(10*time.Minute, clock)

	cache.Claim("old-1")
	cache.Claim("old-2")
	clock.Advance(11 * time.Minute)
	cache.Claim("fresh")

	dropped := cache.Purge()
	if dropped != 2 {
		t.Errorf("dropped = %d, want 2", dropped)
	}
	if cache.Len() != 1 {
		t.Errorf("len = %d, want 1", cache.Len())
	}
	if cache.Claim("fresh") {
		t.Error("fresh entry should have survived the purge")
	}
}

// TestCache_ConcurrentClaims verifies that exactly one of many concurrent
// claimants wins.
func TestCache_ConcurrentClaims(t *testing.T) {
	clock := newFakeClock()
	cache := NewCache(10*time.Minute, clock)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cache.Claim("contested") {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("wins = %d, want exactly 1", wins)
	}
}

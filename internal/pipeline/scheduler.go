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

// Scheduler is the registry of pending delayed-processing timers, keyed by
// message identifier. Losing a timer (process restart, purge) is safe: the
// durable claim stays 'pending' and is only revived by an explicit
// operator action, never automatically.
type Scheduler struct {
	clock Clock

	mu     sync.Mutex
	timers map[string]scheduledEntry
}

type scheduledEntry struct {
	timer     Timer
	createdAt time.Time
}

// NewScheduler creates a scheduler over the given clock.
func NewScheduler(clock Clock) *Scheduler {
	return &Scheduler{
		clock:  clock,
		timers: make(map[string]scheduledEntry),
	}
}

// Schedule registers fn to run after delay, unless a timer for this id is
// already pending. The registry entry is removed when fn starts.
func (s *Scheduler) Schedule(id string, delay time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.timers[id]; exists {
		return false
	}

	timer := s.clock.AfterFunc(delay, func() {
		s.Forget(id)
		fn()
	})
	s.timers[id] = scheduledEntry{timer: timer, createdAt: s.clock.Now()}
	return true
}

// Forget removes a registry entry without stopping its timer.
func (s *Scheduler) Forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timers, id)
}

// PurgeOlderThan stops and forgets timers that have been pending longer
// than age. Stuck timers only waste memory: the durable claim is what
// prevents duplicate processing.
func (s *Scheduler) PurgeOlderThan(age time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	dropped := 0
	for id, entry := range s.timers {
		if now.Sub(entry.createdAt) >= age {
			entry.timer.Stop()
			delete(s.timers, id)
			dropped++
		}
	}
	return dropped
}

// Len reports the number of pending timers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Copyright (c) 2016-2019 Uber Technologies, Inc.
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

// Package syncutil provides small thread-safe utilities shared across the
// swarm scheduler, chiefly per-piece peer-availability counters.
package syncutil

import "sync"

// Counters is a fixed-size, thread-safe array of int counters, used by the
// swarm to track how many connected peers hold each piece.
type Counters struct {
	mu sync.Mutex
	c  []int
}

// NewCounters creates n zeroed counters.
func NewCounters(n int) Counters {
	return Counters{c: make([]int, n)}
}

// Len returns the number of counters.
func (c *Counters) Len() int {
	return len(c.c)
}

// Get returns the counter at index k.
func (c *Counters) Get(k int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.c[k]
}

// Set sets the counter at index k.
func (c *Counters) Set(k int, v int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.c[k] = v
}

// Increment increments the counter at index k.
func (c *Counters) Increment(k int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.c[k]++
}

// Decrement decrements the counter at index k.
func (c *Counters) Decrement(k int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.c[k]--
}

// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package servicequeue

import (
	"sync"
	"time"
)

const (
	defaultRateLimitWindow = 5 * time.Minute
	defaultRateLimitMax    = 100
)

// rateLimiter counts submissions per owner in fixed windows. Exceeding
// the per-window maximum rejects further submissions until the window
// rolls over.
type rateLimiter struct {
	window time.Duration
	max    int
	exempt map[string]bool
	nowFn  func() time.Time

	mu     sync.Mutex
	counts map[string]*rateWindow
}

type rateWindow struct {
	window int64
	count  int
}

func newRateLimiter(window time.Duration, max int, exempt []string) *rateLimiter {
	if window <= 0 {
		window = defaultRateLimitWindow
	}
	rl := &rateLimiter{
		window: window,
		max:    max,
		exempt: make(map[string]bool),
		nowFn:  time.Now,
		counts: make(map[string]*rateWindow),
	}
	for _, owner := range exempt {
		rl.exempt[owner] = true
	}
	return rl
}

// Allow reports whether the owner may submit another request in the
// current window, counting it if so.
func (rl *rateLimiter) Allow(owner string) bool {
	if rl.exempt[owner] {
		return true
	}
	current := rl.nowFn().UnixNano() / int64(rl.window)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	w, found := rl.counts[owner]
	if !found || w.window != current {
		w = &rateWindow{window: current}
		rl.counts[owner] = w
	}
	if w.count >= rl.max {
		return false
	}
	w.count++
	return true
}

// Remaining returns the number of submissions left in the owner's
// current window.
func (rl *rateLimiter) Remaining(owner string) int {
	if rl.exempt[owner] {
		return rl.max
	}
	current := rl.nowFn().UnixNano() / int64(rl.window)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	w, found := rl.counts[owner]
	if !found || w.window != current {
		return rl.max
	}
	if w.count >= rl.max {
		return 0
	}
	return rl.max - w.count
}

// Reset clears the owner's current window.
func (rl *rateLimiter) Reset(owner string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.counts, owner)
}

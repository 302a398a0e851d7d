// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package servicequeue

import (
	"sync"
	"time"
)

// timerQueue runs one-shot tasks after a delay. Step advancement and
// lock-retry rescheduling go through here so that Close can stop pending
// tasks and wait for running ones.
type timerQueue struct {
	mu      sync.Mutex
	wg      sync.WaitGroup
	timers  map[int64]*time.Timer
	seq     int64
	stopped bool
}

func newTimerQueue() *timerQueue {
	return &timerQueue{
		timers: make(map[int64]*time.Timer),
	}
}

// Schedule runs fn after the given delay. Tasks scheduled after Stop are
// dropped silently.
func (q *timerQueue) Schedule(delay time.Duration, fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	q.seq++
	id := q.seq
	q.wg.Add(1)
	q.timers[id] = time.AfterFunc(delay, func() {
		defer q.wg.Done()
		q.mu.Lock()
		delete(q.timers, id)
		stopped := q.stopped
		q.mu.Unlock()
		if stopped {
			return
		}
		fn()
	})
}

// Stop cancels pending tasks and waits for running ones to finish.
func (q *timerQueue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	for id, t := range q.timers {
		if t.Stop() {
			// The callback will never fire for this timer.
			q.wg.Done()
			delete(q.timers, id)
		}
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// Len returns the number of tasks waiting to fire.
func (q *timerQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers)
}

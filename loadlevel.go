// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package servicequeue

import (
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/load"
)

// LoadLevel is the discrete system load level derived from the sampled
// load ratio.
type LoadLevel string

const (
	LoadLow    LoadLevel = "low"
	LoadMedium LoadLevel = "medium"
	LoadHigh   LoadLevel = "high"
)

const (
	highLoadThreshold   = 0.7
	mediumLoadThreshold = 0.3

	// defaultLoadGracePeriod is how long a committed level change is
	// held before another change may be committed.
	defaultLoadGracePeriod = 5 * time.Minute
)

// LoadSampler returns the normalized load ratio, e.g. the 1-minute load
// average divided by the number of processing units.
type LoadSampler func() (float64, error)

// SystemLoadSampler samples the host's 1-minute load average, normalized
// by the number of logical CPUs.
func SystemLoadSampler() (float64, error) {
	avg, err := load.Avg()
	if err != nil {
		return 0, err
	}
	return avg.Load1 / float64(runtime.NumCPU()), nil
}

// loadMonitor derives the discrete load level with hysteresis. The level
// and the time of its last change are persisted through the Store so a
// restart does not reset the grace period.
type loadMonitor struct {
	st      Store
	sampler LoadSampler
	grace   time.Duration
	logger  Logger
	nowFn   func() time.Time

	mu      sync.Mutex
	loaded  bool
	level   LoadLevel
	changed time.Time
	ratio   float64
}

func newLoadMonitor(st Store, sampler LoadSampler, grace time.Duration, logger Logger) *loadMonitor {
	return &loadMonitor{
		st:      st,
		sampler: sampler,
		grace:   grace,
		logger:  logger,
		nowFn:   time.Now,
	}
}

func classifyLoad(ratio float64) LoadLevel {
	switch {
	case ratio > highLoadThreshold:
		return LoadHigh
	case ratio > mediumLoadThreshold:
		return LoadMedium
	default:
		return LoadLow
	}
}

// Level returns the current load level. If the load cannot be sampled,
// it falls back to the conservative LoadMedium.
func (lm *loadMonitor) Level() LoadLevel {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	ratio, err := lm.sampler()
	if err != nil {
		lm.logger.Printf("servicequeue: unable to sample system load: %v", err)
		return LoadMedium
	}
	lm.ratio = ratio

	if !lm.loaded {
		if level, changed, err := lm.st.LoadState(); err == nil {
			lm.level, lm.changed = LoadLevel(level), changed
		} else if err != ErrNotFound {
			lm.logger.Printf("servicequeue: unable to read load state: %v", err)
		}
		lm.loaded = true
	}

	now := lm.nowFn()
	newLevel := classifyLoad(ratio)

	// Still within the grace period of the previous change.
	if lm.level != "" && now.Sub(lm.changed) < lm.grace {
		return lm.level
	}

	if newLevel != lm.level {
		lm.level = newLevel
		lm.changed = now
		if err := lm.st.SaveLoadState(string(newLevel), now); err != nil {
			lm.logger.Printf("servicequeue: unable to persist load state: %v", err)
		}
	}
	return newLevel
}

// Ratio returns the most recently sampled load ratio.
func (lm *loadMonitor) Ratio() float64 {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.ratio
}

// LastChange returns when the level last changed.
func (lm *loadMonitor) LastChange() time.Time {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.changed
}

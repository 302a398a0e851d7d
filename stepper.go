package servicequeue

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// StepFunc is called once per progress step while the request lock is
// held. Returning an error triggers the retry path: the request is
// restarted from step 1 after a backoff, or marked failed once the retry
// ceiling is exceeded.
type StepFunc func(req *ServiceRequest, step, totalSteps int) error

// scheduleStep enqueues one step advancement after the given delay.
func (m *Manager) scheduleStep(id int64, step, total int, delay time.Duration) {
	m.timers.Schedule(delay, func() {
		m.processStep(id, step, total)
	})
}

// stepDelay is the pause between two steps of a request.
func stepDelay(budgetSeconds, totalSteps int) time.Duration {
	return time.Duration(budgetSeconds) * time.Second / time.Duration(totalSteps)
}

// processStep advances one request by one unit of progress. It acquires a
// fresh exclusive lock for the duration of the step and releases it before
// returning, so no worker owns a request for longer than one step plus the
// lock TTL.
func (m *Manager) processStep(id int64, step, total int) {
	token := uuid.NewString()
	ok, err := m.st.AcquireLock(id, token, m.lockTTL)
	if err != nil {
		if err == ErrNotFound {
			// Purged or reset while steps were in flight.
			return
		}
		m.logger.Printf("servicequeue: error acquiring lock for request %d: %v", id, err)
		m.scheduleStep(id, step, total, m.lockRetryDelay)
		return
	}
	if !ok {
		// Another worker holds the lock. Never block; try again shortly.
		m.scheduleStep(id, step, total, m.lockRetryDelay)
		return
	}

	req, err := m.st.Get(id)
	if err != nil {
		m.st.ReleaseLock(id, token)
		if err != ErrNotFound {
			m.logger.Printf("servicequeue: error reading request %d: %v", id, err)
			m.scheduleStep(id, step, total, m.lockRetryDelay)
		}
		return
	}
	if req.Terminal() {
		// Duplicate delivery after completion or failure is a no-op.
		m.st.ReleaseLock(id, token)
		return
	}

	if m.stepFn != nil {
		if err := m.stepFn(req.Clone(), step, total); err != nil {
			m.retryOrFail(req, token, err)
			return
		}
	}

	progress := int(math.Round(float64(step) / float64(total) * 100))
	if progress < req.Progress {
		// A restarted request keeps its high-water mark.
		progress = req.Progress
	}
	req.Progress = progress
	req.QueuePosition = 0
	if step == total {
		req.Status = Completed
		req.Progress = 100
	} else {
		req.Status = Active
	}

	if err := m.st.UpdateLocked(req, token); err != nil {
		if err == ErrConflict {
			// The lock expired and was reclaimed; whoever took it over
			// drives the request now.
			m.logger.Printf("servicequeue: lost lock on request %d at step %d", id, step)
			return
		}
		m.logger.Printf("servicequeue: error updating request %d: %v", id, err)
		m.st.ReleaseLock(id, token)
		m.scheduleStep(id, step, total, m.lockRetryDelay)
		return
	}

	m.st.ReleaseLock(id, token)
	m.testStepAdvanced() // testing hook

	if req.Status == Completed {
		if err := m.st.RenumberPending(); err != nil {
			m.logger.Printf("servicequeue: error renumbering queue: %v", err)
		}
		m.metrics.completed.Inc()
		m.testRequestCompleted() // testing hook
		m.publish(req)
		return
	}

	m.publish(req)
	m.scheduleStep(id, step+1, total, stepDelay(req.ProcessingBudget, total))
}

// retryOrFail handles a recoverable processing error while the lock is
// still held: it either restarts the request from step 1 after a backoff,
// or marks it failed once the retry ceiling is exceeded.
func (m *Manager) retryOrFail(req *ServiceRequest, token string, cause error) {
	m.logger.Printf("servicequeue: request %d failed with: %v", req.ID, cause)

	req.RetryCount++
	if req.RetryCount > m.maxRetry {
		// Failed permanently
		req.Status = Failed
		req.QueuePosition = 0
		req.LastError = cause.Error()
		if err := m.st.UpdateLocked(req, token); err != nil {
			// Nothing durable was recorded, so nothing may be
			// published; the reaper reclaims the request if the new
			// lock holder never finishes it.
			m.logger.Printf("servicequeue: error failing request %d: %v", req.ID, err)
			m.st.ReleaseLock(req.ID, token)
			return
		}
		m.st.ReleaseLock(req.ID, token)
		m.metrics.failed.Inc()
		m.testRequestFailed() // testing hook
		m.publish(req)
		return
	}

	// Retry: keep the incremented retry count and restart from step 1,
	// releasing the lock so the next attempt can acquire it cleanly.
	req.Status = Active
	if err := m.st.UpdateLocked(req, token); err != nil {
		m.logger.Printf("servicequeue: error recording retry of request %d: %v", req.ID, err)
		m.st.ReleaseLock(req.ID, token)
		return
	}
	m.st.ReleaseLock(req.ID, token)
	m.metrics.retried.Inc()
	m.testRequestRetried() // testing hook
	m.publish(req)
	m.scheduleStep(req.ID, 1, m.totalSteps, m.backoff(req.RetryCount))
}

// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package servicequeue

import "time"

// stuckError is the synthetic error recorded when the reaper force-fails
// an abandoned request.
const stuckError = "processing timeout"

// reapLoop periodically reclaims active requests whose workers went away.
func (m *Manager) reapLoop() {
	t := time.NewTicker(m.reapInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.reapStuck()
		case <-m.stopReap:
			m.stopReap <- struct{}{}
			return
		}
	}
}

// purgeLoop periodically deletes terminal requests past the retention
// window.
func (m *Manager) purgeLoop() {
	t := time.NewTicker(m.purgeInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.purgeTerminal()
		case <-m.stopPurge:
			m.stopPurge <- struct{}{}
			return
		}
	}
}

// reapStuck force-fails active requests that have not been updated within
// the stuck timeout, clearing their lock fields. A conflict means the
// request moved on between the read and the write and is skipped.
func (m *Manager) reapStuck() {
	cutoff := time.Now().Add(-m.stuckTimeout)
	stuck, err := m.st.ListStuck(cutoff, m.reapBatch)
	if err != nil {
		m.logger.Printf("servicequeue: error listing stuck requests: %v", err)
		return
	}
	for _, req := range stuck {
		req.Status = Failed
		req.LastError = stuckError
		req.QueuePosition = 0
		req.LockOwner = ""
		req.LockExpiry = 0
		if err := m.st.Update(req); err != nil {
			if err != ErrConflict && err != ErrNotFound {
				m.logger.Printf("servicequeue: error reaping request %d: %v", req.ID, err)
			}
			continue
		}
		m.logger.Printf("servicequeue: reaped stuck request %d", req.ID)
		m.metrics.reaped.Inc()
		m.testRequestReaped() // testing hook
		m.publish(req)
	}
}

// purgeTerminal deletes terminal requests older than the retention window
// in bounded batches.
func (m *Manager) purgeTerminal() {
	cutoff := time.Now().Add(-m.retention)
	n, err := m.st.PurgeTerminal(cutoff, m.purgeBatch)
	if err != nil {
		m.logger.Printf("servicequeue: error purging terminal requests: %v", err)
		return
	}
	if n > 0 {
		m.metrics.purged.Add(float64(n))
	}
}

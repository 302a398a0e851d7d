// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package servicequeue

import (
	"time"

	"github.com/google/uuid"
)

// promoteLoop periodically moves pending requests into active processing,
// respecting the global ceiling for the current load level.
func (m *Manager) promoteLoop() {
	t := time.NewTicker(m.promoteInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.promoteBatch()
		case <-m.stopPromote:
			m.stopPromote <- struct{}{}
			return
		}
	}
}

// promoteBatch fills free slots with pending requests, priority first.
func (m *Manager) promoteBatch() {
	level := m.loadmon.Level()
	m.observeLoadLevel(level)
	ceiling := m.ceilings.For(level)

	active, err := m.st.CountByStatus(Active, "")
	if err != nil {
		m.logger.Printf("servicequeue: error counting active requests: %v", err)
		return
	}
	slots := ceiling.Global - active
	if slots <= 0 {
		return
	}
	if slots > m.batchLimit {
		slots = m.batchLimit
	}

	pending, err := m.st.ListPending(slots)
	if err != nil {
		m.logger.Printf("servicequeue: error listing pending requests: %v", err)
		return
	}
	for _, req := range pending {
		if m.promoteRequest(req.ID) {
			m.scheduleStep(req.ID, 1, m.totalSteps, 0)
		}
	}
}

// promoteRequest transitions one pending request to active and renumbers
// the remaining queue. A lock conflict means another worker got there
// first; first lock wins and the loser reports false.
func (m *Manager) promoteRequest(id int64) bool {
	token := uuid.NewString()
	ok, err := m.st.AcquireLock(id, token, m.lockTTL)
	if err != nil {
		if err != ErrNotFound {
			m.logger.Printf("servicequeue: error locking request %d for promotion: %v", id, err)
		}
		return false
	}
	if !ok {
		return false
	}
	defer m.st.ReleaseLock(id, token)

	req, err := m.st.Get(id)
	if err != nil {
		if err != ErrNotFound {
			m.logger.Printf("servicequeue: error reading request %d: %v", id, err)
		}
		return false
	}
	if req.Status != Pending {
		return false
	}

	req.Status = Active
	req.QueuePosition = 0
	if err := m.st.UpdateLocked(req, token); err != nil {
		if err != ErrConflict {
			m.logger.Printf("servicequeue: error promoting request %d: %v", id, err)
		}
		return false
	}
	if err := m.st.RenumberPending(); err != nil {
		m.logger.Printf("servicequeue: error renumbering queue: %v", err)
	}
	m.testRequestPromoted() // testing hook
	m.publish(req)
	return true
}

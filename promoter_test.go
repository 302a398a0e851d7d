// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package servicequeue

import (
	"testing"
	"time"
)

// TestPromoteBatchRespectsGlobalCeiling fills the queue beyond the global
// ceiling and checks that a promoter run activates no more than the free
// slots, priority first, leaving a densely numbered queue behind.
func TestPromoteBatchRespectsGlobalCeiling(t *testing.T) {
	st := NewInMemoryStore()
	m := New(
		SetStore(st),
		SetLoadSampler(lowLoadSampler),
		SetCeilings(Ceilings{
			LoadLow:    {Global: 2, Priority: 5, Standard: 5},
			LoadMedium: {Global: 2, Priority: 5, Standard: 5},
			LoadHigh:   {Global: 1, Priority: 1, Standard: 1},
		}),
		SetPromoteInterval(time.Hour),
		SetReapInterval(time.Hour),
		SetPurgeInterval(time.Hour),
	)
	if err := m.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	defer m.Close()

	base := time.Now()
	var standard []*ServiceRequest
	for i := 0; i < 4; i++ {
		req := newPendingRequest("alice", false, base.Add(time.Duration(i)*time.Second))
		if err := st.Insert(req); err != nil {
			t.Fatalf("Insert failed with %v", err)
		}
		standard = append(standard, req)
	}
	prio := newPendingRequest("premium", true, base.Add(10*time.Second))
	if err := st.Insert(prio); err != nil {
		t.Fatalf("Insert failed with %v", err)
	}

	m.promoteBatch()

	active, err := st.CountByStatus(Active, "")
	if err != nil {
		t.Fatalf("CountByStatus failed with %v", err)
	}
	if have, want := active, 2; have != want {
		t.Fatalf("active = %d, want %d", have, want)
	}

	// The priority request jumped the queue.
	got, err := st.Get(prio.ID)
	if err != nil {
		t.Fatalf("Get failed with %v", err)
	}
	if have, want := got.Status, Active; have != want {
		t.Fatalf("priority Status = %q, want %q", have, want)
	}
	// The earliest standard request took the second slot.
	got, err = st.Get(standard[0].ID)
	if err != nil {
		t.Fatalf("Get failed with %v", err)
	}
	if have, want := got.Status, Active; have != want {
		t.Fatalf("standard Status = %q, want %q", have, want)
	}

	// The remaining queue is densely numbered 1..K.
	pending, err := st.ListPending(0)
	if err != nil {
		t.Fatalf("ListPending failed with %v", err)
	}
	if have, want := len(pending), 3; have != want {
		t.Fatalf("len(pending) = %d, want %d", have, want)
	}
	for i, req := range pending {
		if have, want := req.QueuePosition, i+1; have != want {
			t.Fatalf("pending[%d].QueuePosition = %d, want %d", i, have, want)
		}
	}

	// A second run is a no-op: all slots are taken.
	m.promoteBatch()
	active, err = st.CountByStatus(Active, "")
	if err != nil {
		t.Fatalf("CountByStatus failed with %v", err)
	}
	if have, want := active, 2; have != want {
		t.Fatalf("active after second run = %d, want %d", have, want)
	}
}

// TestPromoteRequestFirstLockWins simulates the race with another worker:
// a held lock makes the promoter skip the row.
func TestPromoteRequestFirstLockWins(t *testing.T) {
	st := NewInMemoryStore()
	m := New(
		SetStore(st),
		SetLoadSampler(lowLoadSampler),
		SetPromoteInterval(time.Hour),
	)
	if err := m.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	defer m.Close()

	req := newPendingRequest("alice", false, time.Now())
	if err := st.Insert(req); err != nil {
		t.Fatalf("Insert failed with %v", err)
	}
	ok, err := st.AcquireLock(req.ID, "other-worker", time.Minute)
	if err != nil || !ok {
		t.Fatalf("AcquireLock = %t, %v", ok, err)
	}

	if m.promoteRequest(req.ID) {
		t.Fatal("expected promotion to lose the lock race")
	}
	got, err := st.Get(req.ID)
	if err != nil {
		t.Fatalf("Get failed with %v", err)
	}
	if have, want := got.Status, Pending; have != want {
		t.Fatalf("Status = %q, want %q", have, want)
	}
}

// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/olivere/servicequeue"
)

func newTestStore(t *testing.T) *Store {
	st, err := NewStore(filepath.Join(t.TempDir(), "servicequeue.db"))
	if err != nil {
		t.Fatalf("NewStore returned %v", err)
	}
	return st
}

func insertPending(t *testing.T, st *Store, owner string, priority bool, created time.Time) *servicequeue.ServiceRequest {
	t.Helper()
	req := &servicequeue.ServiceRequest{
		Owner:            owner,
		Status:           servicequeue.Pending,
		ProcessingBudget: 20,
		IsPriority:       priority,
		Created:          created.UnixNano(),
		Updated:          created.UnixNano(),
	}
	if err := st.Insert(req); err != nil {
		t.Fatalf("Insert returned %v", err)
	}
	return req
}

func TestSQLiteInsertAssignsIDsAndPositions(t *testing.T) {
	st := newTestStore(t)

	now := time.Now()
	for i := 0; i < 3; i++ {
		req := insertPending(t, st, "alice", false, now)
		if req.ID == 0 {
			t.Fatal("expected Insert to assign an ID")
		}
		if have, want := req.QueuePosition, i+1; have != want {
			t.Fatalf("QueuePosition = %d, want %d", have, want)
		}
	}

	if _, err := st.Get(9999); err != servicequeue.ErrNotFound {
		t.Fatalf("Get = %v, want %v", err, servicequeue.ErrNotFound)
	}
}

func TestSQLiteConditionalUpdate(t *testing.T) {
	st := newTestStore(t)

	req := insertPending(t, st, "alice", false, time.Now())
	stale := req.Clone()

	req.Progress = 10
	if err := st.Update(req); err != nil {
		t.Fatalf("Update returned %v", err)
	}

	stale.Progress = 99
	if err := st.Update(stale); err != servicequeue.ErrConflict {
		t.Fatalf("Update = %v, want %v", err, servicequeue.ErrConflict)
	}

	got, err := st.Get(req.ID)
	if err != nil {
		t.Fatalf("Get returned %v", err)
	}
	if have, want := got.Progress, 10; have != want {
		t.Fatalf("Progress = %d, want %d", have, want)
	}
}

func TestSQLiteLocking(t *testing.T) {
	st := newTestStore(t)

	req := insertPending(t, st, "alice", false, time.Now())

	ok, err := st.AcquireLock(req.ID, "worker-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("AcquireLock = %t, %v", ok, err)
	}
	ok, err = st.AcquireLock(req.ID, "worker-2", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock returned %v", err)
	}
	if ok {
		t.Fatal("expected second AcquireLock to fail")
	}

	cur, err := st.Get(req.ID)
	if err != nil {
		t.Fatalf("Get returned %v", err)
	}
	cur.Progress = 25
	if err := st.UpdateLocked(cur, "worker-2"); err != servicequeue.ErrConflict {
		t.Fatalf("UpdateLocked = %v, want %v", err, servicequeue.ErrConflict)
	}
	if err := st.UpdateLocked(cur, "worker-1"); err != nil {
		t.Fatalf("UpdateLocked returned %v", err)
	}

	// Releasing with a foreign token is a no-op.
	if err := st.ReleaseLock(req.ID, "worker-2"); err != nil {
		t.Fatalf("ReleaseLock returned %v", err)
	}
	ok, err = st.AcquireLock(req.ID, "worker-2", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock returned %v", err)
	}
	if ok {
		t.Fatal("expected lock to still be held by worker-1")
	}

	if err := st.ReleaseLock(req.ID, "worker-1"); err != nil {
		t.Fatalf("ReleaseLock returned %v", err)
	}
	ok, err = st.AcquireLock(req.ID, "worker-2", time.Minute)
	if err != nil || !ok {
		t.Fatalf("AcquireLock after release = %t, %v", ok, err)
	}
}

func TestSQLiteRenumberPending(t *testing.T) {
	st := newTestStore(t)

	base := time.Now()
	first := insertPending(t, st, "alice", false, base)
	insertPending(t, st, "alice", false, base.Add(time.Second))
	insertPending(t, st, "alice", false, base.Add(2*time.Second))
	prio := insertPending(t, st, "bob", true, base.Add(10*time.Second))

	first.Status = servicequeue.Completed
	first.QueuePosition = 0
	if err := st.Update(first); err != nil {
		t.Fatalf("Update returned %v", err)
	}
	if err := st.RenumberPending(); err != nil {
		t.Fatalf("RenumberPending returned %v", err)
	}

	pending, err := st.ListPending(0)
	if err != nil {
		t.Fatalf("ListPending returned %v", err)
	}
	if have, want := len(pending), 3; have != want {
		t.Fatalf("len(pending) = %d, want %d", have, want)
	}
	if have, want := pending[0].ID, prio.ID; have != want {
		t.Fatalf("pending[0].ID = %d, want %d", have, want)
	}
	for i, req := range pending {
		if have, want := req.QueuePosition, i+1; have != want {
			t.Fatalf("pending[%d].QueuePosition = %d, want %d", i, have, want)
		}
	}
}

func TestSQLiteListFilters(t *testing.T) {
	st := newTestStore(t)

	now := time.Now()
	insertPending(t, st, "alice", false, now.Add(-48*time.Hour))
	insertPending(t, st, "alice", false, now)
	insertPending(t, st, "bob", false, now)

	rsp, err := st.List(&servicequeue.ListRequest{
		Owner: "alice",
		Since: now.Add(-24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("List returned %v", err)
	}
	if have, want := rsp.Total, 1; have != want {
		t.Fatalf("Total = %d, want %d", have, want)
	}
	if have, want := len(rsp.Requests), 1; have != want {
		t.Fatalf("len(Requests) = %d, want %d", have, want)
	}
	if have, want := rsp.Requests[0].Owner, "alice"; have != want {
		t.Fatalf("Owner = %q, want %q", have, want)
	}
}

func TestSQLitePurgeTerminal(t *testing.T) {
	st := newTestStore(t)

	now := time.Now()
	old := insertPending(t, st, "alice", false, now.Add(-48*time.Hour))
	old.Status = servicequeue.Completed
	old.QueuePosition = 0
	if err := st.Update(old); err != nil {
		t.Fatalf("Update returned %v", err)
	}
	// Backdate the updated timestamp past the retention window.
	if _, err := st.db.Exec(`UPDATE service_requests SET updated = ? WHERE id = ?`,
		now.Add(-48*time.Hour).UnixNano(), old.ID); err != nil {
		t.Fatalf("Exec returned %v", err)
	}
	fresh := insertPending(t, st, "alice", false, now)

	n, err := st.PurgeTerminal(now.Add(-24*time.Hour), 0)
	if err != nil {
		t.Fatalf("PurgeTerminal returned %v", err)
	}
	if have, want := n, 1; have != want {
		t.Fatalf("purged = %d, want %d", have, want)
	}
	if _, err := st.Get(old.ID); err != servicequeue.ErrNotFound {
		t.Fatalf("Get = %v, want %v", err, servicequeue.ErrNotFound)
	}
	if _, err := st.Get(fresh.ID); err != nil {
		t.Fatalf("Get returned %v", err)
	}
}

func TestSQLiteLoadState(t *testing.T) {
	st := newTestStore(t)

	if _, _, err := st.LoadState(); err != servicequeue.ErrNotFound {
		t.Fatalf("LoadState = %v, want %v", err, servicequeue.ErrNotFound)
	}
	changed := time.Now()
	if err := st.SaveLoadState("high", changed); err != nil {
		t.Fatalf("SaveLoadState returned %v", err)
	}
	level, at, err := st.LoadState()
	if err != nil {
		t.Fatalf("LoadState returned %v", err)
	}
	if have, want := level, "high"; have != want {
		t.Fatalf("level = %q, want %q", have, want)
	}
	if !at.Equal(changed) {
		t.Fatalf("changedAt = %v, want %v", at, changed)
	}

	// Overwrites keep a single row.
	if err := st.SaveLoadState("low", changed.Add(time.Minute)); err != nil {
		t.Fatalf("SaveLoadState returned %v", err)
	}
	level, _, err = st.LoadState()
	if err != nil {
		t.Fatalf("LoadState returned %v", err)
	}
	if have, want := level, "low"; have != want {
		t.Fatalf("level = %q, want %q", have, want)
	}
}

func TestSQLiteStatsAndReset(t *testing.T) {
	st := newTestStore(t)

	insertPending(t, st, "alice", false, time.Now())
	insertPending(t, st, "bob", false, time.Now())

	stats, err := st.Stats()
	if err != nil {
		t.Fatalf("Stats returned %v", err)
	}
	if have, want := stats.Pending, 2; have != want {
		t.Fatalf("Pending = %d, want %d", have, want)
	}

	if err := st.Reset(); err != nil {
		t.Fatalf("Reset returned %v", err)
	}
	stats, err = st.Stats()
	if err != nil {
		t.Fatalf("Stats returned %v", err)
	}
	if have, want := stats.Pending, 0; have != want {
		t.Fatalf("Pending after Reset = %d, want %d", have, want)
	}
}

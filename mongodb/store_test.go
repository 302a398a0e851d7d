// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package mongodb

import (
	"os"
	"testing"
	"time"

	"github.com/olivere/servicequeue"
)

// newTestStore connects to the MongoDB instance named by
// SERVICEQUEUE_MONGODB_TEST_URL, e.g. "mongodb://localhost/servicequeue_test".
// The tests are skipped when it is unset.
func newTestStore(t *testing.T) *Store {
	url := os.Getenv("SERVICEQUEUE_MONGODB_TEST_URL")
	if url == "" {
		t.Skip("SERVICEQUEUE_MONGODB_TEST_URL is not set")
	}
	st, err := NewStore(url)
	if err != nil {
		t.Fatalf("NewStore returned %v", err)
	}
	if err := st.Recreate(); err != nil {
		t.Fatalf("Recreate returned %v", err)
	}
	return st
}

func TestMongoDBInsertAndGet(t *testing.T) {
	st := newTestStore(t)
	defer st.Close()

	now := time.Now().UnixNano()
	req := &servicequeue.ServiceRequest{
		Owner:            "alice",
		Status:           servicequeue.Pending,
		ProcessingBudget: 20,
		Created:          now,
		Updated:          now,
	}
	if err := st.Insert(req); err != nil {
		t.Fatalf("Insert returned %v", err)
	}
	if req.ID == 0 {
		t.Fatal("expected Insert to assign an ID")
	}
	if have, want := req.QueuePosition, 1; have != want {
		t.Fatalf("QueuePosition = %d, want %d", have, want)
	}

	got, err := st.Get(req.ID)
	if err != nil {
		t.Fatalf("Get returned %v", err)
	}
	if have, want := got.Owner, "alice"; have != want {
		t.Fatalf("Owner = %q, want %q", have, want)
	}

	if _, err := st.Get(req.ID + 1000); err != servicequeue.ErrNotFound {
		t.Fatalf("Get = %v, want %v", err, servicequeue.ErrNotFound)
	}
}

func TestMongoDBConditionalUpdate(t *testing.T) {
	st := newTestStore(t)
	defer st.Close()

	now := time.Now().UnixNano()
	req := &servicequeue.ServiceRequest{
		Owner:   "alice",
		Status:  servicequeue.Pending,
		Created: now,
		Updated: now,
	}
	if err := st.Insert(req); err != nil {
		t.Fatalf("Insert returned %v", err)
	}

	stale := req.Clone()
	req.Progress = 10
	if err := st.Update(req); err != nil {
		t.Fatalf("Update returned %v", err)
	}

	stale.Progress = 99
	if err := st.Update(stale); err != servicequeue.ErrConflict {
		t.Fatalf("Update = %v, want %v", err, servicequeue.ErrConflict)
	}
}

func TestMongoDBLocking(t *testing.T) {
	st := newTestStore(t)
	defer st.Close()

	now := time.Now().UnixNano()
	req := &servicequeue.ServiceRequest{
		Owner:   "alice",
		Status:  servicequeue.Active,
		Created: now,
		Updated: now,
	}
	if err := st.Insert(req); err != nil {
		t.Fatalf("Insert returned %v", err)
	}

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

	if err := st.ReleaseLock(req.ID, "worker-1"); err != nil {
		t.Fatalf("ReleaseLock returned %v", err)
	}
	ok, err = st.AcquireLock(req.ID, "worker-2", time.Minute)
	if err != nil || !ok {
		t.Fatalf("AcquireLock after release = %t, %v", ok, err)
	}
}

func TestMongoDBRenumberPending(t *testing.T) {
	st := newTestStore(t)
	defer st.Close()

	base := time.Now()
	var first *servicequeue.ServiceRequest
	for i := 0; i < 3; i++ {
		req := &servicequeue.ServiceRequest{
			Owner:   "alice",
			Status:  servicequeue.Pending,
			Created: base.Add(time.Duration(i) * time.Second).UnixNano(),
			Updated: base.Add(time.Duration(i) * time.Second).UnixNano(),
		}
		if err := st.Insert(req); err != nil {
			t.Fatalf("Insert returned %v", err)
		}
		if first == nil {
			first = req
		}
	}
	prio := &servicequeue.ServiceRequest{
		Owner:      "bob",
		Status:     servicequeue.Pending,
		IsPriority: true,
		Created:    base.Add(10 * time.Second).UnixNano(),
		Updated:    base.Add(10 * time.Second).UnixNano(),
	}
	if err := st.Insert(prio); err != nil {
		t.Fatalf("Insert returned %v", err)
	}

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

func TestMongoDBLoadState(t *testing.T) {
	st := newTestStore(t)
	defer st.Close()

	if _, _, err := st.LoadState(); err != servicequeue.ErrNotFound {
		t.Fatalf("LoadState = %v, want %v", err, servicequeue.ErrNotFound)
	}
	changed := time.Now()
	if err := st.SaveLoadState("medium", changed); err != nil {
		t.Fatalf("SaveLoadState returned %v", err)
	}
	level, at, err := st.LoadState()
	if err != nil {
		t.Fatalf("LoadState returned %v", err)
	}
	if have, want := level, "medium"; have != want {
		t.Fatalf("level = %q, want %q", have, want)
	}
	if !at.Equal(changed) {
		t.Fatalf("changedAt = %v, want %v", at, changed)
	}
}

func TestMongoDBListOrdering(t *testing.T) {
	st := newTestStore(t)
	defer st.Close()

	base := time.Now()
	insert := func(owner string, status string, priority bool, created time.Time) *servicequeue.ServiceRequest {
		t.Helper()
		req := &servicequeue.ServiceRequest{
			Owner:      owner,
			Status:     status,
			IsPriority: priority,
			Created:    created.UnixNano(),
			Updated:    created.UnixNano(),
		}
		if err := st.Insert(req); err != nil {
			t.Fatalf("Insert returned %v", err)
		}
		return req
	}

	standard := insert("alice", servicequeue.Active, false, base.Add(3*time.Second))
	prio := insert("bob", servicequeue.Pending, true, base.Add(time.Second))
	done := insert("carol", servicequeue.Completed, true, base.Add(2*time.Second))

	rsp, err := st.List(&servicequeue.ListRequest{})
	if err != nil {
		t.Fatalf("List returned %v", err)
	}
	if have, want := rsp.Total, 3; have != want {
		t.Fatalf("Total = %d, want %d", have, want)
	}
	// In-flight priority leads despite being the oldest; the rest are
	// most recent first, terminal priority requests get no boost.
	want := []int64{prio.ID, standard.ID, done.ID}
	for i, req := range rsp.Requests {
		if have := req.ID; have != want[i] {
			t.Fatalf("Requests[%d].ID = %d, want %d", i, have, want[i])
		}
	}
}

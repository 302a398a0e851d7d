// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package servicequeue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func lowLoadSampler() (float64, error)  { return 0.1, nil }
func highLoadSampler() (float64, error) { return 0.9, nil }

func TestManagerDefaults(t *testing.T) {
	m := New()
	if m.st == nil {
		t.Fatal("Store is nil")
	}
	if m.hub == nil {
		t.Fatal("Hub is nil")
	}
	if have, want := m.totalSteps, defaultTotalSteps; have != want {
		t.Fatalf("totalSteps = %v, want %v", have, want)
	}
	if have, want := m.maxRetry, defaultMaxRetry; have != want {
		t.Fatalf("maxRetry = %v, want %v", have, want)
	}
	if have, want := m.lockTTL, defaultLockTTL; have != want {
		t.Fatalf("lockTTL = %v, want %v", have, want)
	}
	if have, want := m.started, false; have != want {
		t.Fatalf("started = %t, want %t", have, want)
	}
}

func TestManagerStartStop(t *testing.T) {
	m := New(SetLoadSampler(lowLoadSampler))
	started := make(chan struct{}, 1)
	stopped := make(chan struct{}, 1)
	m.testManagerStarted = func() { started <- struct{}{} }
	m.testManagerStopped = func() { stopped <- struct{}{} }

	err := m.Start()
	if err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	select {
	case <-started:
	case <-time.After(1 * time.Second):
		t.Fatal("Start timed out")
	}

	err = m.Stop()
	if err != nil {
		t.Fatalf("Stop failed with %v", err)
	}
	select {
	case <-stopped:
	case <-time.After(1 * time.Second):
		t.Fatal("Stop timed out")
	}
}

func TestManagerDoubleStartFails(t *testing.T) {
	m := New(SetLoadSampler(lowLoadSampler))
	if err := m.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	defer m.Close()
	if err := m.Start(); err == nil {
		t.Fatal("expected second Start to fail")
	}
}

func TestManagerSubmitWhenStopped(t *testing.T) {
	m := New(SetLoadSampler(lowLoadSampler))
	_, err := m.Submit(context.Background(), "alice")
	if have, want := err, ErrStopped; have != want {
		t.Fatalf("Submit = %v, want %v", have, want)
	}
}

// TestRequestLifecycle is the green case: a single request submitted to an
// empty queue under low load begins immediately and runs to completion.
func TestRequestLifecycle(t *testing.T) {
	admitted := make(chan struct{}, 1)
	promoted := make(chan struct{}, 1)
	completed := make(chan struct{}, 1)

	m := New(
		SetLoadSampler(lowLoadSampler),
		SetProcessingBudget(0),
		SetTotalSteps(4),
	)
	m.testRequestAdmitted = func() { admitted <- struct{}{} }
	m.testRequestPromoted = func() { promoted <- struct{}{} }
	m.testRequestCompleted = func() { completed <- struct{}{} }

	if err := m.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	defer m.Close()

	req, err := m.Submit(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Submit failed with %v", err)
	}
	if req.ID == 0 {
		t.Fatalf("ID = %d", req.ID)
	}

	timeout := 2 * time.Second
	select {
	case <-admitted:
	case <-time.After(timeout):
		t.Fatal("admission timed out")
	}
	select {
	case <-promoted:
	case <-time.After(timeout):
		t.Fatal("promotion timed out")
	}
	select {
	case <-completed:
	case <-time.After(timeout):
		t.Fatal("completion timed out")
	}

	final, err := m.Lookup(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if have, want := final.Status, Completed; have != want {
		t.Fatalf("Status = %q, want %q", have, want)
	}
	if have, want := final.Progress, 100; have != want {
		t.Fatalf("Progress = %d, want %d", have, want)
	}
	if have, want := final.QueuePosition, 0; have != want {
		t.Fatalf("QueuePosition = %d, want %d", have, want)
	}
	if final.LockOwner != "" {
		t.Fatalf("LockOwner = %q, want empty", final.LockOwner)
	}
}

// TestStepIdempotence delivers a duplicate step trigger after the request
// completed and checks that nothing changes and nothing is published.
func TestStepIdempotence(t *testing.T) {
	completed := make(chan struct{}, 1)
	m := New(
		SetLoadSampler(lowLoadSampler),
		SetProcessingBudget(0),
		SetTotalSteps(2),
	)
	m.testRequestCompleted = func() { completed <- struct{}{} }

	if err := m.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	defer m.Close()

	req, err := m.Submit(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Submit failed with %v", err)
	}
	select {
	case <-completed:
	case <-time.After(2 * time.Second):
		t.Fatal("completion timed out")
	}

	before, err := m.Lookup(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}

	updates, cancel := m.Subscribe(GlobalTopic)
	defer cancel()

	// Duplicate delivery of the final step.
	m.processStep(req.ID, 2, 2)

	select {
	case u := <-updates:
		t.Fatalf("expected no update, have %+v", u)
	case <-time.After(100 * time.Millisecond):
	}

	after, err := m.Lookup(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if have, want := after.Updated, before.Updated; have != want {
		t.Fatalf("Updated = %d, want %d", have, want)
	}
}

// TestRequestRetryThenFail checks the error path: a step that keeps
// failing restarts the request until the retry ceiling is exceeded.
func TestRequestRetryThenFail(t *testing.T) {
	retried := make(chan struct{}, 4)
	failed := make(chan struct{}, 1)

	boom := errors.New("simulated processing error")
	m := New(
		SetLoadSampler(lowLoadSampler),
		SetProcessingBudget(0),
		SetTotalSteps(2),
		SetMaxRetry(1),
		SetBackoffFunc(func(int) time.Duration { return 0 }),
		SetStepFunc(func(req *ServiceRequest, step, total int) error {
			return boom
		}),
	)
	m.testRequestRetried = func() { retried <- struct{}{} }
	m.testRequestFailed = func() { failed <- struct{}{} }

	if err := m.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	defer m.Close()

	req, err := m.Submit(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Submit failed with %v", err)
	}

	timeout := 2 * time.Second
	select {
	case <-retried:
	case <-time.After(timeout):
		t.Fatal("retry timed out")
	}
	select {
	case <-failed:
	case <-time.After(timeout):
		t.Fatal("failure timed out")
	}

	final, err := m.Lookup(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if have, want := final.Status, Failed; have != want {
		t.Fatalf("Status = %q, want %q", have, want)
	}
	if have, want := final.LastError, boom.Error(); have != want {
		t.Fatalf("LastError = %q, want %q", have, want)
	}
	if have, want := final.RetryCount, 2; have != want {
		t.Fatalf("RetryCount = %d, want %d", have, want)
	}
}

// TestStepReschedulesOnLockConflict verifies that a held lock never blocks
// a step; the step backs off and succeeds once the lock is released.
func TestStepReschedulesOnLockConflict(t *testing.T) {
	completed := make(chan struct{}, 1)
	st := NewInMemoryStore()
	m := New(
		SetStore(st),
		SetLoadSampler(lowLoadSampler),
		SetProcessingBudget(0),
		SetTotalSteps(1),
		SetLockRetryDelay(5*time.Millisecond),
	)
	m.testRequestCompleted = func() { completed <- struct{}{} }

	if err := m.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	defer m.Close()

	// Insert an active request and hold its lock, simulating a busy
	// concurrent worker.
	now := time.Now().UnixNano()
	req := &ServiceRequest{Owner: "alice", Status: Active, ProcessingBudget: 0, Created: now, Updated: now}
	if err := st.Insert(req); err != nil {
		t.Fatalf("Insert failed with %v", err)
	}
	ok, err := st.AcquireLock(req.ID, "other-worker", time.Minute)
	if err != nil || !ok {
		t.Fatalf("AcquireLock = %t, %v", ok, err)
	}

	m.scheduleStep(req.ID, 1, 1, 0)

	// The step must not complete while the lock is held.
	select {
	case <-completed:
		t.Fatal("step completed despite held lock")
	case <-time.After(50 * time.Millisecond):
	}

	if err := st.ReleaseLock(req.ID, "other-worker"); err != nil {
		t.Fatalf("ReleaseLock failed with %v", err)
	}
	select {
	case <-completed:
	case <-time.After(2 * time.Second):
		t.Fatal("completion timed out")
	}
}

func TestManagerList(t *testing.T) {
	m := New(
		SetLoadSampler(highLoadSampler),
		SetCeilings(Ceilings{LoadHigh: {Global: 10, Priority: 5, Standard: 5}}),
		// A long promote interval keeps submissions pending during the test.
		SetPromoteInterval(time.Hour),
	)
	if err := m.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	defer m.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := m.Submit(ctx, "alice"); err != nil {
			t.Fatalf("Submit failed with %v", err)
		}
	}
	if _, err := m.Submit(ctx, "bob"); err != nil {
		t.Fatalf("Submit failed with %v", err)
	}

	rsp, err := m.List(ctx, &ListRequest{Owner: "alice"})
	if err != nil {
		t.Fatalf("List failed with %v", err)
	}
	if have, want := rsp.Total, 3; have != want {
		t.Fatalf("Total = %d, want %d", have, want)
	}
	for _, r := range rsp.Requests {
		if have, want := r.Owner, "alice"; have != want {
			t.Fatalf("Owner = %q, want %q", have, want)
		}
	}
}

func TestManagerSystemStatus(t *testing.T) {
	m := New(SetLoadSampler(highLoadSampler), SetPromoteInterval(time.Hour))
	if err := m.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	defer m.Close()

	status, err := m.SystemStatus(context.Background())
	if err != nil {
		t.Fatalf("SystemStatus failed with %v", err)
	}
	if have, want := status.LoadLevel, LoadHigh; have != want {
		t.Fatalf("LoadLevel = %v, want %v", have, want)
	}
	if have, want := status.Ceilings, DefaultCeilings()[LoadHigh]; have != want {
		t.Fatalf("Ceilings = %+v, want %+v", have, want)
	}
}

func TestManagerResetAll(t *testing.T) {
	m := New(SetLoadSampler(lowLoadSampler), SetPromoteInterval(time.Hour))
	if err := m.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	defer m.Close()

	ctx := context.Background()
	req, err := m.Submit(ctx, "alice")
	if err != nil {
		t.Fatalf("Submit failed with %v", err)
	}
	if err := m.ResetAll(ctx); err != nil {
		t.Fatalf("ResetAll failed with %v", err)
	}
	if _, err := m.Lookup(ctx, req.ID); err != ErrNotFound {
		t.Fatalf("Lookup = %v, want %v", err, ErrNotFound)
	}
}

// TestPermanentFailureRequiresDurableWrite covers the race where the lock
// expires and is reclaimed while a worker is about to record a permanent
// failure. The conditional update fails, so no failed state may be
// broadcast: subscribers only ever see what the store recorded.
func TestPermanentFailureRequiresDurableWrite(t *testing.T) {
	st := NewInMemoryStore()
	failed := make(chan struct{}, 1)
	m := New(
		SetStore(st),
		SetLoadSampler(lowLoadSampler),
		SetMaxRetry(0),
	)
	m.testRequestFailed = func() { failed <- struct{}{} }

	updates, cancel := m.Subscribe(GlobalTopic)
	defer cancel()

	now := time.Now()
	req := &ServiceRequest{
		Owner:            "alice",
		Status:           Active,
		Progress:         40,
		ProcessingBudget: 20,
		Created:          now.UnixNano(),
		Updated:          now.UnixNano(),
	}
	if err := st.Insert(req); err != nil {
		t.Fatalf("Insert failed with %v", err)
	}
	// Another worker reclaimed the lock; our token is stale.
	ok, err := st.AcquireLock(req.ID, "current-holder", time.Minute)
	if err != nil || !ok {
		t.Fatalf("AcquireLock = %t, %v", ok, err)
	}

	cur, err := st.Get(req.ID)
	if err != nil {
		t.Fatalf("Get failed with %v", err)
	}
	m.retryOrFail(cur, "stale-token", errors.New("kaboom"))

	select {
	case u := <-updates:
		t.Fatalf("expected no update, have %+v", u)
	default:
	}
	select {
	case <-failed:
		t.Fatal("failure hook fired without a durable write")
	default:
	}
	got, err := st.Get(req.ID)
	if err != nil {
		t.Fatalf("Get failed with %v", err)
	}
	if have, want := got.Status, Active; have != want {
		t.Fatalf("Status = %q, want %q", have, want)
	}
	if got.LastError != "" {
		t.Fatalf("LastError = %q, want empty", got.LastError)
	}
	// The reclaimed lock is untouched.
	if have, want := got.LockOwner, "current-holder"; have != want {
		t.Fatalf("LockOwner = %q, want %q", have, want)
	}
}

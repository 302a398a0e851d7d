// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package servicequeue

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultTotalSteps      = 20
	defaultMaxRetry        = 3
	defaultLockTTL         = 30 * time.Second
	defaultLockRetryDelay  = 10 * time.Second
	defaultPromoteInterval = 1 * time.Minute
	defaultBatchLimit      = 10
	defaultStuckTimeout    = 5 * time.Minute
	defaultReapInterval    = 1 * time.Minute
	defaultReapBatch       = 100
	defaultRetention       = 24 * time.Hour
	defaultPurgeInterval   = 10 * time.Minute
	defaultPurgeBatch      = 500

	defaultMinBudget = 15 // seconds
	defaultMaxBudget = 30 // seconds
)

func nop() {}

// Manager runs the service queue: it admits new requests, advances them
// step by step, promotes pending requests into free slots, broadcasts
// updates, and reclaims stuck or stale rows. Create a new manager via New.
type Manager struct {
	logger     Logger
	st         Store
	backoff    BackoffFunc
	hub        *Hub
	metrics    *metrics
	registerer prometheus.Registerer
	loadmon    *loadMonitor
	adm        *admissionController
	limiter    *rateLimiter
	timers     *timerQueue

	ceilings        Ceilings
	sampler         LoadSampler
	loadGrace       time.Duration
	priorityFn      PriorityFunc
	budgetFn        func() int
	stepFn          StepFunc
	totalSteps      int
	maxRetry        int
	lockTTL         time.Duration
	lockRetryDelay  time.Duration
	promoteInterval time.Duration
	batchLimit      int
	stuckTimeout    time.Duration
	reapInterval    time.Duration
	reapBatch       int
	retention       time.Duration
	purgeInterval   time.Duration
	purgeBatch      int
	rateWindow      time.Duration
	rateMax         int
	rateExempt      []string
	rateDisabled    bool

	mu          sync.Mutex // guards the following block
	started     bool
	stopPromote chan struct{} // stop signal for the promoter loop
	stopReap    chan struct{} // stop signal for the stuck-request sweep
	stopPurge   chan struct{} // stop signal for the retention purge

	testManagerStarted   func() // testing hook
	testManagerStopped   func() // testing hook
	testRequestAdmitted  func() // testing hook
	testRequestRejected  func() // testing hook
	testRequestPromoted  func() // testing hook
	testStepAdvanced     func() // testing hook
	testRequestRetried   func() // testing hook
	testRequestFailed    func() // testing hook
	testRequestCompleted func() // testing hook
	testRequestReaped    func() // testing hook
}

// New creates a new manager. Pass options to New to configure it.
func New(options ...ManagerOption) *Manager {
	m := &Manager{
		logger:               stdLogger{},
		st:                   NewInMemoryStore(),
		backoff:              exponentialBackoff,
		hub:                  NewHub(),
		ceilings:             DefaultCeilings(),
		sampler:              SystemLoadSampler,
		loadGrace:            defaultLoadGracePeriod,
		priorityFn:           func(string) bool { return false },
		totalSteps:           defaultTotalSteps,
		maxRetry:             defaultMaxRetry,
		lockTTL:              defaultLockTTL,
		lockRetryDelay:       defaultLockRetryDelay,
		promoteInterval:      defaultPromoteInterval,
		batchLimit:           defaultBatchLimit,
		stuckTimeout:         defaultStuckTimeout,
		reapInterval:         defaultReapInterval,
		reapBatch:            defaultReapBatch,
		retention:            defaultRetention,
		purgeInterval:        defaultPurgeInterval,
		purgeBatch:           defaultPurgeBatch,
		rateWindow:           defaultRateLimitWindow,
		rateMax:              defaultRateLimitMax,
		testManagerStarted:   nop,
		testManagerStopped:   nop,
		testRequestAdmitted:  nop,
		testRequestRejected:  nop,
		testRequestPromoted:  nop,
		testStepAdvanced:     nop,
		testRequestRetried:   nop,
		testRequestFailed:    nop,
		testRequestCompleted: nop,
		testRequestReaped:    nop,
	}
	m.budgetFn = func() int {
		return defaultMinBudget + rand.Intn(defaultMaxBudget-defaultMinBudget+1)
	}
	for _, opt := range options {
		opt(m)
	}
	m.loadmon = newLoadMonitor(m.st, m.sampler, m.loadGrace, m.logger)
	if !m.rateDisabled {
		m.limiter = newRateLimiter(m.rateWindow, m.rateMax, m.rateExempt)
	}
	m.adm = &admissionController{
		st:         m.st,
		loadmon:    m.loadmon,
		ceilings:   m.ceilings,
		limiter:    m.limiter,
		isPriority: m.priorityFn,
		budget:     m.budgetFn,
		nowFn:      time.Now,
	}
	m.metrics = newMetrics(m.st)
	return m
}

// -- Configuration --

// ManagerOption is the signature of an options provider.
type ManagerOption func(*Manager)

// SetLogger specifies the logger to use when e.g. reporting errors.
func SetLogger(logger Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// SetStore specifies the backing Store implementation for the manager.
func SetStore(store Store) ManagerOption {
	return func(m *Manager) {
		m.st = store
	}
}

// SetBackoffFunc specifies the backoff function that returns the time span
// before a failed request is restarted. Exponential backoff is used by
// default.
func SetBackoffFunc(fn BackoffFunc) ManagerOption {
	return func(m *Manager) {
		if fn != nil {
			m.backoff = fn
		} else {
			m.backoff = exponentialBackoff
		}
	}
}

// SetCeilings overrides the ceiling table for admission and promotion.
func SetCeilings(c Ceilings) ManagerOption {
	return func(m *Manager) {
		m.ceilings = c
	}
}

// SetLoadSampler overrides how the normalized system load is sampled.
func SetLoadSampler(fn LoadSampler) ManagerOption {
	return func(m *Manager) {
		m.sampler = fn
	}
}

// SetLoadGracePeriod overrides the hysteresis grace period of the load
// monitor.
func SetLoadGracePeriod(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.loadGrace = d
	}
}

// SetPriorityFunc decides which owners belong to the privileged tier.
// By default nobody does.
func SetPriorityFunc(fn PriorityFunc) ManagerOption {
	return func(m *Manager) {
		if fn != nil {
			m.priorityFn = fn
		}
	}
}

// SetProcessingBudget fixes the simulated duration of new requests to a
// constant number of seconds. By default the budget is random between
// 15 and 30 seconds.
func SetProcessingBudget(seconds int) ManagerOption {
	return func(m *Manager) {
		m.budgetFn = func() int { return seconds }
	}
}

// SetStepFunc installs a function that is called for every progress step
// while the request lock is held. An error from fn triggers the retry
// path. The default is no work, pure simulation.
func SetStepFunc(fn StepFunc) ManagerOption {
	return func(m *Manager) {
		m.stepFn = fn
	}
}

// SetTotalSteps overrides the number of progress steps per request.
func SetTotalSteps(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.totalSteps = n
		}
	}
}

// SetMaxRetry overrides the number of recoverable failures allowed before
// a request is marked failed permanently.
func SetMaxRetry(n int) ManagerOption {
	return func(m *Manager) {
		m.maxRetry = n
	}
}

// SetLockTTL overrides the expiry of the per-request exclusive lock.
func SetLockTTL(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.lockTTL = d
	}
}

// SetLockRetryDelay overrides how long a step waits before retrying after
// a lock conflict.
func SetLockRetryDelay(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.lockRetryDelay = d
	}
}

// SetPromoteInterval overrides the cadence of the batch promoter.
func SetPromoteInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.promoteInterval = d
	}
}

// SetBatchLimit bounds the number of requests promoted per promoter run.
func SetBatchLimit(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.batchLimit = n
		}
	}
}

// SetStuckTimeout overrides how long an active request may go without an
// update before the reaper force-fails it.
func SetStuckTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.stuckTimeout = d
	}
}

// SetReapInterval overrides the cadence of the stuck-request sweep.
func SetReapInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.reapInterval = d
	}
}

// SetRetention overrides how long terminal requests are kept before the
// purge removes them.
func SetRetention(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.retention = d
	}
}

// SetPurgeInterval overrides the cadence of the retention purge.
func SetPurgeInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.purgeInterval = d
	}
}

// SetRateLimit overrides the per-owner submission rate limit. Owners in
// exempt bypass the limit entirely.
func SetRateLimit(window time.Duration, max int, exempt ...string) ManagerOption {
	return func(m *Manager) {
		m.rateWindow = window
		m.rateMax = max
		m.rateExempt = exempt
	}
}

// DisableRateLimit turns the submission rate limiter off.
func DisableRateLimit() ManagerOption {
	return func(m *Manager) {
		m.rateDisabled = true
	}
}

// SetMetricsRegisterer registers the manager's Prometheus collectors with
// the given registerer on Start.
func SetMetricsRegisterer(r prometheus.Registerer) ManagerOption {
	return func(m *Manager) {
		m.registerer = r
	}
}

// -- Start and Stop --

// Start runs the manager. Use Stop, Close, or CloseWithTimeout to stop it.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("servicequeue: manager already started")
	}

	// Initialize Store
	if err := m.st.Start(); err != nil {
		return err
	}

	if m.registerer != nil {
		if err := m.metrics.register(m.registerer); err != nil {
			return err
		}
	}

	m.timers = newTimerQueue()

	m.stopPromote = make(chan struct{})
	m.stopReap = make(chan struct{})
	m.stopPurge = make(chan struct{})
	go m.promoteLoop()
	go m.reapLoop()
	go m.purgeLoop()

	m.started = true

	m.testManagerStarted() // testing hook

	return nil
}

// Stop stops the manager. It waits for scheduled steps to finish.
func (m *Manager) Stop() error {
	return m.Close()
}

// Close is an alias to Stop. It stops the manager and waits for scheduled
// steps to finish.
func (m *Manager) Close() error {
	return m.CloseWithTimeout(-1 * time.Second)
}

// CloseWithTimeout stops the manager. It waits for the specified timeout,
// then closes down, even if there are still steps pending. If the timeout
// is negative, the manager waits forever for all running steps to end.
func (m *Manager) CloseWithTimeout(timeout time.Duration) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	// Stop the recurring loops
	m.stopPromote <- struct{}{}
	<-m.stopPromote
	close(m.stopPromote)
	m.stopReap <- struct{}{}
	<-m.stopReap
	close(m.stopReap)
	m.stopPurge <- struct{}{}
	<-m.stopPurge
	close(m.stopPurge)

	// Wait for scheduled steps to drain?
	var err error
	if timeout.Nanoseconds() < 0 {
		// Yes: Wait forever
		m.timers.Stop()
	} else {
		// Wait with timeout
		complete := make(chan struct{})
		go func() {
			m.timers.Stop()
			close(complete)
		}()
		select {
		case <-complete: // Completed in time
		case <-time.After(timeout):
			err = errors.New("servicequeue: close timed out")
		}
	}

	m.hub.Close()

	m.mu.Lock()
	m.started = false
	m.mu.Unlock()
	m.testManagerStopped() // testing hook
	return err
}

// -- Submit --

// Submit admits a new request for the given owner. If Submit returns a
// request, the caller can be sure it is stored in the backing store.
// Priority owners, and requests arriving at an empty queue, begin their
// first step immediately; everybody else waits for the batch promoter.
//
// Rejections are returned as an AdmissionError with a distinct reason;
// store failures are passed through unchanged.
func (m *Manager) Submit(ctx context.Context, owner string) (*ServiceRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started {
		return nil, ErrStopped
	}

	req, err := m.adm.accept(owner)
	if err != nil {
		if ae, ok := IsAdmissionError(err); ok {
			m.metrics.rejected.WithLabelValues(ae.Reason).Inc()
			m.testRequestRejected() // testing hook
		}
		return nil, err
	}
	m.metrics.submitted.Inc()
	m.observeLoadLevel(m.loadmon.Level())
	m.testRequestAdmitted() // testing hook
	m.publish(req)

	// First in line (or privileged): hand straight to the step scheduler.
	if req.IsPriority || req.QueuePosition == 1 {
		id := req.ID
		m.timers.Schedule(0, func() {
			if m.promoteRequest(id) {
				m.scheduleStep(id, 1, m.totalSteps, 0)
			}
		})
	}
	return req.Clone(), nil
}

// -- Queries and administration --

// Lookup returns the request with the specified identifier.
// If no such request exists, ErrNotFound is returned.
func (m *Manager) Lookup(ctx context.Context, id int64) (*ServiceRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.st.Get(id)
}

// List returns all requests matching the parameters in the request.
// If no Since filter is given, the last 24 hours are returned.
func (m *Manager) List(ctx context.Context, request *ListRequest) (*ListResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if request == nil {
		request = &ListRequest{}
	}
	if request.Since.IsZero() {
		request.Since = time.Now().Add(-24 * time.Hour)
	}
	return m.st.List(request)
}

// Snapshot returns the owner's current requests. It is the pull-based
// fallback for clients without a push subscription.
func (m *Manager) Snapshot(ctx context.Context, owner string) ([]*ServiceRequest, error) {
	rsp, err := m.List(ctx, &ListRequest{Owner: owner})
	if err != nil {
		return nil, err
	}
	return rsp.Requests, nil
}

// Subscribe returns a stream of updates for the given topic (an owner
// identifier, or GlobalTopic) plus a cancel function. Delivery is
// best-effort; use Snapshot as the correctness backstop.
func (m *Manager) Subscribe(topic string) (<-chan *Update, func()) {
	return m.hub.Subscribe(topic)
}

// Stats returns current statistics about the service queue.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.st.Stats()
}

// SystemStatus reports the current load level, the ceilings in effect,
// and the queue size.
func (m *Manager) SystemStatus(ctx context.Context) (*SystemStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	level := m.loadmon.Level()
	m.observeLoadLevel(level)
	queueSize, err := m.st.CountInFlight("")
	if err != nil {
		return nil, err
	}
	status := &SystemStatus{
		LoadLevel: level,
		LoadRatio: m.loadmon.Ratio(),
		Ceilings:  m.ceilings.For(level),
		QueueSize: queueSize,
	}
	if t := m.loadmon.LastChange(); !t.IsZero() {
		status.LastChange = t.UnixNano()
	}
	return status, nil
}

// ResetAll removes all requests. Destructive; the caller is responsible
// for authorization.
func (m *Manager) ResetAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.st.Reset()
}

// RecreateStore drops and recreates the store's schema. Destructive; the
// caller is responsible for authorization.
func (m *Manager) RecreateStore(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.st.Recreate()
}

// publish broadcasts the request's current state to subscribers.
func (m *Manager) publish(req *ServiceRequest) {
	m.hub.Publish(newServiceUpdate(req, time.Now()))
}

func (m *Manager) observeLoadLevel(level LoadLevel) {
	m.metrics.observeLoadLevel(level)
}

// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package servicequeue

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is a simple in-memory store implementation.
// It implements the Store interface. Do not use in production.
type InMemoryStore struct {
	mu       sync.Mutex
	requests map[int64]*ServiceRequest
	nextID   int64
	level    string
	changed  time.Time
	nowFn    func() time.Time // overridable in tests
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		requests: make(map[int64]*ServiceRequest),
		nowFn:    time.Now,
	}
}

// Start the store.
func (st *InMemoryStore) Start() error {
	return nil
}

// Insert adds a new request, assigning its ID and queue position.
func (st *InMemoryStore) Insert(req *ServiceRequest) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.nextID++
	req.ID = st.nextID
	if req.Status == Pending {
		pending := 0
		for _, r := range st.requests {
			if r.Status == Pending {
				pending++
			}
		}
		req.QueuePosition = pending + 1
	}
	st.requests[req.ID] = req.Clone()
	return nil
}

// Get returns the request with the specified identifier (or ErrNotFound).
func (st *InMemoryStore) Get(id int64) (*ServiceRequest, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	req, found := st.requests[id]
	if !found {
		return nil, ErrNotFound
	}
	return req.Clone(), nil
}

// Update persists the request if nobody else changed it in the meantime.
func (st *InMemoryStore) Update(req *ServiceRequest) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	cur, found := st.requests[req.ID]
	if !found {
		return ErrNotFound
	}
	if cur.Updated != req.Updated {
		return ErrConflict
	}
	req.Updated = st.nowFn().UnixNano()
	st.requests[req.ID] = req.Clone()
	return nil
}

// UpdateLocked persists the request while the token holds the lock.
func (st *InMemoryStore) UpdateLocked(req *ServiceRequest, token string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	cur, found := st.requests[req.ID]
	if !found {
		return ErrNotFound
	}
	if cur.LockOwner != token || cur.LockExpiry <= st.nowFn().UnixNano() {
		return ErrConflict
	}
	req.LockOwner = cur.LockOwner
	req.LockExpiry = cur.LockExpiry
	req.Updated = st.nowFn().UnixNano()
	st.requests[req.ID] = req.Clone()
	return nil
}

// AcquireLock takes the lock if it is free or expired.
func (st *InMemoryStore) AcquireLock(id int64, token string, ttl time.Duration) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	req, found := st.requests[id]
	if !found {
		return false, ErrNotFound
	}
	now := st.nowFn()
	if req.LockOwner != "" && req.LockExpiry > now.UnixNano() {
		return false, nil
	}
	req.LockOwner = token
	req.LockExpiry = now.Add(ttl).UnixNano()
	return true, nil
}

// ReleaseLock clears the lock if the token still owns it.
func (st *InMemoryStore) ReleaseLock(id int64, token string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	req, found := st.requests[id]
	if !found {
		return ErrNotFound
	}
	if req.LockOwner == token {
		req.LockOwner = ""
		req.LockExpiry = 0
	}
	return nil
}

// ListPending returns pending requests, priority first, then by position.
func (st *InMemoryStore) ListPending(limit int) ([]*ServiceRequest, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var pending []*ServiceRequest
	for _, req := range st.requests {
		if req.Status == Pending {
			pending = append(pending, req.Clone())
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].IsPriority != pending[j].IsPriority {
			return pending[i].IsPriority
		}
		return pending[i].QueuePosition < pending[j].QueuePosition
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// List finds matching requests.
func (st *InMemoryStore) List(req *ListRequest) (*ListResponse, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var matches []*ServiceRequest
	for _, r := range st.requests {
		if req.Owner != "" && r.Owner != req.Owner {
			continue
		}
		if req.Status != "" && r.Status != req.Status {
			continue
		}
		if !req.Since.IsZero() && r.Created < req.Since.UnixNano() {
			continue
		}
		matches = append(matches, r.Clone())
	}
	sort.Slice(matches, func(i, j int) bool {
		pi, pj := matches[i].InFlight() && matches[i].IsPriority, matches[j].InFlight() && matches[j].IsPriority
		if pi != pj {
			return pi
		}
		return matches[i].Created > matches[j].Created
	})
	rsp := &ListResponse{Total: len(matches)}
	if req.Offset > 0 {
		if req.Offset >= len(matches) {
			matches = nil
		} else {
			matches = matches[req.Offset:]
		}
	}
	if req.Limit > 0 && len(matches) > req.Limit {
		matches = matches[:req.Limit]
	}
	rsp.Requests = matches
	return rsp, nil
}

// CountByStatus counts requests in the given status, optionally per owner.
func (st *InMemoryStore) CountByStatus(status, owner string) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	count := 0
	for _, req := range st.requests {
		if req.Status != status {
			continue
		}
		if owner != "" && req.Owner != owner {
			continue
		}
		count++
	}
	return count, nil
}

// CountInFlight counts pending plus active requests, optionally per owner.
func (st *InMemoryStore) CountInFlight(owner string) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	count := 0
	for _, req := range st.requests {
		if !req.InFlight() {
			continue
		}
		if owner != "" && req.Owner != owner {
			continue
		}
		count++
	}
	return count, nil
}

// RenumberPending restores dense positions 1..K among pending requests.
func (st *InMemoryStore) RenumberPending() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	var pending []*ServiceRequest
	for _, req := range st.requests {
		if req.Status == Pending {
			pending = append(pending, req)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].IsPriority != pending[j].IsPriority {
			return pending[i].IsPriority
		}
		if pending[i].Created != pending[j].Created {
			return pending[i].Created < pending[j].Created
		}
		return pending[i].ID < pending[j].ID
	})
	for i, req := range pending {
		req.QueuePosition = i + 1
	}
	return nil
}

// ListStuck returns active requests untouched since olderThan.
func (st *InMemoryStore) ListStuck(olderThan time.Time, limit int) ([]*ServiceRequest, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var stuck []*ServiceRequest
	for _, req := range st.requests {
		if req.Status == Active && req.Updated < olderThan.UnixNano() {
			stuck = append(stuck, req.Clone())
			if limit > 0 && len(stuck) == limit {
				break
			}
		}
	}
	return stuck, nil
}

// PurgeTerminal deletes terminal requests untouched since olderThan.
func (st *InMemoryStore) PurgeTerminal(olderThan time.Time, limit int) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	deleted := 0
	for id, req := range st.requests {
		if req.Terminal() && req.Updated < olderThan.UnixNano() {
			delete(st.requests, id)
			deleted++
			if limit > 0 && deleted == limit {
				break
			}
		}
	}
	return deleted, nil
}

// LoadState returns the persisted load level.
func (st *InMemoryStore) LoadState() (string, time.Time, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.level == "" {
		return "", time.Time{}, ErrNotFound
	}
	return st.level, st.changed, nil
}

// SaveLoadState persists the load level and its change time.
func (st *InMemoryStore) SaveLoadState(level string, changedAt time.Time) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.level = level
	st.changed = changedAt
	return nil
}

// Stats returns statistics about the requests in the store.
func (st *InMemoryStore) Stats() (*Stats, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	stats := &Stats{}
	for _, req := range st.requests {
		switch req.Status {
		default:
			return nil, fmt.Errorf("found unknown status %v", req.Status)
		case Pending:
			stats.Pending++
		case Active:
			stats.Active++
		case Completed:
			stats.Completed++
		case Failed:
			stats.Failed++
		}
	}
	return stats, nil
}

// Reset removes all requests.
func (st *InMemoryStore) Reset() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.requests = make(map[int64]*ServiceRequest)
	return nil
}

// Recreate is equivalent to Reset for the in-memory store.
func (st *InMemoryStore) Recreate() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.requests = make(map[int64]*ServiceRequest)
	st.nextID = 0
	return nil
}

// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package servicequeue

const (
	// Pending requests wait in the queue for a free slot.
	Pending string = "pending"
	// Active is the state for requests currently being advanced.
	Active string = "active"
	// Completed requests reached 100% progress.
	Completed string = "completed"
	// Failed even after retries, or force-failed by the reaper.
	Failed string = "failed"
)

// ServiceRequest is a single submitted job, advanced step-by-step by the
// scheduler until it completes or fails.
type ServiceRequest struct {
	ID               int64  `json:"id"`                   // store-assigned, monotonically increasing
	Owner            string `json:"owner"`                // submitting principal
	Status           string `json:"status"`               // current state
	Progress         int    `json:"progress"`             // percentage 0..100
	QueuePosition    int    `json:"queue_position"`       // dense rank among pending requests, 0 otherwise
	ProcessingBudget int    `json:"processing_budget"`    // total simulated duration in seconds, fixed at creation
	RetryCount       int    `json:"retry_count"`          // number of recoverable failures so far
	IsPriority       bool   `json:"is_priority"`          // priority requests are promoted first
	LockOwner        string `json:"lock_owner,omitempty"` // token of the worker holding the lock
	LockExpiry       int64  `json:"lock_expiry,omitempty"` // lock expiry (in UnixNano)
	Created          int64  `json:"created"`              // time when the request was admitted (in UnixNano)
	Updated          int64  `json:"updated"`              // time of the last mutation (in UnixNano)
	LastError        string `json:"last_error,omitempty"` // set when Status is Failed
}

// Terminal reports whether the request reached a final state.
func (r *ServiceRequest) Terminal() bool {
	return r.Status == Completed || r.Status == Failed
}

// InFlight reports whether the request counts against admission ceilings.
func (r *ServiceRequest) InFlight() bool {
	return r.Status == Pending || r.Status == Active
}

// Clone returns a copy of the request.
func (r *ServiceRequest) Clone() *ServiceRequest {
	copy := *r
	return &copy
}

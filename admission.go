// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package servicequeue

import "time"

// Ceiling holds the maximum concurrent request counts for one load level.
type Ceiling struct {
	Global   int `json:"global"`   // pending plus active requests, system-wide
	Priority int `json:"priority"` // pending plus active requests per priority owner
	Standard int `json:"standard"` // pending plus active requests per standard owner
}

// Ceilings maps each load level to its ceilings. Ceilings are
// configuration, not computed.
type Ceilings map[LoadLevel]Ceiling

// DefaultCeilings returns the ceiling table used unless overridden
// via SetCeilings.
func DefaultCeilings() Ceilings {
	return Ceilings{
		LoadLow:    {Global: 20, Priority: 10, Standard: 4},
		LoadMedium: {Global: 10, Priority: 5, Standard: 2},
		LoadHigh:   {Global: 5, Priority: 2, Standard: 1},
	}
}

// For returns the ceilings for the given level, falling back to the
// medium-load ceilings for unknown levels.
func (c Ceilings) For(level LoadLevel) Ceiling {
	if ceiling, ok := c[level]; ok {
		return ceiling
	}
	return c[LoadMedium]
}

// PriorityFunc decides whether an owner belongs to the privileged tier.
type PriorityFunc func(owner string) bool

// admissionController accepts or rejects new requests based on the
// current load level and the in-flight counts read from the store.
type admissionController struct {
	st         Store
	loadmon    *loadMonitor
	ceilings   Ceilings
	limiter    *rateLimiter
	isPriority PriorityFunc
	budget     func() int
	nowFn      func() time.Time
}

// check verifies all admission limits for the owner without mutating
// anything. It returns nil if a new request would currently be accepted.
func (ac *admissionController) check(owner string) error {
	ceiling := ac.ceilings.For(ac.loadmon.Level())
	global, err := ac.st.CountInFlight("")
	if err != nil {
		return err
	}
	if global >= ceiling.Global {
		return &AdmissionError{Reason: ReasonGlobalCapacity, Owner: owner}
	}
	limit := ceiling.Standard
	if ac.isPriority(owner) {
		limit = ceiling.Priority
	}
	inFlight, err := ac.st.CountInFlight(owner)
	if err != nil {
		return err
	}
	if inFlight >= limit {
		return &AdmissionError{Reason: ReasonOwnerLimit, Owner: owner}
	}
	// The rate limiter runs last: Allow consumes a window token, and
	// capacity rejections must not burn the owner's budget.
	if ac.limiter != nil && !ac.limiter.Allow(owner) {
		return &AdmissionError{Reason: ReasonRateLimited, Owner: owner}
	}
	return nil
}

// accept admits a new request for the owner and inserts the pending row.
// On rejection an AdmissionError is returned; store failures are passed
// through for the caller to surface.
func (ac *admissionController) accept(owner string) (*ServiceRequest, error) {
	if err := ac.check(owner); err != nil {
		return nil, err
	}
	now := ac.nowFn().UnixNano()
	req := &ServiceRequest{
		Owner:            owner,
		Status:           Pending,
		Progress:         0,
		ProcessingBudget: ac.budget(),
		IsPriority:       ac.isPriority(owner),
		Created:          now,
		Updated:          now,
	}
	if err := ac.st.Insert(req); err != nil {
		return nil, err
	}
	return req, nil
}

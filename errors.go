// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package servicequeue

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound must be returned from Store implementations when a
	// certain request could not be found in the specific data store.
	ErrNotFound = errors.New("servicequeue: request not found")

	// ErrConflict is returned when a conditional update failed because
	// another worker changed the row or reclaimed the lock first.
	ErrConflict = errors.New("servicequeue: conditional update failed")

	// ErrStopped is returned when the manager is asked for work after
	// it has been closed.
	ErrStopped = errors.New("servicequeue: manager stopped")
)

// Admission rejection reasons.
const (
	ReasonGlobalCapacity = "global_capacity"
	ReasonOwnerLimit     = "owner_limit"
	ReasonRateLimited    = "rate_limited"
)

// AdmissionError is returned from Submit when a request is rejected.
// The Reason distinguishes global capacity from per-owner limits for
// observability; callers present both as "try again later".
type AdmissionError struct {
	Reason string // one of ReasonGlobalCapacity, ReasonOwnerLimit, ReasonRateLimited
	Owner  string // the submitting principal
}

// Error implements the error interface.
func (e *AdmissionError) Error() string {
	return fmt.Sprintf("servicequeue: admission rejected (%s)", e.Reason)
}

// IsAdmissionError reports whether err is an AdmissionError and returns it.
func IsAdmissionError(err error) (*AdmissionError, bool) {
	var ae *AdmissionError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

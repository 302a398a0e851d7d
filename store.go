// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package servicequeue

import "time"

// Store implements persistent storage of service requests. It is the single
// source of truth for status, progress, and queue positions; all other
// components derive their view from reads.
//
// Mutations are conditional: Update uses compare-and-swap on the Updated
// timestamp, UpdateLocked and ReleaseLock require a valid lock token.
// A failed precondition returns ErrConflict, never a panic, so that
// concurrent workers lose updates loudly instead of silently.
type Store interface {
	// Start is called when the manager starts up.
	// This is a good time for cleanup, e.g. creating the schema or
	// clearing expired locks left over from a crashed run.
	Start() error

	// Insert adds a request to the store. The store assigns the ID and,
	// for pending requests, the next dense queue position.
	Insert(*ServiceRequest) error

	// Get returns the request with the given identifier.
	// If the request could not be found, ErrNotFound must be returned.
	Get(id int64) (*ServiceRequest, error)

	// Update persists the request, conditional on the Updated field still
	// matching the stored row (compare-and-swap). On success the Updated
	// field is refreshed; on a lost race ErrConflict is returned.
	Update(*ServiceRequest) error

	// UpdateLocked persists the request, conditional on the given token
	// holding a non-expired lock on the row. Returns ErrConflict if the
	// lock was reclaimed or expired.
	UpdateLocked(req *ServiceRequest, token string) error

	// AcquireLock attempts to take the exclusive lock for the request.
	// It succeeds if no lock is held or the held lock has expired, and
	// reports whether the caller now owns the lock. AcquireLock never
	// blocks waiting for the current holder.
	AcquireLock(id int64, token string, ttl time.Duration) (bool, error)

	// ReleaseLock clears the lock if the token still owns it. Releasing
	// a lock that has been reclaimed is a no-op.
	ReleaseLock(id int64, token string) error

	// ListPending returns up to limit pending requests ordered by
	// (is_priority DESC, queue_position ASC).
	ListPending(limit int) ([]*ServiceRequest, error)

	// List returns requests filtered by the ListRequest, most recent
	// first with priority requests leading among non-terminal ones.
	List(*ListRequest) (*ListResponse, error)

	// CountByStatus counts requests in the given status. An empty owner
	// counts globally.
	CountByStatus(status, owner string) (int, error)

	// CountInFlight counts pending plus active requests. An empty owner
	// counts globally.
	CountInFlight(owner string) (int, error)

	// RenumberPending restores dense queue positions 1..K among pending
	// requests, ordered by (is_priority DESC, created ASC).
	RenumberPending() error

	// ListStuck returns up to limit active requests whose Updated
	// timestamp is older than the given time.
	ListStuck(olderThan time.Time, limit int) ([]*ServiceRequest, error)

	// PurgeTerminal deletes up to limit terminal requests whose Updated
	// timestamp is older than the given time. It returns the number of
	// deleted rows.
	PurgeTerminal(olderThan time.Time, limit int) (int, error)

	// LoadState returns the persisted load level and the time of its last
	// change, or ErrNotFound if no level has been stored yet.
	LoadState() (level string, changedAt time.Time, err error)

	// SaveLoadState persists the load level and its change time so that
	// hysteresis survives restarts.
	SaveLoadState(level string, changedAt time.Time) error

	// Stats returns statistics about the store, e.g. the number of
	// requests pending, active, completed, and failed.
	Stats() (*Stats, error)

	// Reset removes all requests.
	Reset() error

	// Recreate drops and recreates the underlying schema.
	Recreate() error
}

// ListRequest specifies a filter for listing service requests.
type ListRequest struct {
	Owner  string    // filter by owner
	Status string    // filter by status
	Since  time.Time // only requests created at or after this time
	Limit  int       // maximum number of requests to return
	Offset int       // number of requests to skip (for pagination)
}

// ListResponse is the outcome of invoking List on the Store.
type ListResponse struct {
	Total    int               // total number of matches, excluding pagination
	Requests []*ServiceRequest // list of requests
}

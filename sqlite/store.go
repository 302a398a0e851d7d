// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package sqlite implements a servicequeue.Store on a local SQLite
// database. It is meant for single-node deployments and tests that want
// persistence without a database server.
package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/olivere/servicequeue"
)

const (
	requestsTable = "service_requests"
	stateTable    = "service_queue_state"
	stateKey      = "load"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS service_requests (
id integer primary key autoincrement,
owner text not null,
status text not null,
progress integer not null default 0,
queue_position integer not null default 0,
processing_budget integer not null default 0,
retry_count integer not null default 0,
is_priority integer not null default 0,
lock_owner text not null default '',
lock_expiry integer not null default 0,
created integer not null,
updated integer not null,
last_error text not null default '');`,
	`CREATE INDEX IF NOT EXISTS ix_requests_owner ON service_requests (owner);`,
	`CREATE INDEX IF NOT EXISTS ix_requests_status_owner ON service_requests (status, owner);`,
	`CREATE INDEX IF NOT EXISTS ix_requests_status_updated ON service_requests (status, updated);`,
	`CREATE INDEX IF NOT EXISTS ix_requests_pending ON service_requests (status, is_priority, queue_position);`,
	`CREATE TABLE IF NOT EXISTS service_queue_state (
name text primary key,
level text not null,
changed_at integer not null);`,
}

// Store is a SQLite-backed storage backend. It implements the
// servicequeue.Store interface.
type Store struct {
	db *sql.DB
}

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// NewStore opens (or creates) the SQLite database at the given path and
// initializes the schema.
func NewStore(path string, options ...StoreOption) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite: no database path specified")
	}
	st := &Store{}
	for _, opt := range options {
		opt(st)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single writer at a time; readers must wait instead of failing
	// with SQLITE_BUSY.
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		return nil, err
	}
	st.db = db
	if err := st.createSchema(); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Store) createSchema() error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) wrapError(err error) error {
	if err == sql.ErrNoRows {
		return servicequeue.ErrNotFound
	}
	return err
}

func (s *Store) runWithRetry(fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 15 * time.Second
	return backoff.Retry(func() error {
		err := fn()
		if err == servicequeue.ErrConflict || err == servicequeue.ErrNotFound {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

// Start clears locks left over from a crashed run.
func (s *Store) Start() error {
	_, err := sq.Update(requestsTable).
		Set("lock_owner", "").
		Set("lock_expiry", 0).
		Where(sq.Gt{"lock_expiry": 0}).
		Where(sq.Lt{"lock_expiry": time.Now().UnixNano()}).
		RunWith(s.db).
		Exec()
	return s.wrapError(err)
}

// Insert adds a request to the store, assigning its identifier and, for
// pending requests, the next queue position.
func (s *Store) Insert(req *servicequeue.ServiceRequest) error {
	return s.runWithRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		pos := req.QueuePosition
		if req.Status == servicequeue.Pending {
			err = tx.QueryRow(
				`SELECT COALESCE(MAX(queue_position), 0) + 1 FROM service_requests WHERE status = ?`,
				servicequeue.Pending,
			).Scan(&pos)
			if err != nil {
				tx.Rollback()
				return err
			}
		}
		res, err := sq.Insert(requestsTable).
			Columns("owner", "status", "progress", "queue_position",
				"processing_budget", "retry_count", "is_priority",
				"lock_owner", "lock_expiry", "created", "updated", "last_error").
			Values(req.Owner, req.Status, req.Progress, pos,
				req.ProcessingBudget, req.RetryCount, req.IsPriority,
				req.LockOwner, req.LockExpiry, req.Created, req.Updated, req.LastError).
			RunWith(tx).
			Exec()
		if err != nil {
			tx.Rollback()
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		req.ID = id
		req.QueuePosition = pos
		return nil
	})
}

// Get returns the request with the specified identifier (or ErrNotFound).
func (s *Store) Get(id int64) (*servicequeue.ServiceRequest, error) {
	row := s.selectRequests().Where(sq.Eq{"id": id}).RunWith(s.db).QueryRow()
	req, err := scanRequest(row)
	if err != nil {
		return nil, s.wrapError(err)
	}
	return req, nil
}

// Update persists the request if its Updated field still matches the row.
func (s *Store) Update(req *servicequeue.ServiceRequest) error {
	return s.runWithRetry(func() error {
		updated := time.Now().UnixNano()
		res, err := s.updateColumns(req, updated).
			Set("lock_owner", req.LockOwner).
			Set("lock_expiry", req.LockExpiry).
			Where(sq.Eq{"id": req.ID, "updated": req.Updated}).
			RunWith(s.db).
			Exec()
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return s.missingOrConflict(req.ID)
		}
		req.Updated = updated
		return nil
	})
}

// UpdateLocked persists the request while the token holds the lock. The
// lock columns stay untouched.
func (s *Store) UpdateLocked(req *servicequeue.ServiceRequest, token string) error {
	return s.runWithRetry(func() error {
		updated := time.Now().UnixNano()
		res, err := s.updateColumns(req, updated).
			Where(sq.Eq{"id": req.ID, "lock_owner": token}).
			Where(sq.Gt{"lock_expiry": time.Now().UnixNano()}).
			RunWith(s.db).
			Exec()
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return s.missingOrConflict(req.ID)
		}
		req.Updated = updated
		return nil
	})
}

func (s *Store) updateColumns(req *servicequeue.ServiceRequest, updated int64) sq.UpdateBuilder {
	return sq.Update(requestsTable).
		Set("owner", req.Owner).
		Set("status", req.Status).
		Set("progress", req.Progress).
		Set("queue_position", req.QueuePosition).
		Set("processing_budget", req.ProcessingBudget).
		Set("retry_count", req.RetryCount).
		Set("is_priority", req.IsPriority).
		Set("updated", updated).
		Set("last_error", req.LastError)
}

func (s *Store) missingOrConflict(id int64) error {
	var n int
	err := sq.Select("COUNT(*)").From(requestsTable).Where(sq.Eq{"id": id}).
		RunWith(s.db).QueryRow().Scan(&n)
	if err != nil {
		return err
	}
	if n == 0 {
		return servicequeue.ErrNotFound
	}
	return servicequeue.ErrConflict
}

// AcquireLock takes the lock if it is free or expired.
func (s *Store) AcquireLock(id int64, token string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := sq.Update(requestsTable).
		Set("lock_owner", token).
		Set("lock_expiry", now.Add(ttl).UnixNano()).
		Where(sq.Eq{"id": id}).
		Where(sq.Or{
			sq.Eq{"lock_owner": ""},
			sq.LtOrEq{"lock_expiry": now.UnixNano()},
		}).
		RunWith(s.db).
		Exec()
	if err != nil {
		return false, s.wrapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if err := s.missingOrConflict(id); err == servicequeue.ErrNotFound {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// ReleaseLock clears the lock if the token still owns it.
func (s *Store) ReleaseLock(id int64, token string) error {
	res, err := sq.Update(requestsTable).
		Set("lock_owner", "").
		Set("lock_expiry", 0).
		Where(sq.Eq{"id": id, "lock_owner": token}).
		RunWith(s.db).
		Exec()
	if err != nil {
		return s.wrapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if err := s.missingOrConflict(id); err == servicequeue.ErrNotFound {
			return err
		}
	}
	return nil
}

// ListPending returns pending requests, priority first, then by position.
func (s *Store) ListPending(limit int) ([]*servicequeue.ServiceRequest, error) {
	qry := s.selectRequests().
		Where(sq.Eq{"status": servicequeue.Pending}).
		OrderBy("is_priority DESC", "queue_position ASC")
	if limit > 0 {
		qry = qry.Limit(uint64(limit))
	}
	rows, err := qry.RunWith(s.db).Query()
	if err != nil {
		return nil, s.wrapError(err)
	}
	defer rows.Close()
	return scanRequests(rows)
}

// List returns requests matching the filter, most recent first with
// priority requests leading among the in-flight ones.
func (s *Store) List(request *servicequeue.ListRequest) (*servicequeue.ListResponse, error) {
	rsp := &servicequeue.ListResponse{}

	filter := func(b sq.SelectBuilder) sq.SelectBuilder {
		if request.Owner != "" {
			b = b.Where(sq.Eq{"owner": request.Owner})
		}
		if request.Status != "" {
			b = b.Where(sq.Eq{"status": request.Status})
		}
		if !request.Since.IsZero() {
			b = b.Where(sq.GtOrEq{"created": request.Since.UnixNano()})
		}
		return b
	}

	err := filter(sq.Select("COUNT(*)").From(requestsTable)).
		RunWith(s.db).QueryRow().Scan(&rsp.Total)
	if err != nil {
		return nil, s.wrapError(err)
	}

	qry := filter(s.selectRequests()).
		OrderBy(
			fmt.Sprintf("(is_priority AND status IN ('%s','%s')) DESC",
				servicequeue.Pending, servicequeue.Active),
			"created DESC",
		)
	if request.Offset > 0 {
		qry = qry.Offset(uint64(request.Offset))
	}
	if request.Limit > 0 {
		qry = qry.Limit(uint64(request.Limit))
	}
	rows, err := qry.RunWith(s.db).Query()
	if err != nil {
		return nil, s.wrapError(err)
	}
	defer rows.Close()
	rsp.Requests, err = scanRequests(rows)
	if err != nil {
		return nil, err
	}
	return rsp, nil
}

// CountByStatus counts requests in the given status, optionally per owner.
func (s *Store) CountByStatus(status, owner string) (int, error) {
	qry := sq.Select("COUNT(*)").From(requestsTable).Where(sq.Eq{"status": status})
	if owner != "" {
		qry = qry.Where(sq.Eq{"owner": owner})
	}
	var n int
	if err := qry.RunWith(s.db).QueryRow().Scan(&n); err != nil {
		return 0, s.wrapError(err)
	}
	return n, nil
}

// CountInFlight counts pending plus active requests, optionally per owner.
func (s *Store) CountInFlight(owner string) (int, error) {
	qry := sq.Select("COUNT(*)").From(requestsTable).
		Where(sq.Eq{"status": []string{servicequeue.Pending, servicequeue.Active}})
	if owner != "" {
		qry = qry.Where(sq.Eq{"owner": owner})
	}
	var n int
	if err := qry.RunWith(s.db).QueryRow().Scan(&n); err != nil {
		return 0, s.wrapError(err)
	}
	return n, nil
}

// RenumberPending restores dense positions 1..K among pending requests.
func (s *Store) RenumberPending() error {
	return s.runWithRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		rows, err := tx.Query(
			`SELECT id FROM service_requests WHERE status = ? ORDER BY is_priority DESC, created ASC, id ASC`,
			servicequeue.Pending,
		)
		if err != nil {
			tx.Rollback()
			return err
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				tx.Rollback()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			tx.Rollback()
			return err
		}
		rows.Close()
		for i, id := range ids {
			_, err := sq.Update(requestsTable).
				Set("queue_position", i+1).
				Where(sq.Eq{"id": id}).
				RunWith(tx).
				Exec()
			if err != nil {
				tx.Rollback()
				return err
			}
		}
		return tx.Commit()
	})
}

// ListStuck returns active requests untouched since olderThan.
func (s *Store) ListStuck(olderThan time.Time, limit int) ([]*servicequeue.ServiceRequest, error) {
	qry := s.selectRequests().
		Where(sq.Eq{"status": servicequeue.Active}).
		Where(sq.Lt{"updated": olderThan.UnixNano()})
	if limit > 0 {
		qry = qry.Limit(uint64(limit))
	}
	rows, err := qry.RunWith(s.db).Query()
	if err != nil {
		return nil, s.wrapError(err)
	}
	defer rows.Close()
	return scanRequests(rows)
}

// PurgeTerminal deletes terminal requests untouched since olderThan.
// SQLite has no DELETE ... LIMIT by default, so the candidates are
// selected first.
func (s *Store) PurgeTerminal(olderThan time.Time, limit int) (int, error) {
	where := `status IN (?, ?) AND updated < ?`
	args := []interface{}{servicequeue.Completed, servicequeue.Failed, olderThan.UnixNano()}
	query := `DELETE FROM service_requests WHERE id IN (SELECT id FROM service_requests WHERE ` + where
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	query += `)`
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return 0, s.wrapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// LoadState returns the persisted load level.
func (s *Store) LoadState() (string, time.Time, error) {
	var level string
	var changedAt int64
	err := sq.Select("level", "changed_at").From(stateTable).
		Where(sq.Eq{"name": stateKey}).
		RunWith(s.db).QueryRow().Scan(&level, &changedAt)
	if err != nil {
		return "", time.Time{}, s.wrapError(err)
	}
	return level, time.Unix(0, changedAt), nil
}

// SaveLoadState persists the load level and its change time.
func (s *Store) SaveLoadState(level string, changedAt time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO service_queue_state (name, level, changed_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET level = excluded.level, changed_at = excluded.changed_at`,
		stateKey, level, changedAt.UnixNano(),
	)
	return s.wrapError(err)
}

// Stats returns statistics about the requests in the store.
func (s *Store) Stats() (*servicequeue.Stats, error) {
	stats := new(servicequeue.Stats)
	for _, c := range []struct {
		status string
		out    *int
	}{
		{servicequeue.Pending, &stats.Pending},
		{servicequeue.Active, &stats.Active},
		{servicequeue.Completed, &stats.Completed},
		{servicequeue.Failed, &stats.Failed},
	} {
		n, err := s.CountByStatus(c.status, "")
		if err != nil {
			return nil, err
		}
		*c.out = n
	}
	return stats, nil
}

// Reset removes all requests.
func (s *Store) Reset() error {
	_, err := sq.Delete(requestsTable).RunWith(s.db).Exec()
	return s.wrapError(err)
}

// Recreate drops and recreates the schema.
func (s *Store) Recreate() error {
	if _, err := s.db.Exec(`DROP TABLE IF EXISTS service_requests`); err != nil {
		return err
	}
	if _, err := s.db.Exec(`DROP TABLE IF EXISTS service_queue_state`); err != nil {
		return err
	}
	return s.createSchema()
}

// -- Row mapping --

func (s *Store) selectRequests() sq.SelectBuilder {
	return sq.Select("id", "owner", "status", "progress", "queue_position",
		"processing_budget", "retry_count", "is_priority",
		"lock_owner", "lock_expiry", "created", "updated", "last_error").
		From(requestsTable)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row rowScanner) (*servicequeue.ServiceRequest, error) {
	req := new(servicequeue.ServiceRequest)
	err := row.Scan(&req.ID, &req.Owner, &req.Status, &req.Progress,
		&req.QueuePosition, &req.ProcessingBudget, &req.RetryCount,
		&req.IsPriority, &req.LockOwner, &req.LockExpiry,
		&req.Created, &req.Updated, &req.LastError)
	if err != nil {
		return nil, err
	}
	return req, nil
}

func scanRequests(rows *sql.Rows) ([]*servicequeue.ServiceRequest, error) {
	var list []*servicequeue.ServiceRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, req)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return list, nil
}

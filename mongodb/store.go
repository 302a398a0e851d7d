// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package mongodb

import (
	"net/url"
	"time"

	"github.com/globalsign/mgo"
	"github.com/globalsign/mgo/bson"
	"github.com/pkg/errors"

	"github.com/olivere/servicequeue"
)

const (
	// socketTimeout should be long enough that even a slow mongo server
	// will respond in that length of time. Since mongo servers ping themselves
	// every 10 seconds, we use a value just over 2 ping periods to allow
	// for delayed pings due to issues such as CPU starvation etc.
	socketTimeout = 21 * time.Second

	// dialTimeout should be representative of the upper bound of the
	// time taken to dial a mongo server from within the same cloud/private
	// network.
	dialTimeout = 30 * time.Second

	// defaultCollectionName is the name of the collection in MongoDB.
	// It can be overridden by SetCollectionName.
	defaultCollectionName = "service_requests"

	countersCollectionName = "service_counters"
	stateCollectionName    = "service_queue_state"

	stateKey = "load"
)

// Store is a MongoDB-based storage backend. It implements the
// servicequeue.Store interface.
type Store struct {
	session        *mgo.Session
	db             *mgo.Database
	coll           *mgo.Collection
	counters       *mgo.Collection
	state          *mgo.Collection
	collectionName string
}

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// NewStore creates a new MongoDB-based storage backend.
func NewStore(mongodbURL string, options ...StoreOption) (*Store, error) {
	st := &Store{
		collectionName: defaultCollectionName,
	}
	for _, opt := range options {
		opt(st)
	}

	uri, err := url.Parse(mongodbURL)
	if err != nil {
		return nil, err
	}
	if uri.Path == "" || uri.Path == "/" {
		return nil, errors.New("mongodb: database missing in URL")
	}
	dbname := uri.Path[1:]

	st.session, err = mgo.DialWithTimeout(mongodbURL, dialTimeout)
	if err != nil {
		return nil, err
	}

	st.session.SetMode(mgo.Monotonic, true)
	st.session.SetSocketTimeout(socketTimeout)

	st.db = st.session.DB(dbname)
	st.coll = st.db.C(st.collectionName)
	st.counters = st.db.C(countersCollectionName)
	st.state = st.db.C(stateCollectionName)

	if err := st.ensureIndices(); err != nil {
		return nil, err
	}

	return st, nil
}

func (s *Store) ensureIndices() error {
	if err := s.coll.EnsureIndexKey("owner"); err != nil {
		return err
	}
	if err := s.coll.EnsureIndexKey("status", "owner"); err != nil {
		return err
	}
	if err := s.coll.EnsureIndexKey("status", "-is_priority", "queue_position"); err != nil {
		return err
	}
	if err := s.coll.EnsureIndexKey("status", "updated"); err != nil {
		return err
	}
	return s.coll.EnsureIndexKey("-created")
}

// Close the MongoDB store.
func (s *Store) Close() error {
	s.session.Close()
	return nil
}

// SetCollectionName overrides the default collection name.
func SetCollectionName(collectionName string) StoreOption {
	return func(s *Store) {
		s.collectionName = collectionName
	}
}

func (s *Store) wrapError(err error) error {
	if err == mgo.ErrNotFound {
		// Map mgo.ErrNotFound to servicequeue-specific "not found" error
		return servicequeue.ErrNotFound
	}
	return err
}

// missingOrConflict decides which error a failed conditional update maps to.
func (s *Store) missingOrConflict(id int64) error {
	n, err := s.coll.FindId(id).Count()
	if err != nil {
		return s.wrapError(err)
	}
	if n == 0 {
		return servicequeue.ErrNotFound
	}
	return servicequeue.ErrConflict
}

// nextID hands out monotonically increasing request identifiers from the
// counters collection.
func (s *Store) nextID() (int64, error) {
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	_, err := s.counters.Find(bson.M{"_id": s.collectionName}).Apply(mgo.Change{
		Update:    bson.M{"$inc": bson.M{"seq": int64(1)}},
		Upsert:    true,
		ReturnNew: true,
	}, &doc)
	if err != nil {
		return 0, err
	}
	return doc.Seq, nil
}

// Start is called when the manager starts up.
// We clear locks left over from a crashed run.
func (s *Store) Start() error {
	_, err := s.coll.UpdateAll(
		bson.M{"lock_expiry": bson.M{"$gt": 0, "$lt": time.Now().UnixNano()}},
		bson.M{"$set": bson.M{"lock_owner": "", "lock_expiry": 0}},
	)
	return s.wrapError(err)
}

// Insert adds a request to the store, assigning its identifier and, for
// pending requests, the next queue position.
func (s *Store) Insert(req *servicequeue.ServiceRequest) error {
	id, err := s.nextID()
	if err != nil {
		return s.wrapError(err)
	}
	pos := req.QueuePosition
	if req.Status == servicequeue.Pending {
		var tail request
		err := s.coll.Find(bson.M{"status": servicequeue.Pending}).
			Sort("-queue_position").
			Select(bson.M{"queue_position": 1}).
			One(&tail)
		switch err {
		case nil:
			pos = tail.QueuePosition + 1
		case mgo.ErrNotFound:
			pos = 1
		default:
			return s.wrapError(err)
		}
	}
	req.ID = id
	req.QueuePosition = pos
	return s.wrapError(s.coll.Insert(newRequest(req)))
}

// Get returns the request with the specified identifier (or ErrNotFound).
func (s *Store) Get(id int64) (*servicequeue.ServiceRequest, error) {
	var doc request
	if err := s.coll.FindId(id).One(&doc); err != nil {
		return nil, s.wrapError(err)
	}
	return doc.toServiceRequest(), nil
}

// Update persists the request if its Updated field still matches the
// stored document.
func (s *Store) Update(req *servicequeue.ServiceRequest) error {
	updated := time.Now().UnixNano()
	change := bson.M{"$set": bson.M{
		"owner":             req.Owner,
		"status":            req.Status,
		"progress":          req.Progress,
		"queue_position":    req.QueuePosition,
		"processing_budget": req.ProcessingBudget,
		"retry_count":       req.RetryCount,
		"is_priority":       req.IsPriority,
		"lock_owner":        req.LockOwner,
		"lock_expiry":       req.LockExpiry,
		"updated":           updated,
		"last_error":        req.LastError,
	}}
	err := s.coll.Update(bson.M{"_id": req.ID, "updated": req.Updated}, change)
	if err == mgo.ErrNotFound {
		return s.missingOrConflict(req.ID)
	}
	if err != nil {
		return s.wrapError(err)
	}
	req.Updated = updated
	return nil
}

// UpdateLocked persists the request while the token holds the lock. The
// lock fields stay untouched.
func (s *Store) UpdateLocked(req *servicequeue.ServiceRequest, token string) error {
	updated := time.Now().UnixNano()
	change := bson.M{"$set": bson.M{
		"owner":             req.Owner,
		"status":            req.Status,
		"progress":          req.Progress,
		"queue_position":    req.QueuePosition,
		"processing_budget": req.ProcessingBudget,
		"retry_count":       req.RetryCount,
		"is_priority":       req.IsPriority,
		"updated":           updated,
		"last_error":        req.LastError,
	}}
	err := s.coll.Update(bson.M{
		"_id":         req.ID,
		"lock_owner":  token,
		"lock_expiry": bson.M{"$gt": time.Now().UnixNano()},
	}, change)
	if err == mgo.ErrNotFound {
		return s.missingOrConflict(req.ID)
	}
	if err != nil {
		return s.wrapError(err)
	}
	req.Updated = updated
	return nil
}

// AcquireLock takes the lock if it is free or expired.
func (s *Store) AcquireLock(id int64, token string, ttl time.Duration) (bool, error) {
	now := time.Now()
	err := s.coll.Update(bson.M{
		"_id": id,
		"$or": []bson.M{
			{"lock_owner": ""},
			{"lock_expiry": bson.M{"$lte": now.UnixNano()}},
		},
	}, bson.M{"$set": bson.M{
		"lock_owner":  token,
		"lock_expiry": now.Add(ttl).UnixNano(),
	}})
	if err == mgo.ErrNotFound {
		if err := s.missingOrConflict(id); err == servicequeue.ErrNotFound {
			return false, err
		}
		return false, nil
	}
	if err != nil {
		return false, s.wrapError(err)
	}
	return true, nil
}

// ReleaseLock clears the lock if the token still owns it.
func (s *Store) ReleaseLock(id int64, token string) error {
	err := s.coll.Update(
		bson.M{"_id": id, "lock_owner": token},
		bson.M{"$set": bson.M{"lock_owner": "", "lock_expiry": 0}},
	)
	if err == mgo.ErrNotFound {
		if err := s.missingOrConflict(id); err == servicequeue.ErrNotFound {
			return err
		}
		return nil
	}
	return s.wrapError(err)
}

// ListPending returns pending requests, priority first, then by position.
func (s *Store) ListPending(limit int) ([]*servicequeue.ServiceRequest, error) {
	var docs []*request
	qry := s.coll.Find(bson.M{"status": servicequeue.Pending}).
		Sort("-is_priority", "queue_position")
	if limit > 0 {
		qry = qry.Limit(limit)
	}
	if err := qry.All(&docs); err != nil {
		return nil, s.wrapError(err)
	}
	return toServiceRequests(docs), nil
}

// List returns requests matching the filter, most recent first with
// priority requests leading among the in-flight ones. The leading flag is
// not stored, so the ordering runs through an aggregation pipeline.
func (s *Store) List(lr *servicequeue.ListRequest) (*servicequeue.ListResponse, error) {
	rsp := &servicequeue.ListResponse{}

	// Common filters for both Count and Find
	query := bson.M{}
	if lr.Owner != "" {
		query["owner"] = lr.Owner
	}
	if lr.Status != "" {
		query["status"] = lr.Status
	}
	if !lr.Since.IsZero() {
		query["created"] = bson.M{"$gte": lr.Since.UnixNano()}
	}

	// Count
	count, err := s.coll.Find(query).Count()
	if err != nil {
		return nil, s.wrapError(err)
	}
	rsp.Total = count

	// Find
	pipeline := []bson.M{
		{"$match": query},
		{"$addFields": bson.M{"in_flight_priority": bson.M{"$and": []interface{}{
			"$is_priority",
			bson.M{"$in": []interface{}{"$status", []string{
				servicequeue.Pending, servicequeue.Active,
			}}},
		}}}},
		{"$sort": bson.D{
			{Name: "in_flight_priority", Value: -1},
			{Name: "created", Value: -1},
		}},
	}
	if lr.Offset > 0 {
		pipeline = append(pipeline, bson.M{"$skip": lr.Offset})
	}
	if lr.Limit > 0 {
		pipeline = append(pipeline, bson.M{"$limit": lr.Limit})
	}
	var docs []*request
	if err := s.coll.Pipe(pipeline).All(&docs); err != nil {
		return nil, s.wrapError(err)
	}
	rsp.Requests = toServiceRequests(docs)
	return rsp, nil
}

// CountByStatus counts requests in the given status, optionally per owner.
func (s *Store) CountByStatus(status, owner string) (int, error) {
	query := bson.M{"status": status}
	if owner != "" {
		query["owner"] = owner
	}
	n, err := s.coll.Find(query).Count()
	if err != nil {
		return 0, s.wrapError(err)
	}
	return n, nil
}

// CountInFlight counts pending plus active requests, optionally per owner.
func (s *Store) CountInFlight(owner string) (int, error) {
	query := bson.M{"status": bson.M{"$in": []string{servicequeue.Pending, servicequeue.Active}}}
	if owner != "" {
		query["owner"] = owner
	}
	n, err := s.coll.Find(query).Count()
	if err != nil {
		return 0, s.wrapError(err)
	}
	return n, nil
}

// RenumberPending restores dense positions 1..K among pending requests.
func (s *Store) RenumberPending() error {
	var docs []*request
	err := s.coll.Find(bson.M{"status": servicequeue.Pending}).
		Sort("-is_priority", "created", "_id").
		Select(bson.M{"_id": 1}).
		All(&docs)
	if err != nil {
		return s.wrapError(err)
	}
	for i, doc := range docs {
		err := s.coll.UpdateId(doc.ID, bson.M{"$set": bson.M{"queue_position": i + 1}})
		if err != nil && err != mgo.ErrNotFound {
			return s.wrapError(err)
		}
	}
	return nil
}

// ListStuck returns active requests untouched since olderThan.
func (s *Store) ListStuck(olderThan time.Time, limit int) ([]*servicequeue.ServiceRequest, error) {
	var docs []*request
	qry := s.coll.Find(bson.M{
		"status":  servicequeue.Active,
		"updated": bson.M{"$lt": olderThan.UnixNano()},
	})
	if limit > 0 {
		qry = qry.Limit(limit)
	}
	if err := qry.All(&docs); err != nil {
		return nil, s.wrapError(err)
	}
	return toServiceRequests(docs), nil
}

// PurgeTerminal deletes terminal requests untouched since olderThan.
func (s *Store) PurgeTerminal(olderThan time.Time, limit int) (int, error) {
	var docs []*request
	qry := s.coll.Find(bson.M{
		"status":  bson.M{"$in": []string{servicequeue.Completed, servicequeue.Failed}},
		"updated": bson.M{"$lt": olderThan.UnixNano()},
	}).Select(bson.M{"_id": 1})
	if limit > 0 {
		qry = qry.Limit(limit)
	}
	if err := qry.All(&docs); err != nil {
		return 0, s.wrapError(err)
	}
	if len(docs) == 0 {
		return 0, nil
	}
	ids := make([]int64, len(docs))
	for i, doc := range docs {
		ids[i] = doc.ID
	}
	info, err := s.coll.RemoveAll(bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return 0, s.wrapError(err)
	}
	return info.Removed, nil
}

// LoadState returns the persisted load level.
func (s *Store) LoadState() (string, time.Time, error) {
	var doc struct {
		Level     string `bson:"level"`
		ChangedAt int64  `bson:"changed_at"`
	}
	if err := s.state.FindId(stateKey).One(&doc); err != nil {
		return "", time.Time{}, s.wrapError(err)
	}
	return doc.Level, time.Unix(0, doc.ChangedAt), nil
}

// SaveLoadState persists the load level and its change time.
func (s *Store) SaveLoadState(level string, changedAt time.Time) error {
	_, err := s.state.UpsertId(stateKey, bson.M{"$set": bson.M{
		"level":      level,
		"changed_at": changedAt.UnixNano(),
	}})
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
	_, err := s.coll.RemoveAll(bson.M{})
	return s.wrapError(err)
}

// Recreate drops the collections and recreates the indices. Dropping a
// collection that does not exist is not an error.
func (s *Store) Recreate() error {
	for _, coll := range []*mgo.Collection{s.coll, s.counters, s.state} {
		if err := coll.DropCollection(); err != nil && !isNamespaceNotFound(err) {
			return err
		}
	}
	return s.ensureIndices()
}

func isNamespaceNotFound(err error) bool {
	qe, ok := err.(*mgo.QueryError)
	return ok && (qe.Code == 26 || qe.Message == "ns not found")
}

// -- MongoDB-internal representation of a service request --

type request struct {
	ID               int64  `bson:"_id"`
	Owner            string `bson:"owner"`
	Status           string `bson:"status"`
	Progress         int    `bson:"progress"`
	QueuePosition    int    `bson:"queue_position"`
	ProcessingBudget int    `bson:"processing_budget"`
	RetryCount       int    `bson:"retry_count"`
	IsPriority       bool   `bson:"is_priority"`
	LockOwner        string `bson:"lock_owner"`
	LockExpiry       int64  `bson:"lock_expiry"`
	Created          int64  `bson:"created"`
	Updated          int64  `bson:"updated"`
	LastError        string `bson:"last_error,omitempty"`
}

func newRequest(req *servicequeue.ServiceRequest) *request {
	return &request{
		ID:               req.ID,
		Owner:            req.Owner,
		Status:           req.Status,
		Progress:         req.Progress,
		QueuePosition:    req.QueuePosition,
		ProcessingBudget: req.ProcessingBudget,
		RetryCount:       req.RetryCount,
		IsPriority:       req.IsPriority,
		LockOwner:        req.LockOwner,
		LockExpiry:       req.LockExpiry,
		Created:          req.Created,
		Updated:          req.Updated,
		LastError:        req.LastError,
	}
}

func (doc *request) toServiceRequest() *servicequeue.ServiceRequest {
	return &servicequeue.ServiceRequest{
		ID:               doc.ID,
		Owner:            doc.Owner,
		Status:           doc.Status,
		Progress:         doc.Progress,
		QueuePosition:    doc.QueuePosition,
		ProcessingBudget: doc.ProcessingBudget,
		RetryCount:       doc.RetryCount,
		IsPriority:       doc.IsPriority,
		LockOwner:        doc.LockOwner,
		LockExpiry:       doc.LockExpiry,
		Created:          doc.Created,
		Updated:          doc.Updated,
		LastError:        doc.LastError,
	}
}

func toServiceRequests(docs []*request) []*servicequeue.ServiceRequest {
	list := make([]*servicequeue.ServiceRequest, len(docs))
	for i, doc := range docs {
		list[i] = doc.toServiceRequest()
	}
	return list
}

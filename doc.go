// Package servicequeue simulates a backend job queue: clients submit
// service requests, a scheduler advances each request through progress
// steps over time, and connected observers receive near-real-time status
// updates.
//
// Applications using servicequeue first create a Manager. The manager
// owns every component of the engine: the admission controller that
// accepts or rejects new requests based on the current load level and
// the configured ceilings, the step scheduler that advances active
// requests one unit of progress at a time under a short-lived exclusive
// lock, the batch promoter that periodically moves pending requests into
// free slots (priority owners first), the notification hub that fans out
// state deltas to subscribers, and the reaper that reclaims stuck
// requests and purges old terminal rows.
//
// The manager has a Store to implement persistent storage. By default, an
// in-memory store is used. There are persistent stores backed by MySQL,
// SQLite, and MongoDB in the "mysql", "sqlite", and "mongodb" packages.
// The store is the single source of truth: every mutation is conditional
// (compare-and-swap on the update timestamp, or a lock-token check), and
// a failed precondition is reported as ErrConflict rather than silently
// losing an update.
//
// A request is always in one of four states: Pending (waiting in the
// queue), Active (currently being advanced), Completed (reached 100%
// progress), and Failed (failed even after retries, or force-failed by
// the reaper). Pending requests hold dense queue positions 1..K ordered
// priority-first, then by submission time; the positions are renumbered
// eagerly after every promotion or completion.
//
// Step advancement tolerates duplicate delivery: a step trigger that
// finds its request already terminal releases the lock and does nothing.
// Lock acquisition never blocks; a conflict reschedules the step after a
// short delay. A step that fails is retried by restarting the request
// from step 1 after a backoff (exponential by default, configurable via
// SetBackoffFunc) until the retry ceiling is exceeded and the request is
// marked failed permanently.
//
// If the manager crashes, locks expire on their own and the reaper
// eventually force-fails requests whose workers never came back. Notice
// that you are responsible to prevent that two concurrent managers try
// to access the same database!
package servicequeue

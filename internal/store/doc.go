// Package store provides persistent storage for minecloud using SQLite.
//
// # Architecture
//
// Registry is the interface the orchestrator and HTTP handlers depend on.
// SQLiteStore implements it together with the durable job table used by the
// work queue and the key/value cache used by the polled event bus, so one
// database file holds all server state. MockStore is an in-memory Registry
// for tests.
//
// # Data Models
//
//   - Instance: one provisioned machine and its lifecycle state
//   - Session: a user's login/logout on an instance
//   - Job: deferred lifecycle work (launch, check_state, terminate)
//
// # Invariants
//
// At most one instance may be in a state other than terminated. CreateInstance
// checks this inside the same write transaction as the insert.
//
// The provider instance ID is written once. A second AssignProvider returns
// ErrProviderIDAssigned.
//
// terminated is absorbing: UpdateState and AssignProvider on a terminated
// instance return ErrTerminated.
//
// # Drivers
//
// The default driver is modernc.org/sqlite ("sqlite"), a pure Go build.
// github.com/mattn/go-sqlite3 ("sqlite3") is available for cgo builds.
// Both are accessed through sqlx and share the same schema.
//
// # Timestamps
//
// Instance and session times are stored as RFC3339 text in UTC. Job run times
// and cache expiries are stored as Unix milliseconds so they compare
// numerically.
package store

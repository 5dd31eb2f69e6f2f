// Package stores provides the persistence layer of the deployment update service.
// It includes a SQLite-based store with embedded golang-migrate migrations, WAL mode
// for file databases, and CRUD operations for deployments, nodes, node instances,
// deployment updates with their steps, executions, and the audit log.
//
// Node instance writes are optimistic: UpdateNodeInstance compares and increments
// the version counter in a single statement, so a stale writer always fails with a
// conflict and never overwrites a newer row. The one-active-update-per-deployment
// rule is backed by a partial unique index.
package stores

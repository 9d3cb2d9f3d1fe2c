// Package jobs is the persistent scheduler for deferred index work: content
// hashing, container materialization, previews and similarity
// fingerprints.
//
// Jobs live in the jobs table and survive restarts. At most one live
// (pending, running or failed) job exists per kind and target; enqueueing a
// duplicate raises the waiting job's priority, or flags a running job to run
// again when it finishes. Workers claim the highest priority due job, check
// that its target still exists, and run the registered handler. Failures are
// retried with exponential backoff until the attempt limit, after which the
// job is dead and reported, never dropped.
//
// Every state change a caller could care about is written through the audit
// log in the same transaction as the change. Claims and priority bumps are
// not audited.
package jobs

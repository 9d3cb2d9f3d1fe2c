// Package hashing implements the two-tier hash pipeline.
//
// The fast hash (BLAKE2b-256 over size, mtime and sampled windows) tells the
// change detector whether a file probably changed without reading it whole.
// The content hash (SHA-256 over every byte) is the deduplication key and is
// only computed when the fast hash is new or changed.
//
// Failures are returned as *Error and classified with errors.Is(err, ErrIO)
// or errors.Is(err, ErrHash). Digests are lowercase hex and compare by exact
// equality.
package hashing

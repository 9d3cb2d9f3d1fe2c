// Package blobstore owns content identities.
//
// A Blob is keyed by the SHA-256 content hash of the bytes it stands for.
// Resolution is a compare-and-insert (INSERT ... ON CONFLICT DO NOTHING
// followed by a read) under a per-hash lock, so concurrent resolutions of
// identical content converge on one row and a conflict is never surfaced to
// the caller.
//
// Reference counts track the present assets that point at a blob. They are
// changed only through AttachTx and ReleaseTx, which run inside the asset
// mutation's transaction. A blob whose count drops to zero is marked
// reclaimable and keeps its row: identical content that reappears revives it.
// Purge is the retention policy entry point that actually deletes rows.
package blobstore

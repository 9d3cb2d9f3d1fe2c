// Package assets is the asset tracker: it owns the rows that map physical
// paths to content.
//
// An asset always carries a fast hash; its content hash is filled in once
// the hash pipeline resolves it. Observe, MarkAbsent, Relocate,
// ResolveContent and RequestRehash are the only mutations, and each runs in
// a single audit transaction together with the blob reference changes and
// hash job it implies.
//
// Every content change bumps the asset's hash version. ResolveContent only
// accepts a result computed for the current version, so a hash that was in
// flight when the file changed again is discarded rather than applied out of
// order.
//
// Absent assets are kept as history. A path that reappears gets a new asset
// unless the change detector matched it to a move.
package assets

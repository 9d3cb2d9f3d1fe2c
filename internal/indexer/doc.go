// Package indexer keeps the asset index in step with the filesystem.
//
// The Detector consumes change notifications and periodic sweeps for every
// configured root and turns them into asset tracker transitions:
//   - created: an unknown path appeared
//   - modified: a known path changed its fast hash
//   - moved: a vanished path reappeared elsewhere with the same fast hash
//   - deleted: a vanished path found no match within the move window
//
// Notifications are a hint, sweeps are the truth. A notification gap, a
// full event buffer or an unreadable subtree only ever schedules a sweep,
// and a root that cannot be read never has its assets marked absent.
//
// The Processor registers the job handlers that complete the picture:
// content hashing, container materialization, previews and fingerprints.
// Hidden files and directories, and anything matching the gitignore-style
// ignore patterns, are never indexed.
package indexer

// Package audit is the append-only history of index mutations.
//
// Every component mutates the index through Log.Mutate, which opens the write
// transaction, hands the component a Recorder, and inserts the emitted
// records in the same transaction as the rows they describe. Records are
// therefore committed in mutation order or not at all, and replaying the log
// reproduces the final index state.
//
//	err := log.Mutate(ctx, "tracker", func(tx *sql.Tx, rec *audit.Recorder) error {
//	    // ... update rows through tx ...
//	    rec.Emit(audit.KindAssetCreated, path, audit.Detail{"assetId": id})
//	    return nil
//	})
//
// Moves and deletions carry an undo token. Subscribers receive committed
// records through Subscribe; the core itself never reads the log.
package audit

package assets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"assetindex/internal/audit"
	"assetindex/internal/database"
	"assetindex/internal/mediatypes"
	"assetindex/internal/metrics"
)

const actor = "tracker"

// Tracker owns the assets table. Every mutation runs in one audit
// transaction together with the blob reference changes and hash job it
// causes.
type Tracker struct {
	db    *database.Database
	audit *audit.Log
	blobs BlobRefs
	queue HashQueue
}

// New creates a tracker. queue may be nil, in which case new and modified
// assets stay in StateObserved until re-observed with a queue attached.
func New(db *database.Database, log *audit.Log, blobs BlobRefs, queue HashQueue) *Tracker {
	return &Tracker{db: db, audit: log, blobs: blobs, queue: queue}
}

// Observe records that obs.Path exists with the given fast hash.
func (t *Tracker) Observe(ctx context.Context, obs Observation) (Asset, Outcome, error) {
	if obs.FastHash == "" {
		return Asset{}, OutcomeUnchanged, fmt.Errorf("observe %s: empty fast hash", obs.Path)
	}

	var asset Asset
	var outcome Outcome
	err := t.audit.Mutate(ctx, actor, func(tx *sql.Tx, rec *audit.Recorder) error {
		var err error
		asset, outcome, err = t.observeTx(ctx, tx, rec, obs)
		return err
	})
	return asset, outcome, err
}

func (t *Tracker) observeTx(ctx context.Context, tx *sql.Tx, rec *audit.Recorder, obs Observation) (Asset, Outcome, error) {
	existing, err := loadPresentByPath(ctx, tx, obs.Path)
	switch {
	case errors.Is(err, ErrNotFound):
		a, err := t.createTx(ctx, tx, rec, obs)
		return a, OutcomeCreated, err
	case err != nil:
		return Asset{}, OutcomeUnchanged, err
	}

	if existing.FastHash == obs.FastHash && existing.Size == obs.Size {
		a, err := t.touchTx(ctx, tx, rec, existing, obs)
		return a, OutcomeUnchanged, err
	}

	a, err := t.modifyTx(ctx, tx, rec, existing, obs)
	return a, OutcomeModified, err
}

func (t *Tracker) createTx(ctx context.Context, tx *sql.Tx, rec *audit.Recorder, obs Observation) (Asset, error) {
	now := rec.Now()
	a := Asset{
		Path:            obs.Path,
		Root:            obs.Root,
		Volume:          obs.Volume,
		Size:            obs.Size,
		ModTime:         obs.ModTime,
		FastHash:        obs.FastHash,
		HashVersion:     1,
		State:           StateObserved,
		Present:         true,
		ContainerParent: obs.ContainerParent,
		FirstSeen:       now,
		LastSeen:        now,
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO assets (path, root, volume, size, mod_time, fast_hash, hash_version, state, present,
			container_parent, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, 1, ?, ?, ?)
	`, a.Path, a.Root, a.Volume, a.Size, database.Millis(a.ModTime), a.FastHash, string(a.State),
		nullString(a.ContainerParent), database.Millis(now), database.Millis(now))
	if err != nil {
		return Asset{}, fmt.Errorf("insert asset %s: %w", obs.Path, err)
	}
	if a.ID, err = res.LastInsertId(); err != nil {
		return Asset{}, err
	}

	rec.Emit(audit.KindAssetCreated, a.Path, audit.Detail{
		"assetId":  a.ID,
		"root":     a.Root,
		"size":     a.Size,
		"fastHash": a.FastHash,
	})

	if obs.ContentHash != "" {
		return t.attachKnownTx(ctx, tx, rec, a, obs.ContentHash, obs.Hint)
	}
	return t.scheduleHashTx(ctx, tx, rec, a)
}

// touchTx is the cheap path: nothing about the content changed.
func (t *Tracker) touchTx(ctx context.Context, tx *sql.Tx, rec *audit.Recorder, a Asset, obs Observation) (Asset, error) {
	a.LastSeen = rec.Now()
	if a.State == StateHashed {
		a.State = StateStable
	}
	if obs.Volume != "" {
		a.Volume = obs.Volume
	}

	_, err := tx.ExecContext(ctx, `UPDATE assets SET last_seen = ?, state = ?, volume = ? WHERE id = ?`,
		database.Millis(a.LastSeen), string(a.State), a.Volume, a.ID)
	if err != nil {
		return Asset{}, fmt.Errorf("touch asset %d: %w", a.ID, err)
	}

	// A hash job that was never scheduled (no queue at the time) is
	// scheduled now.
	if a.State == StateObserved && a.ContentHash == "" {
		return t.scheduleHashTx(ctx, tx, rec, a)
	}
	return a, nil
}

func (t *Tracker) modifyTx(ctx context.Context, tx *sql.Tx, rec *audit.Recorder, a Asset, obs Observation) (Asset, error) {
	oldFast, oldContent := a.FastHash, a.ContentHash

	if err := t.releaseTx(ctx, tx, rec, a); err != nil {
		return Asset{}, err
	}

	a.Size = obs.Size
	a.ModTime = obs.ModTime
	a.FastHash = obs.FastHash
	a.ContentHash = ""
	a.HashVersion++
	a.State = StateObserved
	a.LastSeen = rec.Now()
	if obs.Volume != "" {
		a.Volume = obs.Volume
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE assets SET size = ?, mod_time = ?, fast_hash = ?, content_hash = NULL,
			hash_version = ?, state = ?, last_seen = ?, volume = ?
		WHERE id = ?
	`, a.Size, database.Millis(a.ModTime), a.FastHash, a.HashVersion, string(a.State),
		database.Millis(a.LastSeen), a.Volume, a.ID)
	if err != nil {
		return Asset{}, fmt.Errorf("update asset %d: %w", a.ID, err)
	}

	rec.Emit(audit.KindAssetModified, a.Path, audit.Detail{
		"assetId":        a.ID,
		"oldFastHash":    oldFast,
		"newFastHash":    a.FastHash,
		"oldContentHash": oldContent,
		"hashVersion":    a.HashVersion,
	})

	if obs.ContentHash != "" {
		return t.attachKnownTx(ctx, tx, rec, a, obs.ContentHash, obs.Hint)
	}
	return t.scheduleHashTx(ctx, tx, rec, a)
}

func (t *Tracker) scheduleHashTx(ctx context.Context, tx *sql.Tx, rec *audit.Recorder, a Asset) (Asset, error) {
	if t.queue == nil {
		return a, nil
	}
	if err := t.queue.EnqueueHashTx(ctx, tx, rec, a.ID); err != nil {
		return Asset{}, fmt.Errorf("enqueue hash for asset %d: %w", a.ID, err)
	}
	a.State = StateHashPending
	if _, err := tx.ExecContext(ctx, `UPDATE assets SET state = ? WHERE id = ?`, string(a.State), a.ID); err != nil {
		return Asset{}, err
	}
	return a, nil
}

// attachKnownTx records a content hash that was computed during extraction.
func (t *Tracker) attachKnownTx(ctx context.Context, tx *sql.Tx, rec *audit.Recorder, a Asset, contentHash string, hint mediatypes.Hint) (Asset, error) {
	blob, err := t.blobs.AttachTx(ctx, tx, rec, contentHash, a.Size, hint)
	if err != nil {
		return Asset{}, err
	}
	a.ContentHash = contentHash
	a.State = StateHashed
	if _, err := tx.ExecContext(ctx, `UPDATE assets SET content_hash = ?, state = ? WHERE id = ?`,
		contentHash, string(a.State), a.ID); err != nil {
		return Asset{}, err
	}
	rec.Emit(audit.KindAssetHashed, a.Path, audit.Detail{"assetId": a.ID, "contentHash": contentHash, "blobId": blob.ID})
	return a, nil
}

// releaseTx drops the asset's blob reference. When a container blob loses
// its last reference, the entries materialized from it go absent too.
func (t *Tracker) releaseTx(ctx context.Context, tx *sql.Tx, rec *audit.Recorder, a Asset) error {
	if a.ContentHash == "" {
		return nil
	}
	blob, err := t.blobs.ReleaseTx(ctx, tx, rec, a.ContentHash)
	if err != nil {
		return err
	}
	if blob.RefCount == 0 {
		return t.absentChildrenTx(ctx, tx, rec, a.ContentHash)
	}
	return nil
}

func (t *Tracker) absentChildrenTx(ctx context.Context, tx *sql.Tx, rec *audit.Recorder, containerHash string) error {
	children, err := queryAssets(ctx, tx, `WHERE container_parent = ? AND present = 1 ORDER BY path`, containerHash)
	if err != nil {
		return err
	}
	for _, child := range children {
		if _, err := t.markAbsentTx(ctx, tx, rec, child); err != nil {
			return err
		}
	}
	return nil
}

// MarkAbsent soft-deletes the present asset at path. It returns false when
// no present asset exists there.
func (t *Tracker) MarkAbsent(ctx context.Context, path string) (Asset, bool, error) {
	var asset Asset
	var found bool
	err := t.audit.Mutate(ctx, actor, func(tx *sql.Tx, rec *audit.Recorder) error {
		a, err := loadPresentByPath(ctx, tx, path)
		if errors.Is(err, ErrNotFound) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		asset, err = t.markAbsentTx(ctx, tx, rec, a)
		return err
	})
	return asset, found, err
}

func (t *Tracker) markAbsentTx(ctx context.Context, tx *sql.Tx, rec *audit.Recorder, a Asset) (Asset, error) {
	if err := t.releaseTx(ctx, tx, rec, a); err != nil {
		return Asset{}, err
	}

	now := rec.Now()
	a.Present = false
	a.State = StateAbsent
	a.AbsentSince = &now

	_, err := tx.ExecContext(ctx, `UPDATE assets SET present = 0, state = ?, absent_since = ? WHERE id = ?`,
		string(a.State), database.Millis(now), a.ID)
	if err != nil {
		return Asset{}, fmt.Errorf("mark asset %d absent: %w", a.ID, err)
	}

	rec.EmitUndoable(audit.KindAssetDeleted, a.Path, audit.Detail{
		"assetId":     a.ID,
		"fastHash":    a.FastHash,
		"contentHash": a.ContentHash,
	})
	return a, nil
}

// Relocate moves the present asset at oldPath to newPath without touching
// its hashes or blob reference. A present asset already at newPath was
// replaced by the move and goes absent.
func (t *Tracker) Relocate(ctx context.Context, oldPath, newPath string, obs Observation) (Asset, error) {
	var asset Asset
	err := t.audit.Mutate(ctx, actor, func(tx *sql.Tx, rec *audit.Recorder) error {
		a, err := loadPresentByPath(ctx, tx, oldPath)
		if err != nil {
			return fmt.Errorf("relocate %s: %w", oldPath, err)
		}

		if replaced, err := loadPresentByPath(ctx, tx, newPath); err == nil {
			if _, err := t.markAbsentTx(ctx, tx, rec, replaced); err != nil {
				return err
			}
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		a.Path = newPath
		if obs.Root != "" {
			a.Root = obs.Root
		}
		if obs.Volume != "" {
			a.Volume = obs.Volume
		}
		if !obs.ModTime.IsZero() {
			a.ModTime = obs.ModTime
		}
		a.LastSeen = rec.Now()

		_, err = tx.ExecContext(ctx, `UPDATE assets SET path = ?, root = ?, volume = ?, mod_time = ?, last_seen = ? WHERE id = ?`,
			a.Path, a.Root, a.Volume, database.Millis(a.ModTime), database.Millis(a.LastSeen), a.ID)
		if err != nil {
			return fmt.Errorf("relocate asset %d: %w", a.ID, err)
		}

		rec.EmitUndoable(audit.KindAssetMoved, newPath, audit.Detail{
			"assetId": a.ID,
			"from":    oldPath,
			"to":      newPath,
		})
		asset = a
		return nil
	})
	return asset, err
}

// ResolveContent applies a hash result computed for hash version version.
// Results for assets that went absent or were re-observed meanwhile are
// discarded as Stale.
func (t *Tracker) ResolveContent(ctx context.Context, id, version int64, contentHash string, size int64, hint mediatypes.Hint) (Resolution, error) {
	var res Resolution
	err := t.audit.Mutate(ctx, actor, func(tx *sql.Tx, rec *audit.Recorder) error {
		a, err := loadByID(ctx, tx, id)
		if err != nil {
			return err
		}
		res = Resolution{Asset: a}

		if !a.Present || a.HashVersion != version {
			res.Result = Stale
			return nil
		}
		if a.Size != size {
			res.Result = SizeMismatch
			return nil
		}

		if a.ContentHash != "" && a.ContentHash != contentHash {
			if err := t.releaseTx(ctx, tx, rec, a); err != nil {
				return err
			}
			a.ContentHash = ""
		}

		if a.ContentHash == "" {
			blob, err := t.blobs.AttachTx(ctx, tx, rec, contentHash, size, hint)
			if err != nil {
				return err
			}
			res.Blob = blob
		} else {
			blob, err := t.blobs.GetByHash(ctx, contentHash)
			if err != nil {
				return err
			}
			res.Blob = blob
		}

		a.ContentHash = contentHash
		a.State = StateHashed
		if _, err := tx.ExecContext(ctx, `UPDATE assets SET content_hash = ?, state = ? WHERE id = ?`,
			contentHash, string(a.State), a.ID); err != nil {
			return err
		}

		rec.Emit(audit.KindAssetHashed, a.Path, audit.Detail{
			"assetId":     a.ID,
			"contentHash": contentHash,
			"blobId":      res.Blob.ID,
			"hashVersion": version,
		})
		res.Asset = a
		res.Result = Applied
		return nil
	})
	if err == nil && res.Result != Applied {
		metrics.StaleHashResults.Inc()
	}
	return res, err
}

// RequestRehash forces the content hash of a present asset to be recomputed.
func (t *Tracker) RequestRehash(ctx context.Context, id int64) (Asset, error) {
	var asset Asset
	err := t.audit.Mutate(ctx, actor, func(tx *sql.Tx, rec *audit.Recorder) error {
		a, err := loadByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if !a.Present {
			return ErrAbsent
		}
		if a.Virtual() {
			return fmt.Errorf("asset %d is a container entry and is rehashed with its container", id)
		}

		a.HashVersion++
		a.State = StateObserved
		if _, err := tx.ExecContext(ctx, `UPDATE assets SET hash_version = ?, state = ? WHERE id = ?`,
			a.HashVersion, string(a.State), a.ID); err != nil {
			return err
		}
		rec.Emit(audit.KindAssetRehash, a.Path, audit.Detail{"assetId": a.ID, "hashVersion": a.HashVersion})

		asset, err = t.scheduleHashTx(ctx, tx, rec, a)
		return err
	})
	return asset, err
}

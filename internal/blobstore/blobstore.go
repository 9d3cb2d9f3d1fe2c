package blobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"assetindex/internal/audit"
	"assetindex/internal/database"
	"assetindex/internal/mediatypes"
	"assetindex/internal/metrics"
)

const (
	actor = "blobstore"

	lockStripes = 64
)

var (
	// ErrNotFound is returned when no blob matches.
	ErrNotFound = errors.New("blob not found")
	// ErrInvariant marks a structural violation of the blob table, such as
	// two rows for one content hash or a reference count below zero. It is a
	// programming error and must not be swallowed.
	ErrInvariant = errors.New("blob store invariant violated")
)

// Blob is a content identity: one row per distinct content hash.
type Blob struct {
	ID             int64                `json:"id"`
	ContentHash    string               `json:"contentHash"`
	Size           int64                `json:"size"`
	MimeType       string               `json:"mimeType"`
	MediaType      mediatypes.MediaType `json:"mediaType"`
	RefCount       int                  `json:"refCount"`
	CreatedAt      time.Time            `json:"createdAt"`
	ReclaimableAt  *time.Time           `json:"reclaimableAt,omitempty"`
	PreviewRef     string               `json:"previewRef,omitempty"`
	FingerprintRef string               `json:"fingerprintRef,omitempty"`
}

// Reclaimable reports whether no present asset references the blob.
func (b Blob) Reclaimable() bool {
	return b.ReclaimableAt != nil
}

// Store owns the blobs table. Other components change reference counts only
// through AttachTx and ReleaseTx, inside the transaction of the asset
// mutation that causes them.
type Store struct {
	db    *database.Database
	audit *audit.Log

	// locks serializes resolution per content hash within this process.
	locks [lockStripes]sync.Mutex
}

// New creates a blob store.
func New(db *database.Database, log *audit.Log) *Store {
	return &Store{db: db, audit: log}
}

func (s *Store) lockFor(contentHash string) *sync.Mutex {
	return &s.locks[xxhash.Sum64String(contentHash)%lockStripes]
}

// Resolve returns the blob for contentHash, creating it when new. The blob
// gains no reference; a fresh blob without references starts reclaimable.
func (s *Store) Resolve(ctx context.Context, contentHash string, size int64, hint mediatypes.Hint) (Blob, error) {
	var blob Blob
	err := s.audit.Mutate(ctx, actor, func(tx *sql.Tx, rec *audit.Recorder) error {
		b, created, err := s.getOrCreate(ctx, tx, rec, contentHash, size, hint)
		if err != nil {
			return err
		}
		if created {
			if _, err := tx.ExecContext(ctx, `UPDATE blobs SET reclaimable_at = ? WHERE id = ?`, database.Millis(rec.Now()), b.ID); err != nil {
				return err
			}
			now := rec.Now()
			b.ReclaimableAt = &now
		}
		blob = b
		return nil
	})
	return blob, err
}

// getOrCreate is the compare-and-insert at the heart of deduplication. It
// must run inside a write transaction; the stripe lock is taken only after
// the transaction holds the database write lock, so the two never invert.
func (s *Store) getOrCreate(ctx context.Context, tx *sql.Tx, rec *audit.Recorder, contentHash string, size int64, hint mediatypes.Hint) (Blob, bool, error) {
	if contentHash == "" {
		return Blob{}, false, errors.New("resolve blob: empty content hash")
	}

	mu := s.lockFor(contentHash)
	mu.Lock()
	defer mu.Unlock()

	if hint.Type == "" {
		hint.Type = mediatypes.TypeOther
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO blobs (content_hash, size, mime_type, media_type, ref_count, created_at)
		VALUES (?, ?, ?, ?, 0, ?)
		ON CONFLICT(content_hash) DO NOTHING
	`, contentHash, size, hint.MimeType, string(hint.Type), database.Millis(rec.Now()))
	if err != nil {
		return Blob{}, false, fmt.Errorf("insert blob %s: %w", contentHash, err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return Blob{}, false, err
	}

	blob, err := scanBlob(tx.QueryRowContext(ctx, selectColumns+` WHERE content_hash = ?`, contentHash))
	if err != nil {
		return Blob{}, false, fmt.Errorf("load blob %s: %w", contentHash, err)
	}
	if blob.Size != size {
		return Blob{}, false, fmt.Errorf("%w: content hash %s recorded with size %d, resolved with size %d",
			ErrInvariant, contentHash, blob.Size, size)
	}

	if inserted == 1 {
		metrics.BlobEventsTotal.WithLabelValues("created").Inc()
		rec.Emit(audit.KindBlobCreated, contentHash, audit.Detail{
			"blobId":    blob.ID,
			"size":      size,
			"mimeType":  hint.MimeType,
			"mediaType": hint.Type,
		})
	}
	return blob, inserted == 1, nil
}

// AttachTx resolves contentHash and adds one reference to it, in the
// caller's transaction. Attaching to a reclaimable blob revives the same row.
func (s *Store) AttachTx(ctx context.Context, tx *sql.Tx, rec *audit.Recorder, contentHash string, size int64, hint mediatypes.Hint) (Blob, error) {
	blob, created, err := s.getOrCreate(ctx, tx, rec, contentHash, size, hint)
	if err != nil {
		return Blob{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE blobs SET ref_count = ref_count + 1, reclaimable_at = NULL WHERE id = ?
	`, blob.ID); err != nil {
		return Blob{}, fmt.Errorf("attach blob %s: %w", contentHash, err)
	}

	revived := blob.Reclaimable() && !created
	blob.RefCount++
	blob.ReclaimableAt = nil

	if !created {
		metrics.BlobEventsTotal.WithLabelValues("merged").Inc()
		rec.Emit(audit.KindBlobMerged, contentHash, audit.Detail{
			"blobId":   blob.ID,
			"refCount": blob.RefCount,
			"revived":  revived,
		})
	}
	return blob, nil
}

// ReleaseTx removes one reference from contentHash in the caller's
// transaction. At zero references the blob becomes reclaimable; it is only
// deleted by Purge.
func (s *Store) ReleaseTx(ctx context.Context, tx *sql.Tx, rec *audit.Recorder, contentHash string) (Blob, error) {
	mu := s.lockFor(contentHash)
	mu.Lock()
	defer mu.Unlock()

	blob, err := scanBlob(tx.QueryRowContext(ctx, selectColumns+` WHERE content_hash = ?`, contentHash))
	if errors.Is(err, sql.ErrNoRows) {
		return Blob{}, fmt.Errorf("%w: release of unknown content hash %s", ErrInvariant, contentHash)
	}
	if err != nil {
		return Blob{}, err
	}
	if blob.RefCount <= 0 {
		return Blob{}, fmt.Errorf("%w: release of blob %s with no references", ErrInvariant, contentHash)
	}

	blob.RefCount--
	if blob.RefCount == 0 {
		now := rec.Now()
		blob.ReclaimableAt = &now
		_, err = tx.ExecContext(ctx, `UPDATE blobs SET ref_count = 0, reclaimable_at = ? WHERE id = ?`,
			database.Millis(now), blob.ID)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE blobs SET ref_count = ? WHERE id = ?`, blob.RefCount, blob.ID)
	}
	if err != nil {
		return Blob{}, fmt.Errorf("release blob %s: %w", contentHash, err)
	}

	if blob.RefCount == 0 {
		metrics.BlobEventsTotal.WithLabelValues("reclaimable").Inc()
		rec.Emit(audit.KindBlobReclaimable, contentHash, audit.Detail{"blobId": blob.ID})
	} else {
		metrics.BlobEventsTotal.WithLabelValues("released").Inc()
		rec.Emit(audit.KindBlobReleased, contentHash, audit.Detail{"blobId": blob.ID, "refCount": blob.RefCount})
	}
	return blob, nil
}

// DerivedField names a collaborator output stored on a blob.
type DerivedField string

const (
	FieldPreview     DerivedField = "preview"
	FieldFingerprint DerivedField = "fingerprint"
)

var derivedColumns = map[DerivedField]string{
	FieldPreview:     "preview_ref",
	FieldFingerprint: "fingerprint_ref",
}

// SetDerived stores an opaque collaborator output reference on a blob.
func (s *Store) SetDerived(ctx context.Context, id int64, field DerivedField, ref string) error {
	column, ok := derivedColumns[field]
	if !ok {
		return fmt.Errorf("unknown derived field %q", field)
	}

	return s.audit.Mutate(ctx, actor, func(tx *sql.Tx, rec *audit.Recorder) error {
		var contentHash string
		err := tx.QueryRowContext(ctx, `SELECT content_hash FROM blobs WHERE id = ?`, id).Scan(&contentHash)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `UPDATE blobs SET `+column+` = ? WHERE id = ?`, ref, id); err != nil {
			return err
		}
		rec.Emit(audit.KindBlobDerived, contentHash, audit.Detail{"blobId": id, "field": field, "ref": ref})
		return nil
	})
}

package blobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"assetindex/internal/audit"
	"assetindex/internal/database"
	"assetindex/internal/mediatypes"
	"assetindex/internal/metrics"
)

const selectColumns = `
	SELECT id, content_hash, size, mime_type, media_type, ref_count, created_at,
	       reclaimable_at, preview_ref, fingerprint_ref
	FROM blobs`

type scanner interface {
	Scan(dest ...any) error
}

func scanBlob(row scanner) (Blob, error) {
	var b Blob
	var mediaType string
	var created int64
	var reclaimable sql.NullInt64
	var preview, fingerprint sql.NullString

	err := row.Scan(&b.ID, &b.ContentHash, &b.Size, &b.MimeType, &mediaType, &b.RefCount,
		&created, &reclaimable, &preview, &fingerprint)
	if err != nil {
		return Blob{}, err
	}

	b.MediaType = mediatypes.MediaType(mediaType)
	b.CreatedAt = database.FromMillis(created)
	b.ReclaimableAt = database.NullMillis(reclaimable)
	b.PreviewRef = preview.String
	b.FingerprintRef = fingerprint.String
	return b, nil
}

func (s *Store) queryOne(ctx context.Context, op, where string, args ...any) (blob Blob, err error) {
	start := time.Now()
	defer func() { database.RecordQuery(op, start, err) }()

	blob, err = scanBlob(s.db.DB().QueryRowContext(ctx, selectColumns+" "+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Blob{}, ErrNotFound
	}
	return blob, err
}

func (s *Store) queryMany(ctx context.Context, op, where string, args ...any) (blobs []Blob, err error) {
	start := time.Now()
	defer func() { database.RecordQuery(op, start, err) }()

	rows, err := s.db.DB().QueryContext(ctx, selectColumns+" "+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		b, err := scanBlob(rows)
		if err != nil {
			return nil, err
		}
		blobs = append(blobs, b)
	}
	return blobs, rows.Err()
}

// Get returns a blob by id.
func (s *Store) Get(ctx context.Context, id int64) (Blob, error) {
	return s.queryOne(ctx, "get_blob", `WHERE id = ?`, id)
}

// GetByHash returns a blob by content hash.
func (s *Store) GetByHash(ctx context.Context, contentHash string) (Blob, error) {
	return s.queryOne(ctx, "get_blob_by_hash", `WHERE content_hash = ?`, contentHash)
}

// ListReclaimable returns blobs without references, oldest first.
func (s *Store) ListReclaimable(ctx context.Context, limit int) ([]Blob, error) {
	return s.queryMany(ctx, "list_reclaimable", `WHERE reclaimable_at IS NOT NULL ORDER BY reclaimable_at LIMIT ?`, clampLimit(limit))
}

// Duplicates returns blobs referenced by more than one present asset,
// ordered by the bytes the duplicates occupy.
func (s *Store) Duplicates(ctx context.Context, limit int) ([]Blob, error) {
	return s.queryMany(ctx, "list_duplicates", `WHERE ref_count > 1 ORDER BY size * (ref_count - 1) DESC, id LIMIT ?`, clampLimit(limit))
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 10000 {
		return 10000
	}
	return limit
}

// Stats summarizes the blob table.
type Stats struct {
	Referenced     int   `json:"referenced"`
	Reclaimable    int   `json:"reclaimable"`
	Bytes          int64 `json:"bytes"`
	DuplicateBytes int64 `json:"duplicateBytes"`
}

// Stats returns blob counts and sizes.
func (s *Store) Stats(ctx context.Context) (stats Stats, err error) {
	start := time.Now()
	defer func() { database.RecordQuery("blob_stats", start, err) }()

	err = s.db.DB().QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN ref_count > 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN ref_count = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN ref_count > 0 THEN size ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN ref_count > 1 THEN size * (ref_count - 1) ELSE 0 END), 0)
		FROM blobs
	`).Scan(&stats.Referenced, &stats.Reclaimable, &stats.Bytes, &stats.DuplicateBytes)
	return stats, err
}

// Purge deletes blobs that have been reclaimable for longer than olderThan
// and returns them so derived artifacts can be removed too.
func (s *Store) Purge(ctx context.Context, olderThan time.Duration) ([]Blob, error) {
	var purged []Blob
	err := s.audit.Mutate(ctx, actor, func(tx *sql.Tx, rec *audit.Recorder) error {
		purged = purged[:0]
		cutoff := database.Millis(rec.Now().Add(-olderThan))

		rows, err := tx.QueryContext(ctx, selectColumns+` WHERE ref_count = 0 AND reclaimable_at IS NOT NULL AND reclaimable_at <= ?`, cutoff)
		if err != nil {
			return err
		}
		for rows.Next() {
			b, err := scanBlob(rows)
			if err != nil {
				rows.Close()
				return err
			}
			purged = append(purged, b)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, b := range purged {
			if _, err := tx.ExecContext(ctx, `DELETE FROM blobs WHERE id = ? AND ref_count = 0`, b.ID); err != nil {
				return fmt.Errorf("purge blob %s: %w", b.ContentHash, err)
			}
			rec.Emit(audit.KindBlobPurged, b.ContentHash, audit.Detail{"blobId": b.ID, "size": b.Size})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.BlobEventsTotal.WithLabelValues("purged").Add(float64(len(purged)))
	return purged, nil
}

// Recount recomputes every reference count from the present assets and
// repairs mismatches. It returns the number of blobs corrected.
func (s *Store) Recount(ctx context.Context) (int, error) {
	var fixed int
	err := s.audit.Mutate(ctx, actor, func(tx *sql.Tx, rec *audit.Recorder) error {
		fixed = 0
		rows, err := tx.QueryContext(ctx, `
			SELECT b.id, b.content_hash, b.ref_count, COUNT(a.id)
			FROM blobs b
			LEFT JOIN assets a ON a.content_hash = b.content_hash AND a.present = 1
			GROUP BY b.id
			HAVING b.ref_count != COUNT(a.id)
		`)
		if err != nil {
			return err
		}

		type mismatch struct {
			id       int64
			hash     string
			was, now int
		}
		var mismatches []mismatch
		for rows.Next() {
			var m mismatch
			if err := rows.Scan(&m.id, &m.hash, &m.was, &m.now); err != nil {
				rows.Close()
				return err
			}
			mismatches = append(mismatches, m)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, m := range mismatches {
			var reclaimable any
			if m.now == 0 {
				reclaimable = database.Millis(rec.Now())
			}
			_, err := tx.ExecContext(ctx, `
				UPDATE blobs SET ref_count = ?,
					reclaimable_at = CASE WHEN ? = 0 THEN COALESCE(reclaimable_at, ?) ELSE NULL END
				WHERE id = ?
			`, m.now, m.now, reclaimable, m.id)
			if err != nil {
				return err
			}
			rec.Emit(audit.KindBlobRecounted, m.hash, audit.Detail{"blobId": m.id, "from": m.was, "to": m.now})
		}
		fixed = len(mismatches)
		return nil
	})
	return fixed, err
}

// CheckInvariants verifies the structural invariants of the blob table:
// one row per content hash, and every present asset's content hash backed by
// a blob. Violations wrap ErrInvariant.
func (s *Store) CheckInvariants(ctx context.Context) error {
	db := s.db.DB()
	var problems []string

	rows, err := db.QueryContext(ctx, `SELECT content_hash, COUNT(*) FROM blobs GROUP BY content_hash HAVING COUNT(*) > 1`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var hash string
		var n int
		if err := rows.Scan(&hash, &n); err != nil {
			rows.Close()
			return err
		}
		problems = append(problems, fmt.Sprintf("%d blobs share content hash %s", n, hash))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	var orphans int
	err = db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM assets a
		WHERE a.present = 1 AND a.content_hash IS NOT NULL
		  AND NOT EXISTS (SELECT 1 FROM blobs b WHERE b.content_hash = a.content_hash)
	`).Scan(&orphans)
	if err != nil {
		return err
	}
	if orphans > 0 {
		problems = append(problems, fmt.Sprintf("%d present assets reference missing blobs", orphans))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvariant, strings.Join(problems, "; "))
	}
	return nil
}

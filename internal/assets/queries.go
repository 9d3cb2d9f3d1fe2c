package assets

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"assetindex/internal/database"
)

const selectColumns = `
	SELECT id, path, root, volume, size, mod_time, fast_hash, content_hash, hash_version,
	       state, present, container_parent, first_seen, last_seen, absent_since
	FROM assets`

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAsset(row scanner) (Asset, error) {
	var a Asset
	var state string
	var modTime, firstSeen, lastSeen int64
	var contentHash, parent sql.NullString
	var absentSince sql.NullInt64

	err := row.Scan(&a.ID, &a.Path, &a.Root, &a.Volume, &a.Size, &modTime, &a.FastHash, &contentHash,
		&a.HashVersion, &state, &a.Present, &parent, &firstSeen, &lastSeen, &absentSince)
	if err != nil {
		return Asset{}, err
	}

	a.State = State(state)
	a.ModTime = database.FromMillis(modTime)
	a.ContentHash = contentHash.String
	a.ContainerParent = parent.String
	a.FirstSeen = database.FromMillis(firstSeen)
	a.LastSeen = database.FromMillis(lastSeen)
	a.AbsentSince = database.NullMillis(absentSince)
	return a, nil
}

func queryAssets(ctx context.Context, q querier, where string, args ...any) ([]Asset, error) {
	rows, err := q.QueryContext(ctx, selectColumns+" "+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func queryAsset(ctx context.Context, q querier, where string, args ...any) (Asset, error) {
	a, err := scanAsset(q.QueryRowContext(ctx, selectColumns+" "+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Asset{}, ErrNotFound
	}
	return a, err
}

func loadPresentByPath(ctx context.Context, q querier, path string) (Asset, error) {
	return queryAsset(ctx, q, `WHERE path = ? AND present = 1`, path)
}

func loadByID(ctx context.Context, q querier, id int64) (Asset, error) {
	return queryAsset(ctx, q, `WHERE id = ?`, id)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Get returns an asset by id, present or not.
func (t *Tracker) Get(ctx context.Context, id int64) (a Asset, err error) {
	start := time.Now()
	defer func() { database.RecordQuery("get_asset", start, err) }()
	return loadByID(ctx, t.db.DB(), id)
}

// GetByPath returns the present asset at path.
func (t *Tracker) GetByPath(ctx context.Context, path string) (a Asset, err error) {
	start := time.Now()
	defer func() { database.RecordQuery("get_asset_by_path", start, err) }()
	return loadPresentByPath(ctx, t.db.DB(), path)
}

// History returns every asset that ever lived at path, newest first.
func (t *Tracker) History(ctx context.Context, path string) (list []Asset, err error) {
	start := time.Now()
	defer func() { database.RecordQuery("asset_history", start, err) }()
	return queryAssets(ctx, t.db.DB(), `WHERE path = ? ORDER BY id DESC`, path)
}

// ListPresent returns the present assets of root whose path starts with
// prefix (empty for all), ordered by path.
func (t *Tracker) ListPresent(ctx context.Context, root, prefix string) (list []Asset, err error) {
	start := time.Now()
	defer func() { database.RecordQuery("list_present_assets", start, err) }()

	if prefix == "" {
		return queryAssets(ctx, t.db.DB(), `WHERE root = ? AND present = 1 AND container_parent IS NULL ORDER BY path`, root)
	}
	return queryAssets(ctx, t.db.DB(),
		`WHERE root = ? AND present = 1 AND container_parent IS NULL AND substr(path, 1, ?) = ? ORDER BY path`,
		root, len(prefix), prefix)
}

// ListByContentHash returns the present assets holding the given content,
// physical files before container entries.
func (t *Tracker) ListByContentHash(ctx context.Context, contentHash string) (list []Asset, err error) {
	start := time.Now()
	defer func() { database.RecordQuery("list_assets_by_content", start, err) }()
	return queryAssets(ctx, t.db.DB(),
		`WHERE content_hash = ? AND present = 1 ORDER BY container_parent IS NOT NULL, path`, contentHash)
}

// ListChildren returns the present entries materialized from a container.
func (t *Tracker) ListChildren(ctx context.Context, containerHash string) (list []Asset, err error) {
	start := time.Now()
	defer func() { database.RecordQuery("list_container_children", start, err) }()
	return queryAssets(ctx, t.db.DB(), `WHERE container_parent = ? AND present = 1 ORDER BY path`, containerHash)
}

// IsPresent reports whether asset id still exists. Hash jobs for absent
// assets are cancelled.
func (t *Tracker) IsPresent(ctx context.Context, id int64) (bool, error) {
	var present bool
	err := t.db.DB().QueryRowContext(ctx, `SELECT present FROM assets WHERE id = ?`, id).Scan(&present)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return present, err
}

// Counts returns the number of assets in each state.
func (t *Tracker) Counts(ctx context.Context) (counts map[State]int, err error) {
	start := time.Now()
	defer func() { database.RecordQuery("asset_counts", start, err) }()

	rows, err := t.db.DB().QueryContext(ctx, `SELECT state, COUNT(*) FROM assets GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts = map[State]int{
		StateObserved:    0,
		StateHashPending: 0,
		StateHashed:      0,
		StateStable:      0,
		StateAbsent:      0,
	}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[State(state)] = n
	}
	return counts, rows.Err()
}

// Roots returns the distinct roots that have present assets.
func (t *Tracker) Roots(ctx context.Context) ([]string, error) {
	rows, err := t.db.DB().QueryContext(ctx, `SELECT DISTINCT root FROM assets WHERE present = 1 AND root != '' ORDER BY root`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roots []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		if !strings.HasPrefix(r, VirtualScheme) {
			roots = append(roots, r)
		}
	}
	return roots, rows.Err()
}

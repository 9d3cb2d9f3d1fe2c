package assets

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"assetindex/internal/audit"
	"assetindex/internal/blobstore"
	"assetindex/internal/mediatypes"
)

// State is the position of an asset in the change detector's state machine.
type State string

const (
	StateObserved    State = "observed"
	StateHashPending State = "hash-pending"
	StateHashed      State = "hashed"
	StateStable      State = "stable"
	StateAbsent      State = "absent"
)

// VirtualScheme prefixes the paths of assets materialized from containers.
const VirtualScheme = "container://"

// VirtualPath builds the path of a container entry.
func VirtualPath(containerHash, entry string) string {
	return VirtualScheme + containerHash + "/" + strings.TrimPrefix(entry, "/")
}

// IsVirtualPath reports whether path names a container entry.
func IsVirtualPath(path string) bool {
	return strings.HasPrefix(path, VirtualScheme)
}

var (
	// ErrNotFound is returned when no asset matches.
	ErrNotFound = errors.New("asset not found")
	// ErrAbsent is returned when an operation needs a present asset.
	ErrAbsent = errors.New("asset is absent")
)

// Asset is one physical location of content.
type Asset struct {
	ID              int64      `json:"id"`
	Path            string     `json:"path"`
	Root            string     `json:"root"`
	Volume          string     `json:"volume"`
	Size            int64      `json:"size"`
	ModTime         time.Time  `json:"modTime"`
	FastHash        string     `json:"fastHash"`
	ContentHash     string     `json:"contentHash,omitempty"`
	HashVersion     int64      `json:"hashVersion"`
	State           State      `json:"state"`
	Present         bool       `json:"present"`
	ContainerParent string     `json:"containerParent,omitempty"`
	FirstSeen       time.Time  `json:"firstSeen"`
	LastSeen        time.Time  `json:"lastSeen"`
	AbsentSince     *time.Time `json:"absentSince,omitempty"`
}

// Virtual reports whether the asset was materialized from a container.
func (a Asset) Virtual() bool {
	return a.ContainerParent != ""
}

// Observation is what the change detector saw at a path.
type Observation struct {
	Path     string
	Root     string
	Volume   string
	Size     int64
	ModTime  time.Time
	FastHash string

	// ContentHash is set for container entries, whose bytes were hashed in
	// full while they were extracted.
	ContentHash     string
	Hint            mediatypes.Hint
	ContainerParent string
}

// Outcome describes what Observe did.
type Outcome int

const (
	// OutcomeUnchanged: known path, same fast hash; only last_seen moved.
	OutcomeUnchanged Outcome = iota
	// OutcomeCreated: unknown path, new asset.
	OutcomeCreated
	// OutcomeModified: known path, fast hash changed.
	OutcomeModified
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeModified:
		return "modified"
	default:
		return "unchanged"
	}
}

// ResolveResult describes what ResolveContent did with a hash result.
type ResolveResult int

const (
	// Applied: the content hash is now recorded on the asset.
	Applied ResolveResult = iota
	// Stale: the asset is gone or was re-observed since the job was queued.
	Stale
	// SizeMismatch: the file no longer has the size the asset records.
	SizeMismatch
)

// Resolution is the result of ResolveContent.
type Resolution struct {
	Result ResolveResult
	Asset  Asset
	Blob   blobstore.Blob
}

// BlobRefs is the part of the blob store the tracker uses. Calls happen
// inside the tracker's transaction.
type BlobRefs interface {
	AttachTx(ctx context.Context, tx *sql.Tx, rec *audit.Recorder, contentHash string, size int64, hint mediatypes.Hint) (blobstore.Blob, error)
	ReleaseTx(ctx context.Context, tx *sql.Tx, rec *audit.Recorder, contentHash string) (blobstore.Blob, error)
	GetByHash(ctx context.Context, contentHash string) (blobstore.Blob, error)
}

// HashQueue schedules content hashing for an asset inside the tracker's
// transaction.
type HashQueue interface {
	EnqueueHashTx(ctx context.Context, tx *sql.Tx, rec *audit.Recorder, assetID int64) error
}

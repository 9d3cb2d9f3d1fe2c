package filesystem

import (
	"path/filepath"
	"sort"
	"strings"
)

// UnknownVolume is returned for paths outside every configured volume.
const UnknownVolume = "unknown"

// VolumeResolver maps file paths to volume names using longest-prefix
// matching on absolute paths. Assets record the volume they were seen on and
// metrics use it as a label.
type VolumeResolver struct {
	// sorted by path length descending
	mounts []volumeMount
}

type volumeMount struct {
	path string // absolute, with trailing slash
	name string
}

// NewVolumeResolver creates a resolver from a map of volume name to path:
//
//	NewVolumeResolver(map[string]string{
//	    "photos":   "/srv/photos",
//	    "database": "/var/lib/assetindex",
//	})
func NewVolumeResolver(volumes map[string]string) *VolumeResolver {
	mounts := make([]volumeMount, 0, len(volumes))
	for name, path := range volumes {
		absPath, err := filepath.Abs(path)
		if err != nil {
			absPath = path
		}
		if !strings.HasSuffix(absPath, "/") {
			absPath += "/"
		}
		mounts = append(mounts, volumeMount{path: absPath, name: name})
	}

	sort.Slice(mounts, func(i, j int) bool {
		if len(mounts[i].path) != len(mounts[j].path) {
			return len(mounts[i].path) > len(mounts[j].path)
		}
		return mounts[i].name < mounts[j].name
	})

	return &VolumeResolver{mounts: mounts}
}

// Resolve returns the volume name for path, or UnknownVolume.
func (vr *VolumeResolver) Resolve(path string) string {
	if vr == nil {
		return UnknownVolume
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return UnknownVolume
	}

	for _, mount := range vr.mounts {
		if strings.HasPrefix(absPath+"/", mount.path) {
			return mount.name
		}
	}

	return UnknownVolume
}

var defaultResolver *VolumeResolver

// SetDefaultVolumeResolver sets the package-level resolver used when a
// RetryConfig does not carry its own.
func SetDefaultVolumeResolver(vr *VolumeResolver) {
	defaultResolver = vr
}

// DefaultVolumeResolver returns the package-level resolver (possibly nil).
func DefaultVolumeResolver() *VolumeResolver {
	return defaultResolver
}

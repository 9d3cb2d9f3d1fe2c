/*
Package filesystem wraps the filesystem calls the indexer depends on with
retry logic for stale NFS file handles, and resolves paths to volume names.

# Retry Behavior

StatWithRetry, LstatWithRetry, OpenWithRetry and ReadDirWithRetry retry only
ESTALE (errno 116) with exponential backoff through retry-go:

  - MaxRetries: 3
  - InitialBackoff: 50ms
  - MaxBackoff: 500ms

All other errors, including fs.ErrNotExist, are returned unchanged on the
first attempt so callers can classify them with errors.Is.

	f, err := filesystem.OpenWithRetry(ctx, path, filesystem.DefaultRetryConfig())
	if errors.Is(err, fs.ErrNotExist) {
	    // the file vanished, let the change detector reconcile it
	}

# Volumes

A VolumeResolver maps paths to volume names by longest prefix. The indexer
stores the volume on every asset and the Observer receives it as a label.
Metrics are reported through the Observer interface set with SetObserver.
*/
package filesystem

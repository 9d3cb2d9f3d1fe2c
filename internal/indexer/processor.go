package indexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"assetindex/internal/assets"
	"assetindex/internal/blobstore"
	"assetindex/internal/filesystem"
	"assetindex/internal/hashing"
	"assetindex/internal/jobs"
	"assetindex/internal/logging"
	"assetindex/internal/mediatypes"
)

// ProcessorConfig wires the optional collaborators. A nil collaborator
// disables its job kind.
type ProcessorConfig struct {
	Retry        filesystem.RetryConfig
	Previews     PreviewGenerator
	Fingerprints FingerprintComputer
	Extractor    ContainerExtractor
}

// Processor runs the deferred work of the index: content hashing, container
// materialization, previews and fingerprints.
type Processor struct {
	tracker   *assets.Tracker
	blobs     *blobstore.Store
	scheduler *jobs.Scheduler
	detector  *Detector
	config    ProcessorConfig
}

// NewProcessor creates a processor. detector may be nil, in which case
// files found missing by jobs wait for the next sweep.
func NewProcessor(tracker *assets.Tracker, blobs *blobstore.Store, scheduler *jobs.Scheduler, detector *Detector, config ProcessorConfig) *Processor {
	return &Processor{
		tracker:   tracker,
		blobs:     blobs,
		scheduler: scheduler,
		detector:  detector,
		config:    config,
	}
}

// Register installs the job handlers on the scheduler.
func (p *Processor) Register() error {
	if err := p.scheduler.Register(jobs.KindHash, jobs.HandlerFunc(p.hash), p.tracker.IsPresent); err != nil {
		return err
	}
	if p.config.Extractor != nil {
		if err := p.scheduler.Register(jobs.KindContainer, jobs.HandlerFunc(p.materialize), p.blobReferenced); err != nil {
			return err
		}
	}
	if p.config.Previews != nil {
		if err := p.scheduler.Register(jobs.KindPreview, jobs.HandlerFunc(p.preview), p.blobReferenced); err != nil {
			return err
		}
	}
	if p.config.Fingerprints != nil {
		if err := p.scheduler.Register(jobs.KindSimilarity, jobs.HandlerFunc(p.fingerprint), p.blobReferenced); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) blobReferenced(ctx context.Context, id int64) (bool, error) {
	b, err := p.blobs.Get(ctx, id)
	if errors.Is(err, blobstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return b.RefCount > 0, nil
}

func (p *Processor) verify(path string) {
	if p.detector != nil {
		p.detector.Verify(path)
	}
}

// hash computes the content hash of an asset and resolves it to a blob.
func (p *Processor) hash(ctx context.Context, job jobs.Job) error {
	a, err := p.tracker.Get(ctx, job.TargetID)
	if errors.Is(err, assets.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !a.Present {
		return nil
	}
	if a.Virtual() {
		return jobs.Permanent(fmt.Errorf("asset %d is a container entry", a.ID))
	}

	version := a.HashVersion
	sum, size, err := hashing.ContentFile(ctx, a.Path, p.config.Retry)
	if err != nil {
		if errors.Is(err, hashing.ErrIO) {
			p.verify(a.Path)
		}
		return fmt.Errorf("hash asset %d: %w", a.ID, err)
	}

	res, err := p.tracker.ResolveContent(ctx, a.ID, version, sum, size, p.sniff(ctx, a.Path))
	if err != nil {
		return fmt.Errorf("resolve content of asset %d: %w", a.ID, err)
	}

	switch res.Result {
	case assets.Stale:
		logging.Debug("Discarded stale hash of asset %d (version %d)", a.ID, version)
		return nil
	case assets.SizeMismatch:
		logging.Debug("Asset %d changed size while hashing, re-observing %s", a.ID, a.Path)
		p.verify(a.Path)
		return nil
	}
	return p.enqueueDownstream(ctx, res.Asset, res.Blob)
}

// sniff reads the head of a file for content type detection, falling back
// to the extension.
func (p *Processor) sniff(ctx context.Context, path string) mediatypes.Hint {
	f, err := filesystem.OpenWithRetry(ctx, path, p.config.Retry)
	if err != nil {
		return mediatypes.FromPath(path)
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return mediatypes.FromPath(path)
	}
	return mediatypes.Sniff(path, head[:n])
}

// enqueueDownstream schedules the work that depends on a freshly resolved
// blob. Work already done for the same content is not repeated.
func (p *Processor) enqueueDownstream(ctx context.Context, a assets.Asset, blob blobstore.Blob) error {
	hint := mediatypes.Hint{MimeType: blob.MimeType, Type: blob.MediaType}

	if p.config.Extractor != nil && !a.Virtual() && mediatypes.ContainerFormat(a.Path, hint) != "" {
		children, err := p.tracker.ListChildren(ctx, blob.ContentHash)
		if err != nil {
			return err
		}
		if len(children) == 0 {
			if _, err := p.scheduler.Enqueue(ctx, jobs.KindContainer, blob.ID, jobs.KindContainer.DefaultPriority()); err != nil {
				return err
			}
		}
	}

	if blob.MediaType != mediatypes.TypeImage {
		return nil
	}
	if p.config.Previews != nil && blob.PreviewRef == "" {
		if _, err := p.scheduler.Enqueue(ctx, jobs.KindPreview, blob.ID, jobs.KindPreview.DefaultPriority()); err != nil {
			return err
		}
	}
	if p.config.Fingerprints != nil && blob.FingerprintRef == "" {
		if _, err := p.scheduler.Enqueue(ctx, jobs.KindSimilarity, blob.ID, jobs.KindSimilarity.DefaultPriority()); err != nil {
			return err
		}
	}
	return nil
}

// materialize observes every entry of a container blob as a virtual asset.
// Identical containers share their entries, so the work is keyed on the blob
// and reads whichever plain copy is still intact.
func (p *Processor) materialize(ctx context.Context, job jobs.Job) error {
	blob, err := p.blobs.Get(ctx, job.TargetID)
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if blob.RefCount == 0 {
		return nil
	}

	a, ok, err := p.containerHolder(ctx, blob)
	if err != nil {
		return err
	}
	if !ok {
		// Every copy changed since it was hashed; rehashing them brings the
		// job back if the content survives.
		logging.Debug("No intact copy of container %s to materialize", blob.ContentHash)
		return nil
	}

	entries := 0
	err = p.config.Extractor.Materialize(ctx, blob, p.fileOpener(a.Path), func(e ContainerEntry) error {
		child, _, err := p.tracker.Observe(ctx, assets.Observation{
			Path:            assets.VirtualPath(blob.ContentHash, e.Name),
			Root:            assets.VirtualScheme + blob.ContentHash,
			Size:            e.Size,
			ModTime:         e.ModTime,
			FastHash:        e.FastHash,
			ContentHash:     e.ContentHash,
			Hint:            e.Hint,
			ContainerParent: blob.ContentHash,
		})
		if err != nil {
			return fmt.Errorf("observe entry %s: %w", e.Name, err)
		}
		entries++

		childBlob, err := p.blobs.GetByHash(ctx, e.ContentHash)
		if err != nil {
			return err
		}
		return p.enqueueDownstream(ctx, child, childBlob)
	})
	if errors.Is(err, ErrUnsupported) {
		return jobs.Permanent(err)
	}
	if err != nil {
		return fmt.Errorf("materialize container %s: %w", blob.ContentHash, err)
	}

	// The container may have lost its last reference while it was read.
	current, err := p.blobs.GetByHash(ctx, blob.ContentHash)
	if err != nil {
		return err
	}
	if current.RefCount == 0 {
		children, err := p.tracker.ListChildren(ctx, blob.ContentHash)
		if err != nil {
			return err
		}
		for _, child := range children {
			if _, _, err := p.tracker.MarkAbsent(ctx, child.Path); err != nil {
				return err
			}
		}
		return nil
	}

	logging.Debug("Materialized %d entries of %s", entries, a.Path)
	return nil
}

// containerHolder returns a present plain file holding blob whose bytes still
// match what was hashed. Copies that changed are handed to the detector.
func (p *Processor) containerHolder(ctx context.Context, blob blobstore.Blob) (assets.Asset, bool, error) {
	holders, err := p.tracker.ListByContentHash(ctx, blob.ContentHash)
	if err != nil {
		return assets.Asset{}, false, err
	}
	for _, h := range holders {
		if h.Virtual() || !h.Present {
			continue
		}
		sample, err := hashing.FastFile(ctx, h.Path, p.config.Retry)
		if err != nil || sample.FastHash != h.FastHash {
			p.verify(h.Path)
			continue
		}
		return h, true, nil
	}
	return assets.Asset{}, false, nil
}

func (p *Processor) preview(ctx context.Context, job jobs.Job) error {
	blob, err := p.blobs.Get(ctx, job.TargetID)
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if blob.PreviewRef != "" {
		return nil
	}

	open, err := p.blobOpener(ctx, blob)
	if err != nil {
		return err
	}
	artifact, err := p.config.Previews.GeneratePreview(ctx, blob, open)
	if errors.Is(err, ErrUnsupported) {
		return jobs.Permanent(err)
	}
	if err != nil {
		return fmt.Errorf("preview blob %s: %w", blob.ContentHash, err)
	}
	return p.blobs.SetDerived(ctx, blob.ID, blobstore.FieldPreview, artifact.Ref)
}

func (p *Processor) fingerprint(ctx context.Context, job jobs.Job) error {
	blob, err := p.blobs.Get(ctx, job.TargetID)
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if blob.FingerprintRef != "" {
		return nil
	}

	open, err := p.blobOpener(ctx, blob)
	if err != nil {
		return err
	}
	vector, err := p.config.Fingerprints.ComputeFingerprint(ctx, blob, open)
	if errors.Is(err, ErrUnsupported) {
		return jobs.Permanent(err)
	}
	if err != nil {
		return fmt.Errorf("fingerprint blob %s: %w", blob.ContentHash, err)
	}
	return p.blobs.SetDerived(ctx, blob.ID, blobstore.FieldFingerprint, vector.Ref())
}

func (p *Processor) fileOpener(path string) Opener {
	return func(ctx context.Context) (io.ReadCloser, error) {
		return filesystem.OpenWithRetry(ctx, path, p.config.Retry)
	}
}

// blobOpener finds a present copy of blob to read, preferring plain files
// over container entries.
func (p *Processor) blobOpener(ctx context.Context, blob blobstore.Blob) (Opener, error) {
	holders, err := p.tracker.ListByContentHash(ctx, blob.ContentHash)
	if err != nil {
		return nil, err
	}

	for _, h := range holders {
		if !h.Virtual() {
			return p.fileOpener(h.Path), nil
		}
		if p.config.Extractor == nil {
			continue
		}

		parents, err := p.tracker.ListByContentHash(ctx, h.ContainerParent)
		if err != nil {
			return nil, err
		}
		for _, parent := range parents {
			if parent.Virtual() {
				continue
			}
			container, err := p.blobs.GetByHash(ctx, h.ContainerParent)
			if err != nil {
				return nil, err
			}
			entry := strings.TrimPrefix(h.Path, assets.VirtualScheme+h.ContainerParent+"/")
			open := p.fileOpener(parent.Path)
			return func(ctx context.Context) (io.ReadCloser, error) {
				return p.config.Extractor.OpenEntry(ctx, container, open, entry)
			}, nil
		}
	}
	return nil, fmt.Errorf("no readable copy of blob %s", blob.ContentHash)
}

// RequestRehash forces the content of an asset to be hashed again. Entries
// of a container are refreshed by materializing the container again.
func (p *Processor) RequestRehash(ctx context.Context, id int64) (assets.Asset, error) {
	a, err := p.tracker.Get(ctx, id)
	if err != nil {
		return assets.Asset{}, err
	}
	if !a.Virtual() {
		return p.tracker.RequestRehash(ctx, id)
	}
	if !a.Present {
		return assets.Asset{}, assets.ErrAbsent
	}
	if p.config.Extractor == nil {
		return assets.Asset{}, errors.New("container extraction is disabled")
	}

	container, err := p.blobs.GetByHash(ctx, a.ContainerParent)
	if errors.Is(err, blobstore.ErrNotFound) || (err == nil && container.RefCount == 0) {
		return assets.Asset{}, fmt.Errorf("no present container holds asset %d", id)
	}
	if err != nil {
		return assets.Asset{}, err
	}
	if _, err := p.scheduler.Enqueue(ctx, jobs.KindContainer, container.ID, jobs.KindContainer.DefaultPriority()); err != nil {
		return assets.Asset{}, err
	}
	return a, nil
}

package indexer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"assetindex/internal/assets"
	"assetindex/internal/database"
	"assetindex/internal/filesystem"
	"assetindex/internal/hashing"
	"assetindex/internal/logging"
	"assetindex/internal/metrics"
)

// Sweep triggers, used as metric labels.
const (
	TriggerInitial  = "initial"
	TriggerPeriodic = "periodic"
	TriggerManual   = "manual"
	TriggerGap      = "gap"
)

const (
	sourceEvent = "event"
	sourceSweep = "sweep"

	// DefaultMoveWindow is how long a vanished path waits for a matching
	// appearance before it is finalized absent.
	DefaultMoveWindow = 2 * time.Second
)

// ErrUnknownRoot is returned for paths outside every configured root.
var ErrUnknownRoot = errors.New("path is not under a configured root")

// Config configures the change detector.
type Config struct {
	Roots []string
	// SweepInterval between periodic sweeps. Zero disables them.
	SweepInterval time.Duration
	// MoveWindow is how long notification-driven vanishes wait for a
	// matching appearance. Within a sweep the whole sweep is the window.
	MoveWindow time.Duration
	// IgnorePatterns are gitignore-style patterns added to the defaults.
	IgnorePatterns []string
	Walker         WalkerConfig
	// Volumes labels assets with the volume they live on. May be nil.
	Volumes *filesystem.VolumeResolver
	// Sources creates notification sources. Nil means sweeps only.
	Sources SourceFactory
}

// Detector turns filesystem state into asset tracker transitions. Each root
// has one goroutine consuming notifications and sweep requests in arrival
// order; roots run concurrently.
type Detector struct {
	db      *database.Database
	tracker *assets.Tracker
	config  Config
	filter  *Filter
	roots   map[string]*rootLoop
	order   []string
	now     func() time.Time
	// walk lists and samples one root for a sweep.
	walk func(ctx context.Context, root string) (WalkResult, error)

	initialDone atomic.Int32

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type rootLoop struct {
	root    string
	events  chan Event
	sweeps  chan sweepRequest
	walked  chan walkOutcome
	source  Source
	pending map[string]vanish
	// dirty holds the paths notifications touched while a sweep's walk was
	// running. It is nil when no walk is running.
	dirty map[string]bool
}

type sweepRequest struct {
	trigger string
	done    chan error
}

// walkOutcome carries a finished walk back to its root loop.
type walkOutcome struct {
	req    sweepRequest
	start  time.Time
	result WalkResult
	err    error
}

// vanish is a present asset whose path disappeared and may yet turn out to
// have moved.
type vanish struct {
	asset    assets.Asset
	deadline time.Time
}

// New creates a detector for the configured roots.
func New(db *database.Database, tracker *assets.Tracker, config Config) (*Detector, error) {
	if len(config.Roots) == 0 {
		return nil, errors.New("no roots configured")
	}
	if config.MoveWindow < 0 {
		config.MoveWindow = 0
	}
	if config.Walker.NumWorkers == 0 {
		config.Walker = DefaultWalkerConfig()
	}

	d := &Detector{
		db:      db,
		tracker: tracker,
		config:  config,
		filter:  NewFilter(config.IgnorePatterns...),
		roots:   make(map[string]*rootLoop),
		now:     time.Now,
	}
	d.walk = func(ctx context.Context, root string) (WalkResult, error) {
		return NewParallelWalker(root, root, d.filter, d.config.Walker).Walk(ctx)
	}

	for _, root := range config.Roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("resolve root %s: %w", root, err)
		}
		abs = filepath.Clean(abs)
		if _, dup := d.roots[abs]; dup {
			continue
		}
		d.roots[abs] = &rootLoop{
			root:    abs,
			events:  make(chan Event, 1024),
			sweeps:  make(chan sweepRequest, 1),
			walked:  make(chan walkOutcome, 1),
			pending: make(map[string]vanish),
		}
		d.order = append(d.order, abs)
	}
	sort.Strings(d.order)
	return d, nil
}

// Roots returns the absolute roots being tracked.
func (d *Detector) Roots() []string {
	return append([]string(nil), d.order...)
}

// Start begins watching and schedules an initial sweep of every root.
func (d *Detector) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	for _, root := range d.order {
		r := d.roots[root]

		if d.config.Sources != nil {
			src, err := d.config.Sources(root, d.filter)
			if err != nil {
				logging.Warn("Notifications unavailable for %s, relying on sweeps: %v", root, err)
			} else {
				r.source = src
				d.wg.Add(2)
				go d.forwardEvents(runCtx, r)
				go d.forwardGaps(runCtx, r)
			}
		}

		r.sweeps <- sweepRequest{trigger: TriggerInitial}
		d.wg.Add(1)
		go d.loop(runCtx, r)
	}

	logging.Info("Change detector started for %d roots (sweep interval %v, move window %v)",
		len(d.order), d.config.SweepInterval, d.config.MoveWindow)
	return nil
}

// Stop stops every root loop and closes notification sources.
func (d *Detector) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	for _, r := range d.roots {
		if r.source != nil {
			if err := r.source.Close(); err != nil {
				logging.Warn("Failed to close notification source for %s: %v", r.root, err)
			}
		}
	}
	d.wg.Wait()
	logging.Info("Change detector stopped")
}

// Ready reports whether every root finished its initial sweep.
func (d *Detector) Ready() bool {
	return int(d.initialDone.Load()) >= len(d.order)
}

// RequestRescan schedules a sweep of root, or of every root when root is
// empty. Requests for a root that already has one queued coalesce.
func (d *Detector) RequestRescan(root string) error {
	if root == "" {
		for _, r := range d.roots {
			r.request(TriggerManual)
		}
		return nil
	}
	r, err := d.rootFor(root)
	if err != nil {
		return err
	}
	r.request(TriggerManual)
	return nil
}

// Sweep runs a sweep of root on its loop and waits for it to finish.
func (d *Detector) Sweep(ctx context.Context, root string) error {
	r, err := d.rootFor(root)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	select {
	case r.sweeps <- sweepRequest{trigger: TriggerManual, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Verify asks the detector to look at path again, for example after a job
// found it missing or changed. It never blocks; when the root's queue is
// full a sweep is requested instead.
func (d *Detector) Verify(path string) {
	r, err := d.rootFor(path)
	if err != nil {
		return
	}
	select {
	case r.events <- Event{Op: OpModified, Path: path}:
	default:
		r.request(TriggerManual)
	}
}

func (d *Detector) rootFor(path string) (*rootLoop, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if r, ok := d.roots[abs]; ok {
		return r, nil
	}
	for _, root := range d.order {
		if strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return d.roots[root], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownRoot, path)
}

func (r *rootLoop) request(trigger string) {
	select {
	case r.sweeps <- sweepRequest{trigger: trigger}:
	default:
	}
}

func (d *Detector) forwardEvents(ctx context.Context, r *rootLoop) {
	defer d.wg.Done()
	for {
		select {
		case ev, ok := <-r.source.Events():
			if !ok {
				return
			}
			select {
			case r.events <- ev:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (d *Detector) forwardGaps(ctx context.Context, r *rootLoop) {
	defer d.wg.Done()
	for {
		select {
		case err := <-r.source.Gaps():
			metrics.WatcherGapsTotal.Inc()
			logging.Debug("Notification gap on %s, scheduling sweep: %v", r.root, err)
			r.request(TriggerGap)
		case <-ctx.Done():
			return
		}
	}
}

func (d *Detector) loop(ctx context.Context, r *rootLoop) {
	defer d.wg.Done()

	var periodic <-chan time.Time
	if d.config.SweepInterval > 0 {
		ticker := time.NewTicker(d.config.SweepInterval)
		defer ticker.Stop()
		periodic = ticker.C
	}

	tick := d.config.MoveWindow / 2
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	expire := time.NewTicker(tick)
	defer expire.Stop()

	// Walks run off the loop so notifications keep flowing; sweep requests
	// wait while one is running.
	initial := true
	sweeps := r.sweeps
	for {
		select {
		case <-ctx.Done():
			return

		case ev := <-r.events:
			d.handleEvent(ctx, r, ev)

		case req := <-sweeps:
			if req.trigger == TriggerInitial && !initial {
				req.trigger = TriggerManual
			}
			sweeps = nil
			d.startSweep(ctx, r, req)

		case out := <-r.walked:
			err := d.finishSweep(ctx, r, out)
			sweeps = r.sweeps
			if initial {
				initial = false
				d.initialDone.Add(1)
			}
			if out.req.done != nil {
				out.req.done <- err
			}

		case <-periodic:
			r.request(TriggerPeriodic)

		case <-expire.C:
			d.expireVanishes(ctx, r)
		}
	}
}

func (d *Detector) handleEvent(ctx context.Context, r *rootLoop, ev Event) {
	metrics.WatcherEventsTotal.WithLabelValues(ev.Op.String()).Inc()
	if r.dirty != nil {
		r.dirty[ev.Path] = true
	}

	rel, err := filepath.Rel(r.root, ev.Path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return
	}

	info, err := filesystem.LstatWithRetry(ctx, ev.Path, d.config.Walker.Retry)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if !d.filter.Ignored(rel, false) {
			d.applyVanished(ctx, r, ev.Path)
		}

	case err != nil:
		logging.Warn("Cannot stat %s after %s event: %v", ev.Path, ev.Op, err)

	case info.IsDir():
		// A directory that appears may have been moved in with its contents.
		if ev.Op == OpCreated && !d.filter.Ignored(rel, true) {
			d.walkSubtree(ctx, r, ev.Path)
		}

	case info.Mode().IsRegular():
		if d.filter.Ignored(rel, false) {
			return
		}
		sample, err := hashing.FastFile(ctx, ev.Path, d.config.Walker.Retry)
		if hashing.IsNotExist(err) {
			d.applyVanished(ctx, r, ev.Path)
			return
		}
		if err != nil {
			logging.Debug("Cannot sample %s: %v", ev.Path, err)
			return
		}
		if _, err := d.applyPresent(ctx, r, sample, sourceEvent); err != nil {
			logging.Error("Failed to apply %s event for %s: %v", ev.Op, ev.Path, err)
		}
	}
}

// applyVanished records that path is gone. A directory path takes every asset
// below it along.
func (d *Detector) applyVanished(ctx context.Context, r *rootLoop, path string) {
	deadline := d.now().Add(d.config.MoveWindow)

	if a, err := d.tracker.GetByPath(ctx, path); err == nil {
		r.addPending(a, deadline)
	} else if errors.Is(err, assets.ErrNotFound) {
		below, err := d.tracker.ListPresent(ctx, r.root, path+string(filepath.Separator))
		if err != nil {
			logging.Error("Failed to list assets under %s: %v", path, err)
			return
		}
		for _, a := range below {
			r.addPending(a, deadline)
		}
	} else {
		logging.Error("Failed to load asset at %s: %v", path, err)
		return
	}

	if d.config.MoveWindow == 0 {
		d.expireVanishes(ctx, r)
	}
}

func (r *rootLoop) addPending(a assets.Asset, deadline time.Time) {
	if _, ok := r.pending[a.Path]; !ok {
		metrics.PendingMoves.Inc()
	}
	r.pending[a.Path] = vanish{asset: a, deadline: deadline}
}

func (r *rootLoop) dropPending(path string) {
	if _, ok := r.pending[path]; ok {
		delete(r.pending, path)
		metrics.PendingMoves.Dec()
	}
}

// takeMatch claims the pending vanish that sample most likely moved from:
// same fast hash and size, lexically first path on ties.
func (r *rootLoop) takeMatch(sample hashing.Sample) (string, bool) {
	best := ""
	for path, v := range r.pending {
		if path == sample.Path || v.asset.FastHash != sample.FastHash || v.asset.Size != sample.Size {
			continue
		}
		if best == "" || path < best {
			best = path
		}
	}
	if best == "" {
		return "", false
	}
	r.dropPending(best)
	return best, true
}

func (d *Detector) observation(r *rootLoop, s hashing.Sample) assets.Observation {
	obs := assets.Observation{
		Path:     s.Path,
		Root:     r.root,
		Size:     s.Size,
		ModTime:  s.ModTime,
		FastHash: s.FastHash,
	}
	if d.config.Volumes != nil {
		obs.Volume = d.config.Volumes.Resolve(s.Path)
	}
	return obs
}

// applyPresent is the single transition function for a path that exists.
// It returns the transition taken, or "" for a plain touch.
func (d *Detector) applyPresent(ctx context.Context, r *rootLoop, s hashing.Sample, source string) (string, error) {
	obs := d.observation(r, s)

	existing, err := d.tracker.GetByPath(ctx, s.Path)
	if err != nil && !errors.Is(err, assets.ErrNotFound) {
		return "", err
	}
	if err == nil && existing.FastHash == s.FastHash && existing.Size == s.Size {
		r.dropPending(s.Path)
		_, _, err := d.tracker.Observe(ctx, obs)
		return "", err
	}

	if from, ok := r.takeMatch(s); ok {
		if _, err := d.tracker.Relocate(ctx, from, s.Path, obs); err != nil {
			return "", fmt.Errorf("relocate %s to %s: %w", from, s.Path, err)
		}
		r.dropPending(s.Path)
		metrics.TransitionsTotal.WithLabelValues("moved", source).Inc()
		logging.Debug("Moved %s -> %s", from, s.Path)
		return "moved", nil
	}

	r.dropPending(s.Path)
	_, outcome, err := d.tracker.Observe(ctx, obs)
	if err != nil {
		return "", err
	}
	if outcome == assets.OutcomeUnchanged {
		return "", nil
	}
	metrics.TransitionsTotal.WithLabelValues(outcome.String(), source).Inc()
	return outcome.String(), nil
}

// expireVanishes finalizes pending vanishes whose window has passed.
func (d *Detector) expireVanishes(ctx context.Context, r *rootLoop) {
	if len(r.pending) == 0 {
		return
	}
	now := d.now()

	var due []string
	for path, v := range r.pending {
		if !now.Before(v.deadline) {
			due = append(due, path)
		}
	}
	sort.Strings(due)

	for _, path := range due {
		d.finalize(ctx, r, path, sourceEvent)
	}
}

// finalize marks a pending vanish absent, unless the path turns out to
// exist again.
func (d *Detector) finalize(ctx context.Context, r *rootLoop, path, source string) {
	r.dropPending(path)

	if sample, err := hashing.FastFile(ctx, path, d.config.Walker.Retry); err == nil {
		if _, err := d.applyPresent(ctx, r, sample, source); err != nil {
			logging.Error("Failed to re-observe %s: %v", path, err)
		}
		return
	}

	_, found, err := d.tracker.MarkAbsent(ctx, path)
	if err != nil {
		logging.Error("Failed to mark %s absent: %v", path, err)
		return
	}
	if found {
		metrics.TransitionsTotal.WithLabelValues("deleted", source).Inc()
	}
}

func (d *Detector) walkSubtree(ctx context.Context, r *rootLoop, dir string) {
	walker := NewParallelWalker(r.root, dir, d.filter, d.config.Walker)
	result, err := walker.Walk(ctx)
	if err != nil {
		logging.Warn("Failed to walk new directory %s: %v", dir, err)
		return
	}

	sort.Slice(result.Samples, func(i, j int) bool { return result.Samples[i].Path < result.Samples[j].Path })
	for _, s := range result.Samples {
		if _, err := d.applyPresent(ctx, r, s, sourceEvent); err != nil {
			logging.Error("Failed to apply %s: %v", s.Path, err)
		}
	}
}

// startSweep begins a walk of the whole root on its own goroutine. The
// result comes back to the loop through r.walked.
func (d *Detector) startSweep(ctx context.Context, r *rootLoop, req sweepRequest) {
	metrics.SweepsTotal.WithLabelValues(req.trigger).Inc()
	logging.Debug("Sweep of %s started (%s)", r.root, req.trigger)

	r.dirty = make(map[string]bool)
	start := time.Now()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		result, err := d.walk(ctx, r.root)
		select {
		case r.walked <- walkOutcome{req: req, start: start, result: result, err: err}:
		case <-ctx.Done():
		}
	}()
}

// finishSweep reconciles a finished walk with the present assets. Every
// present asset that was not found is a move candidate for the length of the
// reconcile, then goes absent.
func (d *Detector) finishSweep(ctx context.Context, r *rootLoop, out walkOutcome) error {
	dirty := r.dirty
	r.dirty = nil

	if out.err != nil {
		// Never mark a whole root absent because it could not be read.
		logging.Error("Sweep of %s aborted: %v", r.root, out.err)
		return fmt.Errorf("sweep %s: %w", r.root, out.err)
	}

	present, err := d.tracker.ListPresent(ctx, r.root, "")
	if err != nil {
		return fmt.Errorf("sweep %s: %w", r.root, err)
	}

	result := out.result
	stats := d.reconcile(ctx, r, result, present, dirty)

	duration := time.Since(out.start)
	metrics.SweepDuration.Observe(duration.Seconds())
	metrics.SweepLastTimestamp.WithLabelValues(r.root).SetToCurrentTime()
	if err := d.db.SetLastSweep(ctx, r.root, d.now()); err != nil {
		logging.Warn("Failed to record sweep time for %s: %v", r.root, err)
	}

	logging.Info("Sweep of %s complete (%s): %d files, %d changed, %d moved, %d gone, %d unreadable, %d held in %v",
		r.root, out.req.trigger, len(result.Samples), stats.changed, stats.moved, stats.gone,
		len(result.Unreadable)+len(result.UnreadableDirs), stats.held, duration)
	return nil
}

// held reports whether a sweep must leave path alone: the walk could not
// read it or a directory above it, or a notification touched it or a
// directory above it while the walk ran. Notifications are newer than the
// walk, so their transitions stand.
func held(root, path string, result WalkResult, dirty map[string]bool) bool {
	if _, ok := result.Unreadable[path]; ok {
		return true
	}
	for _, dir := range result.UnreadableDirs {
		if path == dir || strings.HasPrefix(path, dir+string(filepath.Separator)) {
			return true
		}
	}
	if len(dirty) == 0 {
		return false
	}
	for p := path; len(p) >= len(root); {
		if dirty[p] {
			return true
		}
		parent := filepath.Dir(p)
		if parent == p {
			break
		}
		p = parent
	}
	return false
}

type reconcileStats struct {
	changed int
	moved   int
	gone    int
	held    int
}

func (d *Detector) reconcile(ctx context.Context, r *rootLoop, result WalkResult, present []assets.Asset, dirty map[string]bool) reconcileStats {
	var stats reconcileStats

	byPath := make(map[string]assets.Asset, len(present))
	for _, a := range present {
		byPath[a.Path] = a
	}
	seen := make(map[string]bool, len(result.Samples))

	var appeared []hashing.Sample
	for _, s := range result.Samples {
		if held(r.root, s.Path, result, dirty) {
			stats.held++
			continue
		}
		seen[s.Path] = true
		if a, ok := byPath[s.Path]; ok && a.FastHash == s.FastHash && a.Size == s.Size {
			r.dropPending(s.Path)
			if _, _, err := d.tracker.Observe(ctx, d.observation(r, s)); err != nil {
				logging.Error("Failed to touch %s: %v", s.Path, err)
			}
			continue
		}
		appeared = append(appeared, s)
	}

	// Everything missing from the walk is a move candidate until the end of
	// the sweep.
	for _, a := range present {
		if seen[a.Path] {
			continue
		}
		if held(r.root, a.Path, result, dirty) {
			stats.held++
			continue
		}
		r.addPending(a, d.now())
	}

	sort.Slice(appeared, func(i, j int) bool { return appeared[i].Path < appeared[j].Path })
	for _, s := range appeared {
		transition, err := d.applyPresent(ctx, r, s, sourceSweep)
		if err != nil {
			logging.Error("Failed to apply %s: %v", s.Path, err)
			continue
		}
		switch transition {
		case "moved":
			stats.moved++
		case "":
		default:
			stats.changed++
		}
	}

	var gone []string
	for path := range r.pending {
		if seen[path] || held(r.root, path, result, dirty) {
			continue
		}
		gone = append(gone, path)
	}
	sort.Strings(gone)
	for _, path := range gone {
		r.dropPending(path)
		_, found, err := d.tracker.MarkAbsent(ctx, path)
		if err != nil {
			logging.Error("Failed to mark %s absent: %v", path, err)
			continue
		}
		if found {
			stats.gone++
			metrics.TransitionsTotal.WithLabelValues("deleted", sourceSweep).Inc()
		}
	}
	return stats
}

// Package sync implements the sync orchestrator: it walks the upstream
// hierarchy top-down, reconciles each entity against the store, tracks job
// progress in the status registry, and aggregates partial failures into an
// overall job outcome.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	stdsync "sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sprintforge/worksync/internal/hierarchy"
	"github.com/sprintforge/worksync/internal/status"
	"github.com/sprintforge/worksync/internal/store"
	"github.com/sprintforge/worksync/internal/telemetry"
)

const (
	// defaultFolderFanOut bounds how many sibling folder subtrees are
	// processed concurrently, to bound upstream API load.
	defaultFolderFanOut = 4
)

// Store is the reconciliation persistence the orchestrator drives.
type Store interface {
	Upsert(ctx context.Context, node *hierarchy.Node) (store.UpsertOutcome, error)
	GetNode(ctx context.Context, orgID int64, kind hierarchy.Kind, externalID string) (*hierarchy.Node, error)
	Watermark(ctx context.Context, orgID int64, kind hierarchy.Kind) (time.Time, error)
	AdvanceWatermark(ctx context.Context, orgID int64, kind hierarchy.Kind, highWater time.Time) error
	SaveJob(ctx context.Context, job *status.Job) error
}

// Locker manages the per-organization sync lock lease.
type Locker interface {
	Acquire(ctx context.Context, orgID int64) (store.Lease, error)
	Renew(ctx context.Context, lease store.Lease) error
	Release(ctx context.Context, lease store.Lease) error
}

// Orchestrator sequences sync jobs. Each job runs on its own goroutine;
// different organizations share nothing but the registry and the database.
type Orchestrator struct {
	sources  SourceFactory
	store    Store
	locks    Locker
	registry *status.Registry
	metrics  *telemetry.SyncMetrics
	log      *slog.Logger

	folderFanOut int
	spaceFilter  string
	fetcherOpts  []FetcherOption
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithFolderFanOut sets the sibling folder concurrency limit.
func WithFolderFanOut(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.folderFanOut = n
		}
	}
}

// WithSpaceFilter restricts full syncs to spaces whose name contains the
// given substring, case-insensitively. Empty matches everything.
func WithSpaceFilter(filter string) Option {
	return func(o *Orchestrator) {
		o.spaceFilter = strings.ToLower(filter)
	}
}

// WithFetcherOptions forwards options to the per-job fetchers.
func WithFetcherOptions(opts ...FetcherOption) Option {
	return func(o *Orchestrator) {
		o.fetcherOpts = opts
	}
}

// WithMetrics attaches sync metrics instruments. Nil is a valid no-op.
func WithMetrics(metrics *telemetry.SyncMetrics) Option {
	return func(o *Orchestrator) {
		o.metrics = metrics
	}
}

// New creates an orchestrator with injected dependencies.
func New(
	sources SourceFactory,
	st Store,
	locks Locker,
	registry *status.Registry,
	logger *slog.Logger,
	opts ...Option,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		sources:      sources,
		store:        st,
		locks:        locks,
		registry:     registry,
		log:          logger,
		folderFanOut: defaultFolderFanOut,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// StartFullSync triggers a full-hierarchy sync for the organization. It
// returns as soon as the job is admitted; the traversal runs in the
// background and reports through the registry. Lock contention fails fast
// with ErrSyncInProgress and creates no job.
func (o *Orchestrator) StartFullSync(ctx context.Context, orgID int64, lookback time.Duration) (*status.Job, error) {
	return o.start(ctx, orgID, status.ScopeFull, "", lookback)
}

// StartBoardSync triggers a sync of a single board (list) and its tasks. The
// board's ancestors are assumed already reconciled; if the board itself is
// unknown the job finalizes as failed.
func (o *Orchestrator) StartBoardSync(ctx context.Context, orgID int64, boardExternalID string, lookback time.Duration) (*status.Job, error) {
	if boardExternalID == "" {
		return nil, fmt.Errorf("board id is required")
	}
	return o.start(ctx, orgID, status.ScopeSingleBoard, boardExternalID, lookback)
}

// Cancel interrupts the organization's running job between page boundaries.
// Upserts already committed remain; the job finalizes as failed.
func (o *Orchestrator) Cancel(orgID int64) bool {
	return o.registry.Cancel(orgID)
}

// Status returns the organization's current or most recent job snapshot.
func (o *Orchestrator) Status(orgID int64) status.Snapshot {
	return o.registry.Snapshot(orgID)
}

func (o *Orchestrator) start(ctx context.Context, orgID int64, scope status.Scope, boardID string, lookback time.Duration) (*status.Job, error) {
	lease, err := o.locks.Acquire(ctx, orgID)
	if err != nil {
		if errors.Is(err, store.ErrLockHeld) {
			return nil, fmt.Errorf("%w: org %d", ErrSyncInProgress, orgID)
		}
		return nil, err
	}

	job := status.NewJob(orgID, scope, boardID)

	// The job outlives the trigger request; detach its context but keep a
	// cause-carrying cancel so cancellation and lease loss finalize with
	// distinct reasons.
	jobCtx, cancelCause := context.WithCancelCause(context.WithoutCancel(ctx))
	cancel := func() { cancelCause(ErrCancelled) }

	if err := o.registry.Register(job, cancel); err != nil {
		cancelCause(nil)
		if releaseErr := o.locks.Release(ctx, lease); releaseErr != nil {
			o.log.Error("failed to release sync lock after registry conflict",
				"org_id", orgID, "error", releaseErr)
		}
		return nil, fmt.Errorf("%w: org %d", ErrSyncInProgress, orgID)
	}

	go o.run(jobCtx, cancelCause, job, lease, lookback)

	return job, nil
}

// run drives one job to a terminal state. It owns all writes to the job.
func (o *Orchestrator) run(
	ctx context.Context,
	cancelCause context.CancelCauseFunc,
	job *status.Job,
	lease store.Lease,
	lookback time.Duration,
) {
	log := o.log.With("job_id", job.ID, "org_id", job.OrgID, "scope", job.Scope)
	startTime := time.Now()

	defer cancelCause(nil)
	stopRenewal := o.keepLeaseAlive(ctx, cancelCause, lease)
	defer stopRenewal()

	o.registry.MarkRunning(job.ID)
	log.Info("sync job started")

	w, err := o.newWorker(ctx, job, lookback)
	var runErr error
	if err != nil {
		runErr = err
	} else {
		switch job.Scope {
		case status.ScopeSingleBoard:
			runErr = w.runSingleBoard(ctx, job.BoardID)
		default:
			runErr = w.runFull(ctx)
		}
	}

	finalStatus, message := o.classifyOutcome(ctx, job, runErr)

	// Watermarks advance only when traversal completed, and only for kinds
	// with no fatal fetch failure anywhere in the run.
	if finalStatus != status.JobFailed && w != nil {
		w.advanceWatermarks(context.WithoutCancel(ctx))
	}

	// The lease is released on every terminal path. A release that fails
	// (or a crashed process that never reaches it) is recovered by lease
	// expiry on the next acquire.
	releaseCtx, releaseCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer releaseCancel()
	if err := o.locks.Release(releaseCtx, lease); err != nil {
		log.Error("failed to release sync lock", "error", err)
	}

	finalized := o.registry.Finalize(job.ID, finalStatus, message)
	if finalized != nil {
		if err := o.store.SaveJob(releaseCtx, finalized); err != nil {
			log.Error("failed to persist finalized job", "error", err)
		}
	}

	o.metrics.RecordSyncDuration(releaseCtx, string(job.Scope), time.Since(startTime), finalStatus == status.JobSucceeded)

	log.Info("sync job finished",
		"status", finalStatus,
		"message", message,
		"duration", time.Since(startTime))
}

func (o *Orchestrator) recordEntityMetrics(ctx context.Context, kind hierarchy.Kind, delta status.Delta) {
	if o.metrics == nil {
		return
	}
	for outcome, count := range map[string]int{
		"inserted":  delta.Inserted,
		"updated":   delta.Updated,
		"unchanged": delta.Unchanged,
		"failed":    delta.Failed,
	} {
		if count > 0 {
			o.metrics.RecordEntities(ctx, string(kind), outcome, int64(count))
		}
	}
}

// classifyOutcome maps the traversal result onto the job's terminal status.
func (o *Orchestrator) classifyOutcome(ctx context.Context, job *status.Job, runErr error) (status.JobStatus, string) {
	if runErr == nil {
		snap, ok := o.registry.JobSnapshot(job.ID)
		if ok && snap.ErrorsTotal > 0 {
			return status.JobPartialFailure, fmt.Sprintf("completed with %d errors", snap.ErrorsTotal)
		}
		return status.JobSucceeded, ""
	}

	if cause := context.Cause(ctx); cause != nil && ctx.Err() != nil {
		if errors.Is(cause, ErrCancelled) {
			return status.JobFailed, "cancelled"
		}
		if errors.Is(cause, store.ErrLeaseLost) {
			return status.JobFailed, "sync lock lease lost"
		}
	}
	if errors.Is(runErr, ErrBoardNotFound) {
		return status.JobFailed, runErr.Error()
	}
	return status.JobFailed, runErr.Error()
}

// keepLeaseAlive renews the lock lease in the background for the duration of
// the run. Losing the lease cancels the job with store.ErrLeaseLost as the
// cause, which finalizes it as failed.
func (o *Orchestrator) keepLeaseAlive(ctx context.Context, cancelCause context.CancelCauseFunc, lease store.Lease) func() {
	interval := lease.TTL / 3
	if interval <= 0 {
		interval = 30 * time.Second
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := o.locks.Renew(ctx, lease); err != nil {
					o.log.Error("failed to renew sync lock lease",
						"org_id", lease.OrgID, "error", err)
					cancelCause(store.ErrLeaseLost)
					return
				}
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()

	var once stdsync.Once
	return func() { once.Do(func() { close(done) }) }
}

// newWorker prepares the per-job traversal state, including the incremental
// fetch bound: the lookback window clamped forward by the stored task
// watermark, so a later watermark narrows the window further. A zero
// lookback requests a from-scratch fetch.
func (o *Orchestrator) newWorker(ctx context.Context, job *status.Job, lookback time.Duration) (*worker, error) {
	src, err := o.sources.SourceFor(ctx, job.OrgID)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream source for org %d: %w", job.OrgID, err)
	}

	var since time.Time
	if lookback > 0 {
		since = time.Now().UTC().Add(-lookback)
		wm, err := o.store.Watermark(ctx, job.OrgID, hierarchy.KindTask)
		if err != nil {
			o.log.Warn("failed to read task watermark, using lookback window",
				"org_id", job.OrgID, "error", err)
		} else if wm.After(since) {
			since = wm
		}
	}

	return &worker{
		o:           o,
		job:         job,
		fetcher:     NewFetcher(src, o.fetcherOpts...),
		since:       since,
		maxSeen:     make(map[hierarchy.Kind]time.Time),
		fetchFailed: make(map[hierarchy.Kind]bool),
	}, nil
}

// worker holds the mutable state of one traversal. Sibling folder subtrees
// run concurrently, so the observation maps are mutex-guarded; everything
// else is either read-only or owned by the registry.
type worker struct {
	o       *Orchestrator
	job     *status.Job
	fetcher *Fetcher
	since   time.Time

	mu          stdsync.Mutex
	maxSeen     map[hierarchy.Kind]time.Time
	fetchFailed map[hierarchy.Kind]bool
}

// runFull walks the whole hierarchy in strict top-down order. The returned
// error is fatal (root unreachable or job cancelled); everything recoverable
// is recorded in the job instead.
func (w *worker) runFull(ctx context.Context) error {
	teams, err := w.reconcileChildren(ctx, hierarchy.KindTeam, "", "", false)
	if err != nil {
		// The root being unreachable means no meaningful traversal happened.
		return err
	}

	for _, team := range teams {
		if err := ctx.Err(); err != nil {
			return err
		}

		spaces, err := w.reconcileChildren(ctx, hierarchy.KindSpace, hierarchy.KindTeam, team.ExternalID, true)
		if err != nil {
			return err
		}

		for _, space := range spaces {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !w.spaceMatches(space) {
				continue
			}
			if err := w.syncSpace(ctx, space); err != nil {
				return err
			}
		}
	}

	return nil
}

// runSingleBoard syncs one list's tasks. The board must already be known
// from a previous reconciliation of its ancestors.
func (w *worker) runSingleBoard(ctx context.Context, boardExternalID string) error {
	board, err := w.o.store.GetNode(ctx, w.job.OrgID, hierarchy.KindList, boardExternalID)
	if err != nil {
		if errors.Is(err, store.ErrNodeNotFound) {
			return fmt.Errorf("%w: %s", ErrBoardNotFound, boardExternalID)
		}
		return fmt.Errorf("failed to look up board %s: %w", boardExternalID, err)
	}

	return w.syncTasks(ctx, board.ExternalID)
}

// syncSpace reconciles one space's folders (concurrently, bounded) and its
// folderless lists. Only cancellation propagates; subtree failures are
// recorded and siblings continue.
func (w *worker) syncSpace(ctx context.Context, space *hierarchy.Node) error {
	folders, err := w.reconcileChildren(ctx, hierarchy.KindFolder, hierarchy.KindSpace, space.ExternalID, true)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.o.folderFanOut)
	for _, folder := range folders {
		if err := ctx.Err(); err != nil {
			break
		}
		g.Go(func() error {
			return w.syncFolder(gctx, folder)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Folderless lists hang directly off the space.
	return w.syncLists(ctx, hierarchy.KindSpace, space.ExternalID)
}

// syncFolder reconciles the lists under one folder and their tasks.
func (w *worker) syncFolder(ctx context.Context, folder *hierarchy.Node) error {
	return w.syncLists(ctx, hierarchy.KindFolder, folder.ExternalID)
}

func (w *worker) syncLists(ctx context.Context, parentKind hierarchy.Kind, parentExternalID string) error {
	lists, err := w.reconcileChildren(ctx, hierarchy.KindList, parentKind, parentExternalID, true)
	if err != nil {
		return err
	}
	for _, list := range lists {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.syncTasks(ctx, list.ExternalID); err != nil {
			return err
		}
	}
	return nil
}

func (w *worker) syncTasks(ctx context.Context, listExternalID string) error {
	_, err := w.reconcileChildrenSince(ctx, hierarchy.KindTask, hierarchy.KindList, listExternalID, w.since, true)
	return err
}

// reconcileChildren runs the fetch → map → upsert pipeline for the direct
// children of one parent.
func (w *worker) reconcileChildren(
	ctx context.Context,
	kind hierarchy.Kind,
	parentKind hierarchy.Kind,
	parentExternalID string,
	recoverFetch bool,
) ([]*hierarchy.Node, error) {
	return w.reconcileChildrenSince(ctx, kind, parentKind, parentExternalID, time.Time{}, recoverFetch)
}

// reconcileChildrenSince is reconcileChildren with an incremental bound.
// Pages are applied in fetch order; per-record failures are counted and
// recorded without halting the page. When recoverFetch is set, a page-level
// fetch failure is absorbed as a partial failure (the parent's subtree is
// abandoned, siblings unaffected); otherwise it propagates, which is how the
// root's unreachability becomes fatal. Cancellation always propagates.
func (w *worker) reconcileChildrenSince(
	ctx context.Context,
	kind hierarchy.Kind,
	parentKind hierarchy.Kind,
	parentExternalID string,
	since time.Time,
	recoverFetch bool,
) ([]*hierarchy.Node, error) {
	var reconciled []*hierarchy.Node

	iter := w.fetcher.Fetch(kind, parentKind, parentExternalID, since)
	for {
		records, ok, err := iter.Next(ctx)
		if err != nil {
			var fetchErr *FetchError
			if recoverFetch && errors.As(err, &fetchErr) {
				w.recordFetchFailure(fetchErr)
				return reconciled, nil
			}
			return reconciled, err
		}
		if !ok {
			break
		}

		delta := status.Delta{Kind: kind, Fetched: len(records)}
		for _, record := range records {
			node, err := MapRecord(record, kind, w.job.OrgID, parentExternalID)
			if err != nil {
				delta.Failed++
				w.o.registry.RecordError(w.job.ID, status.StageError{
					Kind:             kind,
					ParentExternalID: parentExternalID,
					Message:          err.Error(),
				})
				continue
			}

			outcome, err := w.o.store.Upsert(ctx, node)
			if err != nil {
				delta.Failed++
				w.o.registry.RecordError(w.job.ID, status.StageError{
					Kind:             kind,
					ExternalID:       node.ExternalID,
					ParentExternalID: parentExternalID,
					Message:          err.Error(),
				})
				continue
			}

			switch outcome {
			case store.Inserted:
				delta.Inserted++
			case store.Updated:
				delta.Updated++
			case store.Unchanged:
				delta.Unchanged++
			}
			w.observe(kind, node.ExternalUpdatedAt)
			reconciled = append(reconciled, node)
		}
		w.o.registry.RecordProgress(w.job.ID, delta)
		w.o.recordEntityMetrics(ctx, kind, delta)
	}

	return reconciled, nil
}

func (w *worker) spaceMatches(space *hierarchy.Node) bool {
	if w.o.spaceFilter == "" {
		return true
	}
	return strings.Contains(strings.ToLower(space.Name), w.o.spaceFilter)
}

// observe tracks the maximum external timestamp seen per kind, the candidate
// watermark for this run.
func (w *worker) observe(kind hierarchy.Kind, ts time.Time) {
	if ts.IsZero() {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if ts.After(w.maxSeen[kind]) {
		w.maxSeen[kind] = ts
	}
}

// recordFetchFailure logs a subtree-level fetch failure against the job and
// poisons the watermark for the failed kind and everything below it: records
// under the lost subtree were never observed, so those kinds' high-water
// marks cannot safely advance.
func (w *worker) recordFetchFailure(fetchErr *FetchError) {
	w.o.registry.RecordError(w.job.ID, status.StageError{
		Kind:             fetchErr.Kind,
		ParentExternalID: fetchErr.ParentExternalID,
		Message:          fetchErr.Error(),
	})
	w.o.registry.RecordProgress(w.job.ID, status.Delta{Kind: fetchErr.Kind, Failed: 1})

	w.mu.Lock()
	defer w.mu.Unlock()
	poison := false
	for _, kind := range hierarchy.Kinds {
		if kind == fetchErr.Kind {
			poison = true
		}
		if poison {
			w.fetchFailed[kind] = true
		}
	}
}

// advanceWatermarks raises the per-kind high-water marks for every kind that
// completed the run without a fatal fetch failure.
func (w *worker) advanceWatermarks(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for kind, ts := range w.maxSeen {
		if w.fetchFailed[kind] {
			continue
		}
		if err := w.o.store.AdvanceWatermark(ctx, w.job.OrgID, kind, ts); err != nil {
			w.o.log.Error("failed to advance watermark",
				"org_id", w.job.OrgID, "kind", kind, "error", err)
		}
	}
}

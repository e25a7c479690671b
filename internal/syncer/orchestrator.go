package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Mubeen213/saas-risk-scanner-backend/internal/locker"
	"github.com/Mubeen213/saas-risk-scanner-backend/internal/store"
	"github.com/Mubeen213/saas-risk-scanner-backend/pkg/batch"
	"github.com/Mubeen213/saas-risk-scanner-backend/pkg/client"
	"github.com/Mubeen213/saas-risk-scanner-backend/pkg/pagination"
	"github.com/Mubeen213/saas-risk-scanner-backend/pkg/provider"
)

// ErrRunInProgress is returned when another sync run holds the
// connection's advisory lock.
var ErrRunInProgress = errors.New("sync run already in progress")

// Prometheus metrics for sync runs.
var (
	syncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scanner_sync_runs_total",
		Help: "Sync runs by provider and outcome",
	}, []string{"provider", "outcome"})

	syncStepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scanner_sync_step_duration_seconds",
		Help:    "Pipeline step duration by provider and step",
		Buckets: []float64{0.1, 1, 5, 30, 120, 600},
	}, []string{"provider", "step"})

	syncRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scanner_sync_records_total",
		Help: "Records reconciled by provider and step",
	}, []string{"provider", "step"})
)

// CredentialProvider hands out the credential source for a connection.
type CredentialProvider interface {
	Source(connectionID string) client.CredentialSource
}

// Config tunes the orchestrator.
type Config struct {
	// LockTTL bounds how long a crashed run can block its successor.
	LockTTL time.Duration

	// StreamSafetyBuffer is subtracted from a stream step's observed
	// position before it becomes the next cursor, tolerating
	// eventually-consistent event delivery.
	StreamSafetyBuffer time.Duration

	// PageCap bounds pages per paginated call; zero means no cap.
	PageCap int

	// BatchChunkSize and BatchParallelism configure batched steps.
	BatchChunkSize   int
	BatchParallelism int
}

// DefaultConfig returns safe defaults.
func DefaultConfig() Config {
	return Config{
		LockTTL:            30 * time.Minute,
		StreamSafetyBuffer: 10 * time.Minute,
		BatchChunkSize:     50,
		BatchParallelism:   3,
	}
}

// Orchestrator executes a connection's sync pipeline strictly in step
// order. Each step drains its record sequence into the reconciler and
// checkpoints only on full completion; a fatal step aborts the remaining
// pipeline so later steps never run against stale dependency data.
type Orchestrator struct {
	store       store.Store
	registry    *provider.Registry
	doer        client.Doer
	credentials CredentialProvider
	locks       locker.Locker
	noiseFilter []string
	config      Config
	logger      zerolog.Logger

	now func() time.Time
}

// New creates an orchestrator.
func New(st store.Store, registry *provider.Registry, doer client.Doer,
	creds CredentialProvider, locks locker.Locker, noiseFilter []string,
	cfg Config, logger zerolog.Logger) (*Orchestrator, error) {
	if st == nil || registry == nil || doer == nil || creds == nil || locks == nil {
		return nil, fmt.Errorf("store, registry, executor, credentials and locker are required")
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Minute
	}
	if cfg.StreamSafetyBuffer < 0 {
		return nil, fmt.Errorf("stream safety buffer must not be negative")
	}
	if cfg.BatchChunkSize <= 0 {
		cfg.BatchChunkSize = 50
	}
	if cfg.BatchParallelism <= 0 {
		cfg.BatchParallelism = 3
	}

	return &Orchestrator{
		store:       st,
		registry:    registry,
		doer:        doer,
		credentials: creds,
		locks:       locks,
		noiseFilter: noiseFilter,
		config:      cfg,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// Run executes one full pipeline for the connection and returns the sync
// run ID. Overlapping runs for the same connection are rejected with
// ErrRunInProgress.
func (o *Orchestrator) Run(ctx context.Context, connectionID string) (string, error) {
	conn, err := o.store.GetConnection(ctx, connectionID)
	if err != nil {
		return "", fmt.Errorf("load connection: %w", err)
	}

	prov, err := o.registry.Get(conn.Provider)
	if err != nil {
		return "", err
	}

	release, ok, err := o.locks.Acquire(ctx, "sync:"+connectionID, o.config.LockTTL)
	if err != nil {
		return "", fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		return "", ErrRunInProgress
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			o.logger.Warn().Err(err).Str("connection_id", connectionID).Msg("Failed to release run lock")
		}
	}()

	run := &store.SyncRun{ConnectionID: connectionID}
	if err := o.store.CreateSyncRun(ctx, run); err != nil {
		return "", fmt.Errorf("create sync run: %w", err)
	}

	logger := o.logger.With().
		Str("connection_id", connectionID).
		Str("provider", conn.Provider).
		Str("run_id", run.ID).
		Logger()
	logger.Info().Msg("Starting sync run")

	creds := o.credentials.Source(connectionID)
	reconciler := NewReconciler(o.store, conn.Provider, o.noiseFilter, logger)

	for _, step := range prov.SyncPipeline() {
		// Cancellation is honored between steps only; an in-flight step
		// finishes so its checkpoint is never half-applied.
		if err := ctx.Err(); err != nil {
			return run.ID, o.finishRun(ctx, run.ID, conn.Provider, step.Name, err, logger)
		}

		stepStart := o.now()
		err := o.runStep(ctx, conn.ID, prov, step, creds, reconciler, logger)
		syncStepDuration.WithLabelValues(conn.Provider, step.Name).
			Observe(o.now().Sub(stepStart).Seconds())

		if err != nil {
			return run.ID, o.finishRun(ctx, run.ID, conn.Provider, step.Name, err, logger)
		}
	}

	if err := o.store.FinishSyncRun(ctx, run.ID, store.SyncRunSuccess, "", ""); err != nil {
		logger.Error().Err(err).Msg("Failed to record run success")
	}
	syncRunsTotal.WithLabelValues(conn.Provider, "success").Inc()
	logger.Info().Msg("Sync run completed")
	return run.ID, nil
}

// finishRun records run failure state without clobbering the last
// successful checkpoint.
func (o *Orchestrator) finishRun(ctx context.Context, runID, providerSlug, stepName string, runErr error, logger zerolog.Logger) error {
	outcome := "failed"
	switch {
	case client.IsCredential(runErr):
		outcome = "credential_failure"
	case errors.Is(runErr, context.Canceled):
		outcome = "cancelled"
	}
	syncRunsTotal.WithLabelValues(providerSlug, outcome).Inc()

	logger.Error().Err(runErr).Str("step", stepName).Msg("Sync run aborted")

	// Use a detached context so a cancelled run still records its outcome.
	if err := o.store.FinishSyncRun(context.WithoutCancel(ctx), runID, store.SyncRunFailed, stepName, runErr.Error()); err != nil {
		logger.Error().Err(err).Msg("Failed to record run failure")
	}
	return fmt.Errorf("step %s: %w", stepName, runErr)
}

// runStep executes one pipeline step to completion and advances its
// checkpoint.
func (o *Orchestrator) runStep(ctx context.Context, connectionID string, prov provider.Provider,
	step provider.Step, creds client.CredentialSource, reconciler *Reconciler, logger zerolog.Logger) error {

	started := o.now().UTC()
	stepLogger := logger.With().Str("step", step.Name).Logger()
	stepLogger.Info().Str("kind", string(step.Kind)).Msg("Running pipeline step")

	params := provider.Params{}
	if step.Kind == provider.KindStream {
		cp, err := o.store.GetCheckpoint(ctx, connectionID, step.Name)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("load checkpoint: %w", err)
		}
		if cp != nil {
			params.Cursor = cp.Cursor
		}
	}

	var (
		records      int
		maxEventTime time.Time
		err          error
	)
	if step.Batched {
		records, maxEventTime, err = o.runBatchedStep(ctx, connectionID, prov, step, creds, reconciler, stepLogger)
	} else {
		records, maxEventTime, err = o.runPagedStep(ctx, connectionID, prov, step, params, creds, reconciler, stepLogger)
	}
	if err != nil {
		return err
	}
	syncRecordsTotal.WithLabelValues(prov.Slug(), step.Name).Add(float64(records))

	cp := &store.Checkpoint{
		ConnectionID: connectionID,
		Step:         step.Name,
		Kind:         string(step.Kind),
		StartedAt:    started,
		CompletedAt:  o.now().UTC(),
	}
	if step.Kind == provider.KindStream {
		// The next cursor trails the observed position by the safety
		// buffer; idempotent event insertion absorbs the overlap.
		position := started
		if !maxEventTime.IsZero() {
			position = maxEventTime
		}
		cp.Cursor = position.Add(-o.config.StreamSafetyBuffer).UTC().Format(time.RFC3339)
	}
	if err := o.store.SaveCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}

	stepLogger.Info().Int("records", records).Str("cursor", cp.Cursor).Msg("Pipeline step completed")
	return nil
}

// runPagedStep drains a paginated record sequence into the reconciler.
func (o *Orchestrator) runPagedStep(ctx context.Context, connectionID string, prov provider.Provider,
	step provider.Step, params provider.Params, creds client.CredentialSource,
	reconciler *Reconciler, logger zerolog.Logger) (int, time.Time, error) {

	def, err := prov.RequestDefinition(step, params)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("build request: %w", err)
	}
	def.Step = step.Name
	if def.Class == "" {
		def.Class = step.Class
	}

	strategy, err := prov.Pagination(step)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("pagination strategy: %w", err)
	}

	pageCap := step.PageCap
	if pageCap == 0 {
		pageCap = o.config.PageCap
	}
	pager := pagination.NewPager(o.doer, creds, def, strategy, pageCap, logger)

	records := 0
	var maxEventTime time.Time
	for {
		item, ok, err := pager.Next(ctx)
		if err != nil {
			return records, maxEventTime, err
		}
		if !ok {
			return records, maxEventTime, nil
		}

		normalized, err := prov.Normalize(step, item)
		if err != nil {
			return records, maxEventTime, &client.PermanentError{
				Message: fmt.Sprintf("normalize %s item: %v", step.Name, err),
			}
		}
		for _, rec := range normalized {
			if err := reconciler.Apply(ctx, connectionID, rec); err != nil {
				return records, maxEventTime, fmt.Errorf("reconcile: %w", err)
			}
			records++
			if rec.Kind == provider.KindTokenEvent && rec.TokenEvent != nil &&
				rec.TokenEvent.EventTime.After(maxEventTime) {
				maxEventTime = rec.TokenEvent.EventTime
			}
		}
	}
}

// runBatchedStep fans per-entity composite queries over the synced user
// set. Entity-level failures are logged and skipped unless they signal a
// credential problem, which aborts the step.
func (o *Orchestrator) runBatchedStep(ctx context.Context, connectionID string, prov provider.Provider,
	step provider.Step, creds client.CredentialSource, reconciler *Reconciler,
	logger zerolog.Logger) (int, time.Time, error) {

	var (
		ids []string
		err error
	)
	if step.BatchOver == provider.BatchOverGroups {
		ids, err = o.store.ListGroupExternalIDs(ctx, connectionID)
	} else {
		ids, err = o.store.ListUserExternalIDs(ctx, connectionID)
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("list %s: %w", step.Name, err)
	}
	if len(ids) == 0 {
		return 0, time.Time{}, nil
	}

	codec, err := prov.BatchCodec(step)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("batch codec: %w", err)
	}

	exec, err := batch.New(o.doer, codec, batch.Config{
		ChunkSize:   o.config.BatchChunkSize,
		Parallelism: o.config.BatchParallelism,
	}, logger)
	if err != nil {
		return 0, time.Time{}, err
	}

	results, err := exec.Run(ctx, ids, creds)
	if err != nil {
		return 0, time.Time{}, err
	}

	records := 0
	var maxEventTime time.Time
	failures := 0
	for _, res := range results {
		if res.Err != nil {
			if client.IsCredential(res.Err) {
				return records, maxEventTime, res.Err
			}
			failures++
			continue
		}
		if len(res.Body) == 0 {
			continue
		}

		normalized, err := prov.Normalize(step, res.Body)
		if err != nil {
			return records, maxEventTime, &client.PermanentError{
				Message: fmt.Sprintf("normalize %s result for %s: %v", step.Name, res.ID, err),
			}
		}
		for _, rec := range normalized {
			if err := reconciler.Apply(ctx, connectionID, rec); err != nil {
				return records, maxEventTime, fmt.Errorf("reconcile: %w", err)
			}
			records++
			if rec.Kind == provider.KindTokenEvent && rec.TokenEvent != nil &&
				rec.TokenEvent.EventTime.After(maxEventTime) {
				maxEventTime = rec.TokenEvent.EventTime
			}
		}
	}

	if failures == len(results) {
		return records, maxEventTime, fmt.Errorf("all %d entities failed in step %s", failures, step.Name)
	}
	if failures > 0 {
		logger.Warn().Int("failed", failures).Int("total", len(results)).
			Msg("Some entities failed within batched step")
	}
	return records, maxEventTime, nil
}

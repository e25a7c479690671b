// Package batch amortizes per-entity provider queries into composite wire
// calls. A sequence of entity identifiers is partitioned into fixed-size
// chunks; each chunk becomes one composite request carrying all sub-requests
// and is charged its full sub-request count against the rate budget. The
// composite response is demultiplexed back into one result per identifier,
// preserving input order.
package batch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Mubeen213/saas-risk-scanner-backend/pkg/client"
)

// Prometheus metrics for batch execution.
var (
	batchChunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scanner_batch_chunks_total",
		Help: "Composite batch requests submitted, by step",
	}, []string{"step"})

	batchEntitiesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scanner_batch_entities_total",
		Help: "Entities processed through batch execution, by step and outcome",
	}, []string{"step", "outcome"})
)

// Codec translates between entity identifiers and a provider's composite
// batch protocol. Implementations live with the provider plugin.
type Codec interface {
	// Encode builds one composite request embedding a sub-request for each
	// identifier in the chunk.
	Encode(ids []string) (client.RequestDefinition, error)

	// Decode splits a composite response into one result per identifier,
	// in the same order as ids. Individual sub-responses may fail without
	// failing their siblings.
	Decode(resp *client.Response, ids []string) ([]Result, error)
}

// Result is the outcome for one entity in a batch.
type Result struct {
	ID   string
	Body json.RawMessage
	Err  error
}

// Config holds batch executor configuration.
type Config struct {
	// ChunkSize is the provider-defined maximum sub-requests per composite
	// call (default 50).
	ChunkSize int

	// Parallelism bounds the number of composite requests in flight
	// (default 3).
	Parallelism int
}

// DefaultConfig returns safe defaults for the Google batch endpoint.
func DefaultConfig() Config {
	return Config{
		ChunkSize:   50,
		Parallelism: 3,
	}
}

// Executor groups per-entity queries into composite calls.
type Executor struct {
	doer   client.Doer
	codec  Codec
	config Config
	logger zerolog.Logger
}

// New creates a batch executor.
func New(doer client.Doer, codec Codec, cfg Config, logger zerolog.Logger) (*Executor, error) {
	if doer == nil {
		return nil, fmt.Errorf("request executor is required")
	}
	if codec == nil {
		return nil, fmt.Errorf("batch codec is required")
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 50
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 3
	}

	return &Executor{
		doer:   doer,
		codec:  codec,
		config: cfg,
		logger: logger,
	}, nil
}

// Run executes one composite request per chunk of ids and returns one
// result per input identifier, in input order. A failed sub-response is
// attributed to its entity alone; a failed composite call is attributed to
// every entity in that chunk. The only returned error is context
// cancellation before all chunks completed.
func (e *Executor) Run(ctx context.Context, ids []string, creds client.CredentialSource) ([]Result, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	results := make([]Result, len(ids))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.config.Parallelism)

	for start := 0; start < len(ids); start += e.config.ChunkSize {
		end := start + e.config.ChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunkStart, chunk := start, ids[start:end]

		group.Go(func() error {
			chunkResults := e.runChunk(groupCtx, chunk, creds)
			copy(results[chunkStart:], chunkResults)
			return groupCtx.Err()
		})
	}

	if err := group.Wait(); err != nil {
		return nil, fmt.Errorf("batch run: %w", err)
	}

	return results, nil
}

// runChunk submits one composite request. All failure modes are folded
// into per-entity results.
func (e *Executor) runChunk(ctx context.Context, chunk []string, creds client.CredentialSource) []Result {
	step := ""

	def, err := e.codec.Encode(chunk)
	if err == nil {
		step = def.Step
		// The composite call weighs as many budget units as it carries
		// sub-requests; one unit would silently overrun the quota.
		def.Cost = len(chunk)

		batchChunksTotal.WithLabelValues(step).Inc()

		var resp *client.Response
		resp, err = e.doer.Execute(ctx, def, creds)
		if err == nil {
			results, derr := e.codec.Decode(resp, chunk)
			if derr == nil && len(results) == len(chunk) {
				for i := range results {
					outcome := "ok"
					if results[i].Err != nil {
						outcome = "error"
						e.logger.Warn().
							Err(results[i].Err).
							Str("step", step).
							Str("entity", results[i].ID).
							Msg("Sub-response failed within batch chunk")
					}
					batchEntitiesTotal.WithLabelValues(step, outcome).Inc()
				}
				return results
			}
			if derr == nil {
				derr = fmt.Errorf("codec returned %d results for %d ids", len(results), len(chunk))
			}
			err = &client.PermanentError{StatusCode: resp.StatusCode, Message: derr.Error()}
		}
	}

	// Composite failure: every entity in the chunk carries the error.
	e.logger.Warn().
		Err(err).
		Str("step", step).
		Int("chunk_size", len(chunk)).
		Msg("Composite batch call failed")

	results := make([]Result, len(chunk))
	for i, id := range chunk {
		results[i] = Result{ID: id, Err: err}
		batchEntitiesTotal.WithLabelValues(step, "error").Inc()
	}
	return results
}

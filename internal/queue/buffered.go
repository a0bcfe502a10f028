package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/rasterfleet/scheduler-core/internal/model"
	"github.com/rasterfleet/scheduler-core/internal/observability"
	"github.com/rasterfleet/scheduler-core/internal/region"
	"github.com/rasterfleet/scheduler-core/internal/store"
)

// VariantResolver is the subset of variant.Selector BufferedRequestQueue
// needs.
type VariantResolver interface {
	SelectVariant(ctx context.Context, req model.ImageRequest) (model.ImageRequest, error)
}

// RegionCounter is the subset of region.Calculator BufferedRequestQueue
// needs.
type RegionCounter interface {
	CalculateRegions(ctx context.Context, in region.Input) ([]region.Result, error)
}

// JobInserter is the subset of store.Store BufferedRequestQueue needs.
type JobInserter interface {
	Insert(ctx context.Context, record model.OutstandingJobRecord) error
}

// Dispatcher publishes a structured cause to the dead-letter queue.
type Dispatcher interface {
	Publish(ctx context.Context, jobID, endpointID, reason string, body []byte, cause error) error
}

// BufferedRequestQueue, per tick, drains the external FIFO, validates and
// enriches each message, and persists a durable record.
type BufferedRequestQueue struct {
	source  Source
	dlq     Dispatcher
	variant VariantResolver
	regions RegionCounter
	store   JobInserter

	fetchLimit         int
	defaultRegionSize  int
	defaultTileSize    int
	defaultTileOverlap int
	jobRecordTTL       time.Duration

	log *zerolog.Logger
}

// Config bundles BufferedRequestQueue's tunables: fetch limit and
// region/tile defaults.
type Config struct {
	FetchLimit         int
	DefaultRegionSize  int
	DefaultTileSize    int
	DefaultTileOverlap int
	JobRecordTTL       time.Duration
}

// New builds a BufferedRequestQueue.
func New(source Source, dlq Dispatcher, variant VariantResolver, regions RegionCounter, js JobInserter, cfg Config, log *zerolog.Logger) *BufferedRequestQueue {
	return &BufferedRequestQueue{
		source:             source,
		dlq:                dlq,
		variant:            variant,
		regions:            regions,
		store:              js,
		fetchLimit:         cfg.FetchLimit,
		defaultRegionSize:  cfg.DefaultRegionSize,
		defaultTileSize:    cfg.DefaultTileSize,
		defaultTileOverlap: cfg.DefaultTileOverlap,
		jobRecordTTL:       cfg.JobRecordTTL,
		log:                log,
	}
}

// Tick drains up to the configured fetch limit and processes each message
// through validation, enrichment, and persistence. It never returns an
// error for a single message's failure; only source-level Receive
// failures propagate.
func (q *BufferedRequestQueue) Tick(ctx context.Context) error {
	msgs, err := q.source.Receive(ctx, q.fetchLimit)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		q.process(ctx, msg)
	}
	return nil
}

// RunLoop calls Tick on interval until ctx is cancelled, logging but never
// exiting on a single tick's error: the tick ends and the loop continues.
func (q *BufferedRequestQueue) RunLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.Tick(ctx); err != nil && q.log != nil {
				q.log.Error().Err(err).Msg("buffered request queue tick failed")
			}
		}
	}
}

func (q *BufferedRequestQueue) process(ctx context.Context, msg Message) {
	var raw model.RawRequest
	if err := json.Unmarshal(msg.Body, &raw); err != nil {
		q.deadLetter(ctx, msg, "", "", "validation", err)
		return
	}

	req, err := validate(raw, q.defaultRegionSize, q.defaultTileSize, q.defaultTileOverlap)
	if err != nil {
		q.deadLetter(ctx, msg, raw.JobID, raw.Endpoint, "validation", err)
		return
	}

	req, err = q.variant.SelectVariant(ctx, req)
	if err != nil {
		// Transient: capacity/variant-selection errors are not DLQ'd, so leave
		// the message for redelivery and retry next tick.
		if q.log != nil {
			q.log.Warn().Str("job_id", req.JobID).Str("endpoint_id", req.EndpointID).
				Err(err).Msg("variant selection failed, leaving message for redelivery")
		}
		return
	}

	results, err := q.regions.CalculateRegions(ctx, region.Input{
		ImageURL:    req.ImageURL,
		RegionSize:  req.RegionSize,
		TileSize:    req.TileSize,
		TileOverlap: req.TileOverlap,
		ROI:         req.ROI,
	})
	if err != nil {
		// Fail-fast boundary: never persisted.
		q.deadLetter(ctx, msg, req.JobID, req.EndpointID, "image_access", err)
		return
	}

	regionCount := len(results)
	record := model.OutstandingJobRecord{
		EndpointID:       req.EndpointID,
		JobID:            req.JobID,
		Variant:          req.Variant,
		RegionCount:      &regionCount,
		AttemptState:     model.StateNew,
		AttemptCount:     0,
		CreatedAt:        time.Now(),
		LastTransitionAt: time.Now(),
		ExpireTime:       time.Now().Add(q.jobRecordTTL),
		RequestPayload:   msg.Body,
	}

	if err := q.store.Insert(ctx, record); err != nil {
		var dup *store.DuplicateJobError
		if errors.As(err, &dup) {
			// Idempotent success: the message is a redelivery of an
			// already-enqueued job.
			observability.IncDuplicateInsert(req.EndpointID)
			q.ack(ctx, msg)
			return
		}
		if q.log != nil {
			q.log.Error().Err(err).Str("job_id", req.JobID).Str("endpoint_id", req.EndpointID).
				Msg("insert outstanding job record failed, leaving message for redelivery")
		}
		return
	}

	q.ack(ctx, msg)
}

// deadLetter publishes msg to the dead-letter queue under the given reason
// (e.g. "validation" for structurally invalid requests, "image_access" for
// raster header read failures), which drives the
// scheduler_dlq_published_total{reason=...} metric. endpointID and reason
// are carried into the persisted DeadLetter envelope itself, not just the
// metric label, so an operator reading the DLQ can triage without
// re-parsing the original body.
func (q *BufferedRequestQueue) deadLetter(ctx context.Context, msg Message, jobID, endpointID, reason string, cause error) {
	if err := q.dlq.Publish(ctx, jobID, endpointID, reason, msg.Body, cause); err != nil {
		if q.log != nil {
			q.log.Error().Err(err).Str("job_id", jobID).Msg("dlq publish failed, leaving message for redelivery")
		}
		return
	}
	observability.IncDLQPublished(reason)
	q.ack(ctx, msg)
}

func (q *BufferedRequestQueue) ack(ctx context.Context, msg Message) {
	if err := q.source.Delete(ctx, msg); err != nil && q.log != nil {
		q.log.Warn().Err(err).Str("message_id", msg.ID).Msg("fifo delete failed, message may be redelivered")
	}
}

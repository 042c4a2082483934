// Package worker consumes ingest events and drives the document pipeline.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/mohammad-safakhou/paperbase/config"
	"github.com/mohammad-safakhou/paperbase/internal/pipeline"
	"github.com/mohammad-safakhou/paperbase/internal/queue/streams"
	"github.com/mohammad-safakhou/paperbase/internal/store"
)

// ConsumerAPI captures the stream operations the processor needs.
type ConsumerAPI interface {
	Read(ctx context.Context, stream string, opts ...streams.ReadOption) ([]streams.Message, error)
	Ack(ctx context.Context, stream string, ids ...string) error
	AutoClaim(ctx context.Context, stream string, minIdle time.Duration, start string, count int64) ([]streams.Message, string, error)
}

// PipelineAPI is the part of the pipeline the processor invokes.
type PipelineAPI interface {
	Run(ctx context.Context, jobID string) error
}

// StoreAPI captures the store methods required for startup resume.
type StoreAPI interface {
	ListJobsByStatus(ctx context.Context, statuses ...string) ([]store.JobRecord, error)
}

// Processor reads ingest requests off the stream and executes them. Jobs
// interrupted by a crash are resumed from the database on startup, and
// deliveries stuck with a dead consumer are reclaimed via XAUTOCLAIM.
type Processor struct {
	logger   *log.Logger
	store    StoreAPI
	pipeline PipelineAPI
	consumer ConsumerAPI
	cfg      config.PipelineConfig

	claimCursor string
	lastClaim   time.Time
}

// NewProcessor constructs a Processor.
func NewProcessor(logger *log.Logger, st StoreAPI, pl PipelineAPI, cons ConsumerAPI, cfg config.PipelineConfig) *Processor {
	if logger == nil {
		logger = log.New(log.Writer(), "[WORKER] ", log.LstdFlags)
	}
	return &Processor{
		logger:      logger,
		store:       st,
		pipeline:    pl,
		consumer:    cons,
		cfg:         cfg.Normalize(),
		claimCursor: "0-0",
	}
}

// Start blocks, consuming the ingest stream until the context is cancelled.
func (p *Processor) Start(ctx context.Context) error {
	p.logger.Printf("worker starting; consuming stream %s", p.cfg.IngestStream)
	if err := p.resumePending(ctx); err != nil {
		p.logger.Printf("warn: resume pending jobs failed: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			p.logger.Printf("worker stopping: %v", ctx.Err())
			return nil
		default:
		}

		msgs, err := p.consumer.Read(ctx, p.cfg.IngestStream, streams.WithBlock(p.cfg.ReadBlock), streams.WithCount(p.cfg.ReadBatchCount))
		if err != nil {
			p.logger.Printf("error reading stream: %v", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		p.handleBatch(ctx, msgs)
		p.maybeClaimStalled(ctx)
	}
}

func (p *Processor) handleBatch(ctx context.Context, msgs []streams.Message) {
	for _, msg := range msgs {
		if err := p.handleIngestRequested(ctx, msg); err != nil {
			p.logger.Printf("error handling message %s: %v", msg.ID, err)
		}
		// always ack: the job table is the source of truth and the failure
		// is already recorded there
		if err := p.consumer.Ack(ctx, p.cfg.IngestStream, msg.ID); err != nil {
			p.logger.Printf("warn: ack message %s: %v", msg.ID, err)
		}
	}
}

func (p *Processor) handleIngestRequested(ctx context.Context, msg streams.Message) error {
	var payload pipeline.IngestRequest
	if err := json.Unmarshal(msg.Envelope.Data, &payload); err != nil {
		return fmt.Errorf("unmarshal ingest payload: %w", err)
	}
	if payload.JobID == "" {
		return fmt.Errorf("ingest payload without job id")
	}
	return p.pipeline.Run(ctx, payload.JobID)
}

// resumePending re-runs jobs left non-terminal by a previous worker. Running
// jobs are included: a crash mid-stage leaves them running forever otherwise,
// and Run skips anything that meanwhile reached a terminal state.
func (p *Processor) resumePending(ctx context.Context) error {
	jobs, err := p.store.ListJobsByStatus(ctx, store.JobStatusPending, store.JobStatusRunning, store.JobStatusRetrying)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		p.logger.Printf("resuming job %s (status %s)", job.ID, job.Status)
		if err := p.pipeline.Run(ctx, job.ID); err != nil {
			p.logger.Printf("error resuming job %s: %v", job.ID, err)
		}
	}
	return nil
}

// maybeClaimStalled periodically reclaims deliveries that sat unacked with a
// dead consumer for longer than the configured idle threshold.
func (p *Processor) maybeClaimStalled(ctx context.Context) {
	if time.Since(p.lastClaim) < p.cfg.ClaimMinIdle {
		return
	}
	p.lastClaim = time.Now()

	msgs, next, err := p.consumer.AutoClaim(ctx, p.cfg.IngestStream, p.cfg.ClaimMinIdle, p.claimCursor, p.cfg.ReadBatchCount)
	if err != nil {
		p.logger.Printf("warn: autoclaim failed: %v", err)
		return
	}
	if next != "" {
		p.claimCursor = next
	}
	if len(msgs) > 0 {
		p.logger.Printf("reclaimed %d stalled deliveries", len(msgs))
		p.handleBatch(ctx, msgs)
	}
}

package approval

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"segforge/internal/remote"
)

const (
	uploadPool = 5

	// Sentinel barrier budgets: first wait lets the backend start ingesting
	// at all, then a bounded poll looks for submitted-but-unapproved
	// recipients on one successfully uploaded job.
	sentinelInitialWait  = 5 * time.Second
	sentinelPollInterval = 5 * time.Second
	sentinelPollAttempts = 12
)

// BatchResult is the outcome of one coordinator run.
type BatchResult struct {
	Jobs []*Job
	// SentinelWarning is set when ingestion evidence never showed up within
	// budget and the batch proceeded anyway.
	SentinelWarning string
}

// Coordinator runs a batch of approval jobs in two phases: upload everything
// under a bounded pool, wait once for backend ingestion evidence, then
// approve everything uploaded in parallel. Per-job failures never abort the
// batch.
type Coordinator struct {
	svc *remote.Service
	sm  *StateMachine
	log *zap.Logger

	sleep func(context.Context, time.Duration) error
}

func NewCoordinator(svc *remote.Service, sm *StateMachine, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{svc: svc, sm: sm, log: log, sleep: sleepCtx}
}

// Run executes the batch. Jobs are mutated in place and returned in
// submission order regardless of completion order.
func (c *Coordinator) Run(ctx context.Context, jobs []*Job) *BatchResult {
	res := &BatchResult{Jobs: jobs}

	c.log.Info("phase 1: uploading definitions", zap.Int("jobs", len(jobs)))
	c.uploadAll(ctx, jobs)

	sentinel := firstUploaded(jobs)
	if sentinel == nil {
		c.log.Warn("no successful uploads, skipping approval phase")
		return res
	}
	res.SentinelWarning = c.awaitIngestion(ctx, sentinel)

	c.log.Info("phase 2: approving uploaded definitions")
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadPool)
	for _, job := range jobs {
		if job.State != StateUploaded {
			continue
		}
		job := job
		g.Go(func() error {
			c.sm.Run(gctx, job)
			return nil
		})
	}
	_ = g.Wait()
	return res
}

// uploadAll resolves each job's version and market, then performs the
// upload, all under the bounded pool.
func (c *Coordinator) uploadAll(ctx context.Context, jobs []*Job) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadPool)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			c.uploadOne(gctx, job)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Coordinator) uploadOne(ctx context.Context, job *Job) {
	meta, err := c.svc.LoadSegmentMeta(ctx, job.DefinitionID)
	if err != nil {
		job.fail(fmt.Sprintf("resolve definition %d: %v", job.DefinitionID, err))
		return
	}
	job.Version = meta.CurrentVersion
	if !job.marketFromRef {
		if meta.MarketID == 0 {
			job.fail(fmt.Sprintf("definition %d has no resolvable market", job.DefinitionID))
			return
		}
		job.MarketID = meta.MarketID
	}

	if err := c.svc.UploadToTarget(ctx, job.DefinitionID, job.Version, job.MarketID, job.CampaignID); err != nil {
		job.fail(fmt.Sprintf("upload failed: %v", err))
		return
	}
	job.State = StateUploaded
	c.log.Info("uploaded",
		zap.Int64("definition_id", job.DefinitionID),
		zap.Int64("campaign_id", job.CampaignID),
		zap.Int("version", job.Version),
		zap.Int("market_id", job.MarketID))
}

func firstUploaded(jobs []*Job) *Job {
	for _, j := range jobs {
		if j.State == StateUploaded {
			return j
		}
	}
	return nil
}

// awaitIngestion is the sentinel barrier: the backend exposes no per-job
// readiness signal, so one uploaded job's ingestion counters stand in for
// the whole batch. A timeout is a recorded warning, never a block — the
// approval calls are retried by their own policy anyway.
func (c *Coordinator) awaitIngestion(ctx context.Context, sentinel *Job) string {
	c.log.Info("phase 1b: waiting for ingestion evidence",
		zap.Int64("sentinel_campaign_id", sentinel.CampaignID))
	if err := c.sleep(ctx, sentinelInitialWait); err != nil {
		return err.Error()
	}

	var last string
	for attempt := 1; attempt <= sentinelPollAttempts; attempt++ {
		m, err := c.svc.LoadIngestionMetrics(ctx, sentinel.CampaignID)
		if err != nil {
			last = err.Error()
		} else {
			last = fmt.Sprintf("unapprovedSubmitted=%g", m.UnapprovedSubmitted)
			if m.UnapprovedSubmitted > 0 {
				c.log.Info("ingestion evidence found", zap.Float64("unapproved_submitted", m.UnapprovedSubmitted))
				return ""
			}
		}
		if attempt < sentinelPollAttempts {
			if err := c.sleep(ctx, sentinelPollInterval); err != nil {
				return err.Error()
			}
		}
	}
	warning := fmt.Sprintf("ingestion evidence never appeared within budget (last=%s); proceeding anyway", last)
	c.log.Warn("sentinel poll exhausted", zap.String("last", last))
	return warning
}

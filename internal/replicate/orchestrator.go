// Package replicate fans a source definition out into clones: once per
// target market, or once per requested name within the same market. The
// source is loaded exactly once; each clone job transforms, creates, and
// verifies independently over a bounded worker pool.
package replicate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"segforge/internal/market"
	"segforge/internal/remote"
	"segforge/internal/segment"
)

// Job is one requested clone: either a cross-market clone (Target set) or a
// same-market rename clone (Name set). Exactly one of the two is set.
type Job struct {
	SourceID int64
	Target   *market.Market
	Name     string
}

// Result is one finished clone, success or not.
type Result struct {
	JobID      string
	SourceID   int64
	MarketID   int
	MarketCode string
	Name       string
	NewID      int64
	OwnerName  string
	OwnerEmail string
	Err        error
	// Notes carry advisory findings: transform hints plus post-create
	// verification mismatches. They never mark the clone failed.
	Notes []string
}

// Succeeded reports whether the clone produced a definition.
func (r *Result) Succeeded() bool { return r.Err == nil && r.NewID > 0 }

// Options tune a run; zero values take the defaults below.
type Options struct {
	// Alias becomes the ownerEmail ("created by") on every clone.
	Alias string
	// Destination and UsageCategory ride on the create call and its
	// referer. Defaults "e" / "OTHER".
	Destination   string
	UsageCategory string
	// TZOffsetHours rides on the create payload, matching the service-level
	// setting.
	TZOffsetHours int
	// SkipVerify disables the post-create re-fetch.
	SkipVerify bool
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Destination == "" {
		out.Destination = "e"
	}
	if out.UsageCategory == "" {
		out.UsageCategory = "OTHER"
	}
	return out
}

// Orchestrator runs clone batches over the remote service.
type Orchestrator struct {
	svc *remote.Service
	log *zap.Logger
}

func NewOrchestrator(svc *remote.Service, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{svc: svc, log: log}
}

// pool sizes are fixed small constants so a big batch cannot stampede the
// backend.
func crossMarketPool(n int) int { return clamp(n, 2, 5) }
func sameMarketPool(n int) int  { return clamp(n, 1, 4) }

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// CloneAcrossMarkets clones sourceID into every market except its own,
// in canonical market order.
func (o *Orchestrator) CloneAcrossMarkets(ctx context.Context, sourceID int64, opts Options) ([]Result, error) {
	src, err := o.loadSource(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	var jobs []Job
	for _, id := range market.CanonicalOrder {
		if id == src.MarketID {
			continue
		}
		m, _ := market.ByID(id)
		target := m
		jobs = append(jobs, Job{SourceID: sourceID, Target: &target})
	}
	results := o.run(ctx, src, jobs, crossMarketPool(len(jobs)), opts)
	sort.SliceStable(results, func(i, j int) bool {
		return market.OrderIndex(results[i].MarketID) < market.OrderIndex(results[j].MarketID)
	})
	return results, nil
}

// CloneWithNames clones sourceID once per name, within the source's own
// market. Results keep the caller's name order.
func (o *Orchestrator) CloneWithNames(ctx context.Context, sourceID int64, names []string, opts Options) ([]Result, error) {
	src, err := o.loadSource(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		jobs = append(jobs, Job{SourceID: sourceID, Name: name})
	}
	results := o.run(ctx, src, jobs, sameMarketPool(len(jobs)), opts)
	// run preserves submission order for rename clones.
	return results, nil
}

// loadSource resolves the latest version and fetches the definition plus
// its owner metadata, once per batch.
func (o *Orchestrator) loadSource(ctx context.Context, sourceID int64) (*segment.Definition, error) {
	o.svc.WarmUp(ctx, sourceID)
	version, err := o.svc.LoadLatestVersion(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("resolve latest version of %d: %w", sourceID, err)
	}
	def, _, err := o.svc.LoadDefinition(ctx, sourceID, version)
	if err != nil {
		return nil, err
	}
	if meta, err := o.svc.LoadSegmentMeta(ctx, sourceID); err == nil {
		if meta.OwnerName != "" {
			def.Owner = &segment.Owner{Name: meta.OwnerName}
		}
		def.CreatedBy = meta.CreatedBy
	} else {
		o.log.Warn("owner metadata unavailable, clones keep no owner",
			zap.Int64("source_id", sourceID), zap.Error(err))
	}
	return def, nil
}

func (o *Orchestrator) run(ctx context.Context, src *segment.Definition, jobs []Job, pool int, opts Options) []Result {
	opts = opts.withDefaults()
	results := make([]Result, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pool)
	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			results[i] = o.cloneOne(gctx, src, job, opts)
			return nil
		})
	}
	_ = g.Wait() // workers never return errors; failures live in results
	return results
}

func (o *Orchestrator) cloneOne(ctx context.Context, src *segment.Definition, job Job, opts Options) Result {
	res := Result{
		JobID:    uuid.NewString(),
		SourceID: job.SourceID,
		MarketID: src.MarketID,
	}
	log := o.log.With(zap.String("job_id", res.JobID), zap.Int64("source_id", job.SourceID))

	def := src
	if job.Target != nil {
		res.MarketID = job.Target.ID
		res.MarketCode = job.Target.Code
		tr, err := segment.Transform(src, *job.Target)
		if err != nil {
			res.Err = fmt.Errorf("transform for %s: %w", job.Target.Code, err)
			return res
		}
		def = tr.Definition
		res.Notes = append(res.Notes, tr.Notes...)
		log.Info("transformed definition",
			zap.String("target", job.Target.Code),
			zap.Int("query_market_rewrites", tr.QueryMarketRewrites),
			zap.Int("query_hygiene_rewrites", tr.QueryHygieneRewrites))
	} else {
		def = src.Clone()
		def.Name = job.Name
		res.MarketCode = market.CodeOf(src.MarketID)
	}
	res.Name = def.Name

	if res.MarketCode == "" {
		res.MarketCode = market.CodeOf(res.MarketID)
	}
	if def.Owner != nil {
		res.OwnerName = def.Owner.Name
	}
	res.OwnerEmail = opts.Alias

	payload := buildCreatePayload(def, src.ID, src.Version, opts)
	created, err := o.svc.CreateDefinition(ctx, payload, src.ID, src.Version, opts.Destination, opts.UsageCategory)
	if err != nil {
		res.Err = err
		return res
	}
	res.NewID = created.NewID
	log.Info("definition created", zap.Int64("new_id", created.NewID), zap.String("market", res.MarketCode))

	if !opts.SkipVerify {
		res.Notes = append(res.Notes, o.verifyCreated(ctx, created.NewID, def, opts.Alias)...)
	}
	return res
}

// verifyCreated re-fetches the clone and compares the fields that matter.
// Mismatches become notes, never failures: the definition exists either way.
func (o *Orchestrator) verifyCreated(ctx context.Context, newID int64, want *segment.Definition, alias string) []string {
	time.Sleep(500 * time.Millisecond)
	meta, err := o.svc.LoadSegmentMeta(ctx, newID)
	if err != nil {
		return []string{fmt.Sprintf("post-create verification unavailable: %v", err)}
	}
	var notes []string
	if want.Owner != nil && meta.OwnerName != "" && meta.OwnerName != want.Owner.Name {
		notes = append(notes, fmt.Sprintf("owner differs after create: got %q want %q", meta.OwnerName, want.Owner.Name))
	}
	if alias != "" && meta.CreatedBy != "" && !strings.EqualFold(meta.CreatedBy, alias) {
		notes = append(notes, fmt.Sprintf("createdBy differs after create: got %q want %q", meta.CreatedBy, alias))
	}
	return notes
}

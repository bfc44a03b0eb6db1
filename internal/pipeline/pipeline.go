package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/geobc/ems-aquifer-sync/internal/domain"
	"github.com/geobc/ems-aquifer-sync/internal/observability"
)

// SampleSource streams raw samples for an aquifer's stations. A yielded error
// ends the sequence.
type SampleSource interface {
	FetchSamples(ctx context.Context, filter domain.AquiferFilter) iter.Seq2[domain.RawSample, error]
}

// Session is an authenticated connection to the hosted layer, scoped to one run.
type Session interface {
	PublishedFeatures(ctx context.Context, since time.Time) ([]domain.CanonicalFeature, error)
	Publish(ctx context.Context, diff domain.Diff) (domain.PublishResult, error)
	EnsureShared(ctx context.Context, groupID string) error
	Close() error
}

// SessionOpener authenticates against the hosting platform.
type SessionOpener func(ctx context.Context) (Session, error)

// Options tune a run.
type Options struct {
	DeletePolicy domain.DeletePolicy
	DryRun       bool
	// GroupID, when set, is the group the layer item must be shared with.
	GroupID string
}

// Pipeline runs one fetch, normalize, reconcile, publish pass.
type Pipeline struct {
	source     SampleSource
	open       SessionOpener
	registry   domain.StationRegistry
	normalizer *domain.Normalizer
	logger     *slog.Logger
	metrics    *observability.Metrics
	opts       Options

	state atomic.Value // State
}

// New creates a Pipeline with the given stages and observability.
func New(
	source SampleSource,
	open SessionOpener,
	registry domain.StationRegistry,
	normalizer *domain.Normalizer,
	logger *slog.Logger,
	metrics *observability.Metrics,
	opts Options,
) *Pipeline {
	return &Pipeline{
		source:     source,
		open:       open,
		registry:   registry,
		normalizer: normalizer,
		logger:     logger,
		metrics:    metrics,
		opts:       opts,
	}
}

// CheckReadiness returns nil unless the current or last run failed.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if s, _ := p.state.Load().(State); s == StateFailed {
		return errors.New("last sync run failed")
	}
	return nil
}

// CurrentState names the stage the current or last run is in, or "idle"
// before the first run.
func (p *Pipeline) CurrentState() string {
	if s, ok := p.state.Load().(State); ok {
		return string(s)
	}
	return "idle"
}

// Run executes a single sync. The returned summary is never nil. The error is
// non-nil only when the run ends in StateFailed: the source was unavailable or
// incomplete, authentication failed, the published baseline could not be read,
// or ctx ended. Dropped records and rejected items are reported in the
// summary, not as errors.
func (p *Pipeline) Run(ctx context.Context) (*RunSummary, error) {
	sum := newRunSummary(p.opts.DryRun)
	logger := p.logger.With("run_id", sum.RunID)

	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)
	defer p.finish(sum, logger)

	logger.Info("sync run started",
		"aquifer", p.registry.Aquifer,
		"stations", len(p.registry.Stations),
		"delete_policy", p.opts.DeletePolicy.String(),
		"dry_run", p.opts.DryRun,
	)

	p.enter(sum, StateFetching)
	samples, err := p.fetch(ctx)
	sum.Fetched = len(samples)
	p.metrics.SamplesFetched.Add(float64(len(samples)))
	if err != nil {
		return p.fail(sum, fmt.Errorf("fetch samples: %w", err))
	}
	if len(samples) == 0 {
		logger.Warn("source returned no samples, leaving layer untouched")
		sum.EmptySource = true
		p.enter(sum, StateDone)
		return sum, nil
	}

	p.enter(sum, StateNormalizing)
	lookup := domain.BuildStationLookup(p.registry, samples)
	fresh, drops := p.normalizer.NormalizeAll(samples, lookup)
	sum.Normalized = len(fresh)
	sum.Drops = drops
	for reason, n := range drops {
		p.metrics.RecordsDropped.WithLabelValues(string(reason)).Add(float64(n))
	}
	if drops.Total() > 0 {
		logger.Warn("dropped sample records", "dropped", drops.Total(), "kept", len(fresh))
	}
	if len(fresh) == 0 {
		logger.Warn("no sample passed normalization, leaving layer untouched")
		sum.EmptySource = true
		p.enter(sum, StateDone)
		return sum, nil
	}

	p.enter(sum, StateReconciling)
	session, err := p.open(ctx)
	if err != nil {
		return p.fail(sum, fmt.Errorf("open publish session: %w", err))
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn("close publish session", "error", err)
		}
	}()

	published, err := session.PublishedFeatures(ctx, earliestSample(fresh))
	if err != nil {
		return p.fail(sum, fmt.Errorf("read published features: %w", err))
	}
	diff := domain.Reconcile(fresh, published, p.opts.DeletePolicy)
	sum.Diff = DiffCounts{
		Insert:    len(diff.ToInsert),
		Update:    len(diff.ToUpdate),
		Delete:    len(diff.ToDelete),
		Unchanged: len(fresh) - len(diff.ToInsert) - len(diff.ToUpdate),
	}
	p.metrics.DiffFeatures.WithLabelValues("insert").Set(float64(sum.Diff.Insert))
	p.metrics.DiffFeatures.WithLabelValues("update").Set(float64(sum.Diff.Update))
	p.metrics.DiffFeatures.WithLabelValues("delete").Set(float64(sum.Diff.Delete))
	p.metrics.DiffFeatures.WithLabelValues("unchanged").Set(float64(sum.Diff.Unchanged))
	logger.Info("reconciled against published layer",
		"published", len(published),
		"insert", sum.Diff.Insert,
		"update", sum.Diff.Update,
		"delete", sum.Diff.Delete,
		"unchanged", sum.Diff.Unchanged,
	)

	if p.opts.DryRun {
		logger.Info("dry run, skipping publish")
		p.enter(sum, StateDone)
		return sum, nil
	}

	p.enter(sum, StatePublishing)
	if !diff.Empty() {
		res, err := session.Publish(ctx, diff)
		p.record(sum, res)
		if err != nil {
			return p.fail(sum, fmt.Errorf("publish: %w", err))
		}
	}

	if p.opts.GroupID != "" {
		if err := session.EnsureShared(ctx, p.opts.GroupID); err != nil {
			sum.ShareErr = err
			logger.Warn("could not share layer with group", "group", p.opts.GroupID, "error", err)
		}
	}

	p.enter(sum, StateDone)
	return sum, nil
}

func (p *Pipeline) fetch(ctx context.Context) ([]domain.RawSample, error) {
	var samples []domain.RawSample
	for s, err := range p.source.FetchSamples(ctx, p.registry.Filter()) {
		if err != nil {
			return samples, err
		}
		samples = append(samples, s)
	}
	if err := ctx.Err(); err != nil {
		return samples, err
	}
	return samples, nil
}

// record folds a publish result into the summary and metrics.
func (p *Pipeline) record(sum *RunSummary, res domain.PublishResult) {
	sum.Inserted = len(res.Inserted)
	sum.Updated = len(res.Updated)
	sum.Deleted = len(res.Deleted)
	sum.Retried = res.Retried
	sum.Failures = res.Failures

	p.metrics.PublishItems.WithLabelValues(string(domain.OpInsert), "success").Add(float64(sum.Inserted))
	p.metrics.PublishItems.WithLabelValues(string(domain.OpUpdate), "success").Add(float64(sum.Updated))
	p.metrics.PublishItems.WithLabelValues(string(domain.OpDelete), "success").Add(float64(sum.Deleted))
	for _, f := range res.Failures {
		p.metrics.PublishItems.WithLabelValues(string(f.Op), "failure").Inc()
	}
	p.metrics.PublishRetries.Add(float64(res.Retried))
}

func (p *Pipeline) enter(sum *RunSummary, s State) {
	sum.State = s
	p.state.Store(s)
}

func (p *Pipeline) fail(sum *RunSummary, err error) (*RunSummary, error) {
	p.enter(sum, StateFailed)
	sum.Err = err
	return sum, err
}

func (p *Pipeline) finish(sum *RunSummary, logger *slog.Logger) {
	sum.FinishedAt = domain.Now()
	status := sum.Status()
	p.metrics.Runs.WithLabelValues(status).Inc()
	p.metrics.RunDuration.Observe(sum.Duration().Seconds())
	if sum.State == StateFailed {
		logger.Error("sync run failed", "summary", sum)
		return
	}
	p.metrics.LastSuccess.Set(float64(sum.FinishedAt.Unix()))
	logger.Info("sync run complete", "summary", sum)
}

// earliestSample scopes the baseline query to the fresh data's date range.
func earliestSample(features []domain.CanonicalFeature) time.Time {
	var earliest time.Time
	for _, f := range features {
		if earliest.IsZero() || f.SampleDate.Before(earliest) {
			earliest = f.SampleDate
		}
	}
	return earliest
}

package pipeline

import (
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/geobc/ems-aquifer-sync/internal/domain"
)

// State is a stage of a sync run.
type State string

const (
	StateFetching    State = "fetching"
	StateNormalizing State = "normalizing"
	StateReconciling State = "reconciling"
	StatePublishing  State = "publishing"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

// Run outcome labels.
const (
	StatusSuccess            = "success"
	StatusSuccessWithCaveats = "success_with_caveats"
	StatusFailed             = "failed"
)

// DiffCounts sizes the reconciled diff.
type DiffCounts struct {
	Insert    int
	Update    int
	Delete    int
	Unchanged int
}

// RunSummary accumulates the outcome of one run. It lives only in memory and
// in the run's final log line.
type RunSummary struct {
	RunID      string
	State      State
	StartedAt  time.Time
	FinishedAt time.Time
	DryRun     bool

	Fetched    int
	Normalized int
	Drops      domain.DropCounts

	// EmptySource is set when the catalog returned nothing usable, in which
	// case the layer is left untouched.
	EmptySource bool

	Diff     DiffCounts
	Inserted int
	Updated  int
	Deleted  int
	Retried  int
	Failures []domain.ItemFailure

	ShareErr error
	Err      error
}

func newRunSummary(dryRun bool) *RunSummary {
	return &RunSummary{
		RunID:     uuid.NewString(),
		StartedAt: domain.Now(),
		DryRun:    dryRun,
		Drops:     domain.DropCounts{},
	}
}

// Duration is the wall time of the run, or zero while it is in progress.
func (s *RunSummary) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// Status collapses the summary to one of the Status* labels. Dropped records,
// item failures, an empty source and a failed share all count as caveats.
func (s *RunSummary) Status() string {
	switch {
	case s.State == StateFailed:
		return StatusFailed
	case s.Drops.Total() > 0, len(s.Failures) > 0, s.EmptySource, s.ShareErr != nil:
		return StatusSuccessWithCaveats
	default:
		return StatusSuccess
	}
}

// LogValue implements slog.LogValuer.
func (s *RunSummary) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("run_id", s.RunID),
		slog.String("status", s.Status()),
		slog.String("state", string(s.State)),
		slog.Duration("duration", s.Duration()),
		slog.Bool("dry_run", s.DryRun),
		slog.Int("fetched", s.Fetched),
		slog.Int("normalized", s.Normalized),
		slog.Int("dropped", s.Drops.Total()),
		slog.Bool("empty_source", s.EmptySource),
		slog.Group("diff",
			slog.Int("insert", s.Diff.Insert),
			slog.Int("update", s.Diff.Update),
			slog.Int("delete", s.Diff.Delete),
			slog.Int("unchanged", s.Diff.Unchanged),
		),
		slog.Int("inserted", s.Inserted),
		slog.Int("updated", s.Updated),
		slog.Int("deleted", s.Deleted),
		slog.Int("retried", s.Retried),
		slog.Int("failed", len(s.Failures)),
	}
	if len(s.Drops) > 0 {
		reasons := make([]slog.Attr, 0, len(s.Drops))
		for _, reason := range slices.Sorted(maps.Keys(s.Drops)) {
			reasons = append(reasons, slog.Int(string(reason), s.Drops[reason]))
		}
		attrs = append(attrs, slog.Attr{Key: "drops", Value: slog.GroupValue(reasons...)})
	}
	if s.ShareErr != nil {
		attrs = append(attrs, slog.String("share_error", s.ShareErr.Error()))
	}
	if s.Err != nil {
		attrs = append(attrs, slog.String("error", s.Err.Error()))
	}
	return slog.GroupValue(attrs...)
}

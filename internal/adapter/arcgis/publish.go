package arcgis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/geobc/ems-aquifer-sync/internal/domain"
)

type editResult struct {
	ObjectID int64      `json:"objectId"`
	Success  bool       `json:"success"`
	Error    *editError `json:"error,omitempty"`
}

type editError struct {
	Code        int    `json:"code"`
	Description string `json:"description"`
}

type applyEditsResponse struct {
	AddResults    []editResult `json:"addResults"`
	UpdateResults []editResult `json:"updateResults"`
	DeleteResults []editResult `json:"deleteResults"`
}

type batch struct {
	op       domain.EditOp
	features []domain.CanonicalFeature
}

// batchOutcome is the result of one batch after its single-item retries.
type batchOutcome struct {
	op       domain.EditOp
	ok       []domain.CanonicalFeature
	failures []domain.ItemFailure
	retried  int
}

// Publish applies diff to the layer in batches of at most BatchSize per
// operation, running up to Workers batches concurrently. Items that fail, in a
// rejected item result or a failed batch request, are retried once on their
// own; items that fail again are reported in PublishResult.Failures. Publish
// returns an error when ctx ends or the platform rejects the session token. A
// rejected token stops all remaining batches and wraps
// domain.ErrAuthenticationFailure.
func (s *Session) Publish(ctx context.Context, diff domain.Diff) (domain.PublishResult, error) {
	if err := s.check(); err != nil {
		return domain.PublishResult{}, err
	}

	opts := s.client.opts
	var batches []batch
	for _, part := range []struct {
		op       domain.EditOp
		features []domain.CanonicalFeature
	}{
		{domain.OpInsert, diff.ToInsert},
		{domain.OpUpdate, diff.ToUpdate},
		{domain.OpDelete, diff.ToDelete},
	} {
		for chunk := range slices.Chunk(part.features, opts.BatchSize) {
			batches = append(batches, batch{op: part.op, features: chunk})
		}
	}

	loadDate := domain.Now().Format(loadDateLayout)

	var (
		mu     sync.Mutex
		result domain.PublishResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for _, b := range batches {
		g.Go(func() error {
			out, err := s.applyBatch(gctx, b, loadDate)

			mu.Lock()
			defer mu.Unlock()
			switch out.op {
			case domain.OpInsert:
				result.Inserted = append(result.Inserted, out.ok...)
			case domain.OpUpdate:
				result.Updated = append(result.Updated, out.ok...)
			case domain.OpDelete:
				result.Deleted = append(result.Deleted, out.ok...)
			}
			result.Failures = append(result.Failures, out.failures...)
			result.Retried += out.retried
			return err
		})
	}
	authErr := g.Wait()

	byKey := func(a, b domain.CanonicalFeature) int { return strings.Compare(a.Key(), b.Key()) }
	slices.SortFunc(result.Inserted, byKey)
	slices.SortFunc(result.Updated, byKey)
	slices.SortFunc(result.Deleted, byKey)
	slices.SortFunc(result.Failures, func(a, b domain.ItemFailure) int {
		if c := strings.Compare(string(a.Op), string(b.Op)); c != 0 {
			return c
		}
		return byKey(a.Feature, b.Feature)
	})

	s.client.logger.Info("publish complete",
		"batches", len(batches),
		"inserted", len(result.Inserted),
		"updated", len(result.Updated),
		"deleted", len(result.Deleted),
		"failed", len(result.Failures),
		"retried", result.Retried,
	)
	if authErr != nil {
		return result, fmt.Errorf("publish aborted: %w", authErr)
	}
	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("publish interrupted: %w", err)
	}
	return result, nil
}

// applyBatch sends one batch and retries its failed items individually. The
// error is non-nil only for a rejected token, which no retry can fix.
func (s *Session) applyBatch(ctx context.Context, b batch, loadDate string) (batchOutcome, error) {
	out := batchOutcome{op: b.op}

	var retry []int
	results, err := s.applyEdits(ctx, b.op, b.features, loadDate)
	if errors.Is(err, domain.ErrAuthenticationFailure) {
		return out, err
	}
	if err != nil {
		if ctx.Err() == nil {
			s.client.logger.Warn("batch failed, retrying items individually",
				"op", b.op,
				"size", len(b.features),
				"error", err,
			)
		}
		for i := range b.features {
			retry = append(retry, i)
		}
	} else {
		for i, r := range results {
			if r.Success {
				out.ok = append(out.ok, accepted(b.op, b.features[i], r))
			} else {
				retry = append(retry, i)
			}
		}
	}

	for _, i := range retry {
		f := b.features[i]
		if ctx.Err() != nil {
			out.failures = append(out.failures, domain.ItemFailure{Op: b.op, Feature: f, Description: ctx.Err().Error()})
			continue
		}
		out.retried++
		res, err := s.applyEdits(ctx, b.op, b.features[i:i+1], loadDate)
		switch {
		case errors.Is(err, domain.ErrAuthenticationFailure):
			s.logFailures(out.failures)
			return out, err
		case err != nil:
			out.failures = append(out.failures, domain.ItemFailure{Op: b.op, Feature: f, Description: err.Error()})
		case !res[0].Success:
			failure := domain.ItemFailure{Op: b.op, Feature: f, Description: "rejected"}
			if res[0].Error != nil {
				failure.Code = res[0].Error.Code
				failure.Description = res[0].Error.Description
			}
			out.failures = append(out.failures, failure)
		default:
			out.ok = append(out.ok, accepted(b.op, f, res[0]))
		}
	}
	s.logFailures(out.failures)
	return out, nil
}

func (s *Session) logFailures(failures []domain.ItemFailure) {
	for _, fail := range failures {
		s.client.logger.Warn("feature edit failed",
			"op", fail.Op,
			"key", fail.Feature.Key(),
			"code", fail.Code,
			"error", fail.Description,
		)
	}
}

// accepted records the object ID the platform assigned to an insert.
func accepted(op domain.EditOp, f domain.CanonicalFeature, r editResult) domain.CanonicalFeature {
	if op == domain.OpInsert && r.ObjectID != 0 {
		f.RemoteID = r.ObjectID
	}
	return f
}

// applyEdits sends one applyEdits request carrying a single operation and
// returns its per-item results in request order.
func (s *Session) applyEdits(ctx context.Context, op domain.EditOp, features []domain.CanonicalFeature, loadDate string) ([]editResult, error) {
	form := url.Values{
		"rollbackOnFailure": {"false"},
		"token":             {s.token},
	}
	switch op {
	case domain.OpInsert, domain.OpUpdate:
		wire := make([]wireFeature, len(features))
		for i, f := range features {
			wire[i] = toWire(f, loadDate, op == domain.OpUpdate)
		}
		data, err := json.Marshal(wire)
		if err != nil {
			return nil, fmt.Errorf("encode features: %w", err)
		}
		if op == domain.OpInsert {
			form.Set("adds", string(data))
		} else {
			form.Set("updates", string(data))
		}
	case domain.OpDelete:
		ids := make([]string, len(features))
		for i, f := range features {
			ids[i] = strconv.FormatInt(f.RemoteID, 10)
		}
		form.Set("deletes", strings.Join(ids, ","))
	default:
		return nil, fmt.Errorf("unknown edit op %q", op)
	}

	var resp applyEditsResponse
	if err := s.client.call(ctx, http.MethodPost, s.layerURL+"/applyEdits", form, &resp); err != nil {
		return nil, s.wrap("apply edits", err)
	}

	var results []editResult
	switch op {
	case domain.OpInsert:
		results = resp.AddResults
	case domain.OpUpdate:
		results = resp.UpdateResults
	case domain.OpDelete:
		results = resp.DeleteResults
	}
	if len(results) != len(features) {
		return nil, fmt.Errorf("apply edits: %d results for %d %s features", len(results), len(features), op)
	}
	return results, nil
}

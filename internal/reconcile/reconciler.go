// Package reconcile turns a portal snapshot plus downstream-existence
// information into staging-record transitions. One Run is a single
// logical batch job; two runs must never execute concurrently against
// the same staging collection (enforced by scheduling, not here).
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ojeda/avisod/internal/downstream"
	"github.com/ojeda/avisod/internal/normalize"
	"github.com/ojeda/avisod/internal/source"
	"github.com/ojeda/avisod/internal/staging"
)

// MatchResolver batch-resolves downstream existence.
type MatchResolver interface {
	Resolve(ctx context.Context, ids []string) (map[string]downstream.Match, error)
}

// RecordStore is the staging repository surface the reconciler needs.
type RecordStore interface {
	Get(id string) (staging.PendingRecord, error)
	Upsert(id string, p staging.RecordPatch) error
	ListIDs() ([]string, error)
	RecordRun(r staging.Run) error
}

// Summary reports one run's outcome counters for operator audit.
type Summary struct {
	RunID     string `json:"run_id"`
	Status    string `json:"status"`
	Snapshot  int    `json:"snapshot"` // distinct normalized ids observed
	Created   int    `json:"created"`
	Updated   int    `json:"updated"`
	Blocked   int    `json:"blocked"`
	Archived  int    `json:"archived"`
	Missing   int    `json:"missing"`
	Skipped   int    `json:"skipped"`
	Unchanged int    `json:"unchanged"`
	Errors    int    `json:"errors"`
}

// Reconciler drives one reconciliation pass. All collaborators are
// injected; the reconciler holds no global state.
type Reconciler struct {
	src      source.Extractor
	resolver MatchResolver
	store    RecordStore
	provider string
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Reconciler. provider is the label prefixed onto
// company names so staged records stay attributable across providers.
func New(src source.Extractor, resolver MatchResolver, store RecordStore, provider string) *Reconciler {
	return &Reconciler{
		src:      src,
		resolver: resolver,
		store:    store,
		provider: provider,
		logger:   slog.Default(),
		now:      time.Now,
	}
}

// Run executes one reconciliation pass: snapshot, per-id detail,
// batched existence resolution, per-id decisions, then the
// disappearance pass over previously staged ids. Identifier-scoped
// failures are counted and skipped; only snapshot acquisition is
// fatal, and it aborts before any write.
func (r *Reconciler) Run(ctx context.Context) (Summary, error) {
	started := r.now().UTC()
	sum := Summary{RunID: uuid.New().String()}

	rawIDs, err := r.src.ListSnapshotIDs(ctx)
	if err != nil {
		sum.Status = staging.RunFailed
		r.record(sum, started, err)
		return sum, fmt.Errorf("acquiring snapshot: %w", err)
	}

	// Normalize and dedupe, preserving listing order.
	var ids []string
	inSnapshot := make(map[string]bool)
	for _, raw := range rawIDs {
		id, ok := normalize.ID(raw)
		if !ok || inSnapshot[id] {
			continue
		}
		inSnapshot[id] = true
		ids = append(ids, id)
	}
	sum.Snapshot = len(ids)
	r.logger.Info("snapshot acquired", "raw", len(rawIDs), "ids", len(ids))

	// Detail fetch is serialized: the portal session is one browser.
	observations := make([]observation, 0, len(ids))
	for _, id := range ids {
		if ctx.Err() != nil {
			sum.Status = staging.RunFailed
			r.record(sum, started, ctx.Err())
			return sum, ctx.Err()
		}
		d, err := r.src.FetchDetail(ctx, id)
		switch {
		case err == nil:
			observations = append(observations, observation{id: id, detail: d.Normalize(r.provider)})
		case errors.Is(err, source.ErrLogin):
			// The session died before any write happened; nothing can
			// be trusted past this point.
			sum.Status = staging.RunFailed
			r.record(sum, started, err)
			return sum, fmt.Errorf("portal session lost: %w", err)
		default:
			r.logger.Warn("detail fetch failed, marking blocked", "id", id, "error", err)
			observations = append(observations, observation{id: id, blocked: true})
		}
	}

	matches := r.resolve(ctx, ids, &sum)

	// Decide and write, one id at a time. Persistence failures are
	// isolated; prior writes stand.
	for _, obs := range observations {
		existing, err := r.lookup(obs.id, &sum)
		if err != nil {
			continue
		}
		act := decideSnapshot(existing, obs, matches[obs.id], r.now().UTC())
		r.commit(obs.id, act, &sum)
	}

	// Disappearance pass, strictly after all snapshot writes so it
	// observes the final id set of this run.
	r.absentPass(ctx, inSnapshot, &sum)

	if sum.Errors > 0 {
		sum.Status = staging.RunPartial
	} else {
		sum.Status = staging.RunSuccess
	}
	r.record(sum, started, nil)
	r.logger.Info("reconciliation finished",
		"run", sum.RunID, "status", sum.Status,
		"created", sum.Created, "updated", sum.Updated, "blocked", sum.Blocked,
		"archived", sum.Archived, "missing", sum.Missing,
		"skipped", sum.Skipped, "unchanged", sum.Unchanged, "errors", sum.Errors)
	return sum, nil
}

// resolve wraps the batch lookup; a total resolver failure degrades to
// an empty match map so the run can continue conservatively (no-match
// never archives anything).
func (r *Reconciler) resolve(ctx context.Context, ids []string, sum *Summary) map[string]downstream.Match {
	if len(ids) == 0 {
		return nil
	}
	matches, err := r.resolver.Resolve(ctx, ids)
	if err != nil {
		r.logger.Error("existence resolution failed, treating all ids as unmatched", "error", err)
		sum.Errors++
		return nil
	}
	return matches
}

// lookup loads an existing record, mapping ErrNotFound to nil.
func (r *Reconciler) lookup(id string, sum *Summary) (*staging.PendingRecord, error) {
	rec, err := r.store.Get(id)
	if errors.Is(err, staging.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("loading staged record failed", "id", id, "error", err)
		sum.Errors++
		return nil, err
	}
	return &rec, nil
}

func (r *Reconciler) commit(id string, act action, sum *Summary) {
	if act.patch != nil {
		if err := r.store.Upsert(id, *act.patch); err != nil {
			r.logger.Error("persisting record failed", "id", id, "error", err)
			sum.Errors++
			return
		}
	}
	switch act.outcome {
	case outcomeCreated:
		sum.Created++
	case outcomeUpdated:
		sum.Updated++
	case outcomeBlocked:
		sum.Blocked++
	case outcomeArchived:
		sum.Archived++
	case outcomeMissing:
		sum.Missing++
	case outcomeSkipped:
		sum.Skipped++
	case outcomeUnchanged:
		sum.Unchanged++
	}
}

// absentPass handles ids staged in earlier runs that the current
// snapshot no longer contains.
func (r *Reconciler) absentPass(ctx context.Context, inSnapshot map[string]bool, sum *Summary) {
	staged, err := r.store.ListIDs()
	if err != nil {
		r.logger.Error("enumerating staged ids failed, skipping disappearance pass", "error", err)
		sum.Errors++
		return
	}

	var absent []string
	for _, id := range staged {
		if !inSnapshot[id] {
			absent = append(absent, id)
		}
	}
	if len(absent) == 0 {
		return
	}

	matches := r.resolve(ctx, absent, sum)
	for _, id := range absent {
		existing, err := r.lookup(id, sum)
		if err != nil || existing == nil {
			continue
		}
		act := decideAbsent(*existing, matches[id], r.now().UTC())
		r.commit(id, act, sum)
	}
}

// record persists the run audit row; failures here are logged only,
// the summary still reaches the operator through the return value.
func (r *Reconciler) record(sum Summary, started time.Time, runErr error) {
	run := staging.Run{
		ID:         sum.RunID,
		StartedAt:  started,
		FinishedAt: r.now().UTC(),
		Status:     sum.Status,
		Created:    sum.Created,
		Updated:    sum.Updated,
		Blocked:    sum.Blocked,
		Archived:   sum.Archived,
		Missing:    sum.Missing,
		Skipped:    sum.Skipped,
		Unchanged:  sum.Unchanged,
		Errors:     sum.Errors,
	}
	if runErr != nil {
		run.LastError = runErr.Error()
	}
	if err := r.store.RecordRun(run); err != nil {
		r.logger.Error("recording run failed", "run", sum.RunID, "error", err)
	}
}

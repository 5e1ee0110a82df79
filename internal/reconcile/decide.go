package reconcile

import (
	"time"

	"github.com/ojeda/avisod/internal/downstream"
	"github.com/ojeda/avisod/internal/normalize"
	"github.com/ojeda/avisod/internal/staging"
)

// Per-identifier outcomes, tallied into the run summary.
const (
	outcomeCreated   = "created"
	outcomeUpdated   = "updated"
	outcomeBlocked   = "blocked"
	outcomeArchived  = "archived"
	outcomeMissing   = "missing"
	outcomeSkipped   = "skipped"
	outcomeUnchanged = "unchanged"
)

// observation is what the current snapshot said about one id.
type observation struct {
	id      string
	blocked bool // detail page could not be opened
	detail  normalize.Detail
}

// action is a decided write: a nil patch means leave the record alone.
type action struct {
	patch   *staging.RecordPatch
	outcome string
}

// decideSnapshot computes the transition for an id present in the
// current snapshot. existing is nil when the id has never been staged.
func decideSnapshot(existing *staging.PendingRecord, obs observation, match downstream.Match, now time.Time) action {
	// Inaccessible detail page: merge the blocked flag, touch nothing
	// else. The record is still present in the source, so the missing
	// flags clear.
	if obs.blocked {
		p := &staging.RecordPatch{
			InternalStatus: staging.String(staging.StatusBlocked),
			LastSeenAt:     staging.Time(now),
			ClearMissing:   true,
		}
		return action{patch: p, outcome: outcomeBlocked}
	}

	switch {
	case match.Found && downstream.Completed(match.Status):
		p := contentPatch(obs.detail)
		p.InternalStatus = staging.String(staging.StatusArchived)
		p.IntegratedIn = staging.String(match.Store)
		p.DownstreamStatus = staging.String(match.Status)
		p.ArchivedReason = staging.String(staging.ReasonCompleted)
		if existing == nil || existing.ArchivedAt == nil {
			p.ArchivedAt = staging.Time(now)
		}
		return finish(existing, p, now, outcomeArchived)

	case match.Found:
		p := contentPatch(obs.detail)
		p.InternalStatus = staging.String(staging.StatusInSystem)
		p.IntegratedIn = staging.String(match.Store)
		p.DownstreamStatus = staging.String(match.Status)
		if existing != nil && existing.InternalStatus == staging.StatusArchived {
			// Archiving is reversible unless the match is completed.
			p.ClearArchived = true
		}
		return finish(existing, p, now, outcomeUpdated)

	case normalize.HasMinimumData(obs.detail):
		p := contentPatch(obs.detail)
		p.InternalStatus = staging.String(staging.StatusPendingValidation)
		p.DownstreamStatus = staging.String("")
		return finish(existing, p, now, outcomeUpdated)

	default:
		// Insufficient detail: never create, never touch an existing
		// record on a transient extraction gap.
		return action{outcome: outcomeSkipped}
	}
}

// decideAbsent computes the transition for a previously staged id that
// no longer appears in the snapshot. Disappearance alone never
// archives; only a completed downstream match does.
func decideAbsent(existing staging.PendingRecord, match downstream.Match, now time.Time) action {
	switch {
	case match.Found && downstream.Completed(match.Status):
		p := &staging.RecordPatch{
			InternalStatus:   staging.String(staging.StatusArchived),
			IntegratedIn:     staging.String(match.Store),
			DownstreamStatus: staging.String(match.Status),
			ArchivedReason:   staging.String(staging.ReasonCompleted),
		}
		if existing.ArchivedAt == nil {
			p.ArchivedAt = staging.Time(now)
		}
		markMissing(&existing, p, now)
		return finishAbsent(existing, p, outcomeArchived)

	case match.Found:
		p := &staging.RecordPatch{
			InternalStatus:   staging.String(staging.StatusInSystem),
			IntegratedIn:     staging.String(match.Store),
			DownstreamStatus: staging.String(match.Status),
		}
		if existing.InternalStatus == staging.StatusArchived {
			p.ClearArchived = true
		}
		markMissing(&existing, p, now)
		return finishAbsent(existing, p, outcomeMissing)

	default:
		// No downstream trace: flag the disappearance for human review
		// and leave the status alone. The source may simply be flaky.
		if existing.MissingFromSource {
			return action{outcome: outcomeUnchanged}
		}
		p := &staging.RecordPatch{}
		markMissing(&existing, p, now)
		return action{patch: p, outcome: outcomeMissing}
	}
}

// markMissing sets the missing flags unless they are already set, so
// missing_at records the first run the id vanished.
func markMissing(existing *staging.PendingRecord, p *staging.RecordPatch, now time.Time) {
	if !existing.MissingFromSource {
		p.MissingFromSource = staging.Bool(true)
		p.MissingAt = staging.Time(now)
	}
}

// contentPatch copies the observed free-text fields into a patch.
func contentPatch(d normalize.Detail) *staging.RecordPatch {
	return &staging.RecordPatch{
		ClientName:     staging.String(d.ClientName),
		Address:        staging.String(d.Address()),
		Phone:          staging.String(d.Phone),
		Company:        staging.String(d.Company),
		Description:    staging.String(d.Description),
		ExternalStatus: staging.String(d.Status),
		DateLabel:      staging.String(d.DateLabel),
	}
}

// finish applies the diff gate to a snapshot-pass patch: when no
// user-visible field changes, only the bookkeeping timestamps advance.
func finish(existing *staging.PendingRecord, p *staging.RecordPatch, now time.Time, outcome string) action {
	p.LastSeenAt = staging.Time(now)
	p.ClearMissing = true

	if existing == nil {
		return action{patch: p, outcome: outcomeCreated}
	}
	if !changes(*existing, p) {
		return action{
			patch:   &staging.RecordPatch{LastSeenAt: staging.Time(now)},
			outcome: outcomeUnchanged,
		}
	}
	if outcome == outcomeArchived && existing.InternalStatus == staging.StatusArchived {
		outcome = outcomeUpdated
	}
	return action{patch: p, outcome: outcome}
}

// finishAbsent applies the same diff gate to the disappearance pass,
// except an unchanged record is not rewritten at all (it was not seen,
// so last_seen_at must not advance).
func finishAbsent(existing staging.PendingRecord, p *staging.RecordPatch, outcome string) action {
	if !changes(existing, p) {
		return action{outcome: outcomeUnchanged}
	}
	if outcome == outcomeArchived && existing.InternalStatus == staging.StatusArchived {
		// Already archived; the only news is the disappearance itself.
		outcome = outcomeMissing
	}
	return action{patch: p, outcome: outcome}
}

// changes reports whether applying p would alter any user-visible
// field. Bookkeeping timestamps are deliberately excluded so repeated
// runs with identical inputs do not produce noisy rewrites.
func changes(existing staging.PendingRecord, p *staging.RecordPatch) bool {
	strDiff := func(cur string, next *string) bool {
		return next != nil && *next != cur
	}
	if strDiff(existing.DownstreamStatus, p.DownstreamStatus) ||
		strDiff(existing.Phone, p.Phone) ||
		strDiff(existing.Address, p.Address) ||
		strDiff(existing.ClientName, p.ClientName) ||
		strDiff(existing.Company, p.Company) ||
		strDiff(existing.InternalStatus, p.InternalStatus) ||
		strDiff(existing.IntegratedIn, p.IntegratedIn) {
		return true
	}
	if p.ClearArchived && (existing.ArchivedAt != nil || existing.ArchivedReason != "") {
		return true
	}
	if p.ArchivedAt != nil && existing.ArchivedAt == nil {
		return true
	}
	if p.ClearMissing && existing.MissingFromSource {
		return true
	}
	if p.MissingFromSource != nil && *p.MissingFromSource != existing.MissingFromSource {
		return true
	}
	return false
}

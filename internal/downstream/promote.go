package downstream

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ojeda/avisod/internal/normalize"
	"github.com/ojeda/avisod/internal/staging"
)

// Promotion refusal reasons.
var (
	ErrPromoteBlocked      = errors.New("record is blocked")
	ErrPromoteInsufficient = errors.New("record lacks minimum data")
)

// ExternalStatusImported is the portal-facing label written on a
// promoted staging record.
const ExternalStatusImported = "enviado_a_alta"

// altaInitialStatus is the status a freshly created alta row starts in.
const altaInitialStatus = "pendiente"

// PromoteResult reports what a promotion created.
type PromoteResult struct {
	ID            string `json:"id"`
	DownstreamID  string `json:"downstream_id"`
	AlreadyExists bool   `json:"already_exists"`
}

// Promoter turns a staged record into an alta-queue downstream record.
type Promoter struct {
	staging *staging.Store
	db      *sql.DB
	alta    StoreConfig
}

// NewPromoter creates a Promoter writing into the given alta store.
func NewPromoter(st *staging.Store, db *sql.DB, alta StoreConfig) *Promoter {
	return &Promoter{staging: st, db: db, alta: alta}
}

// Promote creates a downstream alta record for the staged id and marks
// the staging record imported with a back-reference. The downstream
// record is keyed by the service number unless freshID asks for a
// minted identifier. Blocked records and records without minimum data
// are refused. Promoting an already-imported record is a no-op that
// returns the existing back-reference.
func (p *Promoter) Promote(ctx context.Context, id string, freshID bool) (PromoteResult, error) {
	rec, err := p.staging.Get(id)
	if err != nil {
		return PromoteResult{}, err
	}

	if rec.InternalStatus == staging.StatusBlocked {
		return PromoteResult{}, fmt.Errorf("promote %s: %w", id, ErrPromoteBlocked)
	}
	if rec.InternalStatus == staging.StatusImported && rec.ImportedRef != "" {
		return PromoteResult{ID: id, DownstreamID: rec.ImportedRef, AlreadyExists: true}, nil
	}
	if !hasMinimumData(rec) {
		return PromoteResult{}, fmt.Errorf("promote %s: %w", id, ErrPromoteInsufficient)
	}

	downstreamID := rec.ID
	if freshID {
		downstreamID = uuid.New().String()
	}

	now := time.Now().UTC()
	query := fmt.Sprintf(`INSERT INTO %s (%s, client_name, address, phone, company, description, %s, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.alta.Table, p.alta.IDColumn, p.alta.StatusColumn)
	if _, err := p.db.ExecContext(ctx, query,
		downstreamID, rec.ClientName, rec.Address, rec.Phone, rec.Company, rec.Description,
		altaInitialStatus, now.Format(time.RFC3339),
	); err != nil {
		return PromoteResult{}, fmt.Errorf("creating alta record for %s: %w", id, err)
	}

	if err := p.staging.Upsert(id, staging.RecordPatch{
		InternalStatus: staging.String(staging.StatusImported),
		ExternalStatus: staging.String(ExternalStatusImported),
		IntegratedIn:   staging.String(p.alta.Name),
		ImportedRef:    staging.String(downstreamID),
		ImportedAt:     staging.Time(now),
	}); err != nil {
		return PromoteResult{}, fmt.Errorf("marking %s imported: %w", id, err)
	}

	return PromoteResult{ID: id, DownstreamID: downstreamID}, nil
}

// hasMinimumData re-checks the staged copy against the same gate the
// normalizer applies at intake.
func hasMinimumData(rec staging.PendingRecord) bool {
	return normalize.HasMinimumData(normalize.Detail{
		ClientName: rec.ClientName,
		Street:     rec.Address,
		Phone:      rec.Phone,
	})
}

// Package source extracts raw service listings and per-service detail
// pages from the provider portal. The portal is server-rendered HTML
// behind a form login; extraction is best-effort and the normalizer is
// responsible for filtering malformed rows.
package source

import (
	"context"
	"errors"

	"github.com/ojeda/avisod/internal/normalize"
)

// ErrLogin means the portal rejected the credentials or never left the
// login page. Run-fatal: no snapshot can be trusted without a session.
var ErrLogin = errors.New("portal login failed")

// ErrInaccessible means one service's detail page could not be opened.
// Recoverable: the record degrades to blocked and the run continues.
var ErrInaccessible = errors.New("detail page inaccessible")

// Extractor lists the current snapshot and fetches per-service detail.
type Extractor interface {
	// ListSnapshotIDs returns the raw service references visible in the
	// portal listing. Entries may be malformed; callers normalize.
	ListSnapshotIDs(ctx context.Context) ([]string, error)

	// FetchDetail returns the detail fields for one service reference,
	// or ErrInaccessible when the page cannot be opened.
	FetchDetail(ctx context.Context, id string) (normalize.Detail, error)
}

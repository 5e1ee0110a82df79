// Package downstream reads the back-office record stores to decide
// whether a staged service number is already integrated, and performs
// the single downstream write in the system: promotion into the alta
// queue.
package downstream

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultBatchSize is the largest operand count the backing store
// accepts in a "value in set" query.
const DefaultBatchSize = 10

// resolveParallelism bounds concurrent existence queries.
const resolveParallelism = 4

// StoreConfig names one downstream collection and its relevant columns.
// Stores are consulted in declaration order; the first match wins.
type StoreConfig struct {
	Name         string // tag recorded on the staging record, e.g. "calendar"
	Table        string
	IDColumn     string
	StatusColumn string
	TagsColumn   string
}

// DefaultStores returns the back-office collections checked for
// existing integration.
func DefaultStores() []StoreConfig {
	return []StoreConfig{
		{Name: "alta", Table: "altas", IDColumn: "service_number", StatusColumn: "status", TagsColumn: "tags"},
		{Name: "calendar", Table: "appointments", IDColumn: "service_number", StatusColumn: "status", TagsColumn: "tags"},
		{Name: "services", Table: "services", IDColumn: "service_number", StatusColumn: "status", TagsColumn: "tags"},
	}
}

// Match describes how a service number already exists downstream.
type Match struct {
	Found        bool
	Store        string
	Status       string
	InboxPending bool
}

// completedStatuses are the terminal downstream statuses, compared
// case-insensitively.
var completedStatuses = map[string]bool{
	"completed":  true,
	"finalizado": true,
	"finished":   true,
	"done":       true,
}

// Completed reports whether a downstream status string means the work
// item is finished.
func Completed(status string) bool {
	return completedStatuses[strings.ToLower(strings.TrimSpace(status))]
}

// Resolver batch-queries the configured downstream stores.
type Resolver struct {
	db        *sql.DB
	stores    []StoreConfig
	batchSize int
	logger    *slog.Logger
}

// NewResolver creates a Resolver over an externally owned database
// handle. batchSize <= 0 falls back to DefaultBatchSize.
func NewResolver(db *sql.DB, stores []StoreConfig, batchSize int) *Resolver {
	if len(stores) == 0 {
		stores = DefaultStores()
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Resolver{
		db:        db,
		stores:    stores,
		batchSize: batchSize,
		logger:    slog.Default(),
	}
}

// Resolve returns one Match per input id that exists in any downstream
// store. Queries are issued per store and per batch of at most
// batchSize ids, concurrently with bounded parallelism. A failed batch
// degrades to "no match" for its ids (they are re-resolved next run);
// Resolve errors only when every query failed.
func (r *Resolver) Resolve(ctx context.Context, ids []string) (map[string]Match, error) {
	result := make(map[string]Match)
	if len(ids) == 0 {
		return result, nil
	}

	batches := chunk(ids, r.batchSize)

	// One partial result map per store, so the cross-store merge stays
	// deterministic (declaration order) regardless of query completion
	// order.
	perStore := make([]map[string]Match, len(r.stores))
	for i := range perStore {
		perStore[i] = make(map[string]Match)
	}

	var mu sync.Mutex
	var failed, total int

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(resolveParallelism)

	for si, store := range r.stores {
		for _, batch := range batches {
			si, store, batch := si, store, batch
			total++
			g.Go(func() error {
				matches, err := r.queryStore(gCtx, store, batch)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					failed++
					r.logger.Warn("existence query failed, treating batch as no-match",
						"store", store.Name, "ids", len(batch), "error", err)
					return nil
				}
				for id, m := range matches {
					perStore[si][id] = m
				}
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if failed == total {
		return nil, fmt.Errorf("all %d existence queries failed", total)
	}

	// First match wins across stores.
	for _, m := range perStore {
		for id, match := range m {
			if _, taken := result[id]; !taken {
				result[id] = match
			}
		}
	}
	return result, nil
}

func (r *Resolver) queryStore(ctx context.Context, store StoreConfig, ids []string) (map[string]Match, error) {
	placeholders := strings.Repeat(",?", len(ids)-1)
	query := fmt.Sprintf("SELECT %s, %s, %s FROM %s WHERE %s IN (?%s)",
		store.IDColumn, store.StatusColumn, store.TagsColumn,
		store.Table, store.IDColumn, placeholders)

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", store.Table, err)
	}
	defer rows.Close()

	matches := make(map[string]Match)
	for rows.Next() {
		var id string
		var status, tags sql.NullString
		if err := rows.Scan(&id, &status, &tags); err != nil {
			return nil, fmt.Errorf("scanning %s row: %w", store.Table, err)
		}
		matches[id] = Match{
			Found:        true,
			Store:        store.Name,
			Status:       status.String,
			InboxPending: hasInboxTag(tags.String),
		}
	}
	return matches, rows.Err()
}

// hasInboxTag looks for the "inbox" tag in a comma-separated tag list.
func hasInboxTag(tags string) bool {
	for _, t := range strings.Split(tags, ",") {
		if strings.EqualFold(strings.TrimSpace(t), "inbox") {
			return true
		}
	}
	return false
}

// chunk splits ids into batches of at most size elements, preserving order.
func chunk(ids []string, size int) [][]string {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var out [][]string
	for len(ids) > 0 {
		n := size
		if len(ids) < n {
			n = len(ids)
		}
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}

// Package staging persists the reconciled PendingRecord collection and
// the run audit history in a local SQLite database. All writes are
// merge-upserts keyed by the normalized service number, safe to repeat
// with identical arguments.
package staging

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding the staging collection.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the staging database in dataDir and runs
// pending migrations. Pass ":memory:" as dataDir for an in-memory
// database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "avisod.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Pending records ---

const recordColumns = `id, client_name, address, phone, company, description,
	external_status, date_label, internal_status, integrated_in, downstream_status,
	missing_from_source, created_at, updated_at, last_seen_at, missing_at,
	archived_at, archived_reason, imported_ref, imported_at`

// Get returns the staged record for id, or ErrNotFound.
func (s *Store) Get(id string) (PendingRecord, error) {
	row := s.db.QueryRow(`SELECT `+recordColumns+` FROM pending_records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return PendingRecord{}, ErrNotFound
	}
	return rec, err
}

// Upsert merges a partial patch into the record for id, creating it if
// absent. created_at is set on first persistence and never overwritten;
// updated_at always advances. Repeating an identical call changes only
// timestamps.
func (s *Store) Upsert(id string, p RecordPatch) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning upsert: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	row := tx.QueryRow(`SELECT `+recordColumns+` FROM pending_records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	fresh := err == sql.ErrNoRows
	if err != nil && !fresh {
		return fmt.Errorf("loading record %s: %w", id, err)
	}
	if fresh {
		rec = PendingRecord{
			ID:             id,
			InternalStatus: StatusPendingValidation,
			CreatedAt:      now,
		}
	}

	apply(&rec, p)
	rec.UpdatedAt = now

	if rec.InternalStatus == StatusArchived && rec.ArchivedReason == "" {
		return fmt.Errorf("record %s: %w", id, ErrArchiveReason)
	}

	if fresh {
		_, err = tx.Exec(`INSERT INTO pending_records (`+recordColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.ClientName, rec.Address, rec.Phone, rec.Company, rec.Description,
			rec.ExternalStatus, rec.DateLabel, rec.InternalStatus, rec.IntegratedIn, rec.DownstreamStatus,
			boolInt(rec.MissingFromSource), fmtTime(rec.CreatedAt), fmtTime(rec.UpdatedAt),
			fmtTimePtr(rec.LastSeenAt), fmtTimePtr(rec.MissingAt),
			fmtTimePtr(rec.ArchivedAt), rec.ArchivedReason, rec.ImportedRef, fmtTimePtr(rec.ImportedAt),
		)
	} else {
		_, err = tx.Exec(`UPDATE pending_records SET
			client_name = ?, address = ?, phone = ?, company = ?, description = ?,
			external_status = ?, date_label = ?, internal_status = ?, integrated_in = ?,
			downstream_status = ?, missing_from_source = ?, updated_at = ?, last_seen_at = ?,
			missing_at = ?, archived_at = ?, archived_reason = ?, imported_ref = ?, imported_at = ?
			WHERE id = ?`,
			rec.ClientName, rec.Address, rec.Phone, rec.Company, rec.Description,
			rec.ExternalStatus, rec.DateLabel, rec.InternalStatus, rec.IntegratedIn,
			rec.DownstreamStatus, boolInt(rec.MissingFromSource), fmtTime(rec.UpdatedAt),
			fmtTimePtr(rec.LastSeenAt), fmtTimePtr(rec.MissingAt),
			fmtTimePtr(rec.ArchivedAt), rec.ArchivedReason, rec.ImportedRef, fmtTimePtr(rec.ImportedAt),
			rec.ID,
		)
	}
	if err != nil {
		return fmt.Errorf("writing record %s: %w", id, err)
	}

	return tx.Commit()
}

// apply merges a patch into a record in memory.
func apply(rec *PendingRecord, p RecordPatch) {
	setStr := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setStr(&rec.ClientName, p.ClientName)
	setStr(&rec.Address, p.Address)
	setStr(&rec.Phone, p.Phone)
	setStr(&rec.Company, p.Company)
	setStr(&rec.Description, p.Description)
	setStr(&rec.ExternalStatus, p.ExternalStatus)
	setStr(&rec.DateLabel, p.DateLabel)
	setStr(&rec.InternalStatus, p.InternalStatus)
	setStr(&rec.IntegratedIn, p.IntegratedIn)
	setStr(&rec.DownstreamStatus, p.DownstreamStatus)
	setStr(&rec.ArchivedReason, p.ArchivedReason)
	setStr(&rec.ImportedRef, p.ImportedRef)

	if p.MissingFromSource != nil {
		rec.MissingFromSource = *p.MissingFromSource
	}
	if p.MissingAt != nil {
		rec.MissingAt = p.MissingAt
	}
	if p.ClearMissing {
		rec.MissingFromSource = false
		rec.MissingAt = nil
	}
	if p.ArchivedAt != nil {
		rec.ArchivedAt = p.ArchivedAt
	}
	if p.ClearArchived {
		rec.ArchivedAt = nil
		rec.ArchivedReason = ""
	}
	if p.ImportedAt != nil {
		rec.ImportedAt = p.ImportedAt
	}
	if p.LastSeenAt != nil {
		rec.LastSeenAt = p.LastSeenAt
	}
}

// DeleteMany removes the given ids and returns how many rows went away.
// Unknown ids are ignored. Deletion is an administrative action; the
// reconciler never calls this.
func (s *Store) DeleteMany(ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.Repeat(",?", len(ids)-1)
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := s.db.Exec(`DELETE FROM pending_records WHERE id IN (?`+placeholders+`)`, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ListIDs enumerates every staged id, for the disappearance pass.
func (s *Store) ListIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM pending_records ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// List returns staged records for the admin surface, newest first.
func (s *Store) List(opts ListOptions) ([]PendingRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM pending_records`
	var conds []string
	var args []any
	if !opts.IncludeBlocked {
		conds = append(conds, "internal_status != ?")
		args = append(args, StatusBlocked)
	}
	if opts.Status != "" {
		conds = append(conds, "internal_status = ?")
		args = append(args, opts.Status)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY updated_at DESC, id"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []PendingRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

// --- Runs ---

// RecordRun persists one reconciliation run's audit row.
func (s *Store) RecordRun(r Run) error {
	_, err := s.db.Exec(`
		INSERT INTO runs (id, started_at, finished_at, status, created, updated,
			blocked, archived, missing, skipped, unchanged, errors, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, fmtTime(r.StartedAt), fmtTime(r.FinishedAt), r.Status,
		r.Created, r.Updated, r.Blocked, r.Archived, r.Missing,
		r.Skipped, r.Unchanged, r.Errors, r.LastError,
	)
	return err
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, started_at, finished_at, status, created, updated,
			blocked, archived, missing, skipped, unchanged, errors, last_error
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Run
	for rows.Next() {
		var r Run
		var started, finished string
		if err := rows.Scan(&r.ID, &started, &finished, &r.Status, &r.Created, &r.Updated,
			&r.Blocked, &r.Archived, &r.Missing, &r.Skipped, &r.Unchanged, &r.Errors, &r.LastError); err != nil {
			return nil, err
		}
		if r.StartedAt, err = parseTime(started); err != nil {
			return nil, fmt.Errorf("parsing started_at for run %s: %w", r.ID, err)
		}
		if r.FinishedAt, err = parseTime(finished); err != nil {
			return nil, fmt.Errorf("parsing finished_at for run %s: %w", r.ID, err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Scan and time helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (PendingRecord, error) {
	var rec PendingRecord
	var missing int
	var createdAt, updatedAt string
	var lastSeenAt, missingAt, archivedAt, importedAt sql.NullString

	err := row.Scan(&rec.ID, &rec.ClientName, &rec.Address, &rec.Phone, &rec.Company,
		&rec.Description, &rec.ExternalStatus, &rec.DateLabel, &rec.InternalStatus,
		&rec.IntegratedIn, &rec.DownstreamStatus, &missing, &createdAt, &updatedAt,
		&lastSeenAt, &missingAt, &archivedAt, &rec.ArchivedReason, &rec.ImportedRef, &importedAt)
	if err != nil {
		return PendingRecord{}, err
	}

	rec.MissingFromSource = missing != 0
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return PendingRecord{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return PendingRecord{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	if rec.LastSeenAt, err = parseTimePtr(lastSeenAt); err != nil {
		return PendingRecord{}, fmt.Errorf("parsing last_seen_at: %w", err)
	}
	if rec.MissingAt, err = parseTimePtr(missingAt); err != nil {
		return PendingRecord{}, fmt.Errorf("parsing missing_at: %w", err)
	}
	if rec.ArchivedAt, err = parseTimePtr(archivedAt); err != nil {
		return PendingRecord{}, fmt.Errorf("parsing archived_at: %w", err)
	}
	if rec.ImportedAt, err = parseTimePtr(importedAt); err != nil {
		return PendingRecord{}, fmt.Errorf("parsing imported_at: %w", err)
	}
	return rec, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

package staging

import (
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestGetNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Get("9999"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get on empty store = %v, want ErrNotFound", err)
	}
}

func TestUpsertCreatesWithDefaults(t *testing.T) {
	s := openTestStore(t)

	if err := s.Upsert("1001", RecordPatch{ClientName: String("Ana Pérez")}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	rec, err := s.Get("1001")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.InternalStatus != StatusPendingValidation {
		t.Errorf("InternalStatus = %q, want default %q", rec.InternalStatus, StatusPendingValidation)
	}
	if rec.ClientName != "Ana Pérez" {
		t.Errorf("ClientName = %q", rec.ClientName)
	}
	if rec.CreatedAt.IsZero() || rec.UpdatedAt.IsZero() {
		t.Error("timestamps not set on create")
	}
}

func TestUpsertPreservesCreatedAt(t *testing.T) {
	s := openTestStore(t)

	if err := s.Upsert("1001", RecordPatch{ClientName: String("Ana")}); err != nil {
		t.Fatalf("first Upsert: %v", err)
	}
	first, _ := s.Get("1001")

	time.Sleep(5 * time.Millisecond)
	if err := s.Upsert("1001", RecordPatch{Phone: String("612345678")}); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}
	second, err := s.Get("1001")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("created_at overwritten: %v -> %v", first.CreatedAt, second.CreatedAt)
	}
	if !second.UpdatedAt.After(first.UpdatedAt) {
		t.Errorf("updated_at did not advance: %v -> %v", first.UpdatedAt, second.UpdatedAt)
	}
	if second.ClientName != "Ana" {
		t.Errorf("unpatched field changed: %q", second.ClientName)
	}
	if second.Phone != "612345678" {
		t.Errorf("patched field not applied: %q", second.Phone)
	}
}

func TestUpsertIdempotentBeyondTimestamps(t *testing.T) {
	s := openTestStore(t)

	patch := RecordPatch{
		ClientName:     String("Ana"),
		Address:        String("Calle Sol 12 Madrid"),
		InternalStatus: String(StatusInSystem),
		IntegratedIn:   String("calendar"),
	}
	if err := s.Upsert("1001", patch); err != nil {
		t.Fatalf("first Upsert: %v", err)
	}
	a, _ := s.Get("1001")

	if err := s.Upsert("1001", patch); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}
	b, _ := s.Get("1001")

	a.UpdatedAt, b.UpdatedAt = time.Time{}, time.Time{}
	if a != b {
		t.Errorf("repeated identical upsert changed fields:\n  before %+v\n  after  %+v", a, b)
	}
}

func TestUpsertArchiveRequiresReason(t *testing.T) {
	s := openTestStore(t)

	err := s.Upsert("1001", RecordPatch{InternalStatus: String(StatusArchived)})
	if !errors.Is(err, ErrArchiveReason) {
		t.Fatalf("archive without reason = %v, want ErrArchiveReason", err)
	}

	err = s.Upsert("1001", RecordPatch{
		InternalStatus: String(StatusArchived),
		ArchivedReason: String(ReasonCompleted),
		ArchivedAt:     Time(time.Now().UTC()),
	})
	if err != nil {
		t.Fatalf("archive with reason: %v", err)
	}
}

func TestUpsertClearArchived(t *testing.T) {
	s := openTestStore(t)

	if err := s.Upsert("1003", RecordPatch{
		InternalStatus: String(StatusArchived),
		ArchivedReason: String(ReasonCompleted),
		ArchivedAt:     Time(time.Now().UTC()),
	}); err != nil {
		t.Fatalf("Upsert archived: %v", err)
	}

	if err := s.Upsert("1003", RecordPatch{
		InternalStatus: String(StatusInSystem),
		ClearArchived:  true,
	}); err != nil {
		t.Fatalf("Upsert revive: %v", err)
	}

	rec, _ := s.Get("1003")
	if rec.InternalStatus != StatusInSystem {
		t.Errorf("InternalStatus = %q", rec.InternalStatus)
	}
	if rec.ArchivedAt != nil || rec.ArchivedReason != "" {
		t.Errorf("archive fields not cleared: at=%v reason=%q", rec.ArchivedAt, rec.ArchivedReason)
	}
}

func TestDeleteMany(t *testing.T) {
	s := openTestStore(t)

	for _, id := range []string{"1001", "1002", "1003"} {
		if err := s.Upsert(id, RecordPatch{}); err != nil {
			t.Fatalf("Upsert %s: %v", id, err)
		}
	}

	n, err := s.DeleteMany([]string{"1001", "1003", "7777"})
	if err != nil {
		t.Fatalf("DeleteMany: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted %d rows, want 2", n)
	}

	ids, err := s.ListIDs()
	if err != nil {
		t.Fatalf("ListIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != "1002" {
		t.Errorf("remaining ids = %v", ids)
	}

	if n, err := s.DeleteMany(nil); err != nil || n != 0 {
		t.Errorf("DeleteMany(nil) = (%d, %v)", n, err)
	}
}

func TestListExcludesBlockedByDefault(t *testing.T) {
	s := openTestStore(t)

	s.Upsert("1001", RecordPatch{})
	s.Upsert("1002", RecordPatch{InternalStatus: String(StatusBlocked)})

	recs, err := s.List(ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "1001" {
		t.Errorf("List = %v, want only 1001", recs)
	}

	recs, err = s.List(ListOptions{IncludeBlocked: true})
	if err != nil {
		t.Fatalf("List include blocked: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("List include blocked returned %d records, want 2", len(recs))
	}
}

func TestListStatusFilterAndLimit(t *testing.T) {
	s := openTestStore(t)

	s.Upsert("1001", RecordPatch{InternalStatus: String(StatusInSystem)})
	s.Upsert("1002", RecordPatch{InternalStatus: String(StatusInSystem)})
	s.Upsert("1003", RecordPatch{})

	recs, err := s.List(ListOptions{Status: StatusInSystem})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("status filter returned %d records, want 2", len(recs))
	}

	recs, err = s.List(ListOptions{Status: StatusInSystem, Limit: 1})
	if err != nil {
		t.Fatalf("List with limit: %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("limit returned %d records, want 1", len(recs))
	}
}

func TestRunsRoundTrip(t *testing.T) {
	s := openTestStore(t)

	start := time.Now().UTC().Add(-time.Minute)
	runs := []Run{
		{ID: "r1", StartedAt: start, FinishedAt: start.Add(10 * time.Second), Status: RunSuccess, Created: 3, Unchanged: 7},
		{ID: "r2", StartedAt: start.Add(30 * time.Second), FinishedAt: start.Add(40 * time.Second), Status: RunPartial, Errors: 2, LastError: "persist 1002: disk full"},
	}
	for _, r := range runs {
		if err := s.RecordRun(r); err != nil {
			t.Fatalf("RecordRun %s: %v", r.ID, err)
		}
	}

	got, err := s.ListRuns(10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListRuns returned %d runs, want 2", len(got))
	}
	if got[0].ID != "r2" {
		t.Errorf("runs not newest-first: %v", []string{got[0].ID, got[1].ID})
	}
	if got[0].Errors != 2 || got[0].LastError == "" {
		t.Errorf("run counters lost: %+v", got[0])
	}
	if got[1].Created != 3 || got[1].Status != RunSuccess {
		t.Errorf("run fields lost: %+v", got[1])
	}
}

package downstream

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/ojeda/avisod/internal/staging"
)

func openBackOffice(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("opening back-office db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	for _, table := range []string{"altas", "appointments", "services"} {
		_, err := db.Exec(fmt.Sprintf(`CREATE TABLE %s (
			service_number TEXT PRIMARY KEY,
			client_name TEXT NOT NULL DEFAULT '',
			address TEXT NOT NULL DEFAULT '',
			phone TEXT NOT NULL DEFAULT '',
			company TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL DEFAULT ''
		)`, table))
		if err != nil {
			t.Fatalf("creating %s: %v", table, err)
		}
	}
	return db
}

func seed(t *testing.T, db *sql.DB, table, id, status, tags string) {
	t.Helper()
	_, err := db.Exec(
		fmt.Sprintf("INSERT INTO %s (service_number, status, tags) VALUES (?, ?, ?)", table),
		id, status, tags,
	)
	if err != nil {
		t.Fatalf("seeding %s: %v", table, err)
	}
}

func TestChunk(t *testing.T) {
	ids := make([]string, 23)
	for i := range ids {
		ids[i] = fmt.Sprintf("10%02d", i)
	}

	batches := chunk(ids, 10)
	if len(batches) != 3 {
		t.Fatalf("chunk produced %d batches, want 3", len(batches))
	}
	for i, want := range []int{10, 10, 3} {
		if len(batches[i]) != want {
			t.Errorf("batch %d has %d ids, want %d", i, len(batches[i]), want)
		}
	}

	if got := chunk(nil, 10); got != nil {
		t.Errorf("chunk(nil) = %v, want nil", got)
	}
}

func TestResolveMergesAllBatches(t *testing.T) {
	db := openBackOffice(t)

	// 23 ids spread over the three stores so every batch matters.
	var ids []string
	for i := 0; i < 23; i++ {
		id := fmt.Sprintf("10%02d", i)
		ids = append(ids, id)
		switch i % 3 {
		case 0:
			seed(t, db, "appointments", id, "scheduled", "")
		case 1:
			seed(t, db, "services", id, "active", "")
		case 2:
			seed(t, db, "altas", id, "pendiente", "")
		}
	}

	r := NewResolver(db, nil, 10)
	got, err := r.Resolve(context.Background(), ids)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if len(got) != 23 {
		t.Fatalf("merged result has %d keys, want 23", len(got))
	}
	for _, id := range ids {
		m, ok := got[id]
		if !ok || !m.Found {
			t.Errorf("id %s missing from result", id)
		}
	}
}

func TestResolveFirstMatchWinsAcrossStores(t *testing.T) {
	db := openBackOffice(t)

	// Same id in two stores; alta is declared first so it must win.
	seed(t, db, "altas", "1001", "pendiente", "")
	seed(t, db, "appointments", "1001", "scheduled", "")

	r := NewResolver(db, nil, 10)
	got, err := r.Resolve(context.Background(), []string{"1001"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	m := got["1001"]
	if m.Store != "alta" || m.Status != "pendiente" {
		t.Errorf("match = %+v, want the alta store to win", m)
	}
}

func TestResolveUnknownIdsAbsent(t *testing.T) {
	db := openBackOffice(t)
	seed(t, db, "services", "1001", "active", "")

	r := NewResolver(db, nil, 10)
	got, err := r.Resolve(context.Background(), []string{"1001", "2002"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if _, ok := got["2002"]; ok {
		t.Error("unmatched id present in result map")
	}
	if !got["1001"].Found {
		t.Error("matched id missing")
	}
}

func TestResolveInboxTag(t *testing.T) {
	db := openBackOffice(t)
	seed(t, db, "appointments", "1001", "scheduled", "urgent, inbox")
	seed(t, db, "appointments", "1002", "scheduled", "urgent")

	r := NewResolver(db, nil, 10)
	got, err := r.Resolve(context.Background(), []string{"1001", "1002"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if !got["1001"].InboxPending {
		t.Error("inbox tag not detected")
	}
	if got["1002"].InboxPending {
		t.Error("inbox flag set without tag")
	}
}

func TestResolveDegradedStoreIsNoMatch(t *testing.T) {
	db := openBackOffice(t)
	seed(t, db, "services", "1001", "active", "")

	// One configured store points at a missing table; its batches must
	// degrade to no-match while the healthy stores still resolve.
	stores := append([]StoreConfig{
		{Name: "ghost", Table: "no_such_table", IDColumn: "service_number", StatusColumn: "status", TagsColumn: "tags"},
	}, DefaultStores()...)

	r := NewResolver(db, stores, 10)
	got, err := r.Resolve(context.Background(), []string{"1001", "2002"})
	if err != nil {
		t.Fatalf("Resolve with degraded store: %v", err)
	}
	if !got["1001"].Found || got["1001"].Store != "services" {
		t.Errorf("healthy store match lost: %+v", got["1001"])
	}
}

func TestResolveAllQueriesFailing(t *testing.T) {
	db := openBackOffice(t)

	stores := []StoreConfig{
		{Name: "ghost", Table: "no_such_table", IDColumn: "service_number", StatusColumn: "status", TagsColumn: "tags"},
	}
	r := NewResolver(db, stores, 10)
	if _, err := r.Resolve(context.Background(), []string{"1001"}); err == nil {
		t.Error("expected error when every existence query fails")
	}
}

func TestCompleted(t *testing.T) {
	for _, s := range []string{"completed", "Finalizado", "FINISHED", " done "} {
		if !Completed(s) {
			t.Errorf("Completed(%q) = false", s)
		}
	}
	for _, s := range []string{"scheduled", "pendiente", "", "complet"} {
		if Completed(s) {
			t.Errorf("Completed(%q) = true", s)
		}
	}
}

func TestPromote(t *testing.T) {
	db := openBackOffice(t)
	st, err := staging.Open(":memory:")
	if err != nil {
		t.Fatalf("staging.Open: %v", err)
	}
	defer st.Close()

	if err := st.Upsert("14852976", staging.RecordPatch{
		ClientName: staging.String("Ana Pérez"),
		Address:    staging.String("Calle Sol 12 Madrid"),
		Phone:      staging.String("612345678"),
	}); err != nil {
		t.Fatalf("seeding staging: %v", err)
	}

	p := NewPromoter(st, db, DefaultStores()[0])
	res, err := p.Promote(context.Background(), "14852976", false)
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if res.DownstreamID != "14852976" {
		t.Errorf("DownstreamID = %q, want the service number", res.DownstreamID)
	}

	// Downstream row exists.
	var status string
	if err := db.QueryRow("SELECT status FROM altas WHERE service_number = ?", "14852976").Scan(&status); err != nil {
		t.Fatalf("alta row not created: %v", err)
	}
	if status != altaInitialStatus {
		t.Errorf("alta status = %q", status)
	}

	// Staging record marked imported with back-reference.
	rec, err := st.Get("14852976")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.InternalStatus != staging.StatusImported {
		t.Errorf("InternalStatus = %q", rec.InternalStatus)
	}
	if rec.ExternalStatus != ExternalStatusImported {
		t.Errorf("ExternalStatus = %q", rec.ExternalStatus)
	}
	if rec.ImportedRef != "14852976" || rec.ImportedAt == nil {
		t.Errorf("back-reference not set: ref=%q at=%v", rec.ImportedRef, rec.ImportedAt)
	}

	// Second promote is a no-op.
	res2, err := p.Promote(context.Background(), "14852976", false)
	if err != nil {
		t.Fatalf("second Promote: %v", err)
	}
	if !res2.AlreadyExists || res2.DownstreamID != "14852976" {
		t.Errorf("second Promote = %+v, want already-exists no-op", res2)
	}
	var count int
	db.QueryRow("SELECT COUNT(*) FROM altas").Scan(&count)
	if count != 1 {
		t.Errorf("alta rows = %d after repeat promote, want 1", count)
	}
}

func TestPromoteFreshID(t *testing.T) {
	db := openBackOffice(t)
	st, _ := staging.Open(":memory:")
	defer st.Close()

	st.Upsert("1001", staging.RecordPatch{Phone: staging.String("698765432")})

	p := NewPromoter(st, db, DefaultStores()[0])
	res, err := p.Promote(context.Background(), "1001", true)
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if res.DownstreamID == "" || res.DownstreamID == "1001" {
		t.Errorf("DownstreamID = %q, want a minted identifier", res.DownstreamID)
	}
}

func TestPromoteRefusals(t *testing.T) {
	db := openBackOffice(t)
	st, _ := staging.Open(":memory:")
	defer st.Close()

	st.Upsert("2001", staging.RecordPatch{InternalStatus: staging.String(staging.StatusBlocked)})
	st.Upsert("2002", staging.RecordPatch{ClientName: staging.String("X")})

	p := NewPromoter(st, db, DefaultStores()[0])

	if _, err := p.Promote(context.Background(), "2001", false); !errors.Is(err, ErrPromoteBlocked) {
		t.Errorf("blocked promote = %v, want ErrPromoteBlocked", err)
	}
	if _, err := p.Promote(context.Background(), "2002", false); !errors.Is(err, ErrPromoteInsufficient) {
		t.Errorf("insufficient promote = %v, want ErrPromoteInsufficient", err)
	}
	if _, err := p.Promote(context.Background(), "9999", false); !errors.Is(err, staging.ErrNotFound) {
		t.Errorf("missing promote = %v, want ErrNotFound", err)
	}

	var count int
	db.QueryRow("SELECT COUNT(*) FROM altas").Scan(&count)
	if count != 0 {
		t.Errorf("refused promotes wrote %d alta rows", count)
	}
}

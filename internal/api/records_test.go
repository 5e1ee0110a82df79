package api

import (
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/ojeda/avisod/internal/downstream"
	"github.com/ojeda/avisod/internal/staging"
)

const testToken = "test-token-12345"

func openStagingAndBackOffice(t *testing.T) (*staging.Store, *sql.DB) {
	t.Helper()
	store, err := staging.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("opening back-office db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	if _, err := db.Exec(`CREATE TABLE altas (
		service_number TEXT PRIMARY KEY,
		client_name TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		company TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL DEFAULT ''
	)`); err != nil {
		t.Fatalf("creating altas: %v", err)
	}
	return store, db
}

func newTestPromoter(store *staging.Store, db *sql.DB) *downstream.Promoter {
	return downstream.NewPromoter(store, db, downstream.DefaultStores()[0])
}

func setupAdminHandler(t *testing.T) (http.Handler, *staging.Store, *sql.DB) {
	t.Helper()
	store, db := openStagingAndBackOffice(t)

	handler := NewAdminHandler(AdminDeps{
		Store:    store,
		Promoter: newTestPromoter(store, db),
		Token:    testToken,
	})
	return handler, store, db
}

func stageRecord(t *testing.T, store *staging.Store, id string, p staging.RecordPatch) {
	t.Helper()
	if err := store.Upsert(id, p); err != nil {
		t.Fatalf("staging %s: %v", id, err)
	}
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestHealth_NoAuth(t *testing.T) {
	h, _, _ := setupAdminHandler(t)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestRecords_RequiresAuth(t *testing.T) {
	h, _, _ := setupAdminHandler(t)

	for _, tc := range []struct {
		method, url string
	}{
		{http.MethodGet, "/records"},
		{http.MethodGet, "/records/1001"},
		{http.MethodPost, "/records/delete"},
		{http.MethodPost, "/records/1001/promote"},
		{http.MethodGet, "/runs"},
	} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(tc.method, tc.url, "", ""))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s %s without token: status = %d, want 401", tc.method, tc.url, rr.Code)
		}

		rr = httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(tc.method, tc.url, "", "wrong-token"))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s %s with bad token: status = %d, want 401", tc.method, tc.url, rr.Code)
		}
	}
}

func TestListRecords(t *testing.T) {
	h, store, _ := setupAdminHandler(t)

	stageRecord(t, store, "1001", staging.RecordPatch{ClientName: staging.String("Ana")})
	stageRecord(t, store, "1002", staging.RecordPatch{
		InternalStatus: staging.String(staging.StatusBlocked),
	})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/records", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	var records []staging.PendingRecord
	if err := json.NewDecoder(rr.Body).Decode(&records); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(records) != 1 || records[0].ID != "1001" {
		t.Errorf("records = %+v, want only 1001 (blocked excluded by default)", records)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/records?include_blocked=true", "", testToken))
	records = nil
	json.NewDecoder(rr.Body).Decode(&records)
	if len(records) != 2 {
		t.Errorf("include_blocked len = %d, want 2", len(records))
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/records?status=blocked&include_blocked=true", "", testToken))
	records = nil
	json.NewDecoder(rr.Body).Decode(&records)
	if len(records) != 1 || records[0].ID != "1002" {
		t.Errorf("status filter returned %+v, want only 1002", records)
	}
}

func TestListRecords_EmptyIsArray(t *testing.T) {
	h, _, _ := setupAdminHandler(t)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/records", "", testToken))

	if body := strings.TrimSpace(rr.Body.String()); body != "[]" {
		t.Errorf("body = %q, want empty JSON array", body)
	}
}

func TestGetRecord(t *testing.T) {
	h, store, _ := setupAdminHandler(t)
	stageRecord(t, store, "1001", staging.RecordPatch{ClientName: staging.String("Ana")})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/records/1001", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	var rec staging.PendingRecord
	if err := json.NewDecoder(rr.Body).Decode(&rec); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if rec.ID != "1001" || rec.ClientName != "Ana" {
		t.Errorf("record = %+v", rec)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/records/9999", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing record: status = %d, want 404", rr.Code)
	}
}

func TestDeleteRecords(t *testing.T) {
	h, store, _ := setupAdminHandler(t)
	stageRecord(t, store, "1001", staging.RecordPatch{})
	stageRecord(t, store, "1002", staging.RecordPatch{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/records/delete", `{"ids":["1001","9999"]}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	var resp map[string]int
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp["deleted"] != 1 {
		t.Errorf("deleted = %d, want 1", resp["deleted"])
	}

	if _, err := store.Get("1001"); err == nil {
		t.Error("1001 still present after delete")
	}
	if _, err := store.Get("1002"); err != nil {
		t.Error("1002 should have survived")
	}
}

func TestDeleteRecords_EmptyIDs(t *testing.T) {
	h, _, _ := setupAdminHandler(t)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/records/delete", `{"ids":[]}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestPromoteRecord(t *testing.T) {
	h, store, db := setupAdminHandler(t)
	stageRecord(t, store, "1001", staging.RecordPatch{
		ClientName: staging.String("Ana Pérez"),
		Address:    staging.String("Calle Sol 12 Madrid"),
		Phone:      staging.String("612345678"),
	})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/records/1001/promote", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	var res downstream.PromoteResult
	if err := json.NewDecoder(rr.Body).Decode(&res); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if res.DownstreamID != "1001" || res.AlreadyExists {
		t.Errorf("result = %+v", res)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM altas WHERE service_number = ?", "1001").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("alta rows = %d, want 1", count)
	}

	rec, err := store.Get("1001")
	if err != nil {
		t.Fatal(err)
	}
	if rec.InternalStatus != staging.StatusImported {
		t.Errorf("InternalStatus = %q, want imported", rec.InternalStatus)
	}

	// Promoting again is an idempotent no-op.
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/records/1001/promote", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("repeat status = %d", rr.Code)
	}
	res = downstream.PromoteResult{}
	json.NewDecoder(rr.Body).Decode(&res)
	if !res.AlreadyExists {
		t.Error("repeat promotion should report already_exists")
	}
}

func TestPromoteRecord_Refusals(t *testing.T) {
	h, store, _ := setupAdminHandler(t)

	stageRecord(t, store, "2001", staging.RecordPatch{
		InternalStatus: staging.String(staging.StatusBlocked),
	})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/records/2001/promote", "", testToken))
	if rr.Code != http.StatusConflict {
		t.Errorf("blocked: status = %d, want 409", rr.Code)
	}

	stageRecord(t, store, "2002", staging.RecordPatch{})
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/records/2002/promote", "", testToken))
	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("insufficient data: status = %d, want 422", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/records/9999/promote", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing record: status = %d, want 404", rr.Code)
	}
}

func TestListRuns(t *testing.T) {
	h, store, _ := setupAdminHandler(t)

	run := staging.Run{ID: "run-1", Status: staging.RunSuccess, Created: 3}
	if err := store.RecordRun(run); err != nil {
		t.Fatal(err)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/runs", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	var runs []staging.Run
	if err := json.NewDecoder(rr.Body).Decode(&runs); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "run-1" || runs[0].Created != 3 {
		t.Errorf("runs = %+v", runs)
	}
}

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ojeda/avisod/internal/downstream"
	"github.com/ojeda/avisod/internal/staging"
)

const maxRequestBodySize = 1 << 20 // 1MB

type AdminDeps struct {
	Store    *staging.Store
	Promoter *downstream.Promoter
	Token    string
}

// NewAdminHandler returns the HTTP surface for inspecting and curating
// the staging collection. Everything except /health requires the
// bearer token.
func NewAdminHandler(deps AdminDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Get("/records", handleListRecords(deps))
		r.Get("/records/{id}", handleGetRecord(deps))
		r.Post("/records/delete", handleDeleteRecords(deps))
		r.Post("/records/{id}/promote", handlePromoteRecord(deps))
		r.Get("/runs", handleListRuns(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleListRecords(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opts := staging.ListOptions{
			IncludeBlocked: r.URL.Query().Get("include_blocked") == "true",
			Status:         r.URL.Query().Get("status"),
			Limit:          parseIntParam(r, "limit", 50, 500),
		}

		records, err := deps.Store.List(opts)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list records: %v", err)
			return
		}
		if records == nil {
			records = []staging.PendingRecord{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(records)
	}
}

func handleGetRecord(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		rec, err := deps.Store.Get(id)
		if errors.Is(err, staging.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "record not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get record: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rec)
	}
}

type deleteRequest struct {
	IDs []string `json:"ids"`
}

func handleDeleteRecords(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req deleteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(req.IDs) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "ids is required and must not be empty")
			return
		}

		n, err := deps.Store.DeleteMany(req.IDs)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete records: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"deleted": n})
	}
}

type promoteRequest struct {
	FreshID bool `json:"fresh_id"`
}

func handlePromoteRecord(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var req promoteRequest
		if r.ContentLength > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
			defer r.Body.Close()
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
				return
			}
		}

		res, err := deps.Promoter.Promote(r.Context(), id, req.FreshID)
		switch {
		case errors.Is(err, staging.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found", "record not found")
			return
		case errors.Is(err, downstream.ErrPromoteBlocked):
			httpError(w, http.StatusConflict, "promote_refused", "record is blocked and cannot be promoted")
			return
		case errors.Is(err, downstream.ErrPromoteInsufficient):
			httpError(w, http.StatusUnprocessableEntity, "promote_refused", "record lacks the minimum data to promote")
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to promote record: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(res)
	}
}

func handleListRuns(deps AdminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)

		runs, err := deps.Store.ListRuns(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list runs: %v", err)
			return
		}
		if runs == nil {
			runs = []staging.Run{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(runs)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

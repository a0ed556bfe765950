package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"mapxion/internal/domain"
)

const maxPatchBytes = 64 << 10

func (a *App) CreateJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.Lifecycle.Create(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, job)
}

// ListJobs returns the newest jobs first, optionally filtered by ?status=.
func (a *App) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.ListFilter{Status: domain.JobStatus(q.Get("status"))}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			a.error(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}
	jobs, err := a.Lifecycle.List(r.Context(), filter)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}
	a.json(w, http.StatusOK, jobs)
}

func (a *App) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.Lifecycle.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, job)
}

// PatchJob is the status-update contract used by workers.
func (a *App) PatchJob(w http.ResponseWriter, r *http.Request) {
	var req patchJobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPatchBytes)).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, domain.CodeInvalidPatch, "body must be a JSON object")
		return
	}
	job, err := a.Lifecycle.ApplyUpdate(r.Context(), chi.URLParam(r, "id"), req.toPatch())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, job)
}

func (a *App) SubmitJob(w http.ResponseWriter, r *http.Request) {
	res, err := a.Dispatcher.Submit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, res)
}

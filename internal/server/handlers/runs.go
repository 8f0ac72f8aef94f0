package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/3leaps/gpubatch/pkg/jobregistry"
)

// RunsHandler serves read-only views of the job registry.
type RunsHandler struct {
	store *jobregistry.Store
}

func NewRunsHandler(store *jobregistry.Store) *RunsHandler {
	return &RunsHandler{store: store}
}

// Routes mounts the run endpoints on r.
func (h *RunsHandler) Routes(r chi.Router) {
	r.Get("/runs", h.ListRuns)
	r.Get("/runs/{runID}", h.GetRun)
	r.Get("/runs/{runID}/jobs", h.ListJobs)
	r.Get("/runs/{runID}/jobs/{jobID}", h.GetJob)
	r.Get("/runs/{runID}/jobs/{jobID}/logs/{stream}", h.JobLogs)
}

type runList struct {
	Runs  []jobregistry.RunRecord `json:"runs"`
	Count int                     `json:"count"`
}

type jobList struct {
	RunID string                  `json:"run_id"`
	Jobs  []jobregistry.JobRecord `json:"jobs"`
	Count int                     `json:"count"`
}

func (h *RunsHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.store.ListRuns()
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if runs == nil {
		runs = []jobregistry.RunRecord{}
	}
	writeJSON(w, http.StatusOK, runList{Runs: runs, Count: len(runs)})
}

func (h *RunsHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.store.GetRun(chi.URLParam(r, "runID"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *RunsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	jobs, err := h.store.List(runID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobList{RunID: runID, Jobs: jobs, Count: len(jobs)})
}

func (h *RunsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.Get(chi.URLParam(r, "runID"), chi.URLParam(r, "jobID"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// JobLogs returns a job's stdout or stderr as text. ?tail=N keeps the last N
// lines.
func (h *RunsHandler) JobLogs(w http.ResponseWriter, r *http.Request) {
	tail := 0
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondWithError(w, r, fmt.Errorf("%w: tail must be a non-negative integer", ErrInvalidArgument))
			return
		}
		tail = n
	}

	b, err := h.store.ReadLog(chi.URLParam(r, "runID"), chi.URLParam(r, "jobID"), chi.URLParam(r, "stream"), tail)
	if err != nil {
		if errors.Is(err, jobregistry.ErrInvalidStream) {
			err = fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		respondWithError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

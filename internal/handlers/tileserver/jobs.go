package tileserver

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"flightmap-desktop/internal/downloads"
	"flightmap-desktop/internal/taskqueue"
)

type jobRequest struct {
	downloads.BoundingBox
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Zoom     uint32 `json:"zoom"`
	Priority int    `json:"priority"`
}

type jobsResponse struct {
	Status taskqueue.QueueStatus     `json:"status"`
	Tasks  []*taskqueue.PrefetchTask `json:"tasks"`
}

// handleListJobs reports the prefetch queue
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, jobsResponse{
		Status: s.opts.Jobs.GetQueueStatus(),
		Tasks:  s.opts.Jobs.GetQueueTasks(),
	})
}

// handleQueueJob validates a prefetch and queues it
func (s *Server) handleQueueJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	task, err := s.opts.Jobs.QueuePrefetch(req.Name, req.Kind, req.BoundingBox, req.Zoom, req.Priority)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

// handleGetJob reports one task
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	task, err := s.opts.Jobs.GetPrefetchTask(chi.URLParam(r, "id"))
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleCancelJob cancels a pending or running task
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Jobs.CancelPrefetch(chi.URLParam(r, "id")); err != nil {
		writeJobError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, taskqueue.ErrTaskNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, taskqueue.ErrTaskFinished):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

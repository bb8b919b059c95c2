package server

import (
	"net/http"

	"github.com/cwbudde/descentreg/internal/ui"
)

// handleIndex handles GET /
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	jobs := s.jobManager.ListJobs()
	items := make([]ui.JobListItem, len(jobs))
	for i, job := range jobs {
		spec := job.Spec
		items[i] = ui.JobListItem{
			ID:           job.ID,
			State:        string(job.State),
			Transform:    string(spec.Transform),
			Parameters:   spec.NumberOfParameters(),
			Iterations:   job.Iterations,
			MaxIters:     spec.Optimizer.NumberOfIterations,
			InitialValue: job.InitialValue,
			Value:        job.Value,
			LearningRate: job.LearningRate,
			StartTime:    job.StartTime,
			EndTime:      job.EndTime,
			Error:        job.Error,
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := ui.JobList(items).Render(r.Context(), w); err != nil {
		http.Error(w, "Failed to render page", http.StatusInternalServerError)
	}
}

package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"codenerd-orchestrator/internal/store"
	"codenerd-orchestrator/internal/types"
)

// Routes builds the HTTP surface described in spec §4.5, grounded on the
// teacher's chi-based mux conventions (cmd/nerd/main.go's use of
// github.com/go-chi/chi/v5 for the control-plane HTTP surface).
func (g *Gateway) Routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/jobs", g.handleCreateJob)
	r.Get("/jobs", g.handleListJobs)
	r.Get("/jobs/{id}", g.handleGetJob)
	r.Post("/jobs/{id}/cancel", g.handleCancelJob)
	r.Get("/jobs/{id}/stream", g.handleJobStream)
	r.Get("/stream", g.handleGlobalStream)

	r.Post("/agents/{id}/heartbeat", g.handleAgentHeartbeat)
	r.Delete("/agents/{id}", g.handleAgentDeregister)
	r.Post("/agents/discover", g.handleAgentDiscover)

	r.Get("/routing/statistics", g.handleRoutingStatistics)

	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, errCode, detail string) {
	writeJSON(w, status, map[string]string{"error": errCode, "detail": detail})
}

type createJobRequest struct {
	UserRequest        string         `json:"user_request"`
	Priority           types.Priority `json:"priority"`
	Tags               []string       `json:"tags"`
	ExpandRequirements bool           `json:"expand_requirements"`
}

func (g *Gateway) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.UserRequest == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_request is required")
		return
	}
	job, err := g.executor.CreateJob(r.Context(), req.UserRequest, req.Priority, req.Tags, req.ExpandRequirements)
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": job.ID, "status": job.Status})
}

func (g *Gateway) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	job, ok, err := g.executor.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrInternal, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown job "+jobID)
		return
	}

	taskIDs, err := g.executor.JobTaskIDs(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrInternal, err.Error())
		return
	}
	tasks := make([]*types.Task, 0, len(taskIDs))
	for _, tid := range taskIDs {
		if t, ok, err := g.executor.GetTask(r.Context(), tid); err == nil && ok {
			tasks = append(tasks, t)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job, "tasks": tasks})
}

func (g *Gateway) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	job, ok, err := g.executor.CancelJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrInternal, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown job "+jobID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": job.ID, "status": job.Status})
}

func (g *Gateway) handleListJobs(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if pageSize <= 0 || pageSize > 200 {
		pageSize = 50
	}

	ids, err := g.executor.ListJobIDs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrInternal, err.Error())
		return
	}

	start := (page - 1) * pageSize
	if start > len(ids) {
		start = len(ids)
	}
	end := start + pageSize
	if end > len(ids) {
		end = len(ids)
	}

	jobs := make([]*types.Job, 0, end-start)
	for _, id := range ids[start:end] {
		if job, ok, err := g.executor.GetJob(r.Context(), id); err == nil && ok {
			jobs = append(jobs, job)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":      jobs,
		"page":      page,
		"page_size": pageSize,
		"total":     len(ids),
	})
}

func (g *Gateway) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	if err := g.discovery.Heartbeat(r.Context(), agentID); err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"agent_id": agentID, "status": "ok"})
}

func (g *Gateway) handleAgentDeregister(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	if err := g.discovery.Deregister(r.Context(), agentID); err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrInternal, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type discoverRequest struct {
	AgentType            string   `json:"agent_type"`
	RequiredCapabilities []string `json:"required_capabilities"`
	PreferredTags        []string `json:"preferred_tags"`
	Exclude              []string `json:"exclude"`
}

func (g *Gateway) handleAgentDiscover(w http.ResponseWriter, r *http.Request) {
	var req discoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.AgentType == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "agent_type is required")
		return
	}
	matches, err := g.discovery.FindAll(r.Context(), req.AgentType, req.RequiredCapabilities, req.PreferredTags, req.Exclude)
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": matches})
}

// handleRoutingStatistics aggregates the tail of the routing-decisions
// stream into per-strategy success/failure counters (spec §4.5, §6's
// routing:statistics aggregate).
func (g *Gateway) handleRoutingStatistics(w http.ResponseWriter, r *http.Request) {
	entries, err := g.store.ReadFrom(r.Context(), store.StreamRoutingDecisions, 0, 5000, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrInternal, err.Error())
		return
	}

	type counters struct {
		Success int `json:"success"`
		Failure int `json:"failure"`
	}
	byStrategy := make(map[string]*counters)
	for _, e := range entries {
		strategy := e.Fields["strategy"]
		c, ok := byStrategy[strategy]
		if !ok {
			c = &counters{}
			byStrategy[strategy] = c
		}
		if e.Fields["success"] == "true" {
			c.Success++
		} else {
			c.Failure++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"total_decisions": len(entries), "by_strategy": byStrategy})
}

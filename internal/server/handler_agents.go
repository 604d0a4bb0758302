package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/me/dispatch/internal/dispatch"
	"github.com/me/dispatch/internal/notify"
	"github.com/me/dispatch/pkg/model"
)

// agentFor loads the agent named in the path and checks the caller's key
// may act for its account. It writes the error response and returns nil
// when either check fails.
func (s *Server) agentFor(w http.ResponseWriter, r *http.Request) *model.Agent {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	agent, err := s.service.GetAgent(r.Context(), id)
	if err != nil {
		respondServiceError(w, reqID, err)
		return nil
	}
	if !AgentAuthFromContext(r.Context()).CanAccess(agent.AccountID) {
		forbidden(w, reqID, agent.AccountID)
		return nil
	}
	return agent
}

// handleRegisterAgent creates or refreshes an agent.
// POST /api/v1/agents
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req dispatch.RegisterRequest
	if !decodeJSON(w, r, reqID, &req) {
		return
	}
	if req.AccountID != "" && !AgentAuthFromContext(r.Context()).CanAccess(req.AccountID) {
		forbidden(w, reqID, req.AccountID)
		return
	}
	if req.IP == "" {
		req.IP = r.RemoteAddr
	}

	agent, err := s.service.RegisterAgent(r.Context(), req)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	respondCreated(w, reqID, agent)
}

// handleListAgents returns an account's agents.
// GET /api/v1/agents?account_id=
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("missing required parameter",
				model.FieldError{Field: "account_id", Message: "account_id is required"}))
		return
	}
	if !AgentAuthFromContext(r.Context()).CanAccess(accountID) {
		forbidden(w, reqID, accountID)
		return
	}

	agents, err := s.service.ListAgents(r.Context(), accountID)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	if agents == nil {
		agents = []*model.Agent{}
	}
	respondOK(w, reqID, agents)
}

// handleGetAgent returns one agent.
// GET /api/v1/agents/{id}
func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	if agent := s.agentFor(w, r); agent != nil {
		respondOK(w, RequestIDFromContext(r.Context()), agent)
	}
}

// handleAgentHeartbeat refreshes one agent connection.
// PUT /api/v1/agents/{id}/heartbeat
func (s *Server) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	agent := s.agentFor(w, r)
	if agent == nil {
		return
	}

	var req struct {
		ConnectionID string `json:"connection_id"`
		Version      string `json:"version"`
	}
	if !decodeJSON(w, r, reqID, &req) {
		return
	}

	conn, err := s.service.Heartbeat(r.Context(), agent.ID, req.ConnectionID, req.Version)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	respondOK(w, reqID, conn)
}

// handleSetAgentStatus enables or disables an agent.
// PUT /api/v1/agents/{id}/status
func (s *Server) handleSetAgentStatus(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	agent := s.agentFor(w, r)
	if agent == nil {
		return
	}

	var req struct {
		Status model.AgentStatus `json:"status"`
	}
	if !decodeJSON(w, r, reqID, &req) {
		return
	}
	updated, err := s.service.SetAgentStatus(r.Context(), agent.ID, req.Status)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	respondOK(w, reqID, updated)
}

// handleSetGroupExpiry schedules or clears the deprecation of an agent's group.
// PUT /api/v1/agents/{id}/group-expiry
func (s *Server) handleSetGroupExpiry(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	agent := s.agentFor(w, r)
	if agent == nil {
		return
	}

	var req struct {
		ExpiresAt *time.Time `json:"expires_at"`
	}
	if !decodeJSON(w, r, reqID, &req) {
		return
	}
	updated, err := s.service.SetGroupExpiry(r.Context(), agent.ID, req.ExpiresAt)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	respondOK(w, reqID, updated)
}

// handleRecordCapabilities stores the agent's capability check results.
// POST /api/v1/agents/{id}/capabilities
func (s *Server) handleRecordCapabilities(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	agent := s.agentFor(w, r)
	if agent == nil {
		return
	}

	var req struct {
		Results []struct {
			Criteria  string `json:"criteria"`
			Validated bool   `json:"validated"`
		} `json:"results"`
	}
	if !decodeJSON(w, r, reqID, &req) {
		return
	}
	for _, res := range req.Results {
		err := s.service.RecordCapability(r.Context(), &model.CapabilityCheckResult{
			AccountID: agent.AccountID,
			AgentID:   agent.ID,
			Criteria:  res.Criteria,
			Validated: res.Validated,
		})
		if err != nil {
			respondServiceError(w, reqID, err)
			return
		}
	}
	respondOK(w, reqID, map[string]any{"agent_id": agent.ID, "recorded": len(req.Results)})
}

// handleListOffers returns the tasks currently offered to the agent.
// GET /api/v1/agents/{id}/offers
func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	agent := s.agentFor(w, r)
	if agent == nil {
		return
	}
	offers := s.offers.Offers(agent.ID)
	if offers == nil {
		offers = []notify.Offer{}
	}
	respondOK(w, reqID, offers)
}

// handleClaimTask assigns an offered task to the agent.
// POST /api/v1/agents/{id}/tasks/{tid}/claim
func (s *Server) handleClaimTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	agent := s.agentFor(w, r)
	if agent == nil {
		return
	}

	task, err := s.service.Claim(r.Context(), chi.URLParam(r, "tid"), agent.ID)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	respondOK(w, reqID, task)
}

// handleStartValidation records that the agent started validating the task.
// POST /api/v1/agents/{id}/tasks/{tid}/validation
func (s *Server) handleStartValidation(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	agent := s.agentFor(w, r)
	if agent == nil {
		return
	}

	task, err := s.service.StartValidation(r.Context(), chi.URLParam(r, "tid"), agent.ID)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	respondOK(w, reqID, task)
}

// handleCompleteValidation records that the agent finished validating the task.
// PUT /api/v1/agents/{id}/tasks/{tid}/validation
func (s *Server) handleCompleteValidation(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	agent := s.agentFor(w, r)
	if agent == nil {
		return
	}

	task, err := s.service.CompleteValidation(r.Context(), chi.URLParam(r, "tid"), agent.ID)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	respondOK(w, reqID, task)
}

// handleCompleteTask reports the outcome of a started task.
// PUT /api/v1/agents/{id}/tasks/{tid}/complete
func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	agent := s.agentFor(w, r)
	if agent == nil {
		return
	}

	var outcome model.Outcome
	if !decodeJSON(w, r, reqID, &outcome) {
		return
	}
	tid := chi.URLParam(r, "tid")
	if err := s.service.Complete(r.Context(), tid, agent.ID, outcome); err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	respondOK(w, reqID, map[string]any{"task_id": tid, "completed": true})
}

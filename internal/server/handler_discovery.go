package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "Dispatch API",
		Version:     "v1",
		Description: "Task dispatch: capability-matched broadcast of queued tasks to remote agents",
		Endpoints: []endpointInfo{
			{"/api/v1/tasks", []string{"GET", "POST"}, "Submit and list tasks"},
			{"/api/v1/tasks/{id}", []string{"GET"}, "Single task detail"},
			{"/api/v1/tasks/{id}/eligibility", []string{"GET"}, "Agents satisfying each capability criterion"},
			{"/api/v1/tasks/{id}/abort", []string{"PUT"}, "Abort a queued task"},
			{"/api/v1/responses/{wait_id}", []string{"GET"}, "Delivered outcome. Accepts ?wait=30s to long-poll"},
			{"/api/v1/agents", []string{"GET", "POST"}, "Register and list agents"},
			{"/api/v1/agents/{id}", []string{"GET"}, "Single agent detail"},
			{"/api/v1/agents/{id}/heartbeat", []string{"PUT"}, "Refresh an agent connection"},
			{"/api/v1/agents/{id}/status", []string{"PUT"}, "Enable or disable an agent"},
			{"/api/v1/agents/{id}/group-expiry", []string{"PUT"}, "Schedule deprecation of the agent's group"},
			{"/api/v1/agents/{id}/capabilities", []string{"POST"}, "Report capability check results"},
			{"/api/v1/agents/{id}/offers", []string{"GET"}, "Tasks currently offered to the agent"},
			{"/api/v1/agents/{id}/tasks/{tid}/claim", []string{"POST"}, "Claim an offered task"},
			{"/api/v1/agents/{id}/tasks/{tid}/validation", []string{"POST", "PUT"}, "Start or complete capability validation"},
			{"/api/v1/agents/{id}/tasks/{tid}/complete", []string{"PUT"}, "Report the outcome of a started task"},
			{"/api/v1/metrics", []string{"GET"}, "Broadcast, expiry and disconnect counters"},
			{"/api/v1/health", []string{"GET"}, "Server health and version"},
		},
	})
}

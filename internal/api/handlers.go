package api

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/rahul/agentichq/internal/engine"
	"github.com/rahul/agentichq/internal/observability"
	"github.com/rahul/agentichq/internal/plan"
	"github.com/rahul/agentichq/internal/store"
)

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	ChatID  string `json:"chatId,omitempty"`
	Message string `json:"message"`
}

// SubmitPlanRequest is the body of POST /api/plans.
type SubmitPlanRequest struct {
	Steps []plan.Step `json:"steps"`
}

// SubmitPlanResponse is returned when a plan was accepted.
type SubmitPlanResponse struct {
	PlanID string      `json:"planId"`
	Status plan.Status `json:"status"`
	Steps  []plan.Step `json:"steps"`
}

// PlanResponse is a plan with its execution records.
type PlanResponse struct {
	*plan.Plan
	Executions []*plan.StepExecution `json:"executions"`
}

// SetKeyRequest is the body of POST /api/keys/{provider}.
type SetKeyRequest struct {
	Key string `json:"key"`
}

// TestKeyResponse reports whether the provider accepted the stored key.
type TestKeyResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.deps.Chat == nil {
		writeError(w, http.StatusServiceUnavailable, "chat is not configured")
		return
	}

	var req ChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.ChatID == "" {
		req.ChatID = defaultChatID
	}

	reply, err := s.deps.Chat.HandleMessage(r.Context(), req.ChatID, req.Message)
	if err != nil {
		log.Printf("Chat error for %s: %v", req.ChatID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	chatID := chatIDParam(r)
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "invalid limit: must be 1-1000")
			return
		}
		limit = n
	}

	history, err := s.deps.Store.GetHistory(r.Context(), chatID, limit)
	if err != nil {
		log.Printf("Error fetching chat history: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch chat history")
		return
	}
	if history == nil {
		history = []store.Message{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.ClearHistory(r.Context(), chatIDParam(r)); err != nil {
		log.Printf("Error clearing chat history: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to clear chat history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func chatIDParam(r *http.Request) string {
	if id := r.URL.Query().Get("chatId"); id != "" {
		return id
	}
	return defaultChatID
}

func (s *Server) handleSubmitPlan(w http.ResponseWriter, r *http.Request) {
	var req SubmitPlanRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := plan.ValidateSteps(req.Steps); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	run, err := s.deps.Engine.Submit(s.deps.RunContext, req.Steps)
	switch {
	case errors.Is(err, engine.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	case err != nil:
		log.Printf("Error submitting plan: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create plan")
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitPlanResponse{PlanID: run.PlanID, Status: plan.StatusPending, Steps: req.Steps})
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	resp, ok := s.loadPlan(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// loadPlan reads the plan named by the {id} path value and its executions,
// writing the error response itself when it fails.
func (s *Server) loadPlan(w http.ResponseWriter, r *http.Request) (*PlanResponse, bool) {
	id := r.PathValue("id")
	p, err := s.deps.Store.GetPlan(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "plan not found")
		return nil, false
	}
	if err != nil {
		log.Printf("Error fetching plan %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to fetch plan")
		return nil, false
	}
	execs, err := s.deps.Store.ListStepExecutions(r.Context(), id)
	if err != nil {
		log.Printf("Error fetching executions of %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to fetch plan")
		return nil, false
	}
	if execs == nil {
		execs = []*plan.StepExecution{}
	}
	return &PlanResponse{Plan: p, Executions: execs}, true
}

func (s *Server) handleKeyStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Keys == nil {
		writeError(w, http.StatusServiceUnavailable, "key management is not configured")
		return
	}
	st, err := s.deps.Keys.Status(r.Context(), r.PathValue("provider"))
	if err != nil {
		log.Printf("Error checking key: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to check key status")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSetKey(w http.ResponseWriter, r *http.Request) {
	if s.deps.Keys == nil {
		writeError(w, http.StatusServiceUnavailable, "key management is not configured")
		return
	}
	provider := r.PathValue("provider")

	var req SetKeyRequest
	if err := decodeJSON(w, r, &req); err != nil || req.Key == "" {
		writeError(w, http.StatusBadRequest, "API key is required")
		return
	}
	if err := s.deps.Keys.SetKey(r.Context(), provider, req.Key); err != nil {
		log.Printf("Failed to save key for %s: %v", provider, err)
		writeError(w, http.StatusInternalServerError, "failed to save API key")
		return
	}
	st, err := s.deps.Keys.Status(r.Context(), provider)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check key status")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"hasKey":     st.HasKey,
		"source":     st.Source,
		"keyPreview": st.KeyPreview,
	})
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	if s.deps.Keys == nil {
		writeError(w, http.StatusServiceUnavailable, "key management is not configured")
		return
	}
	if err := s.deps.Keys.DeleteKey(r.Context(), r.PathValue("provider")); err != nil {
		log.Printf("Error deleting key: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to delete API key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleTestKey(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tester == nil {
		writeError(w, http.StatusServiceUnavailable, "connection tests are not configured")
		return
	}
	provider := r.PathValue("provider")
	if err := s.deps.Tester.TestConnection(r.Context(), provider); err != nil {
		log.Printf("Connection test for %s failed: %v", provider, err)
		writeJSON(w, http.StatusOK, TestKeyResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, TestKeyResponse{Success: true})
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tools == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Tools.Catalog())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
		observability.Snapshot
	}{"ok", observability.GetStatus()})
}

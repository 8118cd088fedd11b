package httpserver

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sardislabs/sardis/internal/agent"
	"github.com/sardislabs/sardis/internal/policy"
	"github.com/sardislabs/sardis/internal/sarderr"
)

// adminAuth gates the admin surface behind the configured key. An unset key
// leaves the surface open; production configs must set it.
func (s *handlers) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := s.cfg.Server.AdminMetricsAPIKey
		if key != "" && r.Header.Get("X-Admin-Key") != key {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: errorDetail{
				Code: "unauthorized", Message: "missing or invalid admin key",
			}})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// putAgent inserts or updates an agent. Updates carry the current version;
// agents are never deleted, only deactivated.
func (s *handlers) putAgent(w http.ResponseWriter, r *http.Request) {
	var a agent.Agent
	if err := decodeBody(r, &a); err != nil {
		writeError(w, r, sarderr.Wrap(sarderr.CodeInvalidPayload, err))
		return
	}
	if a.AgentID == "" {
		writeError(w, r, sarderr.New(sarderr.CodeInvalidPayload, "agent_id is required"))
		return
	}
	if err := s.deps.Agents.PutAgent(r.Context(), a); err != nil {
		if errors.Is(err, agent.ErrVersionConflict) {
			writeJSON(w, http.StatusConflict, errorBody{Error: errorDetail{Code: "version_conflict", Message: err.Error()}})
			return
		}
		writeError(w, r, err)
		return
	}
	stored, err := s.deps.Agents.GetAgent(r.Context(), a.AgentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *handlers) getAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Agents.GetAgent(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		if errors.Is(err, agent.ErrAgentNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody{Error: errorDetail{Code: "not_found", Message: err.Error()}})
			return
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *handlers) deactivateAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if err := s.deps.Agents.DeactivateAgent(r.Context(), agentID); err != nil {
		if errors.Is(err, agent.ErrAgentNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody{Error: errorDetail{Code: "not_found", Message: err.Error()}})
			return
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": agentID, "active": false})
}

func (s *handlers) putWallet(w http.ResponseWriter, r *http.Request) {
	var wal agent.Wallet
	if err := decodeBody(r, &wal); err != nil {
		writeError(w, r, sarderr.Wrap(sarderr.CodeInvalidPayload, err))
		return
	}
	if wal.WalletID == "" || wal.AgentID == "" {
		writeError(w, r, sarderr.New(sarderr.CodeInvalidPayload, "wallet_id and agent_id are required"))
		return
	}
	if err := s.deps.Agents.PutWallet(r.Context(), wal); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wal)
}

func (s *handlers) putPolicy(w http.ResponseWriter, r *http.Request) {
	var p policy.Policy
	if err := decodeBody(r, &p); err != nil {
		writeError(w, r, sarderr.Wrap(sarderr.CodeInvalidPayload, err))
		return
	}
	if p.AgentID == "" {
		writeError(w, r, sarderr.New(sarderr.CodeInvalidPayload, "agent_id is required"))
		return
	}
	if err := s.deps.Policies.PutPolicy(r.Context(), p); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *handlers) putGroup(w http.ResponseWriter, r *http.Request) {
	var g agent.Group
	if err := decodeBody(r, &g); err != nil {
		writeError(w, r, sarderr.Wrap(sarderr.CodeInvalidPayload, err))
		return
	}
	if g.GroupID == "" {
		writeError(w, r, sarderr.New(sarderr.CodeInvalidPayload, "group_id is required"))
		return
	}
	if err := s.deps.Agents.PutGroup(r.Context(), g); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

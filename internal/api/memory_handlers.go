package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/agentfleet/memsync/internal/core"
)

type storeRequest struct {
	ServiceID     string                 `json:"service_id"`
	AgentID       string                 `json:"agent_id"`
	Domain        string                 `json:"domain"`
	Kind          string                 `json:"kind"`
	Payload       map[string]interface{} `json:"payload"`
	Tags          []string               `json:"tags,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	SessionID     string                 `json:"session_id,omitempty"`
	UserID        string                 `json:"user_id,omitempty"`
	Importance    float64                `json:"importance,omitempty"`
	ExpiresAt     *time.Time             `json:"expires_at,omitempty"`
	Embedding     []float32              `json:"embedding,omitempty"`
	ID            string                 `json:"id,omitempty"`
}

func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	var req storeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	entry := &core.MemoryEntry{
		ID:            req.ID,
		ServiceID:     req.ServiceID,
		AgentID:       req.AgentID,
		Domain:        req.Domain,
		Kind:          core.MemoryKind(req.Kind),
		Payload:       req.Payload,
		Tags:          req.Tags,
		CorrelationID: req.CorrelationID,
		SessionID:     req.SessionID,
		UserID:        req.UserID,
		Importance:    req.Importance,
		ExpiresAt:     req.ExpiresAt,
		Embedding:     req.Embedding,
	}
	stored, err := s.memories.Store(r.Context(), entry)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"entry":     stored,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	entry, err := s.memories.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entry":     entry,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var f core.MemoryFilter
	if err := decode(r, &f); err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.memories.Query(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries":   entries,
		"count":     len(entries),
		"timestamp": time.Now().UTC(),
	})
}

type similarityRequest struct {
	Vector    []float32 `json:"vector"`
	Domain    string    `json:"domain,omitempty"`
	K         int       `json:"k,omitempty"`
	Threshold float64   `json:"threshold,omitempty"`
}

func (s *Server) handleSimilarity(w http.ResponseWriter, r *http.Request) {
	var req similarityRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	matches, err := s.memories.SearchSimilarity(r.Context(), req.Vector, req.Domain, req.K, req.Threshold)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"matches":   matches,
		"count":     len(matches),
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	from, err := queryTime(r, "from", now.AddDate(0, 0, -30))
	if err != nil {
		writeError(w, err)
		return
	}
	to, err := queryTime(r, "to", now)
	if err != nil {
		writeError(w, err)
		return
	}

	agg, err := s.memories.Aggregate(r.Context(), r.URL.Query().Get("service_id"), r.URL.Query().Get("domain"), from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"aggregation": agg,
		"timestamp":   time.Now().UTC(),
	})
}

type relateRequest struct {
	SourceID string `json:"source_id"`
	TargetID string `json:"target_id"`
	Kind     string `json:"kind"`
}

func (s *Server) handleRelate(w http.ResponseWriter, r *http.Request) {
	var req relateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.memories.Relate(r.Context(), req.SourceID, req.TargetID, core.RelationshipKind(req.Kind)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleRelated(w http.ResponseWriter, r *http.Request) {
	depth, err := queryInt(r, "max_depth", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.memories.Related(r.Context(), mux.Vars(r)["id"], core.RelationshipKind(r.URL.Query().Get("kind")), depth)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries":   entries,
		"count":     len(entries),
		"timestamp": time.Now().UTC(),
	})
}

// handleArchive triggers one archive sweep cycle immediately. Admin only.
func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	n, err := s.archiver.SweepArchive(r.Context())
	if err != nil {
		writeError(w, fmt.Errorf("archive sweep failed: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"archived":  n,
		"timestamp": time.Now().UTC(),
	})
}

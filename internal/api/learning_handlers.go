package api

import (
	"net/http"
	"time"

	"github.com/agentfleet/memsync/internal/core"
)

type recordRequest struct {
	ID         string                      `json:"id,omitempty"`
	ServiceID  string                      `json:"service_id"`
	AgentID    string                      `json:"agent_id"`
	Domain     string                      `json:"domain"`
	Kind       string                      `json:"kind"`
	Input      map[string]interface{}      `json:"input"`
	Context    map[string]interface{}      `json:"context,omitempty"`
	Output     core.LearningOutput         `json:"output"`
	Feedback   *core.LearningFeedbackBlock `json:"feedback,omitempty"`
	Impact     core.LearningImpact         `json:"impact"`
	Cost       *core.LearningCost          `json:"cost,omitempty"`
	Importance float64                     `json:"importance,omitempty"`
	ParentID   string                      `json:"parent_id,omitempty"`
}

func (req *recordRequest) toEvent() *core.LearningEvent {
	return &core.LearningEvent{
		ID:         req.ID,
		ServiceID:  req.ServiceID,
		AgentID:    req.AgentID,
		Domain:     req.Domain,
		Kind:       core.LearningKind(req.Kind),
		Input:      req.Input,
		Context:    req.Context,
		Output:     req.Output,
		Feedback:   req.Feedback,
		Impact:     req.Impact,
		Cost:       req.Cost,
		Importance: req.Importance,
		ParentID:   req.ParentID,
	}
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	var req recordRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ev, err := s.ledger.Record(r.Context(), req.toEvent())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"event":     ev,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	var f core.EventFilter
	if err := decode(r, &f); err != nil {
		writeError(w, err)
		return
	}
	events, err := s.ledger.History(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events":    events,
		"count":     len(events),
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handlePatterns(w http.ResponseWriter, r *http.Request) {
	minFrequency, err := queryInt(r, "min_frequency", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	patterns, err := s.ledger.Patterns(r.Context(), r.URL.Query().Get("domain"), int64(minFrequency))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"patterns":  patterns,
		"count":     len(patterns),
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	from, err := queryTime(r, "from", now.AddDate(0, 0, -7))
	if err != nil {
		writeError(w, err)
		return
	}
	to, err := queryTime(r, "to", now)
	if err != nil {
		writeError(w, err)
		return
	}

	m, err := s.ledger.Metrics(r.Context(), r.URL.Query().Get("domain"), from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"metrics":   m,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleTrends(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	from, err := queryTime(r, "from", now.AddDate(0, 0, -28))
	if err != nil {
		writeError(w, err)
		return
	}
	to, err := queryTime(r, "to", now)
	if err != nil {
		writeError(w, err)
		return
	}
	buckets, err := queryInt(r, "buckets", 7)
	if err != nil {
		writeError(w, err)
		return
	}
	periods, err := queryInt(r, "periods", 3)
	if err != nil {
		writeError(w, err)
		return
	}

	report, err := s.ledger.Trends(r.Context(), r.URL.Query().Get("domain"), from, to, buckets, periods)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"report":    report,
		"timestamp": time.Now().UTC(),
	})
}

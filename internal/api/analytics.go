package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/agentfleet/memsync/internal/core"
)

// analyticsQueryRequest selects one of the three query modes. Realtime reads
// the in-memory fold, historical the ledger rollup, predictive the trend
// regression.
type analyticsQueryRequest struct {
	Type    string     `json:"type"`
	Domain  string     `json:"domain"`
	From    *time.Time `json:"from,omitempty"`
	To      *time.Time `json:"to,omitempty"`
	Buckets int        `json:"buckets,omitempty"`
	Periods int        `json:"periods,omitempty"`
}

func (s *Server) handleAnalyticsQuery(w http.ResponseWriter, r *http.Request) {
	var req analyticsQueryRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	now := time.Now().UTC()
	from, to := now.AddDate(0, 0, -30), now
	if req.From != nil {
		from = *req.From
	}
	if req.To != nil {
		to = *req.To
	}

	var result interface{}
	switch req.Type {
	case "realtime":
		rate, latency := s.insights.Snapshot(req.Domain)
		result = map[string]interface{}{
			"domain":         req.Domain,
			"events_per_sec": rate,
			"ema_latency_ms": latency,
		}
	case "historical":
		m, err := s.ledger.Metrics(r.Context(), req.Domain, from, to)
		if err != nil {
			writeError(w, err)
			return
		}
		result = m
	case "predictive":
		report, err := s.ledger.Trends(r.Context(), req.Domain, from, to, req.Buckets, req.Periods)
		if err != nil {
			writeError(w, err)
			return
		}
		result = report
	default:
		writeError(w, fmt.Errorf("%w: query type must be realtime, historical or predictive", core.ErrInvalidInput))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"type":      req.Type,
		"result":    result,
		"timestamp": time.Now().UTC(),
	})
}

// handleAnalyticsMetrics returns the 30 day rollup for one domain together
// with the realtime snapshot.
func (s *Server) handleAnalyticsMetrics(w http.ResponseWriter, r *http.Request) {
	domain := mux.Vars(r)["domain"]
	now := time.Now().UTC()

	m, err := s.ledger.Metrics(r.Context(), domain, now.AddDate(0, 0, -30), now)
	if err != nil {
		writeError(w, err)
		return
	}
	rate, latency := s.insights.Snapshot(domain)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"domain":         domain,
		"metrics":        m,
		"events_per_sec": rate,
		"ema_latency_ms": latency,
		"timestamp":      time.Now().UTC(),
	})
}

// handleDashboard assembles the per-domain overview: realtime snapshot,
// weekly rollup and the latest insights.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	domains, err := s.insights.Domains(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	now := time.Now().UTC()
	from := now.AddDate(0, 0, -7)
	overview := make([]map[string]interface{}, 0, len(domains))
	for _, domain := range domains {
		m, err := s.ledger.Metrics(r.Context(), domain, from, now)
		if err != nil {
			writeError(w, err)
			return
		}
		rate, latency := s.insights.Snapshot(domain)
		overview = append(overview, map[string]interface{}{
			"domain":         domain,
			"metrics":        m,
			"events_per_sec": rate,
			"ema_latency_ms": latency,
		})
	}

	insights, err := s.insights.Recent(r.Context(), "", 10)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"domains":   overview,
		"insights":  insights,
		"timestamp": time.Now().UTC(),
	})
}

// handleReport builds a summary or detailed report for one domain. Detailed
// adds patterns, the trend regression and recent insights on top of the
// rollup.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	kind, domain := vars["kind"], vars["domain"]
	if kind != "summary" && kind != "detailed" {
		writeError(w, fmt.Errorf("%w: report kind must be summary or detailed", core.ErrInvalidInput))
		return
	}

	now := time.Now().UTC()
	from := now.AddDate(0, 0, -30)
	m, err := s.ledger.Metrics(r.Context(), domain, from, now)
	if err != nil {
		writeError(w, err)
		return
	}

	report := map[string]interface{}{
		"kind":      kind,
		"domain":    domain,
		"from":      from,
		"to":        now,
		"metrics":   m,
		"timestamp": time.Now().UTC(),
	}
	if kind == "detailed" {
		patterns, err := s.ledger.Patterns(r.Context(), domain, 0)
		if err != nil {
			writeError(w, err)
			return
		}
		trend, err := s.ledger.Trends(r.Context(), domain, from, now, 0, 0)
		if err != nil {
			writeError(w, err)
			return
		}
		insights, err := s.insights.Recent(r.Context(), domain, 20)
		if err != nil {
			writeError(w, err)
			return
		}
		report["patterns"] = patterns
		report["trend"] = trend
		report["insights"] = insights
	}
	writeJSON(w, http.StatusOK, report)
}

// trackEventRequest is an ad-hoc business event. It lands in the ledger as
// an adaptation so the analytics pipeline sees it without a dedicated store.
type trackEventRequest struct {
	Name       string                 `json:"name"`
	ServiceID  string                 `json:"service_id"`
	AgentID    string                 `json:"agent_id,omitempty"`
	Domain     string                 `json:"domain"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

func (s *Server) handleTrackEvent(w http.ResponseWriter, r *http.Request) {
	var req trackEventRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, fmt.Errorf("%w: event name is required", core.ErrInvalidInput))
		return
	}

	agentID := req.AgentID
	if agentID == "" {
		agentID = "analytics"
	}
	ev, err := s.ledger.Record(r.Context(), &core.LearningEvent{
		ServiceID: req.ServiceID,
		AgentID:   agentID,
		Domain:    req.Domain,
		Kind:      core.LearningAdaptation,
		Input:     req.Properties,
		Context:   map[string]interface{}{"event_name": req.Name},
		Output:    core.LearningOutput{Confidence: 1},
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"event_id":  ev.ID,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleInsights(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		writeError(w, err)
		return
	}
	insights, err := s.insights.Recent(r.Context(), r.URL.Query().Get("domain"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"insights":  insights,
		"count":     len(insights),
		"timestamp": time.Now().UTC(),
	})
}

const (
	// exportPage is the ledger page size the export reads with; it must not
	// exceed the warm tier's per-query cap or pages come back short.
	exportPage = 1000

	// exportMaxEvents bounds one export download.
	exportMaxEvents = 10000
)

// handleExport bundles events, patterns and the rollup for offline analysis.
// History is paged so exports beyond a single query page stay complete, up
// to the export cap. Served as a JSON attachment, gated to admin and analyst.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
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
	domain := r.URL.Query().Get("domain")

	var events []core.LearningEvent
	for offset := 0; offset < exportMaxEvents; offset += exportPage {
		page, err := s.ledger.History(r.Context(), core.EventFilter{
			Domain: domain,
			From:   &from,
			To:     &to,
			Limit:  exportPage,
			Offset: offset,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		events = append(events, page...)
		if len(page) < exportPage {
			break
		}
	}
	patterns, err := s.ledger.Patterns(r.Context(), domain, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	m, err := s.ledger.Metrics(r.Context(), domain, from, to)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("learning-export-%s.json", now.Format("2006-01-02"))))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"domain":    domain,
		"from":      from,
		"to":        to,
		"events":    events,
		"patterns":  patterns,
		"metrics":   m,
		"timestamp": time.Now().UTC(),
	})
}

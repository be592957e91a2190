package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// LearningKind classifies a learning event.
type LearningKind string

const (
	LearningTraining      LearningKind = "training"
	LearningFeedback      LearningKind = "feedback"
	LearningCorrection    LearningKind = "correction"
	LearningReinforcement LearningKind = "reinforcement"
	LearningAdaptation    LearningKind = "adaptation"
)

// ValidLearningKind reports whether k is a known learning kind.
func ValidLearningKind(k LearningKind) bool {
	switch k {
	case LearningTraining, LearningFeedback, LearningCorrection, LearningReinforcement, LearningAdaptation:
		return true
	}
	return false
}

// LearningOutput is the output snapshot of a learning step.
type LearningOutput struct {
	Prediction   interface{}   `json:"prediction,omitempty"`
	Confidence   float64       `json:"confidence"`
	Alternatives []interface{} `json:"alternatives,omitempty"`
}

// LearningFeedbackBlock carries optional human or downstream feedback.
type LearningFeedbackBlock struct {
	Rating         float64     `json:"rating"`
	Correct        *bool       `json:"correct,omitempty"`
	CorrectedValue interface{} `json:"corrected_value,omitempty"`
	Explanation    string      `json:"explanation,omitempty"`
}

// LearningImpact records the effect of the event on models. PerformanceDelta
// is signed; positive means improvement.
type LearningImpact struct {
	ModelUpdated     bool     `json:"model_updated"`
	PerformanceDelta float64  `json:"performance_delta"`
	AffectedModels   []string `json:"affected_models,omitempty"`
}

// LearningCost carries optional cost and latency metrics for the step.
type LearningCost struct {
	USD       float64 `json:"usd,omitempty"`
	LatencyMS int64   `json:"latency_ms,omitempty"`
	Tokens    int64   `json:"tokens,omitempty"`
}

// LearningEvent is an immutable record of an agent learning step.
// Corrections are new events referencing ParentID, never updates.
type LearningEvent struct {
	ID        string       `json:"id" db:"id"`
	ServiceID string       `json:"service_id" db:"service_id"`
	AgentID   string       `json:"agent_id" db:"agent_id"`
	Domain    string       `json:"domain" db:"domain"`
	Kind      LearningKind `json:"kind" db:"kind"`

	Input   map[string]interface{} `json:"input"`
	Context map[string]interface{} `json:"context,omitempty"`
	Output  LearningOutput         `json:"output"`

	Feedback *LearningFeedbackBlock `json:"feedback,omitempty"`
	Impact   LearningImpact         `json:"impact"`
	Cost     *LearningCost          `json:"cost,omitempty"`

	Importance float64   `json:"importance" db:"importance"`
	Timestamp  time.Time `json:"timestamp" db:"ts"`
	ParentID   string    `json:"parent_id,omitempty" db:"parent_id"`
}

// Validate checks scope and value constraints before append.
func (ev *LearningEvent) Validate() error {
	if ev.ServiceID == "" || ev.AgentID == "" || ev.Domain == "" {
		return fmt.Errorf("%w: service_id, agent_id and domain are required", ErrInvalidInput)
	}
	if !ValidLearningKind(ev.Kind) {
		return fmt.Errorf("%w: unknown learning kind %q", ErrInvalidInput, ev.Kind)
	}
	if ev.Importance < 0 || ev.Importance > 10 {
		return fmt.Errorf("%w: importance %.2f outside [0,10]", ErrInvalidInput, ev.Importance)
	}
	return nil
}

// Signature derives the deterministic pattern signature for the event:
// kind plus the sorted key names of the input snapshot and context.
func (ev *LearningEvent) Signature() string {
	keys := make([]string, 0, len(ev.Input)+len(ev.Context))
	for k := range ev.Input {
		keys = append(keys, "in:"+k)
	}
	for k := range ev.Context {
		keys = append(keys, "ctx:"+k)
	}
	sort.Strings(keys)

	h := sha256.Sum256([]byte(string(ev.Kind) + "|" + strings.Join(keys, ",")))
	return hex.EncodeToString(h[:8])
}

// EventFilter selects learning events on the history path.
type EventFilter struct {
	ServiceID     string       `json:"service_id,omitempty"`
	AgentID       string       `json:"agent_id,omitempty"`
	Domain        string       `json:"domain,omitempty"`
	Kind          LearningKind `json:"kind,omitempty"`
	From          *time.Time   `json:"from,omitempty"`
	To            *time.Time   `json:"to,omitempty"`
	MinImportance float64      `json:"min_importance,omitempty"`
	Limit         int          `json:"limit,omitempty"`
	Offset        int          `json:"offset,omitempty"`
}

// LearningPattern is the derived aggregate keyed by (domain, signature).
type LearningPattern struct {
	Domain          string    `json:"domain" db:"domain"`
	Signature       string    `json:"signature" db:"signature"`
	Frequency       int64     `json:"frequency" db:"frequency"`
	FirstSeen       time.Time `json:"first_seen" db:"first_seen"`
	LastSeen        time.Time `json:"last_seen" db:"last_seen"`
	SuccessRate     float64   `json:"success_rate" db:"success_rate"`
	AvgConfidence   float64   `json:"avg_confidence" db:"avg_confidence"`
	FeedbackScore   float64   `json:"feedback_score" db:"feedback_score"`
	SampleEventIDs  []string  `json:"sample_event_ids,omitempty"`
	Recommendations []string  `json:"recommendations,omitempty"`
}

// CompositeScore ranks a pattern: 0.5*success + 0.3*avg_confidence +
// 0.2*feedback_score, clamped to [0,1].
func (p *LearningPattern) CompositeScore() float64 {
	s := 0.5*clamp01(p.SuccessRate) + 0.3*clamp01(p.AvgConfidence) + 0.2*clamp01(p.FeedbackScore)
	return clamp01(s)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// LearningMetrics is the per-domain rollup returned by the ledger.
type LearningMetrics struct {
	Domain                 string                 `json:"domain"`
	WindowStart            time.Time              `json:"window_start"`
	WindowEnd              time.Time              `json:"window_end"`
	TotalEvents            int64                  `json:"total_events"`
	ByKind                 map[LearningKind]int64 `json:"by_kind"`
	EventsPerDay           float64                `json:"events_per_day"`
	AdaptationRate         float64                `json:"adaptation_rate"`
	FeedbackRate           float64                `json:"feedback_rate"`
	PerformanceImprovement float64                `json:"performance_improvement"`
	TopPatterns            []LearningPattern      `json:"top_patterns,omitempty"`
	TotalCostUSD           float64                `json:"total_cost_usd"`
	AvgLatencyMS           float64                `json:"avg_latency_ms"`
}

// TrendDirection classifies a learning trend.
type TrendDirection string

const (
	TrendImproving TrendDirection = "improving"
	TrendStable    TrendDirection = "stable"
	TrendDeclining TrendDirection = "declining"
)

// TrendReport carries the regression result, the observed series, the
// forecast, and human-readable insights.
type TrendReport struct {
	Domain   string         `json:"domain"`
	Trend    TrendDirection `json:"trend"`
	Slope    float64        `json:"slope"`
	Series   []float64      `json:"series"`
	Forecast []float64      `json:"forecast"`
	Insights []string       `json:"insights,omitempty"`
}

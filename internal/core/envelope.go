package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// PayloadKind identifies what an envelope carries.
type PayloadKind string

const (
	PayloadMemory        PayloadKind = "memory"
	PayloadLearning      PayloadKind = "learning"
	PayloadModel         PayloadKind = "model"
	PayloadConfiguration PayloadKind = "configuration"
)

// SyncAction is the replication verb of an envelope.
type SyncAction string

const (
	ActionCreate      SyncAction = "create"
	ActionUpdate      SyncAction = "update"
	ActionDelete      SyncAction = "delete"
	ActionSyncRequest SyncAction = "sync_request"
	ActionAck         SyncAction = "ack"
	ActionError       SyncAction = "error"
)

// Envelope is the unit of cross-service replication. Processing the same
// envelope id twice must be a no-op at the receiver.
type Envelope struct {
	ID            string          `json:"id"`
	Type          PayloadKind     `json:"type"`
	Action        SyncAction      `json:"action"`
	Source        string          `json:"source"`
	Target        string          `json:"target,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// Validate checks the fields every inbound envelope must carry.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: envelope id is required", ErrInvalidInput)
	}
	if e.Source == "" {
		return fmt.Errorf("%w: envelope source is required", ErrInvalidInput)
	}
	switch e.Type {
	case PayloadMemory, PayloadLearning, PayloadModel, PayloadConfiguration:
	default:
		return fmt.Errorf("%w: unknown envelope type %q", ErrInvalidInput, e.Type)
	}
	switch e.Action {
	case ActionCreate, ActionUpdate, ActionDelete, ActionSyncRequest, ActionAck, ActionError:
	default:
		return fmt.Errorf("%w: unknown envelope action %q", ErrInvalidInput, e.Action)
	}
	return nil
}

// SyncRequestData is the payload of a sync_request envelope: the requester
// wants history since the given instant for the listed domains.
type SyncRequestData struct {
	Since   time.Time `json:"since"`
	Domains []string  `json:"domains,omitempty"`
}

// ErrorData is the payload of an error envelope.
type ErrorData struct {
	Reason string `json:"reason"`
	RefID  string `json:"ref_id,omitempty"`
}

// PeerState is the connection state of a remote peer.
type PeerState string

const (
	PeerDisconnected PeerState = "disconnected"
	PeerConnecting   PeerState = "connecting"
	PeerConnected    PeerState = "connected"
	PeerError        PeerState = "error"
)

// Peer describes a known remote service and what it accepts.
type Peer struct {
	ID            string        `json:"id"`
	Endpoint      string        `json:"endpoint"`
	Domains       []string      `json:"domains"`
	AcceptedKinds []PayloadKind `json:"accepted_kinds"`
	State         PeerState     `json:"state"`
	LastSeen      time.Time     `json:"last_seen,omitempty"`
}

// Accepts reports whether the peer wants envelopes of the given kind for
// the given domain. Empty domain/kind lists mean "accept all".
func (p *Peer) Accepts(domain string, kind PayloadKind) bool {
	if len(p.AcceptedKinds) > 0 {
		found := false
		for _, k := range p.AcceptedKinds {
			if k == kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(p.Domains) == 0 {
		return true
	}
	for _, d := range p.Domains {
		if d == domain {
			return true
		}
	}
	return false
}

// InsightType classifies a generated insight.
type InsightType string

const (
	InsightAnomaly     InsightType = "anomaly"
	InsightTrend       InsightType = "trend"
	InsightOpportunity InsightType = "opportunity"
	InsightRisk        InsightType = "risk"
)

// Insight is a persisted finding produced by a rule over recent aggregates.
type Insight struct {
	ID              string             `json:"id" db:"id"`
	Domain          string             `json:"domain" db:"domain"`
	Type            InsightType        `json:"type" db:"type"`
	Severity        string             `json:"severity" db:"severity"`
	Title           string             `json:"title" db:"title"`
	Description     string             `json:"description" db:"description"`
	Metrics         map[string]float64 `json:"metrics,omitempty"`
	Recommendations []string           `json:"recommendations,omitempty"`
	CreatedAt       time.Time          `json:"created_at" db:"created_at"`
}

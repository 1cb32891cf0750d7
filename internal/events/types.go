// Package events provides event types and utilities for the villaged event system.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/ai-village/villaged/internal/events/bus"
)

// Runner event kinds emitted by the execution plane.
const (
	SessionStarted         = "SESSION_STARTED"
	SessionStateChanged    = "SESSION_STATE_CHANGED"
	TerminalChunk          = "TERMINAL_CHUNK"
	FileTouched            = "FILE_TOUCHED"
	DiffSummary            = "DIFF_SUMMARY"
	ApprovalRequested      = "APPROVAL_REQUESTED"
	ApprovalResolved       = "APPROVAL_RESOLVED"
	UsageTick              = "USAGE_TICK"
	SessionEnded           = "SESSION_ENDED"
	ProviderEventForwarded = "PROVIDER_EVENT_FORWARDED"
)

// Fleet event kinds emitted by the control plane runner handler.
const (
	RunnerRegistered = "runner_registered"
	RunnerOnline     = "runner_online"
	RunnerOffline    = "runner_offline"
	RunnerDraining   = "runner_draining"
	RunnerRemoved    = "runner_removed"
	VersionReported  = "version_reported"
)

// RunnerEvent is the single event type exchanged between the planes.
// Seq is monotone per session, assigned inside the session lane.
type RunnerEvent struct {
	Type      string                 `json:"type"`
	SessionID string                 `json:"session_id"`
	AgentID   string                 `json:"agent_id,omitempty"`
	VillageID string                 `json:"village_id,omitempty"`
	OrgID     string                 `json:"org_id"`
	RepoRef   string                 `json:"repo_ref"`
	Ts        int64                  `json:"ts"`  // ms epoch
	Seq       int64                  `json:"seq"` // per-session monotone, starts at 1
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// RunnerEventSubject is the bus subject a runner publishes session events on.
func RunnerEventSubject(sessionID string) string {
	return "runner.events." + sessionID
}

// RunnerEventWildcard subscribes to session events from every runner.
func RunnerEventWildcard() string {
	return "runner.events.>"
}

// AgentSubject is the fan-out subject for a single agent.
func AgentSubject(agentID string) string {
	return "agent." + agentID
}

// SessionSubject is the fan-out subject for a single session.
func SessionSubject(sessionID string) string {
	return "session." + sessionID
}

// VillageSubject is the fan-out subject for a village.
func VillageSubject(villageID string) string {
	return "village." + villageID
}

// FleetSubject is the subject fleet membership events publish on.
func FleetSubject(eventType string) string {
	return "fleet." + eventType
}

// ToBusEvent wraps the runner event in a bus envelope.
func (e *RunnerEvent) ToBusEvent(source string) (*bus.Event, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal runner event: %w", err)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("unmarshal runner event: %w", err)
	}
	return bus.NewEvent(e.Type, source, data), nil
}

// RunnerEventFromBus extracts a RunnerEvent from a bus envelope.
func RunnerEventFromBus(event *bus.Event) (*RunnerEvent, error) {
	raw, err := json.Marshal(event.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal bus event data: %w", err)
	}
	var re RunnerEvent
	if err := json.Unmarshal(raw, &re); err != nil {
		return nil, fmt.Errorf("unmarshal runner event: %w", err)
	}
	if re.SessionID == "" {
		return nil, fmt.Errorf("bus event %s carries no session_id", event.ID)
	}
	return &re, nil
}

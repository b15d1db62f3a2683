// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind discriminates the payload carried by an Event.
type EventKind string

const (
	EventAgentStarted  EventKind = "agent_started"
	EventToolCalled    EventKind = "tool_called"
	EventToolOutput    EventKind = "tool_output"
	EventAgentMessage  EventKind = "agent_message"
	EventTurnCompleted EventKind = "turn_completed"
	EventTurnFailed    EventKind = "turn_failed"
)

// Role identifies which actor produced an event.
type Role string

const (
	RoleUser      Role = "user"
	RoleGenerator Role = "generator"
	RoleEvaluator Role = "evaluator"
	RoleSystem    Role = "system"
)

// Event is one immutable record in a session's ordered event log.
//
// Sequence numbers are assigned by the event bus at publish time and are
// strictly increasing and gapless within a session. Replaying the log must
// reproduce the exact original order, so nothing here is ever mutated after
// publish.
type Event struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Sequence  uint64          `json:"sequence"`
	Kind      EventKind       `json:"kind"`
	Role      Role            `json:"role"`
	TurnID    string          `json:"turn_id,omitempty"`
	Iteration int             `json:"iteration,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// AgentStartedPayload announces a generator or evaluator invocation.
type AgentStartedPayload struct {
	Agent string `json:"agent"`
}

// ToolCalledPayload records a patch-proposal tool invocation verbatim.
type ToolCalledPayload struct {
	Name        string `json:"name"`
	Patch       string `json:"patch"`
	Description string `json:"description,omitempty"`
}

// ToolOutputPayload carries either an evaluation verdict or a validation
// error. ValidationError holds the patch engine's message verbatim; the
// feedback loop depends on the exact text.
type ToolOutputPayload struct {
	Approved        *bool  `json:"approved,omitempty"`
	Reasoning       string `json:"reasoning,omitempty"`
	CommitMessage   string `json:"commit_message,omitempty"`
	ValidationError string `json:"validation_error,omitempty"`
}

// AgentMessagePayload is a plain-text message from any role.
type AgentMessagePayload struct {
	Content string `json:"content"`
}

// TurnCompletedPayload terminates a successful turn. DiffID is empty for
// text-only turns that produced no proposed change.
type TurnCompletedPayload struct {
	DiffID  string `json:"diff_id,omitempty"`
	Content string `json:"content,omitempty"`
}

// TurnFailedPayload terminates a failed or cancelled turn.
type TurnFailedPayload struct {
	Reason    string `json:"reason"`
	Reasoning string `json:"reasoning,omitempty"`
}

// MarshalPayload encodes a typed payload for storage on an Event.
func MarshalPayload(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return b, nil
}

// DecodePayload decodes an Event payload into the given typed struct.
func DecodePayload[T any](ev Event) (T, error) {
	var out T
	if len(ev.Payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(ev.Payload, &out); err != nil {
		return out, fmt.Errorf("decode %s payload: %w", ev.Kind, err)
	}
	return out, nil
}

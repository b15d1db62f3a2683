// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine runs the generate/validate/evaluate turn loop.
//
// The loop talks to two capabilities: a generator, which streams its work
// and may propose a patch through the submit_patch tool, and an evaluator,
// which returns a verdict on a validated patch. Capabilities are plain
// interfaces so the loop is testable with scripted implementations and
// deployable against OpenAI without code changes.
package engine

import (
	"context"

	"github.com/vibegraph/vibegrapher/services/vibegraph/datatypes"
)

// StreamEventKind discriminates generator stream events.
type StreamEventKind string

const (
	// StreamAgentStarted opens every generator stream.
	StreamAgentStarted StreamEventKind = "agent_started"

	// StreamMessage is free-form generator text. A turn whose stream
	// carries messages but no tool call is a text-only turn.
	StreamMessage StreamEventKind = "message"

	// StreamToolCall is a submit_patch invocation carrying the proposed
	// unified diff.
	StreamToolCall StreamEventKind = "tool_call"
)

// StreamEvent is one element of a generator stream.
type StreamEvent struct {
	Kind StreamEventKind

	// Content is set for message events.
	Content string

	// Patch and Description are set for tool_call events.
	Patch       string
	Description string
}

// GenerationStream yields generator events in order. Recv returns io.EOF
// when the generator is done; any other error aborts the iteration.
type GenerationStream interface {
	Recv() (StreamEvent, error)
	Close() error
}

// GenerationRequest is everything the generator sees for one iteration.
type GenerationRequest struct {
	SessionID string
	TurnID    string

	// Prompt is the human's instruction for the turn.
	Prompt string

	// CurrentCode is the artifact text at the turn's base revision.
	CurrentCode string

	// BaseRevision pins the code the patch must be computed against.
	BaseRevision datatypes.Revision

	// Feedback carries the previous iteration's rejection: either a
	// validation error verbatim or the evaluator's reasoning. Empty on
	// the first iteration.
	Feedback string

	// Iteration is 1-based within the turn.
	Iteration int
}

// GenerationCapability produces candidate changes.
type GenerationCapability interface {
	Generate(ctx context.Context, req GenerationRequest) (GenerationStream, error)
}

// EvaluationRequest is everything the evaluator sees for one verdict.
type EvaluationRequest struct {
	SessionID string
	TurnID    string

	// Intent is the human's original instruction.
	Intent string

	OriginalCode string
	PatchedCode  string
	Patch        string
	Description  string
}

// Evaluation is the evaluator's verdict on a validated patch.
type Evaluation struct {
	Approved      bool   `json:"approved"`
	Reasoning     string `json:"reasoning"`
	CommitMessage string `json:"commit_message"`
}

// EvaluationCapability judges candidate changes.
type EvaluationCapability interface {
	Evaluate(ctx context.Context, req EvaluationRequest) (*Evaluation, error)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Script is one canned generator response: the stream a single Generate
// call will replay. StreamAgentStarted is implied and must not be listed.
type Script struct {
	Events []StreamEvent

	// Err, if non-nil, makes the stream fail with this error after
	// replaying Events. Used to exercise capability-failure handling.
	Err error
}

// PatchScript builds a script that proposes one patch.
func PatchScript(patch, description string) Script {
	return Script{Events: []StreamEvent{
		{Kind: StreamToolCall, Patch: patch, Description: description},
	}}
}

// MessageScript builds a text-only script.
func MessageScript(content string) Script {
	return Script{Events: []StreamEvent{
		{Kind: StreamMessage, Content: content},
	}}
}

// ScriptedGenerator replays scripts in order, one per Generate call.
// Deterministic stand-in for the LLM generator in tests and offline runs.
//
// Thread Safety: safe for concurrent use; calls pop scripts under a mutex.
type ScriptedGenerator struct {
	mu      sync.Mutex
	scripts []Script
	calls   []GenerationRequest
}

var _ GenerationCapability = (*ScriptedGenerator)(nil)

// NewScriptedGenerator creates a generator that replays the given scripts.
func NewScriptedGenerator(scripts ...Script) *ScriptedGenerator {
	return &ScriptedGenerator{scripts: scripts}
}

// Generate pops the next script and returns a stream over it.
func (g *ScriptedGenerator) Generate(_ context.Context, req GenerationRequest) (GenerationStream, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, req)
	if len(g.scripts) == 0 {
		return nil, fmt.Errorf("generate call %d: %w", len(g.calls), ErrNoScript)
	}
	script := g.scripts[0]
	g.scripts = g.scripts[1:]

	events := make([]StreamEvent, 0, len(script.Events)+1)
	events = append(events, StreamEvent{Kind: StreamAgentStarted})
	events = append(events, script.Events...)
	return &scriptedStream{events: events, err: script.Err}, nil
}

// Calls returns every GenerationRequest seen, in order. Tests use this to
// assert what feedback reached each iteration.
func (g *ScriptedGenerator) Calls() []GenerationRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]GenerationRequest, len(g.calls))
	copy(out, g.calls)
	return out
}

type scriptedStream struct {
	events []StreamEvent
	err    error
	pos    int
}

func (s *scriptedStream) Recv() (StreamEvent, error) {
	if s.pos >= len(s.events) {
		if s.err != nil {
			return StreamEvent{}, s.err
		}
		return StreamEvent{}, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

func (s *scriptedStream) Close() error { return nil }

// ScriptedEvaluator replays verdicts in order, one per Evaluate call.
//
// Thread Safety: safe for concurrent use.
type ScriptedEvaluator struct {
	mu       sync.Mutex
	verdicts []Evaluation
	errs     []error
	calls    []EvaluationRequest
}

var _ EvaluationCapability = (*ScriptedEvaluator)(nil)

// NewScriptedEvaluator creates an evaluator that replays the given
// verdicts.
func NewScriptedEvaluator(verdicts ...Evaluation) *ScriptedEvaluator {
	return &ScriptedEvaluator{verdicts: verdicts}
}

// Approve is shorthand for an approving verdict.
func Approve(reasoning, commitMessage string) Evaluation {
	return Evaluation{Approved: true, Reasoning: reasoning, CommitMessage: commitMessage}
}

// Reject is shorthand for a rejecting verdict.
func Reject(reasoning string) Evaluation {
	return Evaluation{Approved: false, Reasoning: reasoning}
}

// FailNext queues an error to be returned instead of the next verdict.
func (e *ScriptedEvaluator) FailNext(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errs = append(e.errs, err)
}

// Evaluate pops the next queued error or verdict.
func (e *ScriptedEvaluator) Evaluate(_ context.Context, req EvaluationRequest) (*Evaluation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, req)
	if len(e.errs) > 0 {
		err := e.errs[0]
		e.errs = e.errs[1:]
		return nil, err
	}
	if len(e.verdicts) == 0 {
		return nil, fmt.Errorf("evaluate call %d: %w", len(e.calls), ErrNoScript)
	}
	v := e.verdicts[0]
	e.verdicts = e.verdicts[1:]
	return &v, nil
}

// Calls returns every EvaluationRequest seen, in order.
func (e *ScriptedEvaluator) Calls() []EvaluationRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]EvaluationRequest, len(e.calls))
	copy(out, e.calls)
	return out
}

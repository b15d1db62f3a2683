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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibegraph/vibegrapher/services/vibegraph/datatypes"
	"github.com/vibegraph/vibegrapher/services/vibegraph/eventbus"
	"github.com/vibegraph/vibegrapher/services/vibegraph/patch"
	"github.com/vibegraph/vibegrapher/services/vibegraph/review"
	"github.com/vibegraph/vibegrapher/services/vibegraph/snapshot"
	"github.com/vibegraph/vibegrapher/services/vibegraph/storage/badgerstore"
)

const baseCode = `def greet(name):
    return "hello " + name
`

const goodPatch = `@@ -1,2 +1,2 @@
 def greet(name):
-    return "hello " + name
+    return "hi " + name
`

// badContextPatch references context that does not exist in baseCode.
const badContextPatch = `@@ -1,2 +1,2 @@
 def greet(name):
-    return "bonjour " + name
+    return "hi " + name
`

type orchFixture struct {
	orch    *Orchestrator
	bus     *eventbus.Bus
	store   *snapshot.Store
	machine *review.Machine
	gen     *ScriptedGenerator
	eval    *ScriptedEvaluator
	baseRev datatypes.Revision
}

func newOrchFixture(t *testing.T, gen *ScriptedGenerator, eval *ScriptedEvaluator) *orchFixture {
	t.Helper()
	db, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := snapshot.NewStore(db)
	rev, err := store.Seed(context.Background(), "art-1", baseCode, "")
	require.NoError(t, err)

	bus := eventbus.NewBus(db, nil)
	t.Cleanup(bus.Close)
	machine := review.NewMachine(db, store, nil)
	patcher := patch.NewEngine(patch.WithLanguage(patch.LangPython))

	return &orchFixture{
		orch:    NewOrchestrator(Config{}, bus, store, machine, patcher, gen, eval),
		bus:     bus,
		store:   store,
		machine: machine,
		gen:     gen,
		eval:    eval,
		baseRev: rev,
	}
}

func (f *orchFixture) events(t *testing.T) []datatypes.Event {
	t.Helper()
	events, err := f.bus.Events(context.Background(), "sess-1", 1, 0)
	require.NoError(t, err)
	return events
}

func kinds(events []datatypes.Event) []datatypes.EventKind {
	out := make([]datatypes.EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

// TestHappyPathPublishesExactlyFourEvents verifies a first-iteration
// approval produces agent_started, tool_called, tool_output and
// turn_completed, in that order and nothing else.
func TestHappyPathPublishesExactlyFourEvents(t *testing.T) {
	gen := NewScriptedGenerator(PatchScript(goodPatch, "use hi"))
	eval := NewScriptedEvaluator(Approve("matches the intent", "shorten the greeting"))
	f := newOrchFixture(t, gen, eval)

	result, err := f.orch.RunTurn(context.Background(), "sess-1", "art-1", "turn-1", "make it say hi")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 1, result.Iterations)
	require.NotEmpty(t, result.DiffID)

	events := f.events(t)
	require.Equal(t, []datatypes.EventKind{
		datatypes.EventAgentStarted,
		datatypes.EventToolCalled,
		datatypes.EventToolOutput,
		datatypes.EventTurnCompleted,
	}, kinds(events))

	called, err := datatypes.DecodePayload[datatypes.ToolCalledPayload](events[1])
	require.NoError(t, err)
	assert.Equal(t, "submit_patch", called.Name)
	assert.Equal(t, goodPatch, called.Patch)

	verdict, err := datatypes.DecodePayload[datatypes.ToolOutputPayload](events[2])
	require.NoError(t, err)
	require.NotNil(t, verdict.Approved)
	assert.True(t, *verdict.Approved)
	assert.Equal(t, "matches the intent", verdict.Reasoning)

	completed, err := datatypes.DecodePayload[datatypes.TurnCompletedPayload](events[3])
	require.NoError(t, err)
	assert.Equal(t, result.DiffID, completed.DiffID)

	d, err := f.machine.Get(context.Background(), result.DiffID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.DiffEvaluatorApproved, d.Status)
	assert.Equal(t, f.baseRev, d.BaseRevision)
	assert.Contains(t, d.PatchedContent, `return "hi " + name`)

	// The stored diff is a canonical rendering that applies back cleanly.
	require.NotEmpty(t, d.DiffContent)
	reapplied, err := patch.NewEngine().Apply(baseCode, d.DiffContent)
	require.NoError(t, err)
	assert.Equal(t, d.PatchedContent, reapplied)
}

// TestValidationErrorFedBackVerbatim verifies a failed apply publishes the
// engine's message as tool_output and hands the identical text to the next
// generator call, without consulting the evaluator or recording a diff.
func TestValidationErrorFedBackVerbatim(t *testing.T) {
	gen := NewScriptedGenerator(
		PatchScript(badContextPatch, "first try"),
		PatchScript(goodPatch, "second try"),
	)
	eval := NewScriptedEvaluator(Approve("good now", "shorten the greeting"))
	f := newOrchFixture(t, gen, eval)

	result, err := f.orch.RunTurn(context.Background(), "sess-1", "art-1", "turn-1", "make it say hi")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 2, result.Iterations)

	events := f.events(t)
	require.Equal(t, []datatypes.EventKind{
		datatypes.EventAgentStarted,
		datatypes.EventToolCalled,
		datatypes.EventToolOutput,
		datatypes.EventAgentStarted,
		datatypes.EventToolCalled,
		datatypes.EventToolOutput,
		datatypes.EventTurnCompleted,
	}, kinds(events))

	failure, err := datatypes.DecodePayload[datatypes.ToolOutputPayload](events[2])
	require.NoError(t, err)
	assert.Nil(t, failure.Approved)
	require.NotEmpty(t, failure.ValidationError)

	calls := gen.Calls()
	require.Len(t, calls, 2)
	assert.Empty(t, calls[0].Feedback)
	assert.Equal(t, failure.ValidationError, calls[1].Feedback)

	// Only the valid second proposal reached the evaluator and the review
	// machine.
	require.Len(t, eval.Calls(), 1)
	diffs, err := f.machine.ListBySession(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	assert.Equal(t, datatypes.DiffEvaluatorApproved, diffs[0].Status)
}

// TestSyntaxErrorFedBack verifies a patch that applies cleanly but breaks
// the grammar is treated as a validation failure.
func TestSyntaxErrorFedBack(t *testing.T) {
	brokenPatch := `@@ -1,2 +1,2 @@
 def greet(name):
-    return "hello " + name
+    return "hello + name
`
	gen := NewScriptedGenerator(
		PatchScript(brokenPatch, "oops"),
		PatchScript(goodPatch, "fixed"),
	)
	eval := NewScriptedEvaluator(Approve("good", "msg"))
	f := newOrchFixture(t, gen, eval)

	result, err := f.orch.RunTurn(context.Background(), "sess-1", "art-1", "turn-1", "make it say hi")
	require.NoError(t, err)
	require.NotNil(t, result)

	calls := gen.Calls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[1].Feedback, "SyntaxError: invalid syntax at line ")
}

// TestEvaluatorRejectionsThenApproval verifies two rejected proposals are
// recorded as discarded_retry, the reasoning feeds the next iteration, and
// the third proposal completes the turn.
func TestEvaluatorRejectionsThenApproval(t *testing.T) {
	gen := NewScriptedGenerator(
		PatchScript(goodPatch, "try 1"),
		PatchScript(goodPatch, "try 2"),
		PatchScript(goodPatch, "try 3"),
	)
	eval := NewScriptedEvaluator(
		Reject("too informal"),
		Reject("still too informal"),
		Approve("acceptable", "shorten the greeting"),
	)
	f := newOrchFixture(t, gen, eval)

	result, err := f.orch.RunTurn(context.Background(), "sess-1", "art-1", "turn-1", "make it say hi")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 3, result.Iterations)
	require.NotEmpty(t, result.DiffID)

	calls := gen.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "too informal", calls[1].Feedback)
	assert.Equal(t, "still too informal", calls[2].Feedback)

	diffs, err := f.machine.ListBySession(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, diffs, 3)
	assert.Equal(t, datatypes.DiffDiscardedRetry, diffs[0].Status)
	assert.Equal(t, datatypes.DiffDiscardedRetry, diffs[1].Status)
	assert.Equal(t, datatypes.DiffEvaluatorApproved, diffs[2].Status)
	assert.Equal(t, result.DiffID, diffs[2].ID)
}

// TestIterationBudgetExhausted verifies three rejections end the turn with
// turn_failed and ErrIterationsExhausted.
func TestIterationBudgetExhausted(t *testing.T) {
	gen := NewScriptedGenerator(
		PatchScript(goodPatch, "try 1"),
		PatchScript(goodPatch, "try 2"),
		PatchScript(goodPatch, "try 3"),
	)
	eval := NewScriptedEvaluator(
		Reject("no"),
		Reject("still no"),
		Reject("final no"),
	)
	f := newOrchFixture(t, gen, eval)

	result, err := f.orch.RunTurn(context.Background(), "sess-1", "art-1", "turn-1", "make it say hi")
	require.ErrorIs(t, err, ErrIterationsExhausted)
	assert.Nil(t, result)

	events := f.events(t)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, datatypes.EventTurnFailed, last.Kind)

	failed, err := datatypes.DecodePayload[datatypes.TurnFailedPayload](last)
	require.NoError(t, err)
	assert.Equal(t, "iteration budget exhausted", failed.Reason)
	assert.Equal(t, "final no", failed.Reasoning)
	// The failure is stamped with the last iteration that ran, not the
	// loop counter's overshoot.
	assert.Equal(t, 3, last.Iteration)

	// The artifact head never moved.
	_, head, err := f.store.Content(context.Background(), "art-1")
	require.NoError(t, err)
	assert.Equal(t, f.baseRev, head)
}

// TestLanguageFollowsArtifact verifies the syntax check uses the language
// the artifact was seeded with, not the engine's default.
func TestLanguageFollowsArtifact(t *testing.T) {
	gen := NewScriptedGenerator(
		PatchScript(`@@ -1,1 +1,1 @@
-x = 1
+x = 2
`, "bump"),
		MessageScript("giving up"),
	)
	f := newOrchFixture(t, gen, NewScriptedEvaluator())

	// Valid Python, but the artifact says it is Go.
	_, err := f.store.Seed(context.Background(), "art-go", "x = 1\n", "go")
	require.NoError(t, err)

	result, err := f.orch.RunTurn(context.Background(), "sess-1", "art-go", "turn-1", "bump the constant")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Empty(t, result.DiffID)

	calls := gen.Calls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[1].Feedback, "SyntaxError")
}

// TestTextOnlyTurn verifies a generator answer without a patch completes
// the turn with the content and no diff.
func TestTextOnlyTurn(t *testing.T) {
	gen := NewScriptedGenerator(MessageScript("that function already greets politely"))
	eval := NewScriptedEvaluator()
	f := newOrchFixture(t, gen, eval)

	result, err := f.orch.RunTurn(context.Background(), "sess-1", "art-1", "turn-1", "what does this do?")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Empty(t, result.DiffID)
	assert.Equal(t, "that function already greets politely", result.Content)

	events := f.events(t)
	require.Equal(t, []datatypes.EventKind{
		datatypes.EventAgentStarted,
		datatypes.EventAgentMessage,
		datatypes.EventTurnCompleted,
	}, kinds(events))
	assert.Empty(t, eval.Calls())
}

// TestGeneratorFailureConsumesIteration verifies a failed generator stream
// burns its iteration, logs a system message, and the next iteration can
// still succeed.
func TestGeneratorFailureConsumesIteration(t *testing.T) {
	gen := NewScriptedGenerator(
		Script{Err: errors.New("upstream timeout")},
		PatchScript(goodPatch, "recovered"),
	)
	eval := NewScriptedEvaluator(Approve("fine", "msg"))
	f := newOrchFixture(t, gen, eval)

	result, err := f.orch.RunTurn(context.Background(), "sess-1", "art-1", "turn-1", "make it say hi")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 2, result.Iterations)

	events := f.events(t)
	// agent_started from the failed stream, then the system notice, then
	// the successful iteration.
	require.Equal(t, []datatypes.EventKind{
		datatypes.EventAgentStarted,
		datatypes.EventAgentMessage,
		datatypes.EventAgentStarted,
		datatypes.EventToolCalled,
		datatypes.EventToolOutput,
		datatypes.EventTurnCompleted,
	}, kinds(events))
	assert.Equal(t, datatypes.RoleSystem, events[1].Role)
}

// cancellingGenerator cancels the turn from inside its own Generate call,
// simulating a human cancel arriving mid-iteration.
type cancellingGenerator struct {
	cancel context.CancelFunc
}

func (g *cancellingGenerator) Generate(context.Context, GenerationRequest) (GenerationStream, error) {
	g.cancel()
	return nil, context.Canceled
}

// TestCancelledTurnFails verifies cancellation mid-turn publishes a
// turn_failed event and surfaces the context error.
func TestCancelledTurnFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eval := NewScriptedEvaluator()
	f := newOrchFixture(t, NewScriptedGenerator(), eval)
	f.orch.gen = &cancellingGenerator{cancel: cancel}

	result, err := f.orch.RunTurn(ctx, "sess-1", "art-1", "turn-1", "make it say hi")
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, result)

	events := f.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, datatypes.EventTurnFailed, events[0].Kind)

	failed, err := datatypes.DecodePayload[datatypes.TurnFailedPayload](events[0])
	require.NoError(t, err)
	assert.Equal(t, "cancelled", failed.Reason)
}

// TestUnknownArtifactFailsFast verifies a turn on a missing artifact fails
// before publishing anything.
func TestUnknownArtifactFailsFast(t *testing.T) {
	gen := NewScriptedGenerator()
	eval := NewScriptedEvaluator()
	f := newOrchFixture(t, gen, eval)

	_, err := f.orch.RunTurn(context.Background(), "sess-1", "missing", "turn-1", "hello")
	require.ErrorIs(t, err, snapshot.ErrArtifactNotFound)
	assert.Empty(t, f.events(t))
}

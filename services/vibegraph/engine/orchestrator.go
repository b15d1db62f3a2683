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
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/vibegraph/vibegrapher/services/vibegraph/datatypes"
	"github.com/vibegraph/vibegrapher/services/vibegraph/eventbus"
	"github.com/vibegraph/vibegrapher/services/vibegraph/observability"
	"github.com/vibegraph/vibegrapher/services/vibegraph/patch"
	"github.com/vibegraph/vibegrapher/services/vibegraph/review"
	"github.com/vibegraph/vibegrapher/services/vibegraph/snapshot"
)

const (
	// DefaultMaxIterations bounds the generate/validate/evaluate loop.
	DefaultMaxIterations = 3

	// DefaultCallTimeout bounds a single capability call.
	DefaultCallTimeout = 2 * time.Minute
)

// Config holds orchestrator tuning knobs.
type Config struct {
	MaxIterations int
	CallTimeout   time.Duration
	Logger        *slog.Logger
}

func applyConfigDefaults(cfg *Config) {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
}

// TurnResult is the outcome of a completed turn.
type TurnResult struct {
	// DiffID names the evaluator-approved diff awaiting human review.
	// Empty for text-only turns.
	DiffID string

	// Content is the generator's answer for text-only turns.
	Content string

	// Iterations is how many loop iterations ran.
	Iterations int
}

// Orchestrator runs the turn loop and publishes its progress.
//
// # Description
//
//	One RunTurn call drives: generator stream -> patch validation ->
//	evaluator verdict, retrying with feedback up to MaxIterations times.
//	Every observable step is published to the session's event log before
//	the loop proceeds, so the log is a faithful, ordered record of the
//	turn. Validation errors and evaluator reasoning are fed back to the
//	generator verbatim.
//
// # Thread Safety
//
//	Safe for concurrent use across sessions. Callers must serialize
//	turns within one session (the session manager does).
type Orchestrator struct {
	cfg     Config
	bus     *eventbus.Bus
	store   *snapshot.Store
	machine *review.Machine
	patcher *patch.Engine
	gen     GenerationCapability
	eval    EvaluationCapability
}

// NewOrchestrator wires the turn loop to its collaborators.
func NewOrchestrator(cfg Config, bus *eventbus.Bus, store *snapshot.Store, machine *review.Machine, patcher *patch.Engine, gen GenerationCapability, eval EvaluationCapability) *Orchestrator {
	applyConfigDefaults(&cfg)
	return &Orchestrator{
		cfg:     cfg,
		bus:     bus,
		store:   store,
		machine: machine,
		patcher: patcher,
		gen:     gen,
		eval:    eval,
	}
}

// turnState carries per-turn context through the loop helpers.
type turnState struct {
	sessionID   string
	artifactID  string
	turnID      string
	prompt      string
	baseContent string
	baseRev     datatypes.Revision
	language    patch.Language
	iteration   int
}

// RunTurn executes one full turn for the session.
//
// # Inputs
//
//	sessionID, artifactID - The session and its artifact.
//	turnID - Caller-assigned identifier stamped on every event.
//	prompt - The human's instruction, with any carried-over feedback
//	         already folded in by the caller.
//
// # Outputs
//
//	*TurnResult - Non-nil when the turn completed (diff proposed or
//	              text answer).
//	error - ErrIterationsExhausted or context errors; a turn_failed
//	        event has already been published in those cases.
func (o *Orchestrator) RunTurn(ctx context.Context, sessionID, artifactID, turnID, prompt string) (*TurnResult, error) {
	observability.TurnStarted()
	defer observability.TurnEnded()

	baseContent, baseRev, err := o.store.Content(ctx, artifactID)
	if err != nil {
		return nil, fmt.Errorf("load artifact %s: %w", artifactID, err)
	}
	lang, err := o.store.Language(ctx, artifactID)
	if err != nil {
		return nil, fmt.Errorf("load artifact %s language: %w", artifactID, err)
	}
	st := &turnState{
		sessionID:   sessionID,
		artifactID:  artifactID,
		turnID:      turnID,
		prompt:      prompt,
		baseContent: baseContent,
		baseRev:     baseRev,
		language:    patch.Language(lang),
	}

	feedback := ""
	lastReasoning := ""
	for st.iteration = 1; st.iteration <= o.cfg.MaxIterations; st.iteration++ {
		if err := ctx.Err(); err != nil {
			return nil, o.failTurn(ctx, st, "cancelled", lastReasoning, err)
		}

		result, nextFeedback, err := o.runIteration(ctx, st, feedback)
		if err != nil {
			if ctx.Err() != nil {
				return nil, o.failTurn(ctx, st, "cancelled", lastReasoning, ctx.Err())
			}
			// Capability failure consumes the iteration; tell the log
			// and retry with the same feedback.
			o.cfg.Logger.Warn("iteration failed",
				slog.String("session_id", st.sessionID),
				slog.Int("iteration", st.iteration),
				slog.String("error", err.Error()))
			o.publish(ctx, st, datatypes.EventAgentMessage, datatypes.RoleSystem,
				datatypes.AgentMessagePayload{Content: fmt.Sprintf("iteration %d failed: %v", st.iteration, err)})
			continue
		}
		if result != nil {
			result.Iterations = st.iteration
			outcome := "text_answer"
			if result.DiffID != "" {
				outcome = "diff_proposed"
			}
			observability.RecordTurn(outcome, result.Iterations)
			return result, nil
		}
		feedback = nextFeedback
		lastReasoning = nextFeedback
	}

	// The loop increment overshoots by one; the turn ran MaxIterations.
	st.iteration = o.cfg.MaxIterations
	return nil, o.failTurn(ctx, st, "iteration budget exhausted", lastReasoning, ErrIterationsExhausted)
}

// runIteration drives one generator call to a terminal outcome.
//
// Returns (result, _, nil) when the turn is done, (nil, feedback, nil)
// when the loop should retry with feedback, and (nil, "", err) when the
// iteration burned on a capability failure.
func (o *Orchestrator) runIteration(ctx context.Context, st *turnState, feedback string) (*TurnResult, string, error) {
	genCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	stream, err := o.gen.Generate(genCtx, GenerationRequest{
		SessionID:    st.sessionID,
		TurnID:       st.turnID,
		Prompt:       st.prompt,
		CurrentCode:  st.baseContent,
		BaseRevision: st.baseRev,
		Feedback:     feedback,
		Iteration:    st.iteration,
	})
	if err != nil {
		return nil, "", fmt.Errorf("generator: %w", err)
	}
	defer stream.Close()

	var (
		message  string
		proposal *StreamEvent
	)
	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, "", fmt.Errorf("generator stream: %w", err)
		}

		switch ev.Kind {
		case StreamAgentStarted:
			o.publish(ctx, st, datatypes.EventAgentStarted, datatypes.RoleGenerator,
				datatypes.AgentStartedPayload{Agent: "generator"})
		case StreamMessage:
			message = ev.Content
			o.publish(ctx, st, datatypes.EventAgentMessage, datatypes.RoleGenerator,
				datatypes.AgentMessagePayload{Content: ev.Content})
		case StreamToolCall:
			ev := ev
			proposal = &ev
			o.publish(ctx, st, datatypes.EventToolCalled, datatypes.RoleGenerator,
				datatypes.ToolCalledPayload{
					Name:        "submit_patch",
					Patch:       ev.Patch,
					Description: ev.Description,
				})
		}
	}

	if proposal == nil {
		// Text-only turn: the generator answered without proposing a
		// change. That completes the turn.
		o.publish(ctx, st, datatypes.EventTurnCompleted, datatypes.RoleGenerator,
			datatypes.TurnCompletedPayload{Content: message})
		return &TurnResult{Content: message}, "", nil
	}
	return o.reviewProposal(ctx, st, proposal)
}

// reviewProposal validates and evaluates a submitted patch.
func (o *Orchestrator) reviewProposal(ctx context.Context, st *turnState, proposal *StreamEvent) (*TurnResult, string, error) {
	patched, err := o.patcher.Validate(ctx, st.baseContent, proposal.Patch, st.language)
	if err != nil {
		var verr *patch.ValidationError
		if !errors.As(err, &verr) {
			return nil, "", fmt.Errorf("validate patch: %w", err)
		}
		stage := "apply"
		if strings.HasPrefix(verr.Message, "SyntaxError") {
			stage = "syntax"
		}
		observability.RecordValidationFailure(stage)
		// The exact message goes on the wire and back to the generator.
		o.publish(ctx, st, datatypes.EventToolOutput, datatypes.RoleGenerator,
			datatypes.ToolOutputPayload{ValidationError: verr.Message})
		return nil, verr.Message, nil
	}

	evalCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()
	verdict, err := o.eval.Evaluate(evalCtx, EvaluationRequest{
		SessionID:    st.sessionID,
		TurnID:       st.turnID,
		Intent:       st.prompt,
		OriginalCode: st.baseContent,
		PatchedCode:  patched,
		Patch:        proposal.Patch,
		Description:  proposal.Description,
	})
	if err != nil {
		return nil, "", fmt.Errorf("evaluator: %w", err)
	}
	observability.RecordVerdict(verdict.Approved)

	o.publish(ctx, st, datatypes.EventToolOutput, datatypes.RoleEvaluator,
		datatypes.ToolOutputPayload{
			Approved:      &verdict.Approved,
			Reasoning:     verdict.Reasoning,
			CommitMessage: verdict.CommitMessage,
		})

	// Stored diffs carry a canonical rendering of the change, not the
	// model's raw patch; fuzzy placement means the two can disagree on
	// line numbers. The raw patch stays in the tool_called event.
	d, err := o.machine.Create(ctx, datatypes.Diff{
		SessionID:       st.sessionID,
		ArtifactID:      st.artifactID,
		BaseRevision:    st.baseRev,
		DiffContent:     patch.CreateUnified(st.baseContent, patched, st.artifactID),
		PatchedContent:  patched,
		GeneratorPrompt: st.prompt,
	})
	if err != nil {
		return nil, "", fmt.Errorf("record diff: %w", err)
	}

	if !verdict.Approved {
		if _, err := o.machine.Discard(ctx, d.ID, verdict.Reasoning); err != nil {
			return nil, "", fmt.Errorf("discard rejected diff: %w", err)
		}
		return nil, verdict.Reasoning, nil
	}

	if _, err := o.machine.ApproveByEvaluator(ctx, d.ID, verdict.Reasoning, verdict.CommitMessage); err != nil {
		return nil, "", fmt.Errorf("approve diff: %w", err)
	}
	o.publish(ctx, st, datatypes.EventTurnCompleted, datatypes.RoleEvaluator,
		datatypes.TurnCompletedPayload{DiffID: d.ID})
	return &TurnResult{DiffID: d.ID}, "", nil
}

// failTurn publishes turn_failed and returns cause. The publish uses a
// detached context so a cancelled turn still flushes its final event.
func (o *Orchestrator) failTurn(ctx context.Context, st *turnState, reason, reasoning string, cause error) error {
	outcome := "failed"
	if reason == "cancelled" {
		outcome = "cancelled"
	}
	observability.RecordTurn(outcome, st.iteration)
	o.publish(context.WithoutCancel(ctx), st, datatypes.EventTurnFailed, datatypes.RoleSystem,
		datatypes.TurnFailedPayload{Reason: reason, Reasoning: reasoning})
	return cause
}

// publish appends one event to the session log. Publishing is part of the
// turn's critical path: a storage failure is logged and the turn carries
// on, but ordering of what is stored is never violated.
func (o *Orchestrator) publish(ctx context.Context, st *turnState, kind datatypes.EventKind, role datatypes.Role, payload any) {
	raw, err := datatypes.MarshalPayload(payload)
	if err != nil {
		o.cfg.Logger.Error("marshal event payload",
			slog.String("kind", string(kind)), slog.String("error", err.Error()))
		return
	}
	_, err = o.bus.Publish(ctx, datatypes.Event{
		SessionID: st.sessionID,
		Kind:      kind,
		Role:      role,
		TurnID:    st.turnID,
		Iteration: st.iteration,
		Payload:   raw,
	})
	if err != nil {
		o.cfg.Logger.Error("publish event",
			slog.String("session_id", st.sessionID),
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()))
	}
}

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

import "time"

// Revision is an opaque content-addressed pointer into the snapshot store.
// Only the snapshot store creates revisions; everyone else compares them
// for equality.
type Revision string

// DiffStatus is the review lifecycle state of a proposed change.
type DiffStatus string

const (
	// DiffProposed is the initial state, set when the orchestrator records
	// an evaluator-submitted patch.
	DiffProposed DiffStatus = "proposed"

	// DiffEvaluatorApproved means the evaluator agent signed off and the
	// change is waiting for human review.
	DiffEvaluatorApproved DiffStatus = "evaluator_approved"

	// DiffHumanApproved means the human accepted the change; it is ready
	// to be committed.
	DiffHumanApproved DiffStatus = "human_approved"

	// DiffRejected is terminal: the human rejected the change, with
	// feedback stored for a later turn.
	DiffRejected DiffStatus = "rejected"

	// DiffCommitted is terminal: the change was materialized as a snapshot
	// commit.
	DiffCommitted DiffStatus = "committed"

	// DiffRebaseNeeded is terminal: the base revision went stale before
	// commit. The change must be regenerated in a fresh turn, never
	// silently retried.
	DiffRebaseNeeded DiffStatus = "rebase_needed"

	// DiffDiscardedRetry is terminal and orchestrator-internal: the
	// evaluator rejected the patch and the loop retried with feedback.
	DiffDiscardedRetry DiffStatus = "discarded_retry"
)

// Terminal reports whether no further transition is allowed from s.
func (s DiffStatus) Terminal() bool {
	switch s {
	case DiffRejected, DiffCommitted, DiffRebaseNeeded, DiffDiscardedRetry:
		return true
	}
	return false
}

// Diff is a proposed, reviewable change with its own lifecycle, distinct
// from the raw patch text it carries. At most one Diff per session may be
// in a non-terminal state at a time.
type Diff struct {
	ID         string `json:"id"`
	SessionID  string `json:"session_id"`
	ArtifactID string `json:"artifact_id"`

	// BaseRevision is the snapshot revision the patch was computed against.
	// Commit re-checks it against the artifact head before materializing.
	BaseRevision Revision `json:"base_revision"`

	// DiffContent is a canonical unified diff rendering of the change,
	// regenerated from the base and patched texts.
	DiffContent string `json:"diff_content"`

	// PatchedContent is the full artifact text after a validated apply.
	PatchedContent string `json:"patched_content"`

	Status DiffStatus `json:"status"`

	GeneratorPrompt    string `json:"generator_prompt"`
	EvaluatorReasoning string `json:"evaluator_reasoning"`
	CommitMessage      string `json:"commit_message"`
	HumanFeedback      string `json:"human_feedback,omitempty"`

	// CommittedRevision is set once Status is committed.
	CommittedRevision Revision `json:"committed_revision,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

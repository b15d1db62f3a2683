// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package review

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibegraph/vibegrapher/services/vibegraph/datatypes"
	"github.com/vibegraph/vibegrapher/services/vibegraph/snapshot"
	"github.com/vibegraph/vibegrapher/services/vibegraph/storage/badgerstore"
)

type machineFixture struct {
	machine *Machine
	store   *snapshot.Store
	baseRev datatypes.Revision
}

func newMachineFixture(t *testing.T) *machineFixture {
	t.Helper()
	db, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := snapshot.NewStore(db)
	rev, err := store.Seed(context.Background(), "art-1", "base content\n", "")
	require.NoError(t, err)

	return &machineFixture{
		machine: NewMachine(db, store, nil),
		store:   store,
		baseRev: rev,
	}
}

func (f *machineFixture) propose(t *testing.T, sessionID string) *datatypes.Diff {
	t.Helper()
	d, err := f.machine.Create(context.Background(), datatypes.Diff{
		SessionID:      sessionID,
		ArtifactID:     "art-1",
		BaseRevision:   f.baseRev,
		DiffContent:    "@@ -1,1 +1,1 @@\n-base content\n+new content\n",
		PatchedContent: "new content\n",
	})
	require.NoError(t, err)
	require.Equal(t, datatypes.DiffProposed, d.Status)
	return d
}

// TestCreateEnforcesSinglePendingDiff verifies a second open diff for the
// same session is refused until the first reaches a terminal status.
func TestCreateEnforcesSinglePendingDiff(t *testing.T) {
	f := newMachineFixture(t)
	ctx := context.Background()

	first := f.propose(t, "sess-1")

	_, err := f.machine.Create(ctx, datatypes.Diff{SessionID: "sess-1", ArtifactID: "art-1"})
	assert.ErrorIs(t, err, ErrDiffPending)

	_, err = f.machine.Discard(ctx, first.ID, "retrying")
	require.NoError(t, err)

	f.propose(t, "sess-1")
}

// TestPendingReflectsOpenDiff verifies Pending returns the open diff and
// nil once it terminates.
func TestPendingReflectsOpenDiff(t *testing.T) {
	f := newMachineFixture(t)
	ctx := context.Background()

	p, err := f.machine.Pending(ctx, "sess-1")
	require.NoError(t, err)
	assert.Nil(t, p)

	d := f.propose(t, "sess-1")
	p, err = f.machine.Pending(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, d.ID, p.ID)

	_, err = f.machine.Discard(ctx, d.ID, "retrying")
	require.NoError(t, err)
	p, err = f.machine.Pending(ctx, "sess-1")
	require.NoError(t, err)
	assert.Nil(t, p)
}

// TestFullApprovalPath verifies proposed -> evaluator_approved ->
// human_approved -> committed, with the commit materialized in the
// snapshot store.
func TestFullApprovalPath(t *testing.T) {
	f := newMachineFixture(t)
	ctx := context.Background()

	d := f.propose(t, "sess-1")

	d, err := f.machine.ApproveByEvaluator(ctx, d.ID, "looks correct", "replace base content")
	require.NoError(t, err)
	assert.Equal(t, datatypes.DiffEvaluatorApproved, d.Status)
	assert.Equal(t, "looks correct", d.EvaluatorReasoning)

	d, err = f.machine.ApproveByHuman(ctx, d.ID, "")
	require.NoError(t, err)
	assert.Equal(t, datatypes.DiffHumanApproved, d.Status)

	d, err = f.machine.Commit(ctx, d.ID, "")
	require.NoError(t, err)
	assert.Equal(t, datatypes.DiffCommitted, d.Status)
	require.NotEmpty(t, d.CommittedRevision)

	content, head, err := f.store.Content(ctx, "art-1")
	require.NoError(t, err)
	assert.Equal(t, "new content\n", content)
	assert.Equal(t, d.CommittedRevision, head)
}

// TestRejectIsTerminal verifies human rejection stores the feedback and
// blocks any further transition.
func TestRejectIsTerminal(t *testing.T) {
	f := newMachineFixture(t)
	ctx := context.Background()

	d := f.propose(t, "sess-1")
	d, err := f.machine.ApproveByEvaluator(ctx, d.ID, "fine", "msg")
	require.NoError(t, err)

	d, err = f.machine.RejectByHuman(ctx, d.ID, "wrong approach, use a loop")
	require.NoError(t, err)
	assert.Equal(t, datatypes.DiffRejected, d.Status)
	assert.Equal(t, "wrong approach, use a loop", d.HumanFeedback)

	_, err = f.machine.ApproveByHuman(ctx, d.ID, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.machine.Commit(ctx, d.ID, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

// TestInvalidTransitions verifies every illegal edge in the table is
// rejected.
func TestInvalidTransitions(t *testing.T) {
	f := newMachineFixture(t)
	ctx := context.Background()

	d := f.propose(t, "sess-1")

	// proposed may not skip the evaluator.
	_, err := f.machine.ApproveByHuman(ctx, d.ID, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.machine.RejectByHuman(ctx, d.ID, "nope")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.machine.Commit(ctx, d.ID, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// evaluator_approved may not be discarded or re-approved.
	d, err = f.machine.ApproveByEvaluator(ctx, d.ID, "ok", "msg")
	require.NoError(t, err)
	_, err = f.machine.Discard(ctx, d.ID, "late")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.machine.ApproveByEvaluator(ctx, d.ID, "again", "msg")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// human_approved only commits or rebases.
	d, err = f.machine.ApproveByHuman(ctx, d.ID, "")
	require.NoError(t, err)
	_, err = f.machine.RejectByHuman(ctx, d.ID, "too late")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

// TestGetUnknownDiff verifies lookup of a missing diff fails with
// ErrDiffNotFound.
func TestGetUnknownDiff(t *testing.T) {
	f := newMachineFixture(t)

	_, err := f.machine.Get(context.Background(), "no-such-diff")
	assert.ErrorIs(t, err, ErrDiffNotFound)
}

// TestCommitStaleBaseBecomesRebaseNeeded verifies a diff whose base lost a
// race transitions to rebase_needed and reports ErrRebaseNeeded, and the
// competing commit is preserved.
func TestCommitStaleBaseBecomesRebaseNeeded(t *testing.T) {
	f := newMachineFixture(t)
	ctx := context.Background()

	d := f.propose(t, "sess-1")
	d, err := f.machine.ApproveByEvaluator(ctx, d.ID, "fine", "msg")
	require.NoError(t, err)
	d, err = f.machine.ApproveByHuman(ctx, d.ID, "")
	require.NoError(t, err)

	// Another writer moves the artifact head first.
	winnerRev, err := f.store.Commit(ctx, "art-1", f.baseRev, "competing change", "other content\n")
	require.NoError(t, err)

	stale, err := f.machine.Commit(ctx, d.ID, "")
	require.ErrorIs(t, err, ErrRebaseNeeded)
	require.NotNil(t, stale)
	assert.Equal(t, datatypes.DiffRebaseNeeded, stale.Status)
	assert.Empty(t, stale.CommittedRevision)

	content, head, err := f.store.Content(ctx, "art-1")
	require.NoError(t, err)
	assert.Equal(t, "other content\n", content)
	assert.Equal(t, winnerRev, head)
}

// TestCommitMessageOverride verifies the commit-time message override wins
// over the stored one.
func TestCommitMessageOverride(t *testing.T) {
	f := newMachineFixture(t)
	ctx := context.Background()

	d := f.propose(t, "sess-1")
	d, err := f.machine.ApproveByEvaluator(ctx, d.ID, "fine", "evaluator message")
	require.NoError(t, err)
	d, err = f.machine.ApproveByHuman(ctx, d.ID, "")
	require.NoError(t, err)

	d, err = f.machine.Commit(ctx, d.ID, "human message")
	require.NoError(t, err)
	assert.Equal(t, "human message", d.CommitMessage)

	history, err := f.store.History(ctx, "art-1")
	require.NoError(t, err)
	assert.Equal(t, "human message", history[0].Message)
}

// TestListBySessionOldestFirst verifies the per-session listing covers
// terminal diffs and is ordered by creation.
func TestListBySessionOldestFirst(t *testing.T) {
	f := newMachineFixture(t)
	ctx := context.Background()

	first := f.propose(t, "sess-1")
	_, err := f.machine.Discard(ctx, first.ID, "retry 1")
	require.NoError(t, err)
	second := f.propose(t, "sess-1")

	diffs, err := f.machine.ListBySession(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, diffs, 2)
	assert.Equal(t, first.ID, diffs[0].ID)
	assert.Equal(t, second.ID, diffs[1].ID)

	other, err := f.machine.ListBySession(ctx, "sess-2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

// TestRefineMessageHeuristic verifies the default refiner trims the
// message to one clean line and appends the instruction.
func TestRefineMessageHeuristic(t *testing.T) {
	f := newMachineFixture(t)
	ctx := context.Background()

	d := f.propose(t, "sess-1")
	d, err := f.machine.ApproveByEvaluator(ctx, d.ID, "fine",
		"Replace base content.\n\nLong body that should not survive refinement.")
	require.NoError(t, err)

	d, err = f.machine.RefineMessage(ctx, d.ID, "mention the ticket")
	require.NoError(t, err)
	assert.Equal(t, "Replace base content\n\nmention the ticket", d.CommitMessage)

	stored, err := f.machine.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.CommitMessage, stored.CommitMessage)
}

// TestRefineMessageTerminalDiff verifies terminal diffs refuse refinement.
func TestRefineMessageTerminalDiff(t *testing.T) {
	f := newMachineFixture(t)
	ctx := context.Background()

	d := f.propose(t, "sess-1")
	_, err := f.machine.Discard(ctx, d.ID, "retrying")
	require.NoError(t, err)

	_, err = f.machine.RefineMessage(ctx, d.ID, "anything")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

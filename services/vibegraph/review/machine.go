// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package review owns the lifecycle of proposed diffs.
//
// A diff moves through a fixed state machine:
//
//	proposed -> evaluator_approved -> human_approved -> committed
//	                    |                   |
//	                    v                   v
//	                 rejected          rebase_needed
//
// plus discarded_retry, which the orchestrator uses when the evaluator
// rejects a patch and the loop retries. Terminal statuses (rejected,
// committed, rebase_needed, discarded_retry) accept no further
// transitions. A session holds at most one non-terminal diff at a time,
// enforced transactionally through a pending index.
package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/vibegraph/vibegrapher/services/vibegraph/datatypes"
	"github.com/vibegraph/vibegrapher/services/vibegraph/observability"
	"github.com/vibegraph/vibegrapher/services/vibegraph/snapshot"
	"github.com/vibegraph/vibegrapher/services/vibegraph/storage/badgerstore"
)

const (
	diffKeyPrefix      = "diff/"
	pendingKeyPrefix   = "diffpending/"
	bySessionKeyPrefix = "diffbysession/"
)

// validTransitions is the full transition table. Absence means
// ErrInvalidTransition.
var validTransitions = map[datatypes.DiffStatus][]datatypes.DiffStatus{
	datatypes.DiffProposed: {
		datatypes.DiffEvaluatorApproved,
		datatypes.DiffDiscardedRetry,
	},
	datatypes.DiffEvaluatorApproved: {
		datatypes.DiffHumanApproved,
		datatypes.DiffRejected,
	},
	datatypes.DiffHumanApproved: {
		datatypes.DiffCommitted,
		datatypes.DiffRebaseNeeded,
	},
}

func transitionAllowed(from, to datatypes.DiffStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// MessageRefiner rewrites a commit message on request. The default is the
// deterministic heuristic refiner; an LLM-backed one can be injected.
type MessageRefiner interface {
	Refine(ctx context.Context, diff datatypes.Diff, instruction string) (string, error)
}

// Machine persists diffs and enforces the review state machine.
//
// # Thread Safety
//
// Safe for concurrent use. Each transition is one read-modify-write
// transaction; concurrent transitions on the same diff serialize through
// BadgerDB conflict detection and the loser re-reads a changed status,
// which the table then rejects.
type Machine struct {
	db      *badgerstore.DB
	store   *snapshot.Store
	refiner MessageRefiner
}

// NewMachine creates a review machine. refiner may be nil, in which case
// the heuristic refiner is used.
func NewMachine(db *badgerstore.DB, store *snapshot.Store, refiner MessageRefiner) *Machine {
	if refiner == nil {
		refiner = heuristicRefiner{}
	}
	return &Machine{db: db, store: store, refiner: refiner}
}

func diffKey(id string) []byte {
	return []byte(diffKeyPrefix + id)
}

func pendingKey(sessionID string) []byte {
	return []byte(pendingKeyPrefix + sessionID)
}

func bySessionKey(sessionID, diffID string) []byte {
	return []byte(bySessionKeyPrefix + sessionID + "/" + diffID)
}

// Create records a new proposed diff for the session.
//
// # Outputs
//
//	*datatypes.Diff - The stored diff in status proposed.
//	error - ErrDiffPending when the session already has an open diff.
func (m *Machine) Create(ctx context.Context, d datatypes.Diff) (*datatypes.Diff, error) {
	d.ID = uuid.NewString()
	d.Status = datatypes.DiffProposed
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now

	err := m.db.WithTxn(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get(pendingKey(d.SessionID))
		if err == nil {
			return fmt.Errorf("create diff for session %s: %w", d.SessionID, ErrDiffPending)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("read pending index: %w", err)
		}
		if err := putDiff(txn, d); err != nil {
			return err
		}
		if err := txn.Set(bySessionKey(d.SessionID, d.ID), []byte(d.ID)); err != nil {
			return err
		}
		return txn.Set(pendingKey(d.SessionID), []byte(d.ID))
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Get returns the diff with the given ID.
func (m *Machine) Get(ctx context.Context, id string) (*datatypes.Diff, error) {
	var d *datatypes.Diff
	err := m.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		got, err := readDiff(txn, id)
		if err != nil {
			return err
		}
		d = got
		return nil
	})
	return d, err
}

// ListBySession returns every diff ever created for the session, oldest
// first.
func (m *Machine) ListBySession(ctx context.Context, sessionID string) ([]datatypes.Diff, error) {
	var diffs []datatypes.Diff
	err := m.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(bySessionKeyPrefix + sessionID + "/")
		it := txn.NewIterator(opts)
		defer it.Close()

		var ids []string
		for it.Rewind(); it.ValidForPrefix(opts.Prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				ids = append(ids, string(val))
				return nil
			})
			if err != nil {
				return err
			}
		}
		for _, id := range ids {
			d, err := readDiff(txn, id)
			if err != nil {
				return err
			}
			diffs = append(diffs, *d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Index keys sort by UUID, not by time.
	sortDiffsByCreation(diffs)
	return diffs, nil
}

// Pending returns the session's open diff, or nil if every diff is
// terminal.
func (m *Machine) Pending(ctx context.Context, sessionID string) (*datatypes.Diff, error) {
	var d *datatypes.Diff
	err := m.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(pendingKey(sessionID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read pending index: %w", err)
		}
		var id string
		if err := item.Value(func(val []byte) error {
			id = string(val)
			return nil
		}); err != nil {
			return err
		}
		got, err := readDiff(txn, id)
		if err != nil {
			return err
		}
		d = got
		return nil
	})
	return d, err
}

// ApproveByEvaluator moves proposed -> evaluator_approved, recording the
// evaluator's reasoning and proposed commit message.
func (m *Machine) ApproveByEvaluator(ctx context.Context, id, reasoning, commitMessage string) (*datatypes.Diff, error) {
	return m.transition(ctx, id, datatypes.DiffEvaluatorApproved, func(d *datatypes.Diff) {
		d.EvaluatorReasoning = reasoning
		d.CommitMessage = commitMessage
	})
}

// ApproveByHuman moves evaluator_approved -> human_approved. A non-empty
// commitMessage overrides the evaluator's proposal.
func (m *Machine) ApproveByHuman(ctx context.Context, id, commitMessage string) (*datatypes.Diff, error) {
	return m.transition(ctx, id, datatypes.DiffHumanApproved, func(d *datatypes.Diff) {
		if commitMessage != "" {
			d.CommitMessage = commitMessage
		}
	})
}

// RejectByHuman moves evaluator_approved -> rejected, storing the human's
// feedback for the next turn. Rejected is terminal.
func (m *Machine) RejectByHuman(ctx context.Context, id, feedback string) (*datatypes.Diff, error) {
	return m.transition(ctx, id, datatypes.DiffRejected, func(d *datatypes.Diff) {
		d.HumanFeedback = feedback
	})
}

// Discard moves proposed -> discarded_retry. Used by the orchestrator when
// the evaluator rejects a patch and the loop retries with feedback.
func (m *Machine) Discard(ctx context.Context, id, reasoning string) (*datatypes.Diff, error) {
	return m.transition(ctx, id, datatypes.DiffDiscardedRetry, func(d *datatypes.Diff) {
		d.EvaluatorReasoning = reasoning
	})
}

// Commit materializes a human-approved diff as a snapshot commit.
//
// # Description
//
//	The diff's base revision is handed to the snapshot store's
//	compare-and-set commit. If the head moved since the diff was
//	generated, the diff transitions to rebase_needed (terminal) and
//	ErrRebaseNeeded is returned; the change is never applied to a base
//	it was not computed against. Of two concurrent commits on diffs
//	sharing a base, exactly one commits and the other rebases.
//
// # Inputs
//
//	commitMessage - Optional override; empty keeps the stored message.
//
// # Outputs
//
//	*datatypes.Diff - The diff in status committed or rebase_needed.
//	error - ErrRebaseNeeded on a lost race; ErrInvalidTransition when
//	        the diff is not human_approved.
func (m *Machine) Commit(ctx context.Context, id, commitMessage string) (*datatypes.Diff, error) {
	d, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !transitionAllowed(d.Status, datatypes.DiffCommitted) {
		return nil, fmt.Errorf("commit diff %s from status %s: %w", id, d.Status, ErrInvalidTransition)
	}
	message := d.CommitMessage
	if commitMessage != "" {
		message = commitMessage
	}

	rev, err := m.store.Commit(ctx, d.ArtifactID, d.BaseRevision, message, d.PatchedContent)
	if errors.Is(err, snapshot.ErrStaleRevision) {
		stale, terr := m.transition(ctx, id, datatypes.DiffRebaseNeeded, nil)
		if terr != nil {
			return nil, terr
		}
		return stale, fmt.Errorf("commit diff %s: %w", id, ErrRebaseNeeded)
	}
	if err != nil {
		return nil, fmt.Errorf("commit diff %s: %w", id, err)
	}

	return m.transition(ctx, id, datatypes.DiffCommitted, func(d *datatypes.Diff) {
		d.CommitMessage = message
		d.CommittedRevision = rev
	})
}

// RefineMessage asks the refiner for a better commit message and stores
// it. This is not a state transition; any non-terminal reviewed diff may
// refine its message.
func (m *Machine) RefineMessage(ctx context.Context, id, instruction string) (*datatypes.Diff, error) {
	d, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status.Terminal() {
		return nil, fmt.Errorf("refine message of diff %s in terminal status %s: %w", id, d.Status, ErrInvalidTransition)
	}
	refined, err := m.refiner.Refine(ctx, *d, instruction)
	if err != nil {
		return nil, fmt.Errorf("refine commit message: %w", err)
	}

	err = m.db.WithTxn(ctx, func(txn *badger.Txn) error {
		cur, err := readDiff(txn, id)
		if err != nil {
			return err
		}
		cur.CommitMessage = refined
		cur.UpdatedAt = time.Now().UTC()
		d = cur
		return putDiff(txn, *cur)
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// transition performs one guarded status change in a single transaction.
// mutate, if non-nil, runs after the guard and before the write. Reaching
// a terminal status clears the session's pending index.
func (m *Machine) transition(ctx context.Context, id string, to datatypes.DiffStatus, mutate func(*datatypes.Diff)) (*datatypes.Diff, error) {
	var out *datatypes.Diff
	err := m.db.WithTxn(ctx, func(txn *badger.Txn) error {
		d, err := readDiff(txn, id)
		if err != nil {
			return err
		}
		if !transitionAllowed(d.Status, to) {
			return fmt.Errorf("diff %s: %s -> %s: %w", id, d.Status, to, ErrInvalidTransition)
		}
		if mutate != nil {
			mutate(d)
		}
		d.Status = to
		d.UpdatedAt = time.Now().UTC()
		if err := putDiff(txn, *d); err != nil {
			return err
		}
		if to.Terminal() {
			if err := txn.Delete(pendingKey(d.SessionID)); err != nil {
				return fmt.Errorf("clear pending index: %w", err)
			}
		}
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	observability.RecordDiffTransition(string(to))
	return out, nil
}

func readDiff(txn *badger.Txn, id string) (*datatypes.Diff, error) {
	item, err := txn.Get(diffKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("diff %s: %w", id, ErrDiffNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read diff %s: %w", id, err)
	}
	var d datatypes.Diff
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &d)
	})
	if err != nil {
		return nil, fmt.Errorf("decode diff %s: %w", id, err)
	}
	return &d, nil
}

func putDiff(txn *badger.Txn, d datatypes.Diff) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode diff: %w", err)
	}
	return txn.Set(diffKey(d.ID), data)
}

func sortDiffsByCreation(diffs []datatypes.Diff) {
	sort.Slice(diffs, func(i, j int) bool {
		return diffs[i].CreatedAt.Before(diffs[j].CreatedAt)
	})
}

// heuristicRefiner is the default MessageRefiner: deterministic cleanup of
// the stored message plus the human's instruction as a trailer when given.
type heuristicRefiner struct{}

func (heuristicRefiner) Refine(_ context.Context, d datatypes.Diff, instruction string) (string, error) {
	msg := strings.TrimSpace(d.CommitMessage)
	if msg == "" {
		msg = strings.TrimSpace(d.GeneratorPrompt)
	}
	if msg == "" {
		msg = "update artifact"
	}
	// First line only, imperative-ish, no trailing period.
	if at := strings.IndexByte(msg, '\n'); at >= 0 {
		msg = msg[:at]
	}
	msg = strings.TrimSuffix(strings.TrimSpace(msg), ".")
	if len(msg) > 72 {
		msg = strings.TrimSpace(msg[:72])
	}
	if instruction = strings.TrimSpace(instruction); instruction != "" {
		msg = msg + "\n\n" + instruction
	}
	return msg, nil
}

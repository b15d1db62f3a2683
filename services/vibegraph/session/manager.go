// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session owns session records and turn admission.
//
// The invariant here is at-most-one running turn per session. Admission is
// an in-memory map guarded by a mutex, checked and claimed atomically
// before any work starts, so a second StartTurn on a busy session fails
// fast with ErrTurnInProgress instead of queueing.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/vibegraph/vibegrapher/services/vibegraph/datatypes"
	"github.com/vibegraph/vibegrapher/services/vibegraph/engine"
	"github.com/vibegraph/vibegrapher/services/vibegraph/eventbus"
	"github.com/vibegraph/vibegrapher/services/vibegraph/storage/badgerstore"
)

const (
	sessionKeyPrefix    = "session/"
	byArtifactKeyPrefix = "sessionbyartifact/"
)

// activeTurn tracks one in-flight turn.
type activeTurn struct {
	turnID string
	cancel context.CancelFunc
}

// Manager persists sessions and serializes their turns.
//
// # Thread Safety
//
// Safe for concurrent use. The active-turn map has its own mutex; session
// records go through BadgerDB transactions.
type Manager struct {
	db     *badgerstore.DB
	bus    *eventbus.Bus
	orch   *engine.Orchestrator
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*activeTurn
}

// NewManager creates a session manager.
func NewManager(db *badgerstore.DB, bus *eventbus.Bus, orch *engine.Orchestrator, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		db:     db,
		bus:    bus,
		orch:   orch,
		logger: logger,
		active: make(map[string]*activeTurn),
	}
}

func sessionKey(id string) []byte {
	return []byte(sessionKeyPrefix + id)
}

func byArtifactKey(artifactID string) []byte {
	return []byte(byArtifactKeyPrefix + artifactID)
}

// Create returns a session for the artifact, reusing the existing
// unarchived one if present. One artifact has at most one live session.
func (m *Manager) Create(ctx context.Context, artifactID string) (*datatypes.Session, error) {
	now := time.Now().UTC()
	fresh := datatypes.Session{
		ID:         uuid.NewString(),
		ArtifactID: artifactID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	var out *datatypes.Session
	err := m.db.WithTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(byArtifactKey(artifactID))
		if err == nil {
			var existingID string
			if err := item.Value(func(val []byte) error {
				existingID = string(val)
				return nil
			}); err != nil {
				return err
			}
			existing, err := readSession(txn, existingID)
			if err == nil && !existing.Archived {
				out = existing
				return nil
			}
			// Fall through: the indexed session is gone or archived.
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("read session index: %w", err)
		}

		if err := putSession(txn, fresh); err != nil {
			return err
		}
		if err := txn.Set(byArtifactKey(artifactID), []byte(fresh.ID)); err != nil {
			return err
		}
		out = &fresh
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns the session with the given ID.
func (m *Manager) Get(ctx context.Context, id string) (*datatypes.Session, error) {
	var s *datatypes.Session
	err := m.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		got, err := readSession(txn, id)
		if err != nil {
			return err
		}
		s = got
		return nil
	})
	return s, err
}

// StartTurn admits and launches one turn for the session.
//
// # Description
//
//	Admission, turn-counter increment and the user's message event all
//	happen before this returns, in that order; the orchestrator then
//	runs in a background goroutine. A caller that subscribes to the
//	event log from the sequence returned by the bus before StartTurn
//	will therefore see the user message first, then the turn's events.
//
// # Outputs
//
//	string - The turn ID stamped on the turn's events.
//	error - ErrTurnInProgress when the session is busy,
//	        ErrSessionArchived for archived sessions.
func (m *Manager) StartTurn(ctx context.Context, sessionID, prompt string) (string, error) {
	s, err := m.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if s.Archived {
		return "", fmt.Errorf("session %s: %w", sessionID, ErrSessionArchived)
	}

	turnID := uuid.NewString()

	// Claim the session before doing anything observable.
	turnCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Lock()
	if _, busy := m.active[sessionID]; busy {
		m.mu.Unlock()
		cancel()
		return "", fmt.Errorf("session %s: %w", sessionID, ErrTurnInProgress)
	}
	m.active[sessionID] = &activeTurn{turnID: turnID, cancel: cancel}
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		if cur, ok := m.active[sessionID]; ok && cur.turnID == turnID {
			delete(m.active, sessionID)
		}
		m.mu.Unlock()
		cancel()
	}

	if err := m.bumpTurnCounter(ctx, sessionID); err != nil {
		release()
		return "", err
	}

	// The user's message is the first event of the turn, published
	// synchronously so it precedes everything the orchestrator emits.
	payload, err := datatypes.MarshalPayload(datatypes.AgentMessagePayload{Content: prompt})
	if err != nil {
		release()
		return "", err
	}
	_, err = m.bus.Publish(ctx, datatypes.Event{
		SessionID: sessionID,
		Kind:      datatypes.EventAgentMessage,
		Role:      datatypes.RoleUser,
		TurnID:    turnID,
		Payload:   payload,
	})
	if err != nil {
		release()
		return "", fmt.Errorf("publish user message: %w", err)
	}

	go func() {
		defer release()
		result, err := m.orch.RunTurn(turnCtx, sessionID, s.ArtifactID, turnID, prompt)
		switch {
		case err != nil:
			m.logger.Warn("turn ended with error",
				slog.String("session_id", sessionID),
				slog.String("turn_id", turnID),
				slog.String("error", err.Error()))
		case result.DiffID != "":
			m.logger.Info("turn proposed diff",
				slog.String("session_id", sessionID),
				slog.String("turn_id", turnID),
				slog.String("diff_id", result.DiffID),
				slog.Int("iterations", result.Iterations))
		default:
			m.logger.Info("turn completed with text answer",
				slog.String("session_id", sessionID),
				slog.String("turn_id", turnID))
		}
	}()

	return turnID, nil
}

// CancelTurn cancels the session's running turn, if any. Returns true when
// a turn was cancelled.
func (m *Manager) CancelTurn(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.active[sessionID]; ok {
		cur.cancel()
		return true
	}
	return false
}

// TurnInProgress reports whether the session has a running turn.
func (m *Manager) TurnInProgress(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[sessionID]
	return ok
}

// Archive cancels any running turn and marks the session archived. The
// event log is kept; archived sessions remain replayable.
func (m *Manager) Archive(ctx context.Context, sessionID string) (*datatypes.Session, error) {
	m.CancelTurn(sessionID)

	var out *datatypes.Session
	err := m.db.WithTxn(ctx, func(txn *badger.Txn) error {
		s, err := readSession(txn, sessionID)
		if err != nil {
			return err
		}
		s.Archived = true
		s.UpdatedAt = time.Now().UTC()
		if err := putSession(txn, *s); err != nil {
			return err
		}
		if err := txn.Delete(byArtifactKey(s.ArtifactID)); err != nil {
			return fmt.Errorf("clear session index: %w", err)
		}
		out = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Manager) bumpTurnCounter(ctx context.Context, sessionID string) error {
	return m.db.WithTxn(ctx, func(txn *badger.Txn) error {
		s, err := readSession(txn, sessionID)
		if err != nil {
			return err
		}
		s.TurnCounter++
		s.UpdatedAt = time.Now().UTC()
		return putSession(txn, *s)
	})
}

func readSession(txn *badger.Txn, id string) (*datatypes.Session, error) {
	item, err := txn.Get(sessionKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}
	var s datatypes.Session
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &s)
	})
	if err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &s, nil
}

func putSession(txn *badger.Txn, s datatypes.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return txn.Set(sessionKey(s.ID), data)
}

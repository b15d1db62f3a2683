// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibegraph/vibegrapher/services/vibegraph/datatypes"
	"github.com/vibegraph/vibegrapher/services/vibegraph/engine"
	"github.com/vibegraph/vibegrapher/services/vibegraph/eventbus"
	"github.com/vibegraph/vibegrapher/services/vibegraph/patch"
	"github.com/vibegraph/vibegrapher/services/vibegraph/review"
	"github.com/vibegraph/vibegrapher/services/vibegraph/snapshot"
	"github.com/vibegraph/vibegrapher/services/vibegraph/storage/badgerstore"
)

const managerBaseCode = `def greet(name):
    return "hello " + name
`

const managerGoodPatch = `@@ -1,2 +1,2 @@
 def greet(name):
-    return "hello " + name
+    return "hi " + name
`

// blockingGenerator holds each Generate call until released, so tests can
// observe a session mid-turn.
type blockingGenerator struct {
	inner   *engine.ScriptedGenerator
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingGenerator(scripts ...engine.Script) *blockingGenerator {
	return &blockingGenerator{
		inner:   engine.NewScriptedGenerator(scripts...),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *blockingGenerator) Generate(ctx context.Context, req engine.GenerationRequest) (engine.GenerationStream, error) {
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.release:
		return g.inner.Generate(ctx, req)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type managerFixture struct {
	manager *Manager
	bus     *eventbus.Bus
}

func newManagerFixture(t *testing.T, gen engine.GenerationCapability, eval engine.EvaluationCapability) *managerFixture {
	t.Helper()
	db, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := snapshot.NewStore(db)
	_, err = store.Seed(context.Background(), "art-1", managerBaseCode, "python")
	require.NoError(t, err)

	bus := eventbus.NewBus(db, nil)
	t.Cleanup(bus.Close)
	machine := review.NewMachine(db, store, nil)
	patcher := patch.NewEngine(patch.WithLanguage(patch.LangPython))
	orch := engine.NewOrchestrator(engine.Config{}, bus, store, machine, patcher, gen, eval)

	return &managerFixture{
		manager: NewManager(db, bus, orch, nil),
		bus:     bus,
	}
}

func (f *managerFixture) waitTurnDone(t *testing.T, sessionID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !f.manager.TurnInProgress(sessionID) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("turn did not finish in time")
}

func waitStarted(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("generator was never invoked")
	}
}

// TestCreateReusesLiveSession verifies one artifact keeps one live session
// until it is archived.
func TestCreateReusesLiveSession(t *testing.T) {
	f := newManagerFixture(t, engine.NewScriptedGenerator(), engine.NewScriptedEvaluator())
	ctx := context.Background()

	first, err := f.manager.Create(ctx, "art-1")
	require.NoError(t, err)
	second, err := f.manager.Create(ctx, "art-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	_, err = f.manager.Archive(ctx, first.ID)
	require.NoError(t, err)

	third, err := f.manager.Create(ctx, "art-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
}

// TestGetUnknownSession verifies lookups of missing sessions fail with
// ErrSessionNotFound.
func TestGetUnknownSession(t *testing.T) {
	f := newManagerFixture(t, engine.NewScriptedGenerator(), engine.NewScriptedEvaluator())

	_, err := f.manager.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

// TestStartTurnUserMessageLeadsTheLog verifies the user's message is the
// first event of the turn, ahead of everything the agents emit, and that
// the turn counter advances.
func TestStartTurnUserMessageLeadsTheLog(t *testing.T) {
	gen := engine.NewScriptedGenerator(engine.PatchScript(managerGoodPatch, "use hi"))
	eval := engine.NewScriptedEvaluator(engine.Approve("fine", "shorten greeting"))
	f := newManagerFixture(t, gen, eval)
	ctx := context.Background()

	s, err := f.manager.Create(ctx, "art-1")
	require.NoError(t, err)

	turnID, err := f.manager.StartTurn(ctx, s.ID, "make it say hi")
	require.NoError(t, err)
	require.NotEmpty(t, turnID)
	f.waitTurnDone(t, s.ID)

	events, err := f.bus.Events(ctx, s.ID, 1, 0)
	require.NoError(t, err)
	require.Len(t, events, 5)
	assert.Equal(t, datatypes.EventAgentMessage, events[0].Kind)
	assert.Equal(t, datatypes.RoleUser, events[0].Role)
	assert.Equal(t, turnID, events[0].TurnID)
	assert.Equal(t, datatypes.EventTurnCompleted, events[4].Kind)

	msg, err := datatypes.DecodePayload[datatypes.AgentMessagePayload](events[0])
	require.NoError(t, err)
	assert.Equal(t, "make it say hi", msg.Content)

	s, err = f.manager.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.TurnCounter)
}

// TestStartTurnWhileBusy verifies a second message to a busy session is
// refused with ErrTurnInProgress and admitted again once the turn ends.
func TestStartTurnWhileBusy(t *testing.T) {
	gen := newBlockingGenerator(
		engine.PatchScript(managerGoodPatch, "use hi"),
		engine.MessageScript("done already"),
	)
	eval := engine.NewScriptedEvaluator(engine.Approve("fine", "msg"))
	f := newManagerFixture(t, gen, eval)
	ctx := context.Background()

	s, err := f.manager.Create(ctx, "art-1")
	require.NoError(t, err)

	_, err = f.manager.StartTurn(ctx, s.ID, "first")
	require.NoError(t, err)
	waitStarted(t, gen.started)
	assert.True(t, f.manager.TurnInProgress(s.ID))

	_, err = f.manager.StartTurn(ctx, s.ID, "second while busy")
	require.ErrorIs(t, err, ErrTurnInProgress)

	close(gen.release)
	f.waitTurnDone(t, s.ID)

	_, err = f.manager.StartTurn(ctx, s.ID, "second after idle")
	require.NoError(t, err)
	f.waitTurnDone(t, s.ID)

	s, err = f.manager.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), s.TurnCounter)
}

// TestCancelTurn verifies cancelling a running turn ends it with a
// turn_failed event; cancelling an idle session reports false.
func TestCancelTurn(t *testing.T) {
	gen := newBlockingGenerator()
	f := newManagerFixture(t, gen, engine.NewScriptedEvaluator())
	ctx := context.Background()

	s, err := f.manager.Create(ctx, "art-1")
	require.NoError(t, err)
	assert.False(t, f.manager.CancelTurn(s.ID))

	_, err = f.manager.StartTurn(ctx, s.ID, "long running request")
	require.NoError(t, err)
	waitStarted(t, gen.started)

	assert.True(t, f.manager.CancelTurn(s.ID))
	f.waitTurnDone(t, s.ID)

	events, err := f.bus.Events(ctx, s.ID, 1, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, datatypes.EventTurnFailed, last.Kind)

	failed, err := datatypes.DecodePayload[datatypes.TurnFailedPayload](last)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", failed.Reason)
}

// TestStartTurnOnArchivedSession verifies archived sessions refuse new
// turns but keep their event log readable.
func TestStartTurnOnArchivedSession(t *testing.T) {
	gen := engine.NewScriptedGenerator(engine.MessageScript("it greets"))
	f := newManagerFixture(t, gen, engine.NewScriptedEvaluator())
	ctx := context.Background()

	s, err := f.manager.Create(ctx, "art-1")
	require.NoError(t, err)
	_, err = f.manager.StartTurn(ctx, s.ID, "what does this do?")
	require.NoError(t, err)
	f.waitTurnDone(t, s.ID)

	archived, err := f.manager.Archive(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, archived.Archived)

	_, err = f.manager.StartTurn(ctx, s.ID, "one more thing")
	require.ErrorIs(t, err, ErrSessionArchived)

	events, err := f.bus.Events(ctx, s.ID, 1, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}

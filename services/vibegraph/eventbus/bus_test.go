// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibegraph/vibegrapher/services/vibegraph/datatypes"
	"github.com/vibegraph/vibegrapher/services/vibegraph/storage/badgerstore"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	db, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	bus := NewBus(db, nil)
	t.Cleanup(bus.Close)
	return bus
}

func publishN(t *testing.T, bus *Bus, sessionID string, n int) []datatypes.Event {
	t.Helper()
	ctx := context.Background()
	out := make([]datatypes.Event, 0, n)
	for i := 0; i < n; i++ {
		ev, err := bus.Publish(ctx, datatypes.Event{
			SessionID: sessionID,
			Kind:      datatypes.EventAgentMessage,
			Role:      datatypes.RoleSystem,
		})
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

// recv pulls one event with a timeout so a broken feed fails the test
// instead of hanging it.
func recv(t *testing.T, c <-chan datatypes.Event) datatypes.Event {
	t.Helper()
	select {
	case ev, ok := <-c:
		require.True(t, ok, "subscription closed unexpectedly")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return datatypes.Event{}
	}
}

// TestPublishAssignsGaplessSequences verifies sequences start at 1 and
// increase by exactly one per publish.
func TestPublishAssignsGaplessSequences(t *testing.T) {
	bus := newTestBus(t)

	events := publishN(t, bus, "sess-1", 5)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Sequence)
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.CreatedAt.IsZero())
	}

	last, err := bus.LastSequence(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), last)
}

// TestPublishRequiresSessionID verifies an event without a session is
// rejected.
func TestPublishRequiresSessionID(t *testing.T) {
	bus := newTestBus(t)

	_, err := bus.Publish(context.Background(), datatypes.Event{Kind: datatypes.EventAgentStarted})
	require.Error(t, err)
}

// TestSequencesIndependentPerSession verifies each session numbers its own
// log.
func TestSequencesIndependentPerSession(t *testing.T) {
	bus := newTestBus(t)

	publishN(t, bus, "sess-a", 3)
	events := publishN(t, bus, "sess-b", 2)
	assert.Equal(t, uint64(1), events[0].Sequence)
	assert.Equal(t, uint64(2), events[1].Sequence)
}

// TestEventsCursorAndLimit verifies stored reads honor the from cursor and
// the limit.
func TestEventsCursorAndLimit(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	publishN(t, bus, "sess-1", 6)

	events, err := bus.Events(ctx, "sess-1", 3, 0)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, uint64(3), events[0].Sequence)
	assert.Equal(t, uint64(6), events[3].Sequence)

	events, err = bus.Events(ctx, "sess-1", 0, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(1), events[0].Sequence)

	events, err = bus.Events(ctx, "sess-1", 100, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

// TestSubscribeReplaysBacklogThenGoesLive verifies a subscriber starting
// from a cursor sees every stored event once and then live events with no
// gap across the handoff.
func TestSubscribeReplaysBacklogThenGoesLive(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	publishN(t, bus, "sess-1", 4)

	sub, err := bus.Subscribe(ctx, "sess-1", 2)
	require.NoError(t, err)
	defer sub.Cancel()

	for want := uint64(2); want <= 4; want++ {
		assert.Equal(t, want, recv(t, sub.C).Sequence)
	}

	publishN(t, bus, "sess-1", 2)
	assert.Equal(t, uint64(5), recv(t, sub.C).Sequence)
	assert.Equal(t, uint64(6), recv(t, sub.C).Sequence)
}

// TestSubscribePastTail verifies a cursor beyond the log delivers only
// future events.
func TestSubscribePastTail(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	publishN(t, bus, "sess-1", 3)

	sub, err := bus.Subscribe(ctx, "sess-1", 4)
	require.NoError(t, err)
	defer sub.Cancel()

	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected replayed event seq %d", ev.Sequence)
	case <-time.After(50 * time.Millisecond):
	}

	publishN(t, bus, "sess-1", 1)
	assert.Equal(t, uint64(4), recv(t, sub.C).Sequence)
}

// TestSubscribeCancel verifies Cancel closes the channel and is safe to
// call twice.
func TestSubscribeCancel(t *testing.T) {
	bus := newTestBus(t)

	sub, err := bus.Subscribe(context.Background(), "sess-1", 1)
	require.NoError(t, err)

	sub.Cancel()
	sub.Cancel()

	_, ok := <-sub.C
	assert.False(t, ok)
}

// TestLastSeqRecoveredFromStorage verifies a fresh bus on the same
// database resumes numbering after the stored tail.
func TestLastSeqRecoveredFromStorage(t *testing.T) {
	db, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	first := NewBus(db, nil)
	publishN(t, first, "sess-1", 3)
	first.Close()

	second := NewBus(db, nil)
	t.Cleanup(second.Close)

	ev, err := second.Publish(context.Background(), datatypes.Event{
		SessionID: "sess-1",
		Kind:      datatypes.EventAgentMessage,
		Role:      datatypes.RoleSystem,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), ev.Sequence)
}

// TestCloseRejectsPublish verifies a closed bus refuses new publishes and
// closes live feeds.
func TestCloseRejectsPublish(t *testing.T) {
	db, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	bus := NewBus(db, nil)

	sub, err := bus.Subscribe(context.Background(), "sess-1", 1)
	require.NoError(t, err)

	bus.Close()

	_, ok := <-sub.C
	assert.False(t, ok)

	_, err = bus.Publish(context.Background(), datatypes.Event{SessionID: "sess-1"})
	assert.ErrorIs(t, err, ErrClosed)
}

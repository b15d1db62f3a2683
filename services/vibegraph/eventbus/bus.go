// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package eventbus is the durable, ordered event log for sessions.
//
// Each session owns an append-only log. Publish assigns the next sequence
// number, persists the event, and only then fans it out to live
// subscribers, so the stored log is always the source of truth and the
// live feed is a cache of it. Subscribing replays the stored tail from a
// cursor and then switches to live delivery under the same lock, which is
// what makes the no-gap no-duplicate guarantee hold across the handoff.
//
// A subscriber that cannot keep up has its channel closed rather than
// blocking the publisher; the sequence numbers let it resubscribe from
// where it left off.
package eventbus

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/vibegraph/vibegrapher/services/vibegraph/datatypes"
	"github.com/vibegraph/vibegrapher/services/vibegraph/observability"
	"github.com/vibegraph/vibegrapher/services/vibegraph/storage/badgerstore"
)

const (
	eventKeyPrefix = "event/"

	// subscriberBuffer is how many events a live subscriber may fall
	// behind before it is disconnected. SSE handlers drain fast; a turn
	// produces at most a few dozen events.
	subscriberBuffer = 256
)

// Subscription is a live, ordered feed of one session's events.
type Subscription struct {
	// C delivers events in sequence order with no gaps or duplicates.
	// The channel is closed when the subscription lags too far behind,
	// when Cancel is called, or when the bus shuts down. After a close
	// caused by lag, resubscribe from the last sequence seen plus one.
	C <-chan datatypes.Event

	cancel func()
}

// Cancel detaches the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.cancel()
}

// subscriber is the bus-side half of a Subscription. Membership in the
// session's subs map decides liveness; removal and channel close happen
// together under the session lock.
type subscriber struct {
	ch chan datatypes.Event
}

// sessionLog serializes publishes and subscriber changes for one session.
type sessionLog struct {
	mu      sync.Mutex
	lastSeq uint64
	loaded  bool
	subs    map[*subscriber]struct{}
}

// Bus is the event log over all sessions.
//
// # Thread Safety
//
// Safe for concurrent use. A per-session mutex orders publishes; sessions
// never contend with each other.
type Bus struct {
	db     *badgerstore.DB
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionLog
	closed   bool
}

// NewBus creates an event bus on the shared database.
func NewBus(db *badgerstore.DB, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		db:       db,
		logger:   logger,
		sessions: make(map[string]*sessionLog),
	}
}

func eventKey(sessionID string, seq uint64) []byte {
	key := make([]byte, 0, len(eventKeyPrefix)+len(sessionID)+1+8)
	key = append(key, eventKeyPrefix...)
	key = append(key, sessionID...)
	key = append(key, '/')
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	return append(key, seqBytes[:]...)
}

func sessionPrefix(sessionID string) []byte {
	return []byte(eventKeyPrefix + sessionID + "/")
}

// session returns the in-memory log head for sessionID, recovering lastSeq
// from storage on first touch after a restart.
func (b *Bus) session(ctx context.Context, sessionID string) (*sessionLog, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	sl, ok := b.sessions[sessionID]
	if !ok {
		sl = &sessionLog{subs: make(map[*subscriber]struct{})}
		b.sessions[sessionID] = sl
	}
	b.mu.Unlock()

	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.loaded {
		return sl, nil
	}
	last, err := b.lastStoredSeq(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sl.lastSeq = last
	sl.loaded = true
	return sl, nil
}

func (b *Bus) lastStoredSeq(ctx context.Context, sessionID string) (uint64, error) {
	var last uint64
	err := b.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		opts.Prefix = sessionPrefix(sessionID)
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration needs a seek key past the highest possible
		// sequence under the prefix.
		seek := eventKey(sessionID, ^uint64(0))
		it.Seek(seek)
		if it.ValidForPrefix(sessionPrefix(sessionID)) {
			key := it.Item().Key()
			last = binary.BigEndian.Uint64(key[len(key)-8:])
		}
		return nil
	})
	return last, err
}

// Publish appends an event to the session's log and fans it out.
//
// # Description
//
//	The sequence number is assigned under the session lock, the event is
//	persisted, and only then delivered to subscribers. Publish returns
//	after the event is durable: a successful Publish is visible to any
//	later Events or Subscribe call.
//
// # Inputs
//
//	ev - Event with SessionID set; ID, Sequence and CreatedAt are
//	     assigned by the bus.
//
// # Outputs
//
//	datatypes.Event - The stored event, with sequence assigned.
//	error - Non-nil on storage failure; the sequence is not consumed.
func (b *Bus) Publish(ctx context.Context, ev datatypes.Event) (datatypes.Event, error) {
	if ev.SessionID == "" {
		return datatypes.Event{}, errors.New("publish: event has no session id")
	}
	sl, err := b.session(ctx, ev.SessionID)
	if err != nil {
		return datatypes.Event{}, err
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	ev.ID = uuid.NewString()
	ev.Sequence = sl.lastSeq + 1
	ev.CreatedAt = time.Now().UTC()

	data, err := json.Marshal(ev)
	if err != nil {
		return datatypes.Event{}, fmt.Errorf("encode event: %w", err)
	}
	err = b.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(eventKey(ev.SessionID, ev.Sequence), data)
	})
	if err != nil {
		return datatypes.Event{}, fmt.Errorf("persist event seq %d: %w", ev.Sequence, err)
	}
	sl.lastSeq = ev.Sequence
	observability.RecordEventPublished(string(ev.Kind))

	for sub := range sl.subs {
		select {
		case sub.ch <- ev:
		default:
			// Slow consumer. Close it out rather than stalling the
			// publisher; it can resume from its cursor.
			b.logger.Warn("dropping lagged event subscriber",
				slog.String("session_id", ev.SessionID),
				slog.Uint64("sequence", ev.Sequence))
			close(sub.ch)
			delete(sl.subs, sub)
		}
	}
	return ev, nil
}

// Subscribe opens a live feed starting at fromSeq (inclusive).
//
// # Description
//
//	Stored events with sequence >= fromSeq are loaded into the feed
//	first, then the subscription goes live, all under the session lock.
//	No event between fromSeq and the live tail can be missed or
//	delivered twice.
//
// # Inputs
//
//	fromSeq - First sequence to deliver. 1 replays the whole log; a
//	          value past the tail delivers only future events.
//
// # Limitations
//
//	The replayed backlog must fit the subscriber buffer; a very old
//	cursor should page through Events first and subscribe near the tail.
func (b *Bus) Subscribe(ctx context.Context, sessionID string, fromSeq uint64) (*Subscription, error) {
	sl, err := b.session(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	backlog, err := b.readRange(ctx, sessionID, fromSeq, sl.lastSeq)
	if err != nil {
		return nil, err
	}

	size := subscriberBuffer
	if len(backlog) >= size {
		size = len(backlog) + subscriberBuffer
	}
	sub := &subscriber{ch: make(chan datatypes.Event, size)}
	for _, ev := range backlog {
		sub.ch <- ev
	}
	sl.subs[sub] = struct{}{}

	cancel := func() {
		sl.mu.Lock()
		defer sl.mu.Unlock()
		if _, ok := sl.subs[sub]; ok {
			delete(sl.subs, sub)
			close(sub.ch)
		}
	}
	return &Subscription{C: sub.ch, cancel: cancel}, nil
}

// Events returns stored events with fromSeq <= sequence, up to limit.
// limit <= 0 means no limit.
func (b *Bus) Events(ctx context.Context, sessionID string, fromSeq uint64, limit int) ([]datatypes.Event, error) {
	sl, err := b.session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sl.mu.Lock()
	last := sl.lastSeq
	sl.mu.Unlock()

	events, err := b.readRange(ctx, sessionID, fromSeq, last)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// LastSequence returns the highest sequence published for the session, 0
// when the log is empty.
func (b *Bus) LastSequence(ctx context.Context, sessionID string) (uint64, error) {
	sl, err := b.session(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.lastSeq, nil
}

func (b *Bus) readRange(ctx context.Context, sessionID string, fromSeq, toSeq uint64) ([]datatypes.Event, error) {
	if fromSeq == 0 {
		fromSeq = 1
	}
	if toSeq < fromSeq {
		return nil, nil
	}
	var events []datatypes.Event
	err := b.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = sessionPrefix(sessionID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(eventKey(sessionID, fromSeq)); it.ValidForPrefix(sessionPrefix(sessionID)); it.Next() {
			var ev datatypes.Event
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ev)
			})
			if err != nil {
				return fmt.Errorf("decode stored event: %w", err)
			}
			if ev.Sequence > toSeq {
				break
			}
			events = append(events, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// Close shuts the bus down and closes every live subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sl := range b.sessions {
		sl.mu.Lock()
		for sub := range sl.subs {
			close(sub.ch)
			delete(sl.subs, sub)
		}
		sl.mu.Unlock()
	}
}

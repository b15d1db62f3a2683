// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package snapshot is the content-addressed history of artifact text.
//
// Every accepted change becomes an immutable commit whose revision is the
// SHA-256 of (parent revision, message, content). A per-artifact head
// pointer names the current revision and only ever moves by compare-and-set:
// a commit that presents a stale expected head fails with ErrStaleRevision.
// Two writers racing on the same artifact therefore produce exactly one new
// head; the loser must rebase, never overwrite.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/vibegraph/vibegrapher/services/vibegraph/datatypes"
	"github.com/vibegraph/vibegrapher/services/vibegraph/storage/badgerstore"
)

const (
	headKeyPrefix   = "artifact/"
	headKeySuffix   = "/head"
	langKeySuffix   = "/lang"
	commitKeyPrefix = "commit/"
)

// Commit is one immutable entry in an artifact's history.
type Commit struct {
	Revision   datatypes.Revision `json:"revision"`
	Parent     datatypes.Revision `json:"parent,omitempty"`
	ArtifactID string             `json:"artifact_id"`
	Message    string             `json:"message"`
	Content    string             `json:"content"`
	CreatedAt  time.Time          `json:"created_at"`
}

// Store persists artifact commits and head pointers.
//
// # Thread Safety
//
// Safe for concurrent use. Head updates run inside a single read-write
// transaction; BadgerDB's conflict detection turns a lost race into
// ErrStaleRevision rather than a dropped update.
type Store struct {
	db *badgerstore.DB
}

var _ HistoryReader = (*Store)(nil)

// HistoryReader is the read-only view of the store, for handlers that must
// not commit.
type HistoryReader interface {
	Content(ctx context.Context, artifactID string) (string, datatypes.Revision, error)
	ContentAt(ctx context.Context, revision datatypes.Revision) (*Commit, error)
	History(ctx context.Context, artifactID string) ([]Commit, error)
}

// NewStore creates a snapshot store on the shared database.
func NewStore(db *badgerstore.DB) *Store {
	return &Store{db: db}
}

// computeRevision derives the content address of a commit. Parent is part
// of the hash, so identical content committed on two different bases yields
// two distinct revisions.
func computeRevision(parent datatypes.Revision, message, content string) datatypes.Revision {
	h := sha256.New()
	h.Write([]byte(parent))
	h.Write([]byte{0})
	h.Write([]byte(message))
	h.Write([]byte{0})
	h.Write([]byte(content))
	return datatypes.Revision(hex.EncodeToString(h.Sum(nil)))
}

func headKey(artifactID string) []byte {
	return []byte(headKeyPrefix + artifactID + headKeySuffix)
}

func langKey(artifactID string) []byte {
	return []byte(headKeyPrefix + artifactID + langKeySuffix)
}

func commitKey(rev datatypes.Revision) []byte {
	return []byte(commitKeyPrefix + string(rev))
}

// Seed creates an artifact with its initial content as the root commit.
//
// # Inputs
//
//	language - The artifact's language for syntax checks ("python", "go",
//	           ...). Empty means the service default applies.
//
// # Outputs
//
//	datatypes.Revision - The root revision.
//	error - ErrArtifactExists if the artifact was already seeded.
func (s *Store) Seed(ctx context.Context, artifactID, content, language string) (datatypes.Revision, error) {
	rev := computeRevision("", "initial snapshot", content)
	commit := Commit{
		Revision:   rev,
		ArtifactID: artifactID,
		Message:    "initial snapshot",
		Content:    content,
		CreatedAt:  time.Now().UTC(),
	}

	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get(headKey(artifactID))
		if err == nil {
			return fmt.Errorf("seed artifact %s: %w", artifactID, ErrArtifactExists)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("read head for %s: %w", artifactID, err)
		}
		if err := putCommit(txn, commit); err != nil {
			return err
		}
		if language != "" {
			if err := txn.Set(langKey(artifactID), []byte(language)); err != nil {
				return err
			}
		}
		return txn.Set(headKey(artifactID), []byte(rev))
	})
	if err != nil {
		return "", err
	}
	return rev, nil
}

// Language returns the language the artifact was seeded with, or "" when
// none was recorded.
func (s *Store) Language(ctx context.Context, artifactID string) (string, error) {
	var lang string
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		if _, err := readHead(txn, artifactID); err != nil {
			return err
		}
		item, err := txn.Get(langKey(artifactID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read language for %s: %w", artifactID, err)
		}
		return item.Value(func(val []byte) error {
			lang = string(val)
			return nil
		})
	})
	return lang, err
}

// CurrentRevision returns the artifact's head revision.
func (s *Store) CurrentRevision(ctx context.Context, artifactID string) (datatypes.Revision, error) {
	var rev datatypes.Revision
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		r, err := readHead(txn, artifactID)
		if err != nil {
			return err
		}
		rev = r
		return nil
	})
	return rev, err
}

// Content returns the artifact's current text and the revision it belongs to.
func (s *Store) Content(ctx context.Context, artifactID string) (string, datatypes.Revision, error) {
	var (
		content string
		rev     datatypes.Revision
	)
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		r, err := readHead(txn, artifactID)
		if err != nil {
			return err
		}
		commit, err := readCommit(txn, r)
		if err != nil {
			return err
		}
		content = commit.Content
		rev = r
		return nil
	})
	return content, rev, err
}

// ContentAt returns the commit stored under the given revision.
func (s *Store) ContentAt(ctx context.Context, revision datatypes.Revision) (*Commit, error) {
	var commit *Commit
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		c, err := readCommit(txn, revision)
		if err != nil {
			return err
		}
		commit = c
		return nil
	})
	return commit, err
}

// Commit appends a new commit on top of expectedHead and advances the head.
//
// # Description
//
//	The head is re-read inside the transaction and compared to
//	expectedHead. A mismatch, or a BadgerDB conflict from a concurrent
//	winner, yields ErrStaleRevision. Of N concurrent commits against the
//	same expectedHead, exactly one succeeds.
//
// # Inputs
//
//	expectedHead - The revision the caller's change was computed against.
//	message - Commit message recorded in history.
//	content - Full artifact text after the change.
//
// # Outputs
//
//	datatypes.Revision - The new head revision.
//	error - ErrStaleRevision when expectedHead lost the race.
func (s *Store) Commit(ctx context.Context, artifactID string, expectedHead datatypes.Revision, message, content string) (datatypes.Revision, error) {
	rev := computeRevision(expectedHead, message, content)
	commit := Commit{
		Revision:   rev,
		Parent:     expectedHead,
		ArtifactID: artifactID,
		Message:    message,
		Content:    content,
		CreatedAt:  time.Now().UTC(),
	}

	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		head, err := readHead(txn, artifactID)
		if err != nil {
			return err
		}
		if head != expectedHead {
			return fmt.Errorf("commit %s on %s: %w", artifactID, shortRev(expectedHead), ErrStaleRevision)
		}
		if err := putCommit(txn, commit); err != nil {
			return err
		}
		return txn.Set(headKey(artifactID), []byte(rev))
	})
	if errors.Is(err, badger.ErrConflict) {
		// A concurrent transaction moved the head between our read and
		// commit. Same outcome as an observed mismatch.
		return "", fmt.Errorf("commit %s on %s: %w", artifactID, shortRev(expectedHead), ErrStaleRevision)
	}
	if err != nil {
		return "", err
	}
	return rev, nil
}

// History walks the parent chain from head to root, newest first.
func (s *Store) History(ctx context.Context, artifactID string) ([]Commit, error) {
	var commits []Commit
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		rev, err := readHead(txn, artifactID)
		if err != nil {
			return err
		}
		for rev != "" {
			commit, err := readCommit(txn, rev)
			if err != nil {
				return err
			}
			commits = append(commits, *commit)
			rev = commit.Parent
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return commits, nil
}

func readHead(txn *badger.Txn, artifactID string) (datatypes.Revision, error) {
	item, err := txn.Get(headKey(artifactID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", fmt.Errorf("artifact %s: %w", artifactID, ErrArtifactNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("read head for %s: %w", artifactID, err)
	}
	var rev datatypes.Revision
	err = item.Value(func(val []byte) error {
		rev = datatypes.Revision(val)
		return nil
	})
	return rev, err
}

func readCommit(txn *badger.Txn, rev datatypes.Revision) (*Commit, error) {
	item, err := txn.Get(commitKey(rev))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("revision %s: %w", shortRev(rev), ErrRevisionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", shortRev(rev), err)
	}
	var commit Commit
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &commit)
	})
	if err != nil {
		return nil, fmt.Errorf("decode commit %s: %w", shortRev(rev), err)
	}
	return &commit, nil
}

func putCommit(txn *badger.Txn, commit Commit) error {
	data, err := json.Marshal(commit)
	if err != nil {
		return fmt.Errorf("encode commit: %w", err)
	}
	return txn.Set(commitKey(commit.Revision), data)
}

// shortRev abbreviates a revision for error and log text.
func shortRev(rev datatypes.Revision) string {
	if len(rev) > 12 {
		return string(rev[:12])
	}
	return string(rev)
}

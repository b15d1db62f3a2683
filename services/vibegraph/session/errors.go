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

import "errors"

var (
	// ErrSessionNotFound means no session exists for the given ID.
	ErrSessionNotFound = errors.New("session not found")

	// ErrTurnInProgress means the session already has a running turn. At
	// most one turn runs per session; callers must wait for the current
	// one to finish or cancel it.
	ErrTurnInProgress = errors.New("turn already in progress for session")

	// ErrSessionArchived means the session has been archived and accepts
	// no new turns.
	ErrSessionArchived = errors.New("session is archived")
)

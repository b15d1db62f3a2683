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

import "errors"

var (
	// ErrDiffNotFound means no diff record exists for the given ID.
	ErrDiffNotFound = errors.New("diff not found")

	// ErrInvalidTransition means the requested operation is not legal from
	// the diff's current status. Terminal statuses reject everything.
	ErrInvalidTransition = errors.New("invalid diff status transition")

	// ErrDiffPending means the session already has a diff awaiting review.
	// A new proposal may not be created until the open one reaches a
	// terminal status.
	ErrDiffPending = errors.New("session already has a pending diff")

	// ErrRebaseNeeded means the diff's base revision went stale before
	// commit. The diff has been moved to rebase_needed and the change must
	// be regenerated against the new head.
	ErrRebaseNeeded = errors.New("base revision is stale, rebase needed")
)

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot

import "errors"

var (
	// ErrArtifactNotFound means the artifact ID has never been seeded.
	ErrArtifactNotFound = errors.New("artifact not found")

	// ErrRevisionNotFound means no commit exists for the given revision.
	ErrRevisionNotFound = errors.New("revision not found")

	// ErrStaleRevision means the caller's expected head no longer matches
	// the artifact's current head. The losing side of a concurrent commit
	// race always sees this error, never a silent overwrite.
	ErrStaleRevision = errors.New("stale revision: artifact head has moved")

	// ErrArtifactExists means Seed was called for an already-seeded artifact.
	ErrArtifactExists = errors.New("artifact already exists")
)

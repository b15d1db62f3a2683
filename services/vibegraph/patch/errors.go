// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package patch

// ValidationError is a structured patch failure. Message is the exact text
// fed back to the generator and surfaced to reviewers; callers must pass it
// through verbatim, never paraphrase it.
type ValidationError struct {
	// Hunk is the 1-based index of the offending hunk, 0 when the failure
	// is not attributable to a single hunk (e.g. the whole patch failed to
	// parse, or the patched result failed the syntax check).
	Hunk int

	// Message is the verbatim, human-readable failure description.
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package patch applies model-generated unified diffs to artifact text.
//
// Model-generated patches routinely carry approximate hunk headers, so a
// strict line-number apply would reject most of them. The engine instead
// treats the declared start line as a hint and locates each hunk's old
// block (context + deletions) by exact text match inside a bounded window
// around that hint. An ambiguous or missing match is a hard, named failure;
// the engine never applies a guessed location.
//
// After a successful textual apply, Validate runs a language well-formedness
// check on the result (tree-sitter, see syntax.go) and returns the checker's
// message verbatim on failure. Downstream feedback loops depend on exact
// error text.
package patch

import (
	"context"
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// DefaultWindow is how far (in lines, each direction) a hunk's old block may
// drift from its declared start line before the apply fails. Chosen
// conservatively: a wider window finds more matches but raises the odds of
// an ambiguous one, and ambiguity is failure.
const DefaultWindow = 20

// Engine applies unified diff patches and validates the result.
//
// Thread Safety: Engine holds no mutable state; one instance is safe to
// share between goroutines.
type Engine struct {
	window   int
	language Language
}

// Option configures an Engine.
type Option func(*Engine)

// WithWindow overrides the fuzzy-match window size.
func WithWindow(lines int) Option {
	return func(e *Engine) {
		if lines > 0 {
			e.window = lines
		}
	}
}

// WithLanguage sets the language used by Validate's syntax check.
func WithLanguage(lang Language) Option {
	return func(e *Engine) {
		e.language = lang
	}
}

// NewEngine creates a patch engine. The default language is Python and the
// default window is DefaultWindow.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		window:   DefaultWindow,
		language: LangPython,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// hunkOps is one hunk decomposed into its old block (context + deletions)
// and new block (context + additions), plus the declared position hint.
type hunkOps struct {
	index     int // 1-based
	header    string
	origStart int // 1-based declared start line in the base text
	oldBlock  []string
	newBlock  []string
}

// Apply applies patchText to baseText and returns the patched text.
//
// Description:
//
//	Hunks are applied in order. Each hunk's old block is located by exact
//	match at the declared start line first, then by a windowed search
//	around it. A no-op patch (empty, or only context lines) returns
//	baseText unchanged.
//
// Outputs:
//
//	string - The patched text.
//	error - *ValidationError with a verbatim message on any failure.
func (e *Engine) Apply(baseText, patchText string) (string, error) {
	hunks, err := e.parse(patchText)
	if err != nil {
		return "", err
	}
	if len(hunks) == 0 {
		// No hunks at all: a no-op diff applies cleanly to anything.
		return baseText, nil
	}

	lines := strings.Split(baseText, "\n")
	offset := 0  // cumulative line delta from already-applied hunks
	floor := 0   // first line index the next hunk may touch (hunks are ordered)

	for _, h := range hunks {
		if len(h.oldBlock) == 0 {
			// Pure insertion with no anchoring context. The declared
			// position is all we have; it must be in range.
			at := h.origStart + offset
			if at < 0 {
				at = 0
			}
			if at > len(lines) {
				return "", &ValidationError{
					Hunk: h.index,
					Message: fmt.Sprintf(
						"hunk #%d %s: insertion point line %d is beyond end of file (%d lines)",
						h.index, h.header, h.origStart, len(lines)),
				}
			}
			lines = spliceLines(lines, at, 0, h.newBlock)
			offset += len(h.newBlock)
			floor = at + len(h.newBlock)
			continue
		}

		at, err := e.locate(lines, h, offset, floor)
		if err != nil {
			return "", err
		}
		lines = spliceLines(lines, at, len(h.oldBlock), h.newBlock)
		offset += len(h.newBlock) - len(h.oldBlock)
		floor = at + len(h.newBlock)
	}

	return strings.Join(lines, "\n"), nil
}

// Validate applies the patch and then checks that the result is
// syntactically well-formed. An empty lang falls back to the engine's
// configured language, so artifacts seeded without one still get checked.
// The returned error, if any, carries the underlying checker's message
// verbatim.
func (e *Engine) Validate(ctx context.Context, baseText, patchText string, lang Language) (string, error) {
	patched, err := e.Apply(baseText, patchText)
	if err != nil {
		return "", err
	}
	if lang == "" {
		lang = e.language
	}
	if err := CheckSyntax(ctx, patched, lang); err != nil {
		return "", err
	}
	return patched, nil
}

// parse normalizes patchText and decomposes it into hunks. File headers
// (---/+++, diff --git, index) and code fences are tolerated and stripped;
// only the hunk bodies matter for a single-artifact apply. Header stripping
// stops at the first hunk: past that point a line starting with "--- " is a
// deletion whose content begins "-- ", not a file header.
func (e *Engine) parse(patchText string) ([]hunkOps, error) {
	trimmed := strings.TrimSpace(patchText)
	if trimmed == "" {
		return nil, nil
	}

	var kept []string
	inHunks := false
	for _, line := range strings.Split(trimmed, "\n") {
		if strings.HasPrefix(line, "@@") {
			inHunks = true
		}
		if strings.HasPrefix(line, "```") {
			continue
		}
		if !inHunks {
			switch {
			case strings.HasPrefix(line, "diff --git"),
				strings.HasPrefix(line, "index "),
				strings.HasPrefix(line, "--- "),
				strings.HasPrefix(line, "+++ "):
				continue
			}
		}
		kept = append(kept, line)
	}
	body := strings.Join(kept, "\n")
	if !strings.Contains(body, "@@") {
		if strings.TrimSpace(body) == "" {
			return nil, nil
		}
		return nil, &ValidationError{
			Message: "patch contains no hunk headers (expected lines starting with @@)",
		}
	}
	// Drop any preamble before the first hunk header.
	if at := strings.Index(body, "@@"); at > 0 {
		body = body[strings.LastIndex(body[:at], "\n")+1:]
	}

	parsed, err := diff.ParseHunks([]byte(body))
	if err != nil {
		return nil, &ValidationError{
			Message: fmt.Sprintf("invalid unified diff: %v", err),
		}
	}

	hunks := make([]hunkOps, 0, len(parsed))
	for i, ph := range parsed {
		h := hunkOps{
			index:     i + 1,
			header:    fmt.Sprintf("@@ -%d,%d +%d,%d @@", ph.OrigStartLine, ph.OrigLines, ph.NewStartLine, ph.NewLines),
			origStart: int(ph.OrigStartLine),
		}
		for _, raw := range strings.Split(strings.TrimSuffix(string(ph.Body), "\n"), "\n") {
			switch {
			case strings.HasPrefix(raw, "+"):
				h.newBlock = append(h.newBlock, raw[1:])
			case strings.HasPrefix(raw, "-"):
				h.oldBlock = append(h.oldBlock, raw[1:])
			case strings.HasPrefix(raw, " "):
				h.oldBlock = append(h.oldBlock, raw[1:])
				h.newBlock = append(h.newBlock, raw[1:])
			case raw == "":
				// Models often emit bare empty lines where unified diff
				// requires a leading space. Treat as context.
				h.oldBlock = append(h.oldBlock, "")
				h.newBlock = append(h.newBlock, "")
			case strings.HasPrefix(raw, `\`):
				// "\ No newline at end of file"
			default:
				return nil, &ValidationError{
					Hunk: h.index,
					Message: fmt.Sprintf(
						"hunk #%d %s: malformed line %q (expected ' ', '+' or '-' prefix)",
						h.index, h.header, raw),
				}
			}
		}
		hunks = append(hunks, h)
	}
	return hunks, nil
}

// locate finds the unique position of h's old block in lines.
//
// The declared start line (adjusted by the running offset) is tried first;
// an exact hit there wins even if the same block appears elsewhere. Failing
// that, every position within the window is tried and exactly one match is
// required.
func (e *Engine) locate(lines []string, h hunkOps, offset, floor int) (int, error) {
	want := h.origStart - 1 + offset
	if want >= floor && blockAt(lines, want, h.oldBlock) {
		return want, nil
	}

	var matches []int
	lo := want - e.window
	if lo < floor {
		lo = floor
	}
	hi := want + e.window
	if hi > len(lines)-len(h.oldBlock) {
		hi = len(lines) - len(h.oldBlock)
	}
	for at := lo; at <= hi; at++ {
		if blockAt(lines, at, h.oldBlock) {
			matches = append(matches, at)
		}
	}

	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return 0, &ValidationError{
			Hunk: h.index,
			Message: fmt.Sprintf(
				"hunk #%d %s: context not found within %d lines of line %d",
				h.index, h.header, e.window, h.origStart),
		}
	default:
		return 0, &ValidationError{
			Hunk: h.index,
			Message: fmt.Sprintf(
				"hunk #%d %s: context matches at %d locations near line %d, refusing ambiguous apply",
				h.index, h.header, len(matches), h.origStart),
		}
	}
}

// blockAt reports whether block matches lines exactly at position at.
func blockAt(lines []string, at int, block []string) bool {
	if at < 0 || at+len(block) > len(lines) {
		return false
	}
	for i, want := range block {
		if lines[at+i] != want {
			return false
		}
	}
	return true
}

// spliceLines replaces lines[at:at+del] with repl.
func spliceLines(lines []string, at, del int, repl []string) []string {
	out := make([]string, 0, len(lines)-del+len(repl))
	out = append(out, lines[:at]...)
	out = append(out, repl...)
	out = append(out, lines[at+del:]...)
	return out
}

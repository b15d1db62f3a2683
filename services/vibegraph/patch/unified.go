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

import (
	"fmt"
	"strings"
)

const unifiedContext = 3

// CreateUnified produces a unified diff transforming oldText into newText.
// The output round-trips through Apply. Returns "" when the texts are equal.
func CreateUnified(oldText, newText, filename string) string {
	if oldText == newText {
		return ""
	}
	oldLines := strings.Split(oldText, "\n")
	newLines := strings.Split(newText, "\n")

	ops := diffOps(oldLines, newLines)
	hunks := groupHunks(ops)
	if len(hunks) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "--- a/%s\n", filename)
	fmt.Fprintf(&b, "+++ b/%s\n", filename)
	for _, h := range hunks {
		fmt.Fprintf(&b, "@@ -%d,%d +%d,%d @@\n", h.oldStart, h.oldCount, h.newStart, h.newCount)
		for _, op := range h.ops {
			switch op.kind {
			case opEqual:
				b.WriteString(" " + oldLines[op.oldIdx] + "\n")
			case opDelete:
				b.WriteString("-" + oldLines[op.oldIdx] + "\n")
			case opInsert:
				b.WriteString("+" + newLines[op.newIdx] + "\n")
			}
		}
	}
	return b.String()
}

type opKind int

const (
	opEqual opKind = iota
	opDelete
	opInsert
)

type lineOp struct {
	kind   opKind
	oldIdx int
	newIdx int
}

// diffOps computes an edit script via a standard LCS table. Artifacts here
// are single files edited by a chat loop, so the quadratic table is fine.
func diffOps(oldLines, newLines []string) []lineOp {
	m, n := len(oldLines), len(newLines)
	lcs := make([][]int, m+1)
	for i := range lcs {
		lcs[i] = make([]int, n+1)
	}
	for i := m - 1; i >= 0; i-- {
		for j := n - 1; j >= 0; j-- {
			if oldLines[i] == newLines[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else if lcs[i+1][j] >= lcs[i][j+1] {
				lcs[i][j] = lcs[i+1][j]
			} else {
				lcs[i][j] = lcs[i][j+1]
			}
		}
	}

	var ops []lineOp
	i, j := 0, 0
	for i < m && j < n {
		switch {
		case oldLines[i] == newLines[j]:
			ops = append(ops, lineOp{opEqual, i, j})
			i++
			j++
		case lcs[i+1][j] >= lcs[i][j+1]:
			ops = append(ops, lineOp{opDelete, i, -1})
			i++
		default:
			ops = append(ops, lineOp{opInsert, -1, j})
			j++
		}
	}
	for ; i < m; i++ {
		ops = append(ops, lineOp{opDelete, i, -1})
	}
	for ; j < n; j++ {
		ops = append(ops, lineOp{opInsert, -1, j})
	}
	return ops
}

type hunk struct {
	oldStart, oldCount int
	newStart, newCount int
	ops                []lineOp
}

// groupHunks slices an edit script into hunks, keeping unifiedContext equal
// lines on each side of every change and merging changes whose context
// would overlap.
func groupHunks(ops []lineOp) []hunk {
	// Indices of non-equal ops.
	var changes []int
	for idx, op := range ops {
		if op.kind != opEqual {
			changes = append(changes, idx)
		}
	}
	if len(changes) == 0 {
		return nil
	}

	var groups [][2]int // [start,end) ranges into ops
	start := changes[0] - unifiedContext
	if start < 0 {
		start = 0
	}
	end := changes[0] + unifiedContext + 1
	for _, c := range changes[1:] {
		if c-unifiedContext <= end {
			end = c + unifiedContext + 1
			continue
		}
		groups = append(groups, [2]int{start, min(end, len(ops))})
		start = c - unifiedContext
		end = c + unifiedContext + 1
	}
	groups = append(groups, [2]int{start, min(end, len(ops))})

	hunks := make([]hunk, 0, len(groups))
	for _, g := range groups {
		h := hunk{ops: ops[g[0]:g[1]]}
		h.oldStart, h.newStart = 1, 1
		for _, op := range h.ops {
			switch op.kind {
			case opEqual, opDelete:
				h.oldCount++
			}
			switch op.kind {
			case opEqual, opInsert:
				h.newCount++
			}
		}
		for _, op := range h.ops {
			if op.oldIdx >= 0 {
				h.oldStart = op.oldIdx + 1
				break
			}
		}
		for _, op := range h.ops {
			if op.newIdx >= 0 {
				h.newStart = op.newIdx + 1
				break
			}
		}
		// A hunk of pure insertions at the top of the file anchors at 0.
		if h.oldCount == 0 {
			h.oldStart--
			if h.oldStart < 0 {
				h.oldStart = 0
			}
		}
		if h.newCount == 0 {
			h.newStart--
			if h.newStart < 0 {
				h.newStart = 0
			}
		}
		hunks = append(hunks, h)
	}
	return hunks
}

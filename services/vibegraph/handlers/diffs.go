// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vibegraph/vibegrapher/services/vibegraph/review"
)

// GetDiff handles GET /v1/diffs/:diffId.
func GetDiff(machine *review.Machine) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, err := machine.Get(c.Request.Context(), c.Param("diffId"))
		if err != nil {
			writeDiffError(c, err)
			return
		}
		c.JSON(http.StatusOK, d)
	}
}

// ListSessionDiffs handles GET /v1/sessions/:sessionId/diffs.
func ListSessionDiffs(machine *review.Machine) gin.HandlerFunc {
	return func(c *gin.Context) {
		diffs, err := machine.ListBySession(c.Request.Context(), c.Param("sessionId"))
		if err != nil {
			writeDiffError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"diffs": diffs, "count": len(diffs)})
	}
}

// PendingDiff handles GET /v1/sessions/:sessionId/diffs/pending. This is
// what a review UI polls for: the one diff awaiting a verdict, without
// paging through the session's full diff history.
func PendingDiff(machine *review.Machine) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")
		d, err := machine.Pending(c.Request.Context(), sessionID)
		if err != nil {
			writeDiffError(c, err)
			return
		}
		if d == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "no pending diff for session " + sessionID,
			})
			return
		}
		c.JSON(http.StatusOK, d)
	}
}

// ApproveDiffRequest optionally overrides the commit message at approval.
type ApproveDiffRequest struct {
	CommitMessage string `json:"commit_message"`
}

// ApproveDiff handles POST /v1/diffs/:diffId/approve. Legal only from
// evaluator_approved.
func ApproveDiff(machine *review.Machine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ApproveDiffRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			// Body is optional.
			req = ApproveDiffRequest{}
		}
		d, err := machine.ApproveByHuman(c.Request.Context(), c.Param("diffId"), req.CommitMessage)
		if err != nil {
			writeDiffError(c, err)
			return
		}
		c.JSON(http.StatusOK, d)
	}
}

// RejectDiffRequest carries the human's feedback for the next turn.
type RejectDiffRequest struct {
	Feedback string `json:"feedback" binding:"required"`
}

// RejectDiff handles POST /v1/diffs/:diffId/reject. Feedback is required;
// a rejection without direction gives the generator nothing to fix.
func RejectDiff(machine *review.Machine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RejectDiffRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		d, err := machine.RejectByHuman(c.Request.Context(), c.Param("diffId"), req.Feedback)
		if err != nil {
			writeDiffError(c, err)
			return
		}
		c.JSON(http.StatusOK, d)
	}
}

// CommitDiffRequest optionally overrides the commit message at commit.
type CommitDiffRequest struct {
	CommitMessage string `json:"commit_message"`
}

// CommitDiff handles POST /v1/diffs/:diffId/commit.
//
// A stale base revision answers 409 with the diff in rebase_needed; the
// client must start a fresh turn against the new head.
func CommitDiff(machine *review.Machine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CommitDiffRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			req = CommitDiffRequest{}
		}
		d, err := machine.Commit(c.Request.Context(), c.Param("diffId"), req.CommitMessage)
		if errors.Is(err, review.ErrRebaseNeeded) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "diff": d})
			return
		}
		if err != nil {
			writeDiffError(c, err)
			return
		}
		c.JSON(http.StatusOK, d)
	}
}

// RefineMessageRequest asks for a reworded commit message.
type RefineMessageRequest struct {
	Instruction string `json:"instruction"`
}

// RefineMessage handles POST /v1/diffs/:diffId/refine-message.
func RefineMessage(machine *review.Machine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RefineMessageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			req = RefineMessageRequest{}
		}
		d, err := machine.RefineMessage(c.Request.Context(), c.Param("diffId"), req.Instruction)
		if err != nil {
			writeDiffError(c, err)
			return
		}
		c.JSON(http.StatusOK, d)
	}
}

func writeDiffError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, review.ErrDiffNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, review.ErrInvalidTransition), errors.Is(err, review.ErrDiffPending):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

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
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/vibegraph/vibegrapher/services/vibegraph/eventbus"
	"github.com/vibegraph/vibegrapher/services/vibegraph/session"
)

// CreateSessionRequest binds a session to an artifact.
type CreateSessionRequest struct {
	ArtifactID string `json:"artifact_id" binding:"required"`
}

// CreateSession handles POST /v1/sessions. Returns the existing live
// session for the artifact when there is one.
func CreateSession(mgr *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateSessionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s, err := mgr.Create(c.Request.Context(), req.ArtifactID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, s)
	}
}

// GetSession handles GET /v1/sessions/:sessionId.
func GetSession(mgr *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, err := mgr.Get(c.Request.Context(), c.Param("sessionId"))
		if errors.Is(err, session.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"session":          s,
			"turn_in_progress": mgr.TurnInProgress(s.ID),
		})
	}
}

// SendMessageRequest starts a turn.
type SendMessageRequest struct {
	Prompt string `json:"prompt" binding:"required"`
}

// SendMessage handles POST /v1/sessions/:sessionId/messages.
//
// The turn runs asynchronously; 202 means admitted, not finished. Watch
// the event stream for the outcome. A busy session answers 409.
func SendMessage(mgr *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SendMessageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		turnID, err := mgr.StartTurn(c.Request.Context(), c.Param("sessionId"), req.Prompt)
		switch {
		case errors.Is(err, session.ErrSessionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, session.ErrTurnInProgress):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, session.ErrSessionArchived):
			c.JSON(http.StatusGone, gin.H{"error": err.Error()})
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusAccepted, gin.H{"turn_id": turnID})
		}
	}
}

// CancelTurn handles POST /v1/sessions/:sessionId/cancel.
func CancelTurn(mgr *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		cancelled := mgr.CancelTurn(c.Param("sessionId"))
		c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
	}
}

// ArchiveSession handles DELETE /v1/sessions/:sessionId. The session is
// archived, not erased; its event log stays readable.
func ArchiveSession(mgr *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, err := mgr.Archive(c.Request.Context(), c.Param("sessionId"))
		if errors.Is(err, session.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, s)
	}
}

// ListEvents handles GET /v1/sessions/:sessionId/events?from=N&limit=M.
// Paged read of the stored log; from defaults to 1.
func ListEvents(bus *eventbus.Bus) gin.HandlerFunc {
	return func(c *gin.Context) {
		fromSeq, err := parseSeqParam(c.DefaultQuery("from", "1"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'from' parameter"})
			return
		}
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'limit' parameter"})
			return
		}

		events, err := bus.Events(c.Request.Context(), c.Param("sessionId"), fromSeq, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
	}
}

func parseSeqParam(raw string) (uint64, error) {
	return strconv.ParseUint(raw, 10, 64)
}

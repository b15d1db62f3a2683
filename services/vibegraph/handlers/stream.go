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
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vibegraph/vibegrapher/services/vibegraph/eventbus"
)

const keepAliveInterval = 15 * time.Second

// StreamEvents handles GET /v1/sessions/:sessionId/stream?from=N.
//
// # Description
//
//	Opens an SSE stream of the session's event log starting at sequence
//	from (default: after the current tail). The standard Last-Event-ID
//	header takes precedence over the query parameter, so EventSource
//	reconnection resumes transparently: the stored tail replays first,
//	then delivery goes live, with no gap and no duplicate.
//
// # Limitations
//
//	A consumer that falls too far behind is disconnected and must
//	reconnect with its cursor.
func StreamEvents(bus *eventbus.Bus, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")

		var fromSeq uint64
		if raw := c.Query("from"); raw != "" {
			parsed, err := parseSeqParam(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'from' parameter"})
				return
			}
			fromSeq = parsed
		} else {
			last, err := bus.LastSequence(c.Request.Context(), sessionID)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			fromSeq = last + 1
		}
		if raw := c.GetHeader("Last-Event-ID"); raw != "" {
			if lastSeen, err := parseSeqParam(raw); err == nil {
				fromSeq = lastSeen + 1
			}
		}

		sub, err := bus.Subscribe(c.Request.Context(), sessionID, fromSeq)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		defer sub.Cancel()

		SetSSEHeaders(c.Writer)
		writer, err := NewSSEWriter(c.Writer)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()

		for {
			select {
			case <-c.Request.Context().Done():
				return
			case <-ticker.C:
				if err := writer.WriteKeepAlive(); err != nil {
					return
				}
			case ev, ok := <-sub.C:
				if !ok {
					// Bus closed the feed (shutdown or lag). The id lines
					// already sent let the client resume.
					logger.Debug("event feed closed",
						slog.String("session_id", sessionID))
					return
				}
				if err := writer.WriteEvent(ev); err != nil {
					logger.Debug("stream write failed, client gone",
						slog.String("session_id", sessionID),
						slog.String("error", err.Error()))
					return
				}
			}
		}
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vibegraph/vibegrapher/services/vibegraph/eventbus"
	"github.com/vibegraph/vibegrapher/services/vibegraph/handlers"
	"github.com/vibegraph/vibegrapher/services/vibegraph/review"
	"github.com/vibegraph/vibegrapher/services/vibegraph/session"
	"github.com/vibegraph/vibegrapher/services/vibegraph/snapshot"
)

// Deps bundles the collaborators the handlers need.
type Deps struct {
	Store   *snapshot.Store
	Bus     *eventbus.Bus
	Machine *review.Machine
	Manager *session.Manager
	Logger  *slog.Logger

	// EnableMetrics mounts /metrics.
	EnableMetrics bool
}

// SetupRoutes registers all HTTP routes on the router.
func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", handlers.HealthCheck)
	if deps.EnableMetrics {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	// API version 1 group
	v1 := router.Group("/v1")
	{
		artifacts := v1.Group("/artifacts")
		{
			artifacts.POST("", handlers.CreateArtifact(deps.Store))
			artifacts.GET("/:artifactId", handlers.GetArtifact(deps.Store))
			artifacts.GET("/:artifactId/history", handlers.GetArtifactHistory(deps.Store))
		}

		sessions := v1.Group("/sessions")
		{
			sessions.POST("", handlers.CreateSession(deps.Manager))
			sessions.GET("/:sessionId", handlers.GetSession(deps.Manager))
			sessions.DELETE("/:sessionId", handlers.ArchiveSession(deps.Manager))
			sessions.POST("/:sessionId/messages", handlers.SendMessage(deps.Manager))
			sessions.POST("/:sessionId/cancel", handlers.CancelTurn(deps.Manager))
			sessions.GET("/:sessionId/events", handlers.ListEvents(deps.Bus))
			sessions.GET("/:sessionId/stream", handlers.StreamEvents(deps.Bus, deps.Logger))
			sessions.GET("/:sessionId/diffs", handlers.ListSessionDiffs(deps.Machine))
			sessions.GET("/:sessionId/diffs/pending", handlers.PendingDiff(deps.Machine))
		}

		diffs := v1.Group("/diffs")
		{
			diffs.GET("/:diffId", handlers.GetDiff(deps.Machine))
			diffs.POST("/:diffId/approve", handlers.ApproveDiff(deps.Machine))
			diffs.POST("/:diffId/reject", handlers.RejectDiff(deps.Machine))
			diffs.POST("/:diffId/commit", handlers.CommitDiff(deps.Machine))
			diffs.POST("/:diffId/refine-message", handlers.RefineMessage(deps.Machine))
		}
	}
}

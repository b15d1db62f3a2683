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
	"github.com/google/uuid"

	"github.com/vibegraph/vibegrapher/services/vibegraph/patch"
	"github.com/vibegraph/vibegrapher/services/vibegraph/snapshot"
)

// CreateArtifactRequest seeds a new artifact with its initial content.
type CreateArtifactRequest struct {
	// ArtifactID is optional; one is generated when empty.
	ArtifactID string `json:"artifact_id"`
	Content    string `json:"content" binding:"required"`

	// Language selects the grammar for syntax checks on this artifact.
	// When empty it is inferred from Filename; when both are empty the
	// service default applies.
	Language string `json:"language"`
	Filename string `json:"filename"`
}

// CreateArtifact handles POST /v1/artifacts.
func CreateArtifact(store *snapshot.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateArtifactRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.ArtifactID == "" {
			req.ArtifactID = uuid.NewString()
		}
		lang, ok := patch.ParseLanguage(req.Language)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "unsupported language " + req.Language,
			})
			return
		}
		if lang == "" && req.Filename != "" {
			lang = patch.DetectLanguage(req.Filename)
		}

		rev, err := store.Seed(c.Request.Context(), req.ArtifactID, req.Content, string(lang))
		if errors.Is(err, snapshot.ErrArtifactExists) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"artifact_id": req.ArtifactID,
			"revision":    rev,
			"language":    lang,
		})
	}
}

// GetArtifact handles GET /v1/artifacts/:artifactId. Returns the current
// content and the revision it belongs to.
func GetArtifact(store *snapshot.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		artifactID := c.Param("artifactId")
		content, rev, err := store.Content(c.Request.Context(), artifactID)
		if errors.Is(err, snapshot.ErrArtifactNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"artifact_id": artifactID,
			"revision":    rev,
			"content":     content,
		})
	}
}

// GetArtifactHistory handles GET /v1/artifacts/:artifactId/history.
// Commits come back newest first; content is omitted to keep responses
// small, fetch a single revision for the full text.
func GetArtifactHistory(store *snapshot.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		artifactID := c.Param("artifactId")
		commits, err := store.History(c.Request.Context(), artifactID)
		if errors.Is(err, snapshot.ErrArtifactNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		type commitSummary struct {
			Revision  string `json:"revision"`
			Parent    string `json:"parent,omitempty"`
			Message   string `json:"message"`
			CreatedAt string `json:"created_at"`
		}
		out := make([]commitSummary, 0, len(commits))
		for _, commit := range commits {
			out = append(out, commitSummary{
				Revision:  string(commit.Revision),
				Parent:    string(commit.Parent),
				Message:   commit.Message,
				CreatedAt: commit.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
			})
		}
		c.JSON(http.StatusOK, gin.H{"artifact_id": artifactID, "commits": out})
	}
}

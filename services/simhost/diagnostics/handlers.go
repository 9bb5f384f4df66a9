// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package diagnostics

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/simhost/services/simhost/pipeline"
)

// ServiceVersion is reported by the health endpoint.
const ServiceVersion = "0.1.0"

// HealthResponse is returned by GET /v1/simhost/health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	RunID   string `json:"run_id"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is the error code (optional).
	Code string `json:"code,omitempty"`
}

// ToggleRequest is the body of PUT /v1/simhost/pipeline/:name.
type ToggleRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// PipelineResponse lists the registered modules in registration order.
type PipelineResponse struct {
	Modules []pipeline.Descriptor `json:"modules"`
}

// Handlers serves the diagnostics endpoints.
type Handlers struct {
	host         HostView
	pipeline     PipelineView
	feedInterval time.Duration
	logger       *slog.Logger
	upgrader     websocket.Upgrader
}

// NewHandlers creates handlers. pipe may be nil.
func NewHandlers(hv HostView, pipe PipelineView, feedInterval time.Duration, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		host:         hv,
		pipeline:     pipe,
		feedInterval: feedInterval,
		logger:       logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// RegisterRoutes registers the /simhost endpoints on rg (typically /v1).
//
// Example:
//
//	router := gin.New()
//	diagnostics.RegisterRoutes(router.Group("/v1"), handlers)
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	simhost := rg.Group("/simhost")
	{
		simhost.GET("/health", h.HandleHealth)
		simhost.GET("/status", h.HandleStatus)
		simhost.GET("/pipeline", h.HandlePipeline)
		simhost.PUT("/pipeline/:name", h.HandleToggleModule)
		simhost.GET("/feed", h.HandleFeed)
	}
}

// HandleHealth handles GET /v1/simhost/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: ServiceVersion,
		RunID:   h.host.Report().RunID,
	})
}

// HandleStatus handles GET /v1/simhost/status.
func (h *Handlers) HandleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.host.Report())
}

// HandlePipeline handles GET /v1/simhost/pipeline.
//
// Response:
//
//	200 OK: PipelineResponse
//	503 Service Unavailable: no pipeline is attached
func (h *Handlers) HandlePipeline(c *gin.Context) {
	if h.pipeline == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "no physics pipeline attached",
			Code:  "PIPELINE_UNAVAILABLE",
		})
		return
	}
	c.JSON(http.StatusOK, PipelineResponse{Modules: h.pipeline.Modules()})
}

// HandleToggleModule handles PUT /v1/simhost/pipeline/:name.
//
// Description:
//
//	Enables or disables one module. The change takes effect at the next
//	frame.
//
// Response:
//
//	200 OK: PipelineResponse after the change
//	400 Bad Request: body missing "enabled"
//	404 Not Found: no module with that name
//	503 Service Unavailable: no pipeline is attached
func (h *Handlers) HandleToggleModule(c *gin.Context) {
	if h.pipeline == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "no physics pipeline attached",
			Code:  "PIPELINE_UNAVAILABLE",
		})
		return
	}

	var req ToggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "request body must contain \"enabled\"",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	name := c.Param("name")
	if err := h.pipeline.SetEnabled(name, *req.Enabled); err != nil {
		if errors.Is(err, pipeline.ErrModuleNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error: err.Error(),
				Code:  "MODULE_NOT_FOUND",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	h.logger.Info("module toggled",
		slog.String("module", name),
		slog.Bool("enabled", *req.Enabled),
	)
	c.JSON(http.StatusOK, PipelineResponse{Modules: h.pipeline.Modules()})
}

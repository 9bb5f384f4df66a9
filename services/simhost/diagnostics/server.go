// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package diagnostics serves the read-mostly HTTP view of a running host.
//
// # Endpoints
//
//	GET /v1/simhost/health          - Liveness
//	GET /v1/simhost/status          - host.Report as JSON
//	GET /v1/simhost/pipeline        - Registered module descriptors
//	PUT /v1/simhost/pipeline/:name  - Enable or disable a module
//	GET /v1/simhost/feed            - WebSocket stream of published headers
//	GET /metrics                    - Prometheus exposition, when enabled
//
// The shared-memory region remains the primary data path; this API exists
// for operators and tooling.
package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/simhost/services/simhost/host"
	"github.com/AleutianAI/simhost/services/simhost/pipeline"
	"github.com/AleutianAI/simhost/services/simhost/snapshot"
)

const (
	serviceName     = "simhost-diagnostics"
	shutdownTimeout = 5 * time.Second
)

// HostView is the part of host.Host the API reads.
type HostView interface {
	Report() host.Report
	LastHeader() (snapshot.Header, bool)
}

// PipelineView is the part of pipeline.Pipeline the API reads and toggles.
type PipelineView interface {
	Modules() []pipeline.Descriptor
	SetEnabled(name string, enabled bool) error
}

// Options configures a Server.
type Options struct {
	// Address to listen on, e.g. "127.0.0.1:8091".
	Address string

	// FeedInterval is the push period of the WebSocket feed.
	FeedInterval time.Duration

	// Host is required.
	Host HostView

	// Pipeline may be nil when the host runs without an accelerated engine.
	Pipeline PipelineView

	// Metrics serves /metrics. Nil leaves the route unregistered.
	Metrics http.Handler

	Logger *slog.Logger
}

// Server is the diagnostics HTTP server.
type Server struct {
	opts   Options
	router *gin.Engine
	logger *slog.Logger
}

// New builds the router. It does not listen.
//
// Outputs:
//
//	*Server - The server.
//	error - Non-nil if Host is missing or FeedInterval is not positive.
func New(opts Options) (*Server, error) {
	if opts.Host == nil {
		return nil, errors.New("diagnostics: host view is required")
	}
	if opts.FeedInterval <= 0 {
		return nil, fmt.Errorf("diagnostics: feed interval must be positive, got %s", opts.FeedInterval)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		opts:   opts,
		logger: logger.With(slog.String("component", "diagnostics")),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))

	RegisterRoutes(router.Group("/v1"), NewHandlers(opts.Host, opts.Pipeline, opts.FeedInterval, s.logger))
	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(opts.Metrics))
	}
	s.router = router
	return s, nil
}

// Handler returns the router for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run listens on the configured address until ctx ends, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.opts.Address)
	if err != nil {
		return fmt.Errorf("diagnostics listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("diagnostics listening", slog.String("address", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("diagnostics shutdown incomplete", slog.String("error", err.Error()))
		_ = srv.Close()
	}
	<-errCh
	return nil
}

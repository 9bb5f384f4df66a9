// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package host

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/simhost/services/simhost/protocol"
)

const (
	listenRetryDelay = 250 * time.Millisecond
	maxCommandLine   = 16 * 1024 * 1024
)

// commandLoop serves one control connection at a time until ctx ends.
//
// Description:
//
//	The endpoint is (re)created for every connection and closed once a peer
//	is accepted, so at most one peer is connected. When the peer
//	disconnects a fresh endpoint is opened. Listen failures are retried
//	after a short delay.
func (h *Host) commandLoop(ctx context.Context) error {
	logger := h.logger.With(slog.String("control", h.cfg.Control.Address))

	for ctx.Err() == nil {
		conn, err := h.acceptOne(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Warn("control endpoint unavailable, retrying", slog.String("error", err.Error()))
			if !sleepCtx(ctx, listenRetryDelay) {
				break
			}
			continue
		}

		h.metrics.ConnectionsTotal.Add(ctx, 1)
		logger.Info("control peer connected")
		if h.serveConn(ctx, conn) {
			logger.Info("control loop exiting after shutdown")
			break
		}
		logger.Info("control peer disconnected")
	}
	return nil
}

// acceptOne opens the endpoint, accepts a single peer and closes the endpoint.
func (h *Host) acceptOne(ctx context.Context) (net.Conn, error) {
	network, address := h.cfg.Control.Network, h.cfg.Control.Address
	if network == "unix" {
		if err := os.Remove(address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, network, address)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer ln.Close()

	return ln.Accept()
}

// serveConn reads commands from conn until it closes. It returns true when a
// Shutdown command was received.
func (h *Host) serveConn(ctx context.Context, conn net.Conn) bool {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	lines := newLineReader(conn, maxCommandLine)
	for {
		line, tooLong, err := lines.next()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				h.logger.Debug("control read ended", slog.String("error", err.Error()))
			}
			return false
		}
		if tooLong {
			h.metrics.CommandsDroppedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "malformed")))
			h.logger.Debug("dropping oversized command line", slog.Int("limit_bytes", maxCommandLine))
			continue
		}

		cmd, err := protocol.DecodeCommand(line)
		if err != nil {
			h.metrics.CommandsDroppedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "malformed")))
			h.logger.Debug("dropping malformed command line", slog.String("error", err.Error()))
			continue
		}

		if err := h.Submit(ctx, cmd); err != nil && ctx.Err() != nil {
			return false
		}
		if cmd.Type == protocol.CommandShutdown {
			return true
		}
	}
}

// lineReader splits a stream into newline-terminated lines of at most limit
// bytes. A longer line is consumed up to its newline and reported as too long.
type lineReader struct {
	r     *bufio.Reader
	limit int
	buf   []byte
}

func newLineReader(r io.Reader, limit int) *lineReader {
	return &lineReader{r: bufio.NewReaderSize(r, 64*1024), limit: limit}
}

// next returns the next line without its newline. The slice is only valid
// until the following call. A final line without a newline is returned
// before io.EOF.
func (l *lineReader) next() (line []byte, tooLong bool, err error) {
	l.buf = l.buf[:0]
	for {
		chunk, err := l.r.ReadSlice('\n')
		complete := err == nil
		if complete {
			chunk = chunk[:len(chunk)-1]
		}
		if !tooLong {
			if len(l.buf)+len(chunk) > l.limit {
				tooLong = true
				l.buf = l.buf[:0]
			} else {
				l.buf = append(l.buf, chunk...)
			}
		}

		switch {
		case complete:
			return l.buf, tooLong, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && (len(l.buf) > 0 || tooLong):
			return l.buf, tooLong, nil
		default:
			return nil, false, err
		}
	}
}

// sleepCtx waits for d or until ctx ends. It returns false if ctx ended.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

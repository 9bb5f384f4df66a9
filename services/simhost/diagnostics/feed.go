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
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/simhost/services/simhost/snapshot"
)

const feedWriteTimeout = 2 * time.Second

// FeedMessage is one WebSocket frame of the live feed.
type FeedMessage struct {
	RunID  string          `json:"run_id"`
	Status string          `json:"status"`
	Mode   string          `json:"mode"`
	Header snapshot.Header `json:"header"`
}

// HandleFeed handles GET /v1/simhost/feed.
//
// Description:
//
//	Upgrades to a WebSocket and pushes the latest published header every
//	feed interval. Nothing is sent until the first snapshot has been
//	published, and a header is not resent until a newer one exists.
//	Client messages are read and discarded; the stream ends when the client
//	disconnects or the request context ends.
func (h *Handlers) HandleFeed(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("feed upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ctx := c.Request.Context()
	ticker := time.NewTicker(h.feedInterval)
	defer ticker.Stop()

	var lastIteration, lastTimestamp int64 = -1, -1
	for {
		if hdr, ok := h.host.LastHeader(); ok && (hdr.Iteration != lastIteration || hdr.Timestamp != lastTimestamp) {
			report := h.host.Report()
			msg := FeedMessage{
				RunID:  report.RunID,
				Status: report.Status,
				Mode:   report.Mode,
				Header: hdr,
			}
			_ = ws.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
			if err := ws.WriteJSON(msg); err != nil {
				h.logger.Debug("feed client gone", slog.String("error", err.Error()))
				return
			}
			lastIteration, lastTimestamp = hdr.Iteration, hdr.Timestamp
		}

		select {
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(feedWriteTimeout))
			return
		case <-closed:
			return
		case <-ticker.C:
		}
	}
}

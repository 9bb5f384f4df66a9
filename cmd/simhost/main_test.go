// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/simhost/pkg/ux"
	"github.com/AleutianAI/simhost/services/simhost/config"
	"github.com/AleutianAI/simhost/services/simhost/protocol"
	"github.com/AleutianAI/simhost/services/simhost/snapshot"
)

func TestBuildCommand(t *testing.T) {
	defaults := func() *sendOptions { return &sendOptions{settings: protocol.DefaultSettings()} }

	t.Run("simple", func(t *testing.T) {
		c, err := buildCommand("start", defaults())
		require.NoError(t, err)
		assert.Equal(t, protocol.Command{Type: protocol.CommandStart}, c)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := buildCommand("launch", defaults())
		assert.ErrorIs(t, err, protocol.ErrUnknownCommand)
	})

	t.Run("settings from flags", func(t *testing.T) {
		so := defaults()
		so.settings.NodeCount = 50
		c, err := buildCommand("update_settings", so)
		require.NoError(t, err)
		assert.Equal(t, protocol.CommandUpdateSettings, c.Type)

		s, err := protocol.ParseSettings(c.PayloadJson)
		require.NoError(t, err)
		assert.Equal(t, 50, s.NodeCount)
		assert.Equal(t, protocol.DefaultSeed, int(s.Seed))
	})

	t.Run("raw payload", func(t *testing.T) {
		so := defaults()
		so.payload = `{"NodeCount":7}`
		c, err := buildCommand("update_settings", so)
		require.NoError(t, err)
		assert.Equal(t, so.payload, c.PayloadJson)
	})

	t.Run("bad raw payload", func(t *testing.T) {
		so := defaults()
		so.payload = `{nope`
		_, err := buildCommand("update_settings", so)
		assert.ErrorIs(t, err, protocol.ErrMalformedSettings)
	})
}

func TestSendCommand_WritesOneLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctl.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer ln.Close()

	got := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			got <- ""
			return
		}
		defer conn.Close()
		line, _ := bufio.NewReader(conn).ReadString('\n')
		got <- line
	}()

	require.NoError(t, sendCommand("unix", path, time.Second, protocol.Command{Type: protocol.CommandShutdown}))

	select {
	case line := <-got:
		c, err := protocol.DecodeCommand([]byte(line))
		require.NoError(t, err)
		assert.Equal(t, protocol.CommandShutdown, c.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("no line received")
	}
}

func TestSendCommand_ConnectError(t *testing.T) {
	err := sendCommand("unix", filepath.Join(t.TempDir(), "missing.sock"), 100*time.Millisecond,
		protocol.Command{Type: protocol.CommandStart})
	assert.ErrorContains(t, err, "connect to unix://")
}

func TestPeek_PrintsHeader(t *testing.T) {
	region := snapshot.NewMemoryRegion(snapshot.HeaderSize + 4*snapshot.RenderNodeSize)
	w, err := snapshot.NewWriter(region)
	require.NoError(t, err)
	_, err = w.Write(snapshot.Header{
		Iteration:            42,
		StatusCode:           int32(protocol.StatusRunning),
		SpectralWorkersBusy:  1,
		SpectralWorkersTotal: 2,
	}, make([]snapshot.RenderNode, 3))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, peek(context.Background(), ux.NewPrinter(&buf, true), region, 0))

	out := buf.String()
	assert.Contains(t, out, "status\trunning\n")
	assert.Contains(t, out, "iteration\t42\n")
	assert.Contains(t, out, "nodes\t3\n")
	assert.Contains(t, out, "spectral_workers\t1/2\n")
}

func TestHeaderFields_Rich(t *testing.T) {
	fields := headerFields(snapshot.Header{StatusCode: int32(protocol.StatusFaulted)}, false)
	require.NotEmpty(t, fields)
	assert.Equal(t, "status", fields[0].Key)
	assert.Contains(t, fields[0].Value, "faulted")
	assert.Contains(t, fields[0].Value, string(ux.IconError))
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "simhost.yaml")

	run := func(args ...string) (string, error) {
		root := newRootCmd()
		var out bytes.Buffer
		root.SetOut(&out)
		root.SetErr(&out)
		root.SetArgs(args)
		err := root.Execute()
		return out.String(), err
	}

	out, err := run("config", "init", "--path", path)
	require.NoError(t, err)
	assert.Contains(t, out, "OK: wrote "+path)

	_, err = os.Stat(path)
	require.NoError(t, err)

	_, err = run("config", "init", "--path", path)
	assert.Error(t, err, "existing file needs --force")

	_, err = run("config", "init", "--path", path, "--force")
	assert.NoError(t, err)

	out, err = run("--config", path, "config", "validate")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "OK: "))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().Physics, cfg.Physics)
}

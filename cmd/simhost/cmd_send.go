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
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/simhost/services/simhost/protocol"
)

type sendOptions struct {
	network  string
	address  string
	timeout  time.Duration
	payload  string
	settings protocol.Settings
}

func newSendCmd(opts *rootOptions) *cobra.Command {
	so := &sendOptions{settings: protocol.DefaultSettings()}

	cmd := &cobra.Command{
		Use:   "send <command>",
		Short: "Send one control command to a running host",
		Long: `Connects to the control socket and writes a single command line.

Commands: handshake, start, pause, step, update_settings,
get_multi_gpu_status, shutdown, stop.

update_settings takes its payload from --node-count, --degree, --seed and
--temperature, or verbatim from --payload.`,
		Example: `  simhost send start
  simhost send update_settings --node-count 50 --temperature 2
  simhost send shutdown --address /tmp/simhost.sock`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("network") {
				so.network = cfg.Control.Network
			}
			if !cmd.Flags().Changed("address") {
				so.address = cfg.Control.Address
			}

			c, err := buildCommand(args[0], so)
			if err != nil {
				return err
			}
			if err := sendCommand(so.network, so.address, so.timeout, c); err != nil {
				opts.printer(cmd).Error(err.Error())
				return err
			}
			opts.printer(cmd).Success(fmt.Sprintf("sent %s to %s", c.Type, so.address))
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&so.network, "network", "unix", "Control network (unix or tcp)")
	f.StringVar(&so.address, "address", "", "Control address (defaults to the configured one)")
	f.DurationVar(&so.timeout, "timeout", 3*time.Second, "Dial and write timeout")
	f.StringVar(&so.payload, "payload", "", "Raw UpdateSettings JSON payload")
	f.IntVar(&so.settings.NodeCount, "node-count", so.settings.NodeCount, "Settings: node count")
	f.IntVar(&so.settings.TargetDegree, "degree", so.settings.TargetDegree, "Settings: target degree")
	f.Int64Var(&so.settings.Seed, "seed", so.settings.Seed, "Settings: graph seed")
	f.Float64Var(&so.settings.Temperature, "temperature", so.settings.Temperature, "Settings: temperature")
	return cmd
}

// buildCommand maps a command name and flags to a protocol command.
func buildCommand(name string, so *sendOptions) (protocol.Command, error) {
	t, err := protocol.ParseCommandType(name)
	if err != nil {
		return protocol.Command{}, err
	}
	if t != protocol.CommandUpdateSettings {
		return protocol.Command{Type: t}, nil
	}
	if so.payload != "" {
		if _, err := protocol.ParseSettings(so.payload); err != nil {
			return protocol.Command{}, err
		}
		return protocol.Command{Type: t, PayloadJson: so.payload}, nil
	}
	return protocol.NewUpdateSettings(so.settings)
}

func sendCommand(network, address string, timeout time.Duration, c protocol.Command) error {
	line, err := protocol.EncodeCommand(c)
	if err != nil {
		return err
	}
	conn, err := net.DialTimeout(network, address, timeout)
	if err != nil {
		return fmt.Errorf("connect to %s://%s: %w", network, address, err)
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	if _, err := conn.Write(line); err != nil {
		return fmt.Errorf("write command: %w", err)
	}
	return nil
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package protocol defines the control-channel wire format of the simulation host.
//
// # Wire Format
//
// The control channel carries one JSON object per line:
//
//	{"Type": 4, "PayloadJson": "{\"NodeCount\":50,\"TargetDegree\":4,\"Seed\":42,\"Temperature\":1.0}"}
//
// Type codes are fixed and must not be renumbered; existing clients send them
// as plain integers. PayloadJson is only meaningful for UpdateSettings and is
// itself a JSON document carried as a string.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// CommandType is the discriminator of a control message.
type CommandType int

const (
	CommandHandshake         CommandType = 0
	CommandStart             CommandType = 1
	CommandPause             CommandType = 2
	CommandStep              CommandType = 3
	CommandUpdateSettings    CommandType = 4
	CommandGetMultiGpuStatus CommandType = 10
	CommandShutdown          CommandType = 99
	CommandStop              CommandType = 100
)

// String returns the string representation of the command type.
func (t CommandType) String() string {
	switch t {
	case CommandHandshake:
		return "handshake"
	case CommandStart:
		return "start"
	case CommandPause:
		return "pause"
	case CommandStep:
		return "step"
	case CommandUpdateSettings:
		return "update_settings"
	case CommandGetMultiGpuStatus:
		return "get_multi_gpu_status"
	case CommandShutdown:
		return "shutdown"
	case CommandStop:
		return "stop"
	default:
		return "unknown"
	}
}

// Known returns true if the type is one of the fixed discriminators.
func (t CommandType) Known() bool {
	return t.String() != "unknown"
}

// ParseCommandType maps a CLI-friendly name to its discriminator.
func ParseCommandType(name string) (CommandType, error) {
	for _, t := range []CommandType{
		CommandHandshake, CommandStart, CommandPause, CommandStep,
		CommandUpdateSettings, CommandGetMultiGpuStatus, CommandShutdown, CommandStop,
	} {
		if t.String() == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
}

// Command is one decoded control message.
type Command struct {
	// Type is the fixed discriminator code.
	Type CommandType `json:"Type"`

	// PayloadJson carries the UpdateSettings document, if any.
	PayloadJson string `json:"PayloadJson,omitempty"`
}

// DecodeCommand parses one line of the control channel.
//
// Description:
//
//	Surrounding whitespace is ignored. A line that is empty, is not a JSON
//	object, or lacks a Type field is rejected with ErrMalformedCommand. Unknown
//	type codes decode successfully; callers decide whether to ignore them.
//
// Inputs:
//
//	line - Raw bytes of one line, with or without the trailing newline.
//
// Outputs:
//
//	Command - The decoded command.
//	error - Non-nil if the line is malformed.
func DecodeCommand(line []byte) (Command, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Command{}, fmt.Errorf("%w: empty line", ErrMalformedCommand)
	}

	var raw struct {
		Type        *CommandType `json:"Type"`
		PayloadJson string       `json:"PayloadJson"`
	}
	if err := json.Unmarshal(line, &raw); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	if raw.Type == nil {
		return Command{}, fmt.Errorf("%w: missing Type", ErrMalformedCommand)
	}

	return Command{Type: *raw.Type, PayloadJson: raw.PayloadJson}, nil
}

// EncodeCommand renders a command as a single newline-terminated line.
func EncodeCommand(cmd Command) ([]byte, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	return append(data, '\n'), nil
}

// NewUpdateSettings builds an UpdateSettings command carrying s as its payload.
func NewUpdateSettings(s Settings) (Command, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return Command{}, fmt.Errorf("encode settings: %w", err)
	}
	return Command{Type: CommandUpdateSettings, PayloadJson: string(payload)}, nil
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package protocol

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCommand_FixedCodes(t *testing.T) {
	tests := []struct {
		line string
		want CommandType
	}{
		{`{"Type":0}`, CommandHandshake},
		{`{"Type":1}`, CommandStart},
		{`{"Type":2}`, CommandPause},
		{`{"Type":3}`, CommandStep},
		{`{"Type":4,"PayloadJson":"{}"}`, CommandUpdateSettings},
		{`{"Type":10}`, CommandGetMultiGpuStatus},
		{`{"Type":99}`, CommandShutdown},
		{`{"Type":100}`, CommandStop},
	}

	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			cmd, err := DecodeCommand([]byte(tt.line + "\n"))
			require.NoError(t, err)
			assert.Equal(t, tt.want, cmd.Type)
			assert.True(t, cmd.Type.Known())
		})
	}
}

func TestDecodeCommand_Malformed(t *testing.T) {
	for _, line := range []string{"", "   ", "not json", `{"PayloadJson":"x"}`, `[1,2]`, `{"Type":"start"}`} {
		_, err := DecodeCommand([]byte(line))
		require.Error(t, err, "line %q", line)
		assert.True(t, errors.Is(err, ErrMalformedCommand), "line %q: %v", line, err)
	}
}

func TestDecodeCommand_UnknownTypeDecodes(t *testing.T) {
	cmd, err := DecodeCommand([]byte(`{"Type":42}`))
	require.NoError(t, err)
	assert.False(t, cmd.Type.Known())
	assert.Equal(t, "unknown", cmd.Type.String())
}

func TestEncodeCommand_RoundTripsThroughDecoder(t *testing.T) {
	cmd, err := NewUpdateSettings(Settings{NodeCount: 50, TargetDegree: 4, Seed: 42, Temperature: 1})
	require.NoError(t, err)

	line, err := EncodeCommand(cmd)
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), line[len(line)-1])
	assert.Contains(t, string(line), `"Type":4`)
	assert.Contains(t, string(line), `"PayloadJson"`)

	decoded, err := DecodeCommand(line)
	require.NoError(t, err)
	s, err := ParseSettings(decoded.PayloadJson)
	require.NoError(t, err)
	assert.Equal(t, 50, s.NodeCount)
}

func TestParseCommandType(t *testing.T) {
	ct, err := ParseCommandType("update_settings")
	require.NoError(t, err)
	assert.Equal(t, CommandUpdateSettings, ct)

	_, err = ParseCommandType("reboot")
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestParseSettings_Clamping(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Settings
	}{
		{
			name:    "non-positive node count resets to default",
			payload: `{"NodeCount":0,"TargetDegree":4,"Seed":7,"Temperature":2.5}`,
			want:    Settings{NodeCount: 1000, TargetDegree: 4, Seed: 7, Temperature: 2.5},
		},
		{
			name:    "negative node count resets to default",
			payload: `{"NodeCount":-5,"TargetDegree":4,"Seed":42,"Temperature":1}`,
			want:    Settings{NodeCount: 1000, TargetDegree: 4, Seed: 42, Temperature: 1},
		},
		{
			name:    "huge node count clamps",
			payload: `{"NodeCount":5000000,"TargetDegree":4,"Seed":42,"Temperature":1}`,
			want:    Settings{NodeCount: 2_000_000, TargetDegree: 4, Seed: 42, Temperature: 1},
		},
		{
			name:    "huge degree clamps",
			payload: `{"NodeCount":100,"TargetDegree":500,"Seed":42,"Temperature":1}`,
			want:    Settings{NodeCount: 100, TargetDegree: 256, Seed: 42, Temperature: 1},
		},
		{
			name:    "non-positive temperature resets",
			payload: `{"NodeCount":100,"TargetDegree":0,"Seed":1,"Temperature":-3}`,
			want:    Settings{NodeCount: 100, TargetDegree: 4, Seed: 1, Temperature: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSettings(tt.payload)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSettings_Malformed(t *testing.T) {
	_, err := ParseSettings("")
	assert.ErrorIs(t, err, ErrMalformedSettings)

	_, err = ParseSettings("{nope")
	assert.ErrorIs(t, err, ErrMalformedSettings)
}

func TestSettings_NormalizeNonFiniteTemperature(t *testing.T) {
	s := Settings{NodeCount: 10, TargetDegree: 2, Temperature: math.NaN()}.Normalize()
	assert.Equal(t, DefaultTemperature, s.Temperature)

	s = Settings{NodeCount: 10, TargetDegree: 2, Temperature: math.Inf(1)}.Normalize()
	assert.Equal(t, DefaultTemperature, s.Temperature)
}

func TestSettings_TopologyChanged(t *testing.T) {
	base := DefaultSettings()

	assert.False(t, base.TopologyChanged(base))

	warmer := base
	warmer.Temperature = 3
	assert.False(t, base.TopologyChanged(warmer), "temperature alone must not rebuild")

	for _, mutate := range []func(*Settings){
		func(s *Settings) { s.NodeCount++ },
		func(s *Settings) { s.Seed++ },
		func(s *Settings) { s.TargetDegree++ },
	} {
		next := base
		mutate(&next)
		assert.True(t, base.TopologyChanged(next))
	}
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "running", StatusRunning.String())
	assert.Equal(t, "faulted", StatusFaulted.String())
	assert.Equal(t, "unknown", Status(77).String())
	assert.Equal(t, int32(4), int32(StatusFaulted))
}

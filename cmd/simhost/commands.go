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
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/simhost/pkg/ux"
	"github.com/AleutianAI/simhost/services/simhost/config"
)

// rootOptions are the flags shared by every subcommand.
type rootOptions struct {
	configPath string
	plain      bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "simhost",
		Short: "Run and control the graph simulation host",
		Long: `simhost steps a graph simulation through a staged physics pipeline and
publishes every tick into a shared-memory snapshot that viewers map directly.
A line-delimited JSON control socket starts, pauses and reconfigures it.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"Path to simhost.yaml (defaults are used when empty)")
	rootCmd.PersistentFlags().BoolVar(&opts.plain, "plain", false,
		"Plain, machine-readable output even on a terminal")

	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newSendCmd(opts))
	rootCmd.AddCommand(newPeekCmd(opts))
	rootCmd.AddCommand(newConfigCmd(opts))
	return rootCmd
}

func (o *rootOptions) loadConfig() (config.SimHostConfig, error) {
	return config.Load(o.configPath)
}

// printer picks machine output when stdout is redirected.
func (o *rootOptions) printer(cmd *cobra.Command) *ux.Printer {
	machine := o.plain
	if f, ok := cmd.OutOrStdout().(*os.File); ok {
		machine = machine || !isatty.IsTerminal(f.Fd())
	} else {
		machine = true
	}
	return ux.NewPrinter(cmd.OutOrStdout(), machine)
}

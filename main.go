// agentdock - Chat with configurable AI agents from the terminal.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/jeranaias/agentdock/internal/cli"
)

// Version information (set at build time)
var Version = "0.1.0"

func init() {
	cli.Version = Version
}

func main() {
	os.Exit(run())
}

func run() (code int) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "agentdock crashed: %v\n\n%s\n", r, debug.Stack())
			fmt.Fprintln(os.Stderr, "Your agents and conversations are backed up. Run: agentdock storage recover")
			code = cli.ExitGeneralError
		}
	}()

	// SIGTERM ends the process; Ctrl+C is handled per reply inside chat.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()
	return cli.Execute(ctx, os.Args[1:])
}

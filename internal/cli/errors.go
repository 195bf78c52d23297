// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// errors.go - Error display and exit codes.
//
// Commands return errors; Execute renders them once and maps them to an
// exit code.

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jeranaias/agentdock/internal/agents"
	"github.com/jeranaias/agentdock/internal/completion"
	"github.com/jeranaias/agentdock/internal/config"
	"github.com/jeranaias/agentdock/internal/durable"
	"github.com/jeranaias/agentdock/internal/export"
)

// =============================================================================
// EXIT CODES
// =============================================================================

const (
	ExitSuccess      = 0
	ExitGeneralError = 1
	ExitUsageError   = 2
	ExitConfigError  = 3
	ExitAuthError    = 4
	ExitNetworkError = 5
	ExitForbidden    = 6
	ExitNotFound     = 7
	ExitTimeout      = 8
	ExitStorageError = 9
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// CommandError is a command failure with context.
type CommandError struct {
	Command string
	Action  string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Command, e.Action, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// NewCommandError wraps err with the command and action that failed.
func NewCommandError(command, action string, err error) error {
	if err == nil {
		return nil
	}
	return &CommandError{Command: command, Action: action, Err: err}
}

// UsageError is an invalid argument or flag.
type UsageError struct {
	Message string
}

func (e *UsageError) Error() string { return e.Message }

func usageErrorf(format string, args ...any) error {
	return &UsageError{Message: fmt.Sprintf(format, args...)}
}

// =============================================================================
// DISPLAY
// =============================================================================

// DisplayError prints err to w with a short hint where one exists.
func DisplayError(w io.Writer, err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(w, "%s %v\n", ErrorStyle.Render("[Error]"), err)
	if hint := errorHint(err); hint != "" {
		fmt.Fprintf(w, "  %s\n", DimStyle.Render(hint))
	}
}

func errorHint(err error) string {
	var verrs config.ValidateErrors
	switch {
	case errors.As(err, &verrs):
		return "Fix the config file or the matching AGENTDOCK_* variable. See: agentdock config path"
	case errors.Is(err, agents.ErrForbidden):
		return "Built-in agents are read-only. Edit creates a personal copy; delete is not possible."
	case errors.Is(err, agents.ErrNotFound):
		return "List agents with: agentdock agents list"
	case errors.Is(err, export.ErrEmptyConversation):
		return "Chat with the agent first: agentdock chat <agent-id>"
	case errors.Is(err, durable.ErrStorageUnavailable):
		return "Check: agentdock storage status"
	}
	var apiErr *completion.APIError
	if errors.As(err, &apiErr) || errors.Is(err, completion.ErrTimeout) || errors.Is(err, completion.ErrNetwork) {
		return completion.UserMessage(err)
	}
	return ""
}

// ExitCode maps err to a process exit code.
func ExitCode(err error) int {
	var (
		usage *UsageError
		verrs config.ValidateErrors
	)
	switch {
	case err == nil:
		return ExitSuccess
	case errors.As(err, &usage):
		return ExitUsageError
	case errors.As(err, &verrs):
		return ExitConfigError
	case errors.Is(err, agents.ErrNotFound):
		return ExitNotFound
	case errors.Is(err, agents.ErrForbidden):
		return ExitForbidden
	case errors.Is(err, completion.ErrUnauthorized), errors.Is(err, completion.ErrForbidden):
		return ExitAuthError
	case errors.Is(err, completion.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ExitTimeout
	case errors.Is(err, completion.ErrNetwork), errors.Is(err, agents.ErrCatalogUnavailable):
		return ExitNetworkError
	case errors.Is(err, durable.ErrStorageUnavailable), errors.Is(err, durable.ErrQuotaExceeded):
		return ExitStorageError
	default:
		return ExitGeneralError
	}
}

package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"sentinel/cmd/internal/apiclient"
	"sentinel/cmd/internal/app"
	"sentinel/cmd/internal/auth/refresh"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Request failed or the session ended
	ExitCommandError = 2 // Bad flags, bad configuration, not logged in
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitSuccess for nil and ExitFailure if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// commandError maps runtime errors onto exit codes and stable error codes.
func commandError(message string, err error) *ExitError {
	if errors.Is(err, app.ErrNotLoggedIn) {
		return WrapExitError(ExitCommandError, message, err)
	}
	return WrapExitError(ExitFailure, message, err)
}

// errorCode is the machine-readable code printed for err in JSON output.
func errorCode(err error) string {
	var apiErr *apiclient.APIError
	switch {
	case errors.Is(err, app.ErrNotLoggedIn):
		return "NOT_LOGGED_IN"
	case errors.Is(err, apiclient.ErrSessionTerminated), errors.Is(err, refresh.ErrRefreshFailed):
		return "SESSION_TERMINATED"
	case errors.As(err, &apiErr) && apiErr.Code != "":
		return apiErr.Code
	default:
		return "ERROR"
	}
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Success outputs data as JSON, or text as a line.
func (f *OutputFormatter) Success(data any, text string) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}
	_, err := fmt.Fprintln(f.Writer, text)
	return err
}

// Error writes err as a JSON error response in json mode and returns it
// unchanged. Text mode leaves reporting to main, which prints to stderr.
func (f *OutputFormatter) Error(err error) error {
	if err == nil || f.Format != "json" {
		return err
	}
	_ = json.NewEncoder(f.Writer).Encode(CLIResponse{
		Status: "error",
		Error:  &CLIError{Code: errorCode(err), Message: err.Error()},
	})
	return err
}

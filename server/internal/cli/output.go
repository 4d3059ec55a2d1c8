package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Validation failure in the inspected config or samples
	ExitCommandError = 2 // Command error (unreadable file, unknown caregiver, ...)
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

func exitErr(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitCode extracts the exit code from err. Errors that are not an
// *ExitError map to ExitFailure.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var e *ExitError
	if errors.As(err, &e) {
		return e.Code
	}
	return ExitFailure
}

// response is the JSON envelope for every command.
type response struct {
	Status string      `json:"status"` // "ok" or "error"
	Data   interface{} `json:"data,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// printer writes command results as text or JSON.
type printer struct {
	format string
	w      io.Writer
}

func (p printer) json() bool { return p.format == "json" }

// ok writes data as a JSON success envelope, or calls text in text mode.
func (p printer) ok(data interface{}, text func(w io.Writer)) error {
	if p.json() {
		return p.encode(response{Status: "ok", Data: data})
	}
	text(p.w)
	return nil
}

// fail reports err in the configured format and returns it as an ExitError.
func (p printer) fail(code int, message string, err error, data interface{}) error {
	e := exitErr(code, message, err)
	if p.json() {
		_ = p.encode(response{Status: "error", Data: data, Error: e.Error()})
	} else {
		fmt.Fprintf(p.w, "✗ %s\n", e.Error())
	}
	return e
}

func (p printer) encode(v interface{}) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

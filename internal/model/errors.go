package model

import (
	"errors"
	"fmt"
	"time"
)

// RangeExhaustedError is returned when every port of a service range is
// held. It is fatal for the request and never retried automatically.
type RangeExhaustedError struct {
	Project     string
	Service     ServiceType
	Environment Environment
	Range       PortRange
}

func (e *RangeExhaustedError) Error() string {
	return fmt.Sprintf("no free %s port for project %q in %s range %s",
		e.Service, e.Project, e.Environment, e.Range)
}

// RegistryCorruptError is returned when the registry file cannot be parsed.
// Recovery requires an explicit operator action (registry reset).
type RegistryCorruptError struct {
	Path   string
	Line   int
	Reason string
	Err    error
}

func (e *RegistryCorruptError) Error() string {
	msg := fmt.Sprintf("registry %s is corrupt", e.Path)
	if e.Line > 0 {
		msg = fmt.Sprintf("%s at line %d", msg, e.Line)
	}
	if e.Reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Reason)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg + " (run 'portkeeper registry reset --yes' to recreate it)"
}

func (e *RegistryCorruptError) Unwrap() error {
	return e.Err
}

// LockTimeoutError is returned when the registry lock could not be taken
// within the configured number of attempts.
type LockTimeoutError struct {
	Path     string
	Attempts int
	Waited   time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("timed out acquiring registry lock %s after %d attempts (%s)",
		e.Path, e.Attempts, e.Waited.Round(time.Millisecond))
}

// ProcessStartError reports a failed lifecycle transition for one service.
// It never aborts sibling services.
type ProcessStartError struct {
	Project string
	Service ServiceType
	Name    string
	Port    int
	Err     error
}

func (e *ProcessStartError) Error() string {
	return fmt.Sprintf("process %s (project %q, service %s, port %d): %v",
		e.Name, e.Project, e.Service, e.Port, e.Err)
}

func (e *ProcessStartError) Unwrap() error {
	return e.Err
}

// ScanIOError is a non-fatal read failure during a conflict scan.
type ScanIOError struct {
	Project string
	Path    string
	Err     error
}

func (e *ScanIOError) Error() string {
	return fmt.Sprintf("scan %s: cannot read %s: %v", e.Project, e.Path, e.Err)
}

func (e *ScanIOError) Unwrap() error {
	return e.Err
}

// ProjectNotFoundError is returned when the registry has no rows for a
// project that an operation requires.
type ProjectNotFoundError struct {
	Project string
}

func (e *ProjectNotFoundError) Error() string {
	return fmt.Sprintf("project %q has no allocations in the registry", e.Project)
}

// ErrConfirmationRequired is returned by destructive registry operations
// invoked without explicit confirmation.
var ErrConfirmationRequired = errors.New("explicit confirmation required")

// ExitCode defines the process exit codes of the portkeeper CLI so that
// scripts can tell failure classes apart.
type ExitCode int

const (
	ExitSuccess         ExitCode = 0
	ExitGeneralError    ExitCode = 1
	ExitRangeExhausted  ExitCode = 2
	ExitRegistryCorrupt ExitCode = 3
	ExitLockTimeout     ExitCode = 4
	ExitSupervisorError ExitCode = 5
	ExitProjectNotFound ExitCode = 6
	ExitUserCancelled   ExitCode = 7
	ExitConfigInvalid   ExitCode = 8
)

// CLIError is an error that carries an exit code. The CLI layer wraps
// domain errors in it so main can exit with the right status.
type CLIError struct {
	Code    ExitCode
	Message string
	Err     error
}

// Error returns the message, optionally including the underlying error.
func (e *CLIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// NewCLIError creates a new CLIError with the given exit code and message.
func NewCLIError(code ExitCode, message string) *CLIError {
	return &CLIError{Code: code, Message: message}
}

// WrapCLIError creates a new CLIError that wraps an existing error.
func WrapCLIError(code ExitCode, message string, err error) *CLIError {
	return &CLIError{Code: code, Message: message, Err: err}
}

// ExitCodeFor maps an error from any layer to the exit code the CLI should
// return. An explicit CLIError code wins over the taxonomy of its cause.
func ExitCodeFor(err error) ExitCode {
	if err == nil {
		return ExitSuccess
	}

	var cliErr *CLIError
	if errors.As(err, &cliErr) && cliErr.Code != ExitGeneralError {
		return cliErr.Code
	}

	var (
		exhausted *RangeExhaustedError
		corrupt   *RegistryCorruptError
		lock      *LockTimeoutError
		proc      *ProcessStartError
		notFound  *ProjectNotFoundError
	)
	switch {
	case errors.As(err, &exhausted):
		return ExitRangeExhausted
	case errors.As(err, &corrupt):
		return ExitRegistryCorrupt
	case errors.As(err, &lock):
		return ExitLockTimeout
	case errors.As(err, &proc):
		return ExitSupervisorError
	case errors.As(err, &notFound):
		return ExitProjectNotFound
	case errors.Is(err, ErrConfirmationRequired):
		return ExitUserCancelled
	}
	return ExitGeneralError
}

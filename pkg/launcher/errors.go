package launcher

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrorCode classifies launcher failures
type ErrorCode string

const (
	// Checked before spawning
	ErrorCodeExecutableNotFound    ErrorCode = "EXECUTABLE_NOT_FOUND"
	ErrorCodeExecutableNotRunnable ErrorCode = "EXECUTABLE_NOT_RUNNABLE"
	ErrorCodeScriptNotFound        ErrorCode = "SCRIPT_NOT_FOUND"

	// Raised by a spawned process
	ErrorCodeProcessStartFailed ErrorCode = "PROCESS_START_FAILED"
	ErrorCodeTerminationFailed  ErrorCode = "TERMINATION_FAILED"
)

// LauncherError carries a code, the values needed to diagnose it and a hint
// for the person reading the log.
type LauncherError struct {
	Code       ErrorCode
	Message    string
	Context    map[string]any
	Cause      error
	Suggestion string
}

// NewError creates a LauncherError
func NewError(code ErrorCode, message string) *LauncherError {
	return &LauncherError{Code: code, Message: message}
}

// WithContext records a diagnostic value
func (e *LauncherError) WithContext(key string, value any) *LauncherError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithCause sets the wrapped error
func (e *LauncherError) WithCause(cause error) *LauncherError {
	e.Cause = cause
	return e
}

// WithSuggestion sets the remediation hint
func (e *LauncherError) WithSuggestion(suggestion string) *LauncherError {
	e.Suggestion = suggestion
	return e
}

// Error renders "[CODE] message; Context: k=v, ...; Cause: ...; Suggestion: ..."
// with context keys in sorted order.
func (e *LauncherError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Code, e.Message)

	if len(e.Context) > 0 {
		b.WriteString("; Context: ")
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%v", k, e.Context[k])
		}
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, "; Cause: %v", e.Cause)
	}
	if e.Suggestion != "" {
		fmt.Fprintf(&b, "; Suggestion: %s", e.Suggestion)
	}
	return b.String()
}

func (e *LauncherError) Unwrap() error {
	return e.Cause
}

// ErrExecutableNotFound reports a backend command that does not exist
func ErrExecutableNotFound(execPath string, cause error) *LauncherError {
	return NewError(ErrorCodeExecutableNotFound, "Backend executable not found").
		WithContext("executable_path", execPath).
		WithCause(cause).
		WithSuggestion("Packaged builds: check that the backend was bundled into the app resources. " +
			"Development: create the virtualenv (python3 -m venv venv) and install the requirements.")
}

// ErrExecutableNotRunnable reports a command without execute permission
func ErrExecutableNotRunnable(execPath string) *LauncherError {
	return NewError(ErrorCodeExecutableNotRunnable, "Backend executable is not runnable").
		WithContext("executable_path", execPath).
		WithSuggestion("chmod +x " + execPath)
}

// ErrScriptNotFound reports a missing development entry point
func ErrScriptNotFound(scriptPath string, cause error) *LauncherError {
	return NewError(ErrorCodeScriptNotFound, "Backend script not found").
		WithContext("script_path", scriptPath).
		WithCause(cause).
		WithSuggestion("Run from the project checkout or set paths.dev_root")
}

// ErrProcessStartFailed reports a spawn the OS refused
func ErrProcessStartFailed(command string, cause error) *LauncherError {
	return NewError(ErrorCodeProcessStartFailed, "Failed to start backend process").
		WithContext("command", command).
		WithCause(cause).
		WithSuggestion("Check permissions, the binary's architecture and its shared libraries; " +
			"the backend log may have details")
}

// ErrTerminationFailed reports a process that survived SIGKILL
func ErrTerminationFailed(pid int, cause error) *LauncherError {
	return NewError(ErrorCodeTerminationFailed, "Failed to terminate backend process").
		WithContext("pid", pid).
		WithCause(cause).
		WithSuggestion(fmt.Sprintf("Kill it manually: kill -9 %d", pid))
}

// GetErrorCode returns the code of the first LauncherError in err's chain
func GetErrorCode(err error) ErrorCode {
	if le, ok := asLauncherError(err); ok {
		return le.Code
	}
	return ""
}

// IsErrorCode reports whether err's chain holds a LauncherError with code
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// GetSuggestion returns the remediation hint, if any
func GetSuggestion(err error) string {
	if le, ok := asLauncherError(err); ok {
		return le.Suggestion
	}
	return ""
}

func asLauncherError(err error) (*LauncherError, bool) {
	var le *LauncherError
	ok := errors.As(err, &le)
	return le, ok
}

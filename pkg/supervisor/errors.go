package supervisor

import (
	"errors"
	"fmt"

	"github.com/jrepp/deskhost/pkg/bundle"
	"github.com/jrepp/deskhost/pkg/launcher"
	"github.com/jrepp/deskhost/pkg/secretgate"
)

var (
	// ErrAlreadyStarted is returned by a second call to Start
	ErrAlreadyStarted = errors.New("supervisor already started")

	// ErrStopped is returned by Start when Shutdown ran first or interrupted startup
	ErrStopped = errors.New("supervisor stopped")

	// ErrBackendExited is wrapped by crash errors
	ErrBackendExited = errors.New("backend exited")

	// ErrHealthExhausted is wrapped when polling ran out of attempts
	ErrHealthExhausted = errors.New("backend never became healthy")
)

// FatalKind classifies fatal errors. Each kind has its own user-facing message.
type FatalKind int

const (
	KindConfiguration FatalKind = iota
	KindSecretMissing
	KindDecryptIntegrity
	KindExecutableMissing
	KindSpawn
	KindCrashed
	KindHealthExhausted
)

// String returns a metric and log friendly name
func (k FatalKind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindSecretMissing:
		return "secret_missing"
	case KindDecryptIntegrity:
		return "decrypt_integrity"
	case KindExecutableMissing:
		return "executable_missing"
	case KindSpawn:
		return "spawn"
	case KindCrashed:
		return "crashed"
	case KindHealthExhausted:
		return "health_exhausted"
	default:
		return "unknown"
	}
}

// FatalError ends startup (or a Ready session) and is shown to the user
type FatalError struct {
	Kind FatalKind
	Err  error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Title is the heading of the user-facing error
func (e *FatalError) Title() string {
	switch e.Kind {
	case KindConfiguration:
		return "Configuration error"
	case KindSecretMissing:
		return "Secret key missing"
	case KindDecryptIntegrity:
		return "Configuration could not be decrypted"
	case KindExecutableMissing:
		return "Backend not found"
	case KindSpawn:
		return "Backend failed to start"
	case KindCrashed:
		return "Backend stopped unexpectedly"
	case KindHealthExhausted:
		return "Backend did not become ready"
	default:
		return "Backend error"
	}
}

// Message is the body of the user-facing error, including details
func (e *FatalError) Message() string {
	var summary string
	switch e.Kind {
	case KindConfiguration:
		summary = "The backend configuration is incomplete or invalid, so the application cannot start."
	case KindSecretMissing:
		summary = "The key needed to decrypt the backend configuration is not set in the environment."
	case KindDecryptIntegrity:
		summary = "The encrypted backend configuration failed its integrity check. The key may be wrong or the file damaged."
	case KindExecutableMissing:
		summary = "The backend program is missing from this installation or cannot be executed."
	case KindSpawn:
		summary = "The backend program exists but the operating system refused to start it."
	case KindCrashed:
		summary = "The backend process exited. The application cannot continue without it."
	case KindHealthExhausted:
		summary = "The backend started but did not answer its health check in time."
	}

	if e.Err == nil {
		return summary
	}
	return summary + "\n\nDetails: " + e.Err.Error()
}

// AsFatal extracts a *FatalError from err
func AsFatal(err error) (*FatalError, bool) {
	var fe *FatalError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

func newFatal(kind FatalKind, err error) *FatalError {
	return &FatalError{Kind: kind, Err: err}
}

// gateFatal classifies a secret provisioning failure
func gateFatal(err error) *FatalError {
	switch {
	case errors.Is(err, secretgate.ErrSecretKeyMissing):
		return newFatal(KindSecretMissing, err)
	case errors.Is(err, secretgate.ErrIntegrity), errors.Is(err, secretgate.ErrMalformedEnvelope):
		return newFatal(KindDecryptIntegrity, err)
	default:
		// missing ciphertext and unwritable plaintext are configuration problems
		return newFatal(KindConfiguration, err)
	}
}

// spawnFatal classifies a launch failure
func spawnFatal(err error) *FatalError {
	switch launcher.GetErrorCode(err) {
	case launcher.ErrorCodeExecutableNotFound,
		launcher.ErrorCodeExecutableNotRunnable,
		launcher.ErrorCodeScriptNotFound:
		return newFatal(KindExecutableMissing, err)
	}
	if errors.Is(err, bundle.ErrUnsupportedPlatform) ||
		errors.Is(err, bundle.ErrUnsupportedMode) ||
		errors.Is(err, bundle.ErrRelativeRoot) {
		return newFatal(KindConfiguration, err)
	}
	return newFatal(KindSpawn, err)
}

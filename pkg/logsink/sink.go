// Package logsink persists the backend's stdout and stderr to a per-user log
// file that accumulates across application sessions.
package logsink

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultFileName is the backend log file name inside the log directory
const DefaultFileName = "backend.log"

// Sink is an append-only line log shared by the stdout and stderr readers.
// Each line is written with a single Write call under a mutex, so lines from
// the two streams never interleave mid-line; ordering between streams is not
// preserved.
type Sink struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	session string
	now     func() time.Time
	closed  bool
}

// DefaultDir returns the standard log directory for the current OS.
// Falls back to a temporary directory when a platform path cannot be resolved.
func DefaultDir(appName string) string {
	fallback := filepath.Join(os.TempDir(), appName, "logs")

	switch runtime.GOOS {
	case "darwin":
		if homeDir, err := os.UserHomeDir(); err == nil {
			return filepath.Join(homeDir, "Library", "Logs", appName)
		}
	case "windows":
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			return filepath.Join(localAppData, appName, "logs")
		}
		if userProfile := os.Getenv("USERPROFILE"); userProfile != "" {
			return filepath.Join(userProfile, "AppData", "Local", appName, "logs")
		}
	default:
		if homeDir, err := os.UserHomeDir(); err == nil {
			return filepath.Join(homeDir, "."+appName, "logs")
		}
	}

	return fallback
}

// Open opens (creating if needed) dir/name for appending and writes a
// session header. Existing content is never truncated.
func Open(dir, name string) (*Sink, error) {
	if name == "" {
		name = DefaultFileName
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	path := filepath.Join(dir, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open backend log: %w", err)
	}

	s := &Sink{
		file:    file,
		path:    path,
		session: uuid.NewString(),
		now:     time.Now,
	}

	if _, err := fmt.Fprintf(file, "%s --- session %s started ---\n",
		s.now().Format(time.RFC3339), s.session); err != nil {
		file.Close()
		return nil, fmt.Errorf("write session header: %w", err)
	}

	return s, nil
}

// WriteLine appends one line tagged with its stream name
func (s *Sink) WriteLine(stream, line string) error {
	entry := fmt.Sprintf("%s [%s] %s\n", s.now().Format(time.RFC3339), stream, line)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return os.ErrClosed
	}
	_, err := s.file.WriteString(entry)
	return err
}

// Path returns the log file location
func (s *Sink) Path() string {
	return s.path
}

// Session returns the identifier written in this session's header
func (s *Sink) Session() string {
	return s.session
}

// Close writes a session footer and closes the file. Safe to call twice.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	fmt.Fprintf(s.file, "%s --- session %s ended ---\n", s.now().Format(time.RFC3339), s.session)
	return s.file.Close()
}

// Package alert shows fatal startup errors to the user before the
// application exits.
package alert

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/gen2brain/beeep"

	"github.com/jrepp/deskhost/pkg/ui"
)

// Presenter shows a fatal error. Fatal must return only after the message
// has been handed to the user-facing surface.
type Presenter interface {
	Fatal(title, message string) error
}

// PresenterFunc adapts a function to Presenter
type PresenterFunc func(title, message string) error

// Fatal calls f
func (f PresenterFunc) Fatal(title, message string) error {
	return f(title, message)
}

// AlertFunc matches beeep.Alert
type AlertFunc func(title, message string, icon any) error

// Desktop shows a native dialog or notification through beeep.
// On macOS it uses AppleScript, on Linux D-Bus or notify-send and on
// Windows the toast API.
type Desktop struct {
	mu     sync.Mutex
	alert  AlertFunc
	icon   string
	logger *slog.Logger
}

// NewDesktop returns a presenter backed by beeep.Alert. icon may be empty
// to use the platform default.
func NewDesktop(icon string, logger *slog.Logger) *Desktop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Desktop{
		alert:  beeep.Alert,
		icon:   icon,
		logger: logger,
	}
}

// SetAlertFunc replaces the beeep call, for tests
func (d *Desktop) SetAlertFunc(fn AlertFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alert = fn
}

// Fatal implements Presenter
func (d *Desktop) Fatal(title, message string) error {
	d.mu.Lock()
	alert := d.alert
	d.mu.Unlock()

	d.logger.Debug("showing desktop alert", "title", title)
	if err := alert(title, message, d.icon); err != nil {
		d.logger.Warn("desktop alert failed", "title", title, "error", err)
		return err
	}
	return nil
}

// Console prints a styled panel on the terminal
type Console struct {
	ui *ui.UI
}

// NewConsole returns a console presenter on u
func NewConsole(u *ui.UI) *Console {
	if u == nil {
		u = ui.New()
	}
	return &Console{ui: u}
}

// Fatal implements Presenter
func (c *Console) Fatal(title, message string) error {
	c.ui.FatalPanel(title, message)
	return nil
}

// Multi presents on every presenter in order and joins their errors.
// A failing presenter does not stop the others.
type Multi []Presenter

// Fatal implements Presenter
func (m Multi) Fatal(title, message string) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Fatal(title, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every message
var Discard Presenter = PresenterFunc(func(string, string) error { return nil })

// Package workbook drives xlsx files through the engine's application
// contract. The production deployment of the sync pipeline targets a COM
// automation surface; this driver keeps the same contract over the file
// format itself so the engine runs on any platform. Sessions are always
// non-interactive.
package workbook

import (
	"context"
	"fmt"
	"sync"

	"github.com/xuri/excelize/v2"

	"github.com/datamill/datamill/pkg/engine"
	"github.com/datamill/datamill/pkg/telemetry"
)

// Launcher constructs workbook application sessions. It implements
// engine.Launcher, so the sync worker can relaunch through it after a
// resource exhausts its retries.
type Launcher struct {
	log *telemetry.Logger

	mu       sync.Mutex
	launches int
}

// NewLauncher creates a workbook launcher. A nil logger falls back to a
// nop logger.
func NewLauncher(log *telemetry.Logger) *Launcher {
	if log == nil {
		log = telemetry.Nop()
	}
	return &Launcher{log: log.NewComponentLogger("workbook")}
}

// Launch starts a fresh application session.
func (l *Launcher) Launch(ctx context.Context) (engine.Application, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("failed to launch workbook application: %w", err)
	}

	l.mu.Lock()
	l.launches++
	session := l.launches
	l.mu.Unlock()

	l.log.WithField("session", session).Debug("workbook application session created")

	return &Application{
		log:     l.log,
		handles: make(map[*Workbook]struct{}),
	}, nil
}

// Launches returns how many sessions this launcher has created.
func (l *Launcher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

// Application is one live workbook application session. It tracks every
// handle it issues so Quit can release them all.
type Application struct {
	log *telemetry.Logger

	mu      sync.Mutex
	quit    bool
	handles map[*Workbook]struct{}
}

// Open opens the workbook at path and registers the handle with the session.
func (a *Application) Open(path string) (engine.Resource, error) {
	a.mu.Lock()
	if a.quit {
		a.mu.Unlock()
		return nil, fmt.Errorf("workbook application already quit")
	}
	a.mu.Unlock()

	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook %s: %w", path, err)
	}

	wb := &Workbook{app: a, file: f, path: path}

	a.mu.Lock()
	if a.quit {
		a.mu.Unlock()
		_ = f.Close()
		return nil, fmt.Errorf("workbook application already quit")
	}
	a.handles[wb] = struct{}{}
	a.mu.Unlock()

	a.log.WithResource(path).Debug("workbook opened")
	return wb, nil
}

// Quit closes every handle the session still tracks and invalidates it.
// All handles are attempted; the first close error is reported.
func (a *Application) Quit() error {
	a.mu.Lock()
	if a.quit {
		a.mu.Unlock()
		return nil
	}
	a.quit = true
	handles := make([]*Workbook, 0, len(a.handles))
	for wb := range a.handles {
		handles = append(handles, wb)
	}
	a.handles = nil
	a.mu.Unlock()

	var firstErr error
	for _, wb := range handles {
		if err := wb.closeFile(); err != nil {
			a.log.WithResource(wb.path).WithError(err).Warn("failed to close workbook during quit")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	a.log.Debug("workbook application session closed")
	return firstErr
}

// OpenHandles returns how many workbook handles the session still tracks.
func (a *Application) OpenHandles() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.handles)
}

func (a *Application) release(wb *Workbook) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.handles != nil {
		delete(a.handles, wb)
	}
}

// Workbook is an open handle over one xlsx file. It implements
// engine.Resource.
type Workbook struct {
	app  *Application
	path string

	mu     sync.Mutex
	closed bool
	file   *excelize.File
}

// Path returns the file path the handle was opened from.
func (w *Workbook) Path() string {
	return w.path
}

// Refresh marks linked values dirty so the hosting application recalculates
// external references the next time the file is opened. Completion is
// settled by the worker's fixed wait, not polled.
func (w *Workbook) Refresh() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("workbook %s already closed", w.path)
	}

	if err := w.file.UpdateLinkedValue(); err != nil {
		return fmt.Errorf("failed to refresh workbook %s: %w", w.path, err)
	}

	return nil
}

// Save persists the workbook to its original path.
func (w *Workbook) Save() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("workbook %s already closed", w.path)
	}

	if err := w.file.Save(); err != nil {
		return fmt.Errorf("failed to save workbook %s: %w", w.path, err)
	}

	return nil
}

// Close releases the handle and unregisters it from the owning session.
// Closing twice is safe.
func (w *Workbook) Close() error {
	w.app.release(w)
	return w.closeFile()
}

func (w *Workbook) closeFile() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	file := w.file
	w.file = nil
	w.mu.Unlock()

	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close workbook %s: %w", w.path, err)
	}

	return nil
}

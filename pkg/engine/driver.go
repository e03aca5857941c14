package engine

import "context"

// Launcher constructs application instances. The sync worker launches one
// application per run and relaunches through the same Launcher whenever a
// resource exhausts its retries.
type Launcher interface {
	// Launch starts a fresh application instance.
	Launch(ctx context.Context) (Application, error)
}

// LauncherFunc adapts a function to the Launcher interface.
type LauncherFunc func(ctx context.Context) (Application, error)

// Launch calls f.
func (f LauncherFunc) Launch(ctx context.Context) (Application, error) {
	return f(ctx)
}

// Application is a running host capable of opening resources. Implementations
// are not required to be safe for concurrent use; the worker drives one
// resource at a time.
type Application interface {
	// Open acquires a handle on the resource at path.
	Open(path string) (Resource, error)

	// Quit tears the application down, releasing any handles it still holds.
	Quit() error
}

// Resource is an open handle whose external data can be refreshed and
// persisted. Close releases the handle without saving.
type Resource interface {
	// Refresh re-pulls the resource's external data connections.
	Refresh() error

	// Save persists the refreshed state.
	Save() error

	// Close releases the handle.
	Close() error
}

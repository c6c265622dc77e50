package bridge

import (
	"os"
	"slices"
	"sync"

	"DnnBridge/engine"
)

// BackendEnv overrides the backend of the process-wide bridge.
const BackendEnv = "DNNBRIDGE_BACKEND"

var (
	defaultOnce   sync.Once
	defaultBridge *Bridge
)

// DefaultBackend is opencv when it was compiled in, simulated otherwise.
func DefaultBackend() string {
	if slices.Contains(engine.Backends(), engine.BackendOpenCV) {
		return engine.BackendOpenCV
	}
	return engine.BackendSimulated
}

// Default returns the process-wide bridge, creating it on first use.
func Default() *Bridge {
	defaultOnce.Do(func() {
		backend := os.Getenv(BackendEnv)
		if backend == "" {
			backend = DefaultBackend()
		}
		defaultBridge = New(WithBackend(backend))
	})
	return defaultBridge
}

// ShutdownDefault closes the process-wide bridge. Only the first call does any work.
func ShutdownDefault() error {
	return Default().Close()
}

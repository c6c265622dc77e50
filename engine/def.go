// Package engine owns loaded detection networks and runs forward passes on them.
//
// A Net is created by a loader registered under a backend name. The opencv backend
// wraps a gocv (OpenCV DNN) network; the simulated backend is a stand-in with fixed
// YOLO-shaped output layers for development without real model files. Neither
// backend lets a native object escape: every output is copied into a tensor.Buffer.
package engine

import (
	"os"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"DnnBridge/tensor"
)

const (
	BackendOpenCV    = "opencv"
	BackendSimulated = "simulated"
)

// NetBackend mirrors OpenCV's dnn::Backend ids.
type NetBackend int

const (
	NetBackendDefault NetBackend = 0
	NetBackendOpenCV  NetBackend = 3
)

func (b NetBackend) String() string {
	switch b {
	case NetBackendDefault:
		return "default"
	case NetBackendOpenCV:
		return "opencv"
	default:
		return "unknown"
	}
}

// NetTarget mirrors OpenCV's dnn::Target ids.
type NetTarget int

const NetTargetCPU NetTarget = 0

func (t NetTarget) String() string {
	if t == NetTargetCPU {
		return "cpu"
	}
	return "unknown"
}

var (
	ErrResource       = errors.New("engine: model resource unreadable")
	ErrEmptyNet       = errors.New("engine: network is empty after load")
	ErrUnknownBackend = errors.New("engine: unknown backend")
	ErrUnknownLayer   = errors.New("engine: unknown layer")
	ErrUnboundInput   = errors.New("engine: no input bound")
	ErrInvalidInput   = errors.New("engine: invalid input blob")
	ErrNoOutputs      = errors.New("engine: network has no output layers")
	ErrClosed         = errors.New("engine: network closed")
)

// Net is a loaded detection network. Implementations are not safe for concurrent
// use; callers serialize SetInput/Forward on one Net.
type Net interface {
	Backend() NetBackend
	Target() NetTarget
	LayerNames() []string
	// UnconnectedOutLayers returns the names of layers whose output feeds nothing.
	UnconnectedOutLayers() []string
	// SetInput binds blob as the network input. The blob is read, never modified.
	SetInput(blob *tensor.Buffer) error
	// Forward runs one pass and returns a caller-owned buffer per requested output.
	// No names means every unconnected output layer.
	Forward(outNames ...string) ([]*tensor.Buffer, error)
	Close() error
}

// LoaderFunc builds a Net from a topology and a weights locator.
type LoaderFunc func(cfg, weights string) (Net, error)

var (
	loadersMu sync.RWMutex
	loaders   = map[string]LoaderFunc{}
)

// Register makes a backend available to Load. Registering a name twice replaces the
// earlier loader.
func Register(name string, fn LoaderFunc) {
	loadersMu.Lock()
	defer loadersMu.Unlock()
	loaders[name] = fn
}

// Backends lists the registered backend names.
func Backends() []string {
	loadersMu.RLock()
	defer loadersMu.RUnlock()
	names := make([]string, 0, len(loaders))
	for name := range loaders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load builds a Net with the named backend.
func Load(backend, cfg, weights string) (Net, error) {
	loadersMu.RLock()
	fn, ok := loaders[backend]
	loadersMu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownBackend, "%q (have %v)", backend, Backends())
	}
	return fn(cfg, weights)
}

// checkReadable reports whether path names a regular file we can open.
func checkReadable(path string) error {
	if path == "" {
		return errors.Wrap(ErrResource, "empty locator")
	}
	info, err := os.Stat(path)
	if err != nil {
		return errors.Wrapf(ErrResource, "%v", err)
	}
	if info.IsDir() {
		return errors.Wrapf(ErrResource, "%s is a directory", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(ErrResource, "%v", err)
	}
	return f.Close()
}

func resolveOutputs(n Net, outNames []string) ([]string, error) {
	if len(outNames) == 0 {
		outNames = n.UnconnectedOutLayers()
	}
	if len(outNames) == 0 {
		return nil, ErrNoOutputs
	}
	known := make(map[string]struct{})
	for _, name := range n.LayerNames() {
		known[name] = struct{}{}
	}
	for _, name := range outNames {
		if _, ok := known[name]; !ok {
			return nil, errors.Wrapf(ErrUnknownLayer, "%q", name)
		}
	}
	return outNames, nil
}

func releaseAll(bufs []*tensor.Buffer) {
	for _, b := range bufs {
		b.Release()
	}
}

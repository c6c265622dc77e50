// Package bridge is the handle-based boundary over the inference engine.
//
// Callers on the other side of the boundary never see Go pointers. Networks and
// buffers are addressed by opaque Handle values that are never reused, so a stale
// handle can only ever miss. Every failure is turned into a sentinel result (a null
// handle, StatusError, or 0) plus a log line, and panics raised below the boundary are
// recovered the same way.
package bridge

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"DnnBridge/engine"
	"DnnBridge/logger"
	"DnnBridge/preprocess"
	"DnnBridge/tensor"
)

// Handle is an opaque reference to a network or a buffer owned by a Bridge.
type Handle uint64

// NullHandle is never assigned; it signals failure.
const NullHandle Handle = 0

const (
	StatusOK    = 0
	StatusError = -1
)

var (
	ErrInvalidHandle = errors.New("bridge: invalid handle")
	ErrClosed        = errors.New("bridge: closed")
	ErrPanic         = errors.New("bridge: recovered panic")
)

type netEntry struct {
	mu      sync.Mutex // held across bind + forward
	net     engine.Net
	cfg     string
	weights string
	shared  bool
	closed  bool
	loaded  time.Time
}

// Info describes a live network.
type Info struct {
	Handle   Handle
	Backend  engine.NetBackend
	Target   engine.NetTarget
	Layers   int
	Outputs  []string
	Cfg      string
	Weights  string
	Shared   bool
	LoadedAt time.Time
}

// Stats is a snapshot of the registry.
type Stats struct {
	Networks int
	Buffers  int
	Issued   uint64
	Closed   bool
}

// Bridge owns every network and buffer handed out through its handles.
type Bridge struct {
	backend string
	log     *zap.Logger
	observe func(time.Duration, error)

	mu     sync.RWMutex
	next   uint64
	nets   map[Handle]*netEntry
	bufs   map[Handle]*tensor.Buffer
	closed bool

	sharedMu sync.Mutex
	shared   Handle

	closeOnce sync.Once
	closeErr  error
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithBackend selects the engine backend used by every load.
func WithBackend(name string) Option {
	return func(b *Bridge) { b.backend = name }
}

// WithLogger sets the logger; the default is logger.Named("bridge").
func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) { b.log = l }
}

// WithForwardObserver registers fn to be called after every forward pass with its
// duration and result.
func WithForwardObserver(fn func(time.Duration, error)) Option {
	return func(b *Bridge) { b.observe = fn }
}

// New returns an open Bridge.
func New(opts ...Option) *Bridge {
	b := &Bridge{
		backend: DefaultBackend(),
		nets:    make(map[Handle]*netEntry),
		bufs:    make(map[Handle]*tensor.Buffer),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.log == nil {
		b.log = logger.Named("bridge")
	}
	return b
}

// Backend returns the engine backend name.
func (b *Bridge) Backend() string { return b.backend }

// recoverAs turns a panic in the calling operation into the failure value.
func recoverAs[T any](b *Bridge, op string, out *T, fail T) {
	if r := recover(); r != nil {
		b.log.Error("recovered panic", zap.String("op", op), zap.Any("panic", r), zap.Stack("stack"))
		*out = fail
	}
}

func (b *Bridge) register(buf *tensor.Buffer) (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		buf.Release()
		return NullHandle, ErrClosed
	}
	b.next++
	h := Handle(b.next)
	b.bufs[h] = buf
	return h, nil
}

func (b *Bridge) network(h Handle) (*netEntry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	e, ok := b.nets[h]
	if !ok {
		return nil, errors.Wrapf(ErrInvalidHandle, "network %d", h)
	}
	return e, nil
}

func (b *Bridge) buffer(h Handle) (*tensor.Buffer, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	buf, ok := b.bufs[h]
	if !ok {
		return nil, errors.Wrapf(ErrInvalidHandle, "buffer %d", h)
	}
	return buf, nil
}

// Load loads a network and returns its handle.
func (b *Bridge) Load(cfg, weights string) (Handle, error) {
	if b.isClosed() {
		return NullHandle, ErrClosed
	}
	net, err := engine.Load(b.backend, cfg, weights)
	if err != nil {
		return NullHandle, errors.Wrapf(err, "load %s", cfg)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		_ = net.Close()
		return NullHandle, ErrClosed
	}
	b.next++
	h := Handle(b.next)
	b.nets[h] = &netEntry{net: net, cfg: cfg, weights: weights, loaded: time.Now()}
	b.log.Info("network loaded", zap.Uint64("net", uint64(h)), zap.String("backend", b.backend),
		zap.String("cfg", cfg), zap.String("weights", weights), zap.Strings("outputs", net.UnconnectedOutLayers()))
	return h, nil
}

// LoadNetwork loads a network, returning NullHandle on any failure.
func (b *Bridge) LoadNetwork(cfg, weights string) (h Handle) {
	defer recoverAs(b, "load", &h, NullHandle)
	h, err := b.Load(cfg, weights)
	if err != nil {
		b.log.Error("load network failed", zap.Error(err))
		return NullHandle
	}
	return h
}

// Bind binds the blob behind blob as the input of net.
func (b *Bridge) Bind(net, blob Handle) error {
	e, err := b.network(net)
	if err != nil {
		return err
	}
	buf, err := b.buffer(blob)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.Wrapf(ErrInvalidHandle, "network %d", net)
	}
	return e.net.SetInput(buf)
}

// BindInput is Bind with a status result: StatusOK or StatusError.
func (b *Bridge) BindInput(net, blob Handle) (status int) {
	defer recoverAs(b, "bind", &status, StatusError)
	if err := b.Bind(net, blob); err != nil {
		b.log.Error("bind input failed", zap.Uint64("net", uint64(net)), zap.Uint64("blob", uint64(blob)), zap.Error(err))
		return StatusError
	}
	return StatusOK
}

// run binds blob (when not null) and runs one forward pass. The outputs are owned by
// the caller and not yet registered.
func (b *Bridge) run(net, blob Handle, layer string) ([]*tensor.Buffer, error) {
	e, err := b.network(net)
	if err != nil {
		return nil, err
	}
	var in *tensor.Buffer
	if blob != NullHandle {
		if in, err = b.buffer(blob); err != nil {
			return nil, err
		}
	}
	var names []string
	if layer != "" {
		names = []string{layer}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errors.Wrapf(ErrInvalidHandle, "network %d", net)
	}
	if in != nil {
		if err := e.net.SetInput(in); err != nil {
			return nil, errors.Wrap(err, "bind")
		}
	}
	start := time.Now()
	outs, err := e.net.Forward(names...)
	if b.observe != nil {
		b.observe(time.Since(start), err)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "forward network %d", net)
	}
	if len(outs) == 0 {
		return nil, errors.Wrapf(engine.ErrNoOutputs, "network %d", net)
	}
	if ce := b.log.Check(zap.DebugLevel, "forward"); ce != nil {
		shapes := make([][]int, len(outs))
		for i, out := range outs {
			shapes[i] = out.Shape()
		}
		ce.Write(zap.Uint64("net", uint64(net)), zap.Duration("took", time.Since(start)),
			zap.Ints("input", in.Shape()), zap.Any("outputs", shapes))
	}
	return outs, nil
}

// Run forwards net and registers every output. An empty layer selects all
// unconnected output layers.
func (b *Bridge) Run(net, blob Handle, layer string) ([]Handle, error) {
	outs, err := b.run(net, blob, layer)
	if err != nil {
		return nil, err
	}
	hs := make([]Handle, 0, len(outs))
	for i, out := range outs {
		h, err := b.register(out)
		if err != nil {
			for _, rest := range outs[i+1:] {
				rest.Release()
			}
			b.releaseBuffers(hs)
			return nil, err
		}
		hs = append(hs, h)
	}
	return hs, nil
}

// Forward runs net and returns the first output as a new buffer handle. Further
// outputs are released. NullHandle on failure.
func (b *Bridge) Forward(net, blob Handle, layer string) (h Handle) {
	defer recoverAs(b, "forward", &h, NullHandle)
	outs, err := b.run(net, blob, layer)
	if err != nil {
		b.log.Error("forward failed", zap.Uint64("net", uint64(net)), zap.String("layer", layer), zap.Error(err))
		return NullHandle
	}
	for _, rest := range outs[1:] {
		rest.Release()
	}
	h, err = b.register(outs[0])
	if err != nil {
		b.log.Error("forward failed", zap.Uint64("net", uint64(net)), zap.Error(err))
		return NullHandle
	}
	return h
}

// ForwardAll is Forward keeping every output. Nil on failure.
func (b *Bridge) ForwardAll(net, blob Handle, layer string) (hs []Handle) {
	defer recoverAs(b, "forward", &hs, nil)
	hs, err := b.Run(net, blob, layer)
	if err != nil {
		b.log.Error("forward failed", zap.Uint64("net", uint64(net)), zap.String("layer", layer), zap.Error(err))
		return nil
	}
	return hs
}

// BuildBlob preprocesses frame into a (1, 3, height, width) blob. A nil frame is a
// black 640×480 frame and negative sizes clamp to zero. The result is null once the
// bridge is closed or when a side exceeds preprocess.MaxBlobSide.
func (b *Bridge) BuildBlob(frame *preprocess.Frame, scale float64, width, height int) (h Handle) {
	defer recoverAs(b, "blob", &h, NullHandle)
	if err := preprocess.CheckSize(max(width, 0), max(height, 0)); err != nil {
		b.log.Error("build blob failed", zap.Error(err))
		return NullHandle
	}
	h, err := b.register(preprocess.Blob(frame, scale, width, height))
	if err != nil {
		b.log.Error("build blob failed", zap.Error(err))
		return NullHandle
	}
	return h
}

// AddBuffer registers a caller-built buffer and takes ownership of it.
func (b *Bridge) AddBuffer(buf *tensor.Buffer) (Handle, error) {
	if buf == nil {
		return NullHandle, errors.New("bridge: nil buffer")
	}
	return b.register(buf)
}

// OutputAt reads element (row, col) of the 2-D view of buf. It returns 0 for an
// unknown handle or an index out of range.
func (b *Bridge) OutputAt(buf Handle, row, col int) (v float32) {
	defer recoverAs(b, "output_at", &v, 0)
	t, err := b.buffer(buf)
	if err != nil {
		return 0
	}
	return t.At(row, col)
}

// OutputAtChecked is OutputAt reporting why a read failed.
func (b *Bridge) OutputAtChecked(buf Handle, row, col int) (v float32, err error) {
	defer recoverAs(b, "output_at", &err, ErrPanic)
	t, err := b.buffer(buf)
	if err != nil {
		return 0, err
	}
	return t.Get(row, col)
}

// OutputShape returns the 2-D view of buf, or (0, 0, StatusError).
func (b *Bridge) OutputShape(buf Handle) (rows, cols, status int) {
	defer recoverAs(b, "output_shape", &status, StatusError)
	t, err := b.buffer(buf)
	if err != nil {
		return 0, 0, StatusError
	}
	rows, cols = t.Dims()
	return rows, cols, StatusOK
}

// CloneBuffer returns a copy of buf that stays valid after buf is released.
func (b *Bridge) CloneBuffer(buf Handle) (c *tensor.Buffer, err error) {
	defer recoverAs(b, "clone", &err, ErrPanic)
	t, err := b.buffer(buf)
	if err != nil {
		return nil, err
	}
	if c = t.Clone(); c == nil {
		// Released between the lookup and the copy.
		return nil, errors.Wrapf(ErrInvalidHandle, "buffer %d", buf)
	}
	return c, nil
}

// ReleaseBuffer frees buf. Null and already released handles are ignored.
func (b *Bridge) ReleaseBuffer(buf Handle) {
	defer recoverAs(b, "release_buffer", new(int), 0)
	if buf == NullHandle {
		return
	}
	b.mu.Lock()
	t, ok := b.bufs[buf]
	delete(b.bufs, buf)
	b.mu.Unlock()
	if !ok {
		b.log.Debug("release of unknown buffer ignored", zap.Uint64("buffer", uint64(buf)))
		return
	}
	t.Release()
}

func (b *Bridge) releaseBuffers(hs []Handle) {
	for _, h := range hs {
		b.ReleaseBuffer(h)
	}
}

// ReleaseNetwork closes net. Null, unknown and shared handles are ignored; the shared
// network lives until Close.
func (b *Bridge) ReleaseNetwork(net Handle) {
	defer recoverAs(b, "release_network", new(int), 0)
	if net == NullHandle {
		return
	}
	b.mu.Lock()
	e, ok := b.nets[net]
	if ok && e.shared {
		b.mu.Unlock()
		b.log.Debug("release of shared network ignored", zap.Uint64("net", uint64(net)))
		return
	}
	delete(b.nets, net)
	b.mu.Unlock()
	if !ok {
		b.log.Debug("release of unknown network ignored", zap.Uint64("net", uint64(net)))
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	if err := e.net.Close(); err != nil {
		b.log.Warn("close network", zap.Uint64("net", uint64(net)), zap.Error(err))
	}
	b.log.Info("network released", zap.Uint64("net", uint64(net)))
}

// SharedNetwork returns the bridge's shared network, loading it on first use. Later
// calls return the same handle whatever their arguments. A failed load pins nothing,
// so the next call tries again.
func (b *Bridge) SharedNetwork(cfg, weights string) Handle {
	b.sharedMu.Lock()
	defer b.sharedMu.Unlock()
	if b.shared != NullHandle {
		if _, err := b.network(b.shared); err == nil {
			return b.shared
		}
		return NullHandle
	}
	h := b.LoadNetwork(cfg, weights)
	if h == NullHandle {
		return NullHandle
	}
	b.mu.Lock()
	if e, ok := b.nets[h]; ok {
		e.shared = true
	}
	b.mu.Unlock()
	b.shared = h
	return h
}

// NetworkInfo describes net.
func (b *Bridge) NetworkInfo(net Handle) (Info, error) {
	e, err := b.network(net)
	if err != nil {
		return Info{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return Info{}, errors.Wrapf(ErrInvalidHandle, "network %d", net)
	}
	return Info{
		Handle:   net,
		Backend:  e.net.Backend(),
		Target:   e.net.Target(),
		Layers:   len(e.net.LayerNames()),
		Outputs:  e.net.UnconnectedOutLayers(),
		Cfg:      e.cfg,
		Weights:  e.weights,
		Shared:   e.shared,
		LoadedAt: e.loaded,
	}, nil
}

// Stats returns a snapshot of the live handle counts.
func (b *Bridge) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{Networks: len(b.nets), Buffers: len(b.bufs), Issued: b.next, Closed: b.closed}
}

func (b *Bridge) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Close releases every live network and buffer, the shared network included. It runs
// once; later calls return the first result. Every operation after Close fails with
// its sentinel.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		nets, bufs := b.nets, b.bufs
		b.nets = make(map[Handle]*netEntry)
		b.bufs = make(map[Handle]*tensor.Buffer)
		b.mu.Unlock()

		var err error
		for h, e := range nets {
			e.mu.Lock()
			e.closed = true
			if cerr := e.net.Close(); cerr != nil {
				err = multierr.Append(err, errors.Wrapf(cerr, "close network %d", h))
			}
			e.mu.Unlock()
		}
		for _, t := range bufs {
			t.Release()
		}
		b.closeErr = err
		b.log.Info("bridge closed", zap.Int("networks", len(nets)), zap.Int("buffers", len(bufs)), zap.Error(err))
	})
	return b.closeErr
}

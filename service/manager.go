// Package service manages named networks on top of the bridge and runs complete
// inference requests (blob, forward, copy-out, release) on the worker pool.
package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.uber.org/zap"

	"DnnBridge/bridge"
	"DnnBridge/config"
	"DnnBridge/logger"
	"DnnBridge/modelfetch"
	"DnnBridge/preprocess"
	"DnnBridge/worker"
)

var (
	ErrNotFound   = errors.New("service: network not found")
	ErrShared     = errors.New("service: the shared network is only released at shutdown")
	ErrBadRequest = errors.New("service: invalid inference request")
)

// Network is a loaded network as seen by API clients.
type Network struct {
	ID          string    `json:"id"`
	Description string    `json:"description,omitempty"`
	Cfg         string    `json:"cfg"`
	Weights     string    `json:"weights"`
	Backend     string    `json:"backend"`
	Target      string    `json:"target"`
	Outputs     []string  `json:"outputs"`
	Shared      bool      `json:"shared"`
	Created     time.Time `json:"created"`

	handle bridge.Handle
}

// InferRequest is one frame to run. Zero sizes, scale and layer fall back to the
// configured network defaults. A nil Frame is a black frame.
type InferRequest struct {
	Frame  *preprocess.Frame
	Layer  string
	Width  int
	Height int
	Scale  float64
}

// Output is a copied-out network output.
type Output struct {
	Shape []int     `json:"shape"`
	Rows  int       `json:"rows"`
	Cols  int       `json:"cols"`
	Data  []float32 `json:"data,omitempty"`
}

type InferResult struct {
	Outputs []Output      `json:"outputs"`
	Took    time.Duration `json:"took"`
}

type Options struct {
	Bridge   *bridge.Bridge
	Pool     *worker.Pool
	Fetcher  *modelfetch.Fetcher
	Defaults config.Network
	Timeout  time.Duration
	Logger   *zap.Logger
}

type Manager struct {
	bridge   *bridge.Bridge
	pool     *worker.Pool
	fetch    *modelfetch.Fetcher
	defaults config.Network
	timeout  time.Duration
	log      *zap.Logger

	mu   sync.RWMutex
	nets map[string]*Network
}

func NewManager(opts Options) *Manager {
	log := logger.OrDefault(opts.Logger).Named("service")
	if opts.Fetcher == nil {
		opts.Fetcher = modelfetch.New("models/cache", log)
	}
	if opts.Defaults.Scale == 0 {
		opts.Defaults = config.Default().Network
	}
	if opts.Defaults.MaxSide <= 0 {
		opts.Defaults.MaxSide = config.Default().Network.MaxSide
	}
	return &Manager{
		bridge:   opts.Bridge,
		pool:     opts.Pool,
		fetch:    opts.Fetcher,
		defaults: opts.Defaults,
		timeout:  opts.Timeout,
		log:      log,
		nets:     make(map[string]*Network),
	}
}

// Bridge returns the bridge the manager works on.
func (m *Manager) Bridge() *bridge.Bridge { return m.bridge }

// Defaults returns the default network settings.
func (m *Manager) Defaults() config.Network { return m.defaults }

func (m *Manager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.timeout)
}

// runOwned runs fn on the pool. When the caller gives up before fn returns, the
// value fn produced is passed to cleanup instead of being dropped.
func runOwned[T any](ctx context.Context, pool *worker.Pool, fn func() T, cleanup func(T)) (T, error) {
	var (
		mu        sync.Mutex
		out       T
		finished  bool
		abandoned bool
	)
	err := pool.Submit(ctx, func() {
		v := fn()
		mu.Lock()
		defer mu.Unlock()
		if abandoned {
			if cleanup != nil {
				cleanup(v)
			}
			return
		}
		out, finished = v, true
	})
	mu.Lock()
	defer mu.Unlock()
	if err != nil {
		if finished && cleanup != nil {
			cleanup(out)
		}
		abandoned = true
		var zero T
		return zero, err
	}
	return out, nil
}

type loadOutcome struct {
	h   bridge.Handle
	err error
}

// Load loads a network from a topology and a weights locator (paths or URLs).
func (m *Manager) Load(ctx context.Context, cfg, weights, description string) (*Network, error) {
	ctx, span := trace.StartSpan(ctx, "service.Load")
	defer span.End()
	span.AddAttributes(trace.StringAttribute("cfg", cfg), trace.StringAttribute("weights", weights))

	cfgPath, weightsPath, err := m.fetch.ResolvePair(ctx, cfg, weights)
	if err != nil {
		return nil, spanError(span, err)
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	res, err := runOwned(ctx, m.pool, func() loadOutcome {
		h, err := m.bridge.Load(cfgPath, weightsPath)
		return loadOutcome{h, err}
	}, func(o loadOutcome) { m.bridge.ReleaseNetwork(o.h) })
	if err == nil {
		err = res.err
	}
	if err != nil {
		return nil, spanError(span, err)
	}
	return m.track(res.h, cfgPath, weightsPath, description, false)
}

// LoadShared pins the bridge's shared network and tracks it like any other.
func (m *Manager) LoadShared(ctx context.Context, cfg, weights string) (*Network, error) {
	cfgPath, weightsPath, err := m.fetch.ResolvePair(ctx, cfg, weights)
	if err != nil {
		return nil, err
	}
	h := m.bridge.SharedNetwork(cfgPath, weightsPath)
	if h == bridge.NullHandle {
		return nil, errors.Errorf("load shared network %s", cfg)
	}
	m.mu.RLock()
	for _, n := range m.nets {
		if n.handle == h {
			m.mu.RUnlock()
			return n, nil
		}
	}
	m.mu.RUnlock()
	return m.track(h, cfgPath, weightsPath, "shared", true)
}

func (m *Manager) track(h bridge.Handle, cfg, weights, description string, shared bool) (*Network, error) {
	info, err := m.bridge.NetworkInfo(h)
	if err != nil {
		m.bridge.ReleaseNetwork(h)
		return nil, err
	}
	n := &Network{
		ID:          uuid.NewString(),
		Description: description,
		Cfg:         cfg,
		Weights:     weights,
		Backend:     info.Backend.String(),
		Target:      info.Target.String(),
		Outputs:     info.Outputs,
		Shared:      shared,
		Created:     time.Now(),
		handle:      h,
	}
	m.mu.Lock()
	m.nets[n.ID] = n
	m.mu.Unlock()
	m.log.Info("network added", zap.String("id", n.ID), zap.String("description", description),
		zap.Uint64("handle", uint64(h)), zap.Bool("shared", shared))
	return n, nil
}

func (m *Manager) Get(id string) (*Network, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nets[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "%s", id)
	}
	return n, nil
}

// List returns every network, oldest first.
func (m *Manager) List() []*Network {
	m.mu.RLock()
	out := make([]*Network, 0, len(m.nets))
	for _, n := range m.nets {
		out = append(out, n)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

// Release closes a network and forgets it.
func (m *Manager) Release(id string) error {
	m.mu.Lock()
	n, ok := m.nets[id]
	if ok && n.Shared {
		m.mu.Unlock()
		return errors.Wrapf(ErrShared, "%s", id)
	}
	delete(m.nets, id)
	m.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrNotFound, "%s", id)
	}
	m.bridge.ReleaseNetwork(n.handle)
	m.log.Info("network removed", zap.String("id", id))
	return nil
}

type inferOutcome struct {
	res *InferResult
	err error
}

// Infer runs one frame through network id and returns copies of its outputs. Every
// buffer created on the way is released before Infer returns, or before the worker
// finishes when ctx ends first.
func (m *Manager) Infer(ctx context.Context, id string, req InferRequest) (*InferResult, error) {
	ctx, span := trace.StartSpan(ctx, "service.Infer")
	defer span.End()
	span.AddAttributes(trace.StringAttribute("network", id), trace.StringAttribute("layer", req.Layer))

	n, err := m.Get(id)
	if err != nil {
		return nil, spanError(span, err)
	}
	if req.Width == 0 {
		req.Width = m.defaults.Width
	}
	if req.Height == 0 {
		req.Height = m.defaults.Height
	}
	if req.Scale == 0 {
		req.Scale = m.defaults.Scale
	}
	if req.Layer == "" {
		req.Layer = m.defaults.Layer
	}
	if err := m.checkRequest(req); err != nil {
		return nil, spanError(span, err)
	}

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	out, err := runOwned(ctx, m.pool, func() inferOutcome {
		res, err := m.infer(n.handle, req)
		return inferOutcome{res, err}
	}, nil)
	if err == nil {
		err = out.err
	}
	if err != nil {
		m.log.Warn("inference failed", zap.String("id", id), zap.Error(err))
		return nil, spanError(span, err)
	}
	return out.res, nil
}

// checkRequest bounds the blob a request asks for before anything is allocated.
func (m *Manager) checkRequest(req InferRequest) error {
	limit := m.defaults.MaxSide
	if req.Width < 0 || req.Height < 0 || req.Width > limit || req.Height > limit {
		return errors.Wrapf(ErrBadRequest, "size %dx%d outside [0, %d]", req.Width, req.Height, limit)
	}
	if req.Scale < 0 {
		return errors.Wrapf(ErrBadRequest, "negative scale %v", req.Scale)
	}
	return nil
}

func (m *Manager) infer(net bridge.Handle, req InferRequest) (*InferResult, error) {
	start := time.Now()
	blob := m.bridge.BuildBlob(req.Frame, req.Scale, req.Width, req.Height)
	if blob == bridge.NullHandle {
		return nil, bridge.ErrClosed
	}
	defer m.bridge.ReleaseBuffer(blob)

	outs, err := m.bridge.Run(net, blob, req.Layer)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, h := range outs {
			m.bridge.ReleaseBuffer(h)
		}
	}()

	res := &InferResult{Outputs: make([]Output, 0, len(outs))}
	for _, h := range outs {
		buf, err := m.bridge.CloneBuffer(h)
		if err != nil {
			return nil, err
		}
		rows, cols := buf.Dims()
		res.Outputs = append(res.Outputs, Output{Shape: buf.Shape(), Rows: rows, Cols: cols, Data: buf.Data()})
	}
	res.Took = time.Since(start)
	return res, nil
}

// Close releases every network the manager loaded. The shared network stays with
// the bridge.
func (m *Manager) Close() {
	m.mu.Lock()
	nets := m.nets
	m.nets = make(map[string]*Network)
	m.mu.Unlock()
	for _, n := range nets {
		if !n.Shared {
			m.bridge.ReleaseNetwork(n.handle)
		}
	}
}

func spanError(span *trace.Span, err error) error {
	code := int32(trace.StatusCodeInternal)
	if errors.Is(err, ErrNotFound) {
		code = trace.StatusCodeNotFound
	} else if errors.Is(err, ErrBadRequest) {
		code = trace.StatusCodeInvalidArgument
	} else if errors.Is(err, context.DeadlineExceeded) {
		code = trace.StatusCodeDeadlineExceeded
	}
	span.SetStatus(trace.Status{Code: code, Message: err.Error()})
	return err
}

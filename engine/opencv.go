//go:build cgo && !no_cgo

package engine

import (
	"bufio"
	"os"
	"runtime"
	"strings"
	"unsafe"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"DnnBridge/tensor"
)

func init() {
	Register(BackendOpenCV, LoadDarknet)
}

// darknet weights start with major, minor, revision (int32) and a seen counter.
const minDarknetWeightsSize = 20

// openCVNet wraps a gocv.Net. The bound input is a native clone of the blob, so the
// Go buffer can be released as soon as SetInput returns.
type openCVNet struct {
	net    gocv.Net
	input  gocv.Mat
	bound  bool
	closed bool
}

// LoadDarknet reads a Darknet topology (.cfg) and weights file into an OpenCV network
// pinned to the OpenCV backend on the CPU target.
//
// OpenCV throws on malformed input and gocv does not translate every throw, so the
// files are checked here first: both must be readable, the cfg must declare a [net]
// section and the weights must at least hold a header.
func LoadDarknet(cfg, weights string) (Net, error) {
	if err := checkReadable(cfg); err != nil {
		return nil, errors.Wrap(err, "topology")
	}
	if err := checkReadable(weights); err != nil {
		return nil, errors.Wrap(err, "weights")
	}
	if err := checkDarknetCfg(cfg); err != nil {
		return nil, err
	}
	if info, err := os.Stat(weights); err != nil || info.Size() < minDarknetWeightsSize {
		return nil, errors.Wrapf(ErrResource, "%s is too short to be darknet weights", weights)
	}

	net := gocv.ReadNetFromDarknet(cfg, weights)
	if net.Empty() {
		_ = net.Close()
		return nil, errors.Wrapf(ErrEmptyNet, "%s + %s", cfg, weights)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendOpenCV); err != nil {
		_ = net.Close()
		return nil, errors.Wrap(err, "set preferable backend")
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		_ = net.Close()
		return nil, errors.Wrap(err, "set preferable target")
	}
	return &openCVNet{net: net}, nil
}

func checkDarknetCfg(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(ErrResource, "%v", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "[net]" || line == "[network]" {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(ErrResource, "%v", err)
	}
	return errors.Wrapf(ErrResource, "%s has no [net] section", path)
}

func (n *openCVNet) Backend() NetBackend { return NetBackendOpenCV }

func (n *openCVNet) Target() NetTarget { return NetTargetCPU }

func (n *openCVNet) LayerNames() []string {
	if n.closed {
		return nil
	}
	return n.net.GetLayerNames()
}

func (n *openCVNet) UnconnectedOutLayers() []string {
	if n.closed {
		return nil
	}
	var names []string
	for _, id := range n.net.GetUnconnectedOutLayers() {
		layer := n.net.GetLayer(id)
		if name := layer.GetName(); name != "_input" {
			names = append(names, name)
		}
		_ = layer.Close()
	}
	return names
}

func (n *openCVNet) SetInput(blob *tensor.Buffer) error {
	if n.closed {
		return ErrClosed
	}
	if blob == nil || blob.Len() == 0 {
		return errors.Wrapf(ErrInvalidInput, "%v", blob)
	}
	mat, err := bufferToMat(blob)
	if err != nil {
		return err
	}
	if n.bound {
		_ = n.input.Close()
	}
	n.input = mat
	n.bound = true
	n.net.SetInput(n.input, "")
	return nil
}

func (n *openCVNet) Forward(outNames ...string) ([]*tensor.Buffer, error) {
	if n.closed {
		return nil, ErrClosed
	}
	if !n.bound {
		return nil, ErrUnboundInput
	}
	names, err := resolveOutputs(n, outNames)
	if err != nil {
		return nil, err
	}
	mats := n.net.ForwardLayers(names)
	defer func() {
		for i := range mats {
			_ = mats[i].Close()
		}
	}()
	out := make([]*tensor.Buffer, 0, len(mats))
	for i := range mats {
		buf, err := matToBuffer(&mats[i])
		if err != nil {
			releaseAll(out)
			return nil, errors.Wrapf(err, "output %s", names[i])
		}
		out = append(out, buf)
	}
	return out, nil
}

func (n *openCVNet) Close() error {
	if n.closed {
		return nil
	}
	n.closed = true
	if n.bound {
		_ = n.input.Close()
		n.bound = false
	}
	return n.net.Close()
}

// bufferToMat copies blob into a native CV_32F Mat of the same shape.
func bufferToMat(blob *tensor.Buffer) (gocv.Mat, error) {
	data := blob.Data()
	raw := unsafe.Slice((*byte)(unsafe.Pointer(&data[0])), len(data)*4)
	view, err := gocv.NewMatWithSizesFromBytes(blob.Shape(), gocv.MatTypeCV32F, raw)
	if err != nil {
		return gocv.NewMat(), errors.Wrap(err, "wrap blob")
	}
	// view points at Go memory; the network only ever sees the clone.
	owned := view.Clone()
	_ = view.Close()
	runtime.KeepAlive(data)
	return owned, nil
}

// matToBuffer copies a CV_32F Mat into a Go-owned buffer.
func matToBuffer(m *gocv.Mat) (*tensor.Buffer, error) {
	if m.Empty() {
		return tensor.New(0, 0)
	}
	if m.Type() != gocv.MatTypeCV32F {
		return nil, errors.Errorf("unexpected output type %v", m.Type())
	}
	src, err := m.DataPtrFloat32()
	if err != nil {
		return nil, errors.Wrap(err, "read output")
	}
	return tensor.FromSlice(src, m.Size()...)
}

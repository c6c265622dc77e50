package engine

import (
	"fmt"

	"github.com/pkg/errors"

	"DnnBridge/tensor"
)

func init() {
	Register(BackendSimulated, NewSimulatedLoader(DefaultSimulatedSpec()))
}

// SimulatedSpec describes the stand-in network: a tiny-YOLOv3 layer list whose
// detection layers are declared as Grid×Grid×Anchors rows of 5+Classes columns.
type SimulatedSpec struct {
	Layers          []string
	DetectionLayers []int
	Grid            int
	Anchors         int
	Classes         int
	// DummyRows is the number of leading rows given a low objectness score.
	DummyRows       int
	DummyObjectness float32
}

// DefaultSimulatedSpec is a 13×13, 3-anchor, 80-class single-scale output on layers
// yolo_16 and yolo_23.
func DefaultSimulatedSpec() SimulatedSpec {
	return SimulatedSpec{
		Layers: []string{
			"conv_0", "conv_1", "pool_2", "conv_3", "pool_4", "conv_5",
			"pool_6", "conv_7", "pool_8", "conv_9", "conv_10", "conv_11",
			"pool_12", "conv_13", "conv_14", "conv_15", "yolo_16",
			"route_17", "conv_18", "upsample_19", "route_20", "conv_21",
			"conv_22", "yolo_23",
		},
		DetectionLayers: []int{16, 23},
		Grid:            13,
		Anchors:         3,
		Classes:         80,
		DummyRows:       10,
		DummyObjectness: 0.1,
	}
}

// Rows is the number of candidate boxes per detection layer.
func (s SimulatedSpec) Rows() int { return s.Grid * s.Grid * s.Anchors }

// Cols is box (4) + objectness (1) + class scores.
func (s SimulatedSpec) Cols() int { return 5 + s.Classes }

type simulatedLayer struct {
	name       string
	rows, cols int
}

// SimulatedNet is the stand-in backend. Every layer has a declared output shape;
// non-detection layers are declared with zero rows.
type SimulatedNet struct {
	spec    SimulatedSpec
	layers  []simulatedLayer
	outputs []string
	input   []int
	closed  bool
}

// NewSimulatedLoader returns a loader for spec. Both locators must still name
// readable files; their content is not parsed.
func NewSimulatedLoader(spec SimulatedSpec) LoaderFunc {
	return func(cfg, weights string) (Net, error) {
		if err := checkReadable(cfg); err != nil {
			return nil, errors.Wrap(err, "topology")
		}
		if err := checkReadable(weights); err != nil {
			return nil, errors.Wrap(err, "weights")
		}
		return NewSimulatedNet(spec)
	}
}

// NewSimulatedNet builds the stand-in network without touching the filesystem.
func NewSimulatedNet(spec SimulatedSpec) (*SimulatedNet, error) {
	if len(spec.Layers) == 0 {
		return nil, ErrEmptyNet
	}
	detect := make(map[int]bool, len(spec.DetectionLayers))
	for _, idx := range spec.DetectionLayers {
		if idx < 0 || idx >= len(spec.Layers) {
			return nil, errors.Errorf("detection layer %d outside %d layers", idx, len(spec.Layers))
		}
		detect[idx] = true
	}
	n := &SimulatedNet{spec: spec}
	for i, name := range spec.Layers {
		l := simulatedLayer{name: name, cols: spec.Cols()}
		if detect[i] {
			l.rows = spec.Rows()
			n.outputs = append(n.outputs, name)
		}
		n.layers = append(n.layers, l)
	}
	return n, nil
}

func (n *SimulatedNet) Backend() NetBackend { return NetBackendOpenCV }

func (n *SimulatedNet) Target() NetTarget { return NetTargetCPU }

func (n *SimulatedNet) LayerNames() []string {
	names := make([]string, len(n.layers))
	for i, l := range n.layers {
		names[i] = l.name
	}
	return names
}

func (n *SimulatedNet) UnconnectedOutLayers() []string {
	return append([]string(nil), n.outputs...)
}

// LayerShape returns the declared output shape of a layer.
func (n *SimulatedNet) LayerShape(name string) (rows, cols int, err error) {
	for _, l := range n.layers {
		if l.name == name {
			return l.rows, l.cols, nil
		}
	}
	return 0, 0, errors.Wrapf(ErrUnknownLayer, "%q", name)
}

func (n *SimulatedNet) SetInput(blob *tensor.Buffer) error {
	if n.closed {
		return ErrClosed
	}
	if blob == nil || blob.Released() || blob.Rank() != 4 {
		return errors.Wrapf(ErrInvalidInput, "want a rank-4 blob, got %v", blob)
	}
	n.input = blob.Shape()
	return nil
}

func (n *SimulatedNet) Forward(outNames ...string) ([]*tensor.Buffer, error) {
	if n.closed {
		return nil, ErrClosed
	}
	if n.input == nil {
		return nil, ErrUnboundInput
	}
	names, err := resolveOutputs(n, outNames)
	if err != nil {
		return nil, err
	}
	out := make([]*tensor.Buffer, 0, len(names))
	for _, name := range names {
		rows, cols, _ := n.LayerShape(name)
		buf, err := tensor.New(rows, cols)
		if err != nil {
			releaseAll(out)
			return nil, errors.Wrapf(err, "layer %s", name)
		}
		if data := buf.Data(); data != nil && cols > 4 {
			for i := 0; i < n.spec.DummyRows && i < rows; i++ {
				data[i*cols+4] = n.spec.DummyObjectness
			}
		}
		out = append(out, buf)
	}
	return out, nil
}

func (n *SimulatedNet) Close() error {
	n.closed = true
	n.input = nil
	return nil
}

func (n *SimulatedNet) String() string {
	return fmt.Sprintf("SimulatedNet(%d layers, outputs %v)", len(n.layers), n.outputs)
}

// Package tensor holds the owned numeric buffers that move data across the bridge.
//
// A Buffer is a dense float32 array with an explicit shape of one to four
// dimensions: NCHW for input blobs, rows×cols for network outputs. Storage is owned
// by the Buffer and is dropped by Release; every accessor is safe on a nil or
// released Buffer and behaves as if the buffer were empty. A Buffer may be read from
// several goroutines while another releases it.
package tensor

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	gt "gorgonia.org/tensor"
)

// MaxRank is the highest number of dimensions a Buffer may have.
const MaxRank = 4

// MaxElements bounds the element count of a Buffer (4 GiB of float32).
const MaxElements = 1 << 30

var (
	// ErrOutOfRange is returned by checked accessors for an index outside the shape.
	ErrOutOfRange = errors.New("tensor: index out of range")
	// ErrReleased is returned by checked accessors once the buffer has been released.
	ErrReleased = errors.New("tensor: buffer released")
	// ErrShape is returned for a rank outside [1, MaxRank], a negative dimension or
	// more than MaxElements elements.
	ErrShape = errors.New("tensor: invalid shape")
)

// Buffer is an owned float32 array with an explicit shape.
type Buffer struct {
	mu       sync.RWMutex
	shape    []int
	dense    *gt.Dense // full shape; nil when empty or released
	mat      *gt.Dense // rows×cols view over the same backing
	released bool
}

// New allocates a zero-filled buffer of the given shape.
func New(shape ...int) (*Buffer, error) {
	total, err := checkShape(shape)
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return &Buffer{shape: cloneInts(shape)}, nil
	}
	return Wrap(make([]float32, total), shape...)
}

// FromSlice copies data into a new buffer of the given shape.
func FromSlice(data []float32, shape ...int) (*Buffer, error) {
	owned := make([]float32, len(data))
	copy(owned, data)
	return Wrap(owned, shape...)
}

// Wrap takes ownership of data without copying it. The caller must not touch data
// after the call.
func Wrap(data []float32, shape ...int) (*Buffer, error) {
	total, err := checkShape(shape)
	if err != nil {
		return nil, err
	}
	if total != len(data) {
		return nil, errors.Wrapf(ErrShape, "shape %v needs %d elements, got %d", shape, total, len(data))
	}
	b := &Buffer{shape: cloneInts(shape)}
	if total > 0 {
		rows, cols := view2D(shape)
		b.dense = gt.New(gt.WithShape(shape...), gt.WithBacking(data))
		b.mat = gt.New(gt.WithShape(rows, cols), gt.WithBacking(data))
	}
	return b, nil
}

// checkShape returns the element count of shape. The product of the non-zero
// dimensions must not exceed MaxElements, so no partial product can overflow.
func checkShape(shape []int) (int, error) {
	if len(shape) == 0 || len(shape) > MaxRank {
		return 0, errors.Wrapf(ErrShape, "rank %d", len(shape))
	}
	total, zero := 1, false
	for _, d := range shape {
		switch {
		case d < 0:
			return 0, errors.Wrapf(ErrShape, "negative dimension in %v", shape)
		case d == 0:
			zero = true
		case total > MaxElements/d:
			return 0, errors.Wrapf(ErrShape, "%v exceeds %d elements", shape, MaxElements)
		default:
			total *= d
		}
	}
	if zero {
		return 0, nil
	}
	return total, nil
}

// view2D folds every dimension except the last into rows. Rank 1 is a single row.
func view2D(shape []int) (rows, cols int) {
	if len(shape) == 0 {
		return 0, 0
	}
	last := len(shape) - 1
	rows = 1
	for _, d := range shape[:last] {
		rows *= d
	}
	return rows, shape[last]
}

func cloneInts(in []int) []int {
	out := make([]int, len(in))
	copy(out, in)
	return out
}

// Shape returns a copy of the buffer's dimensions. A released buffer has no shape.
func (b *Buffer) Shape() []int {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.released {
		return nil
	}
	return cloneInts(b.shape)
}

// Rank returns the number of dimensions.
func (b *Buffer) Rank() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.released {
		return 0
	}
	return len(b.shape)
}

// Len returns the number of elements held.
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.dense == nil {
		return 0
	}
	return b.dense.Size()
}

// Dims returns the 2-D view of the buffer. Rank 1 is a single row; for rank 3 and 4
// every dimension except the last is folded into rows.
func (b *Buffer) Dims() (rows, cols int) {
	if b == nil {
		return 0, 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.released {
		return 0, 0
	}
	return view2D(b.shape)
}

// Rows is the first value of Dims.
func (b *Buffer) Rows() int {
	r, _ := b.Dims()
	return r
}

// Cols is the second value of Dims.
func (b *Buffer) Cols() int {
	_, c := b.Dims()
	return c
}

// Data returns the backing storage. The slice must be treated as read-only; after
// Release it is detached from the buffer.
func (b *Buffer) Data() []float32 {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.dense == nil {
		return nil
	}
	return b.dense.Data().([]float32)
}

// At returns the element at (row, col) of the 2-D view, or 0 for any invalid access.
func (b *Buffer) At(row, col int) float32 {
	v, _ := b.Get(row, col)
	return v
}

// Get is the checked form of At.
func (b *Buffer) Get(row, col int) (float32, error) {
	if b == nil {
		return 0, errors.Wrap(ErrOutOfRange, "nil buffer")
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.released {
		return 0, ErrReleased
	}
	rows, cols := view2D(b.shape)
	if row < 0 || col < 0 || row >= rows || col >= cols || b.mat == nil {
		return 0, errors.Wrapf(ErrOutOfRange, "(%d, %d) outside %dx%d", row, col, rows, cols)
	}
	v, err := b.mat.At(row, col)
	if err != nil {
		return 0, errors.Wrapf(ErrOutOfRange, "%v", err)
	}
	return v.(float32), nil
}

// At4 reads an NCHW element of a rank-4 buffer, or 0 for any invalid access.
func (b *Buffer) At4(n, c, y, x int) float32 {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.dense == nil || len(b.shape) != 4 {
		return 0
	}
	s := b.shape
	if n < 0 || c < 0 || y < 0 || x < 0 || n >= s[0] || c >= s[1] || y >= s[2] || x >= s[3] {
		return 0
	}
	v, err := b.dense.At(n, c, y, x)
	if err != nil {
		return 0
	}
	return v.(float32)
}

// Row returns a copy of one row of the 2-D view, or nil when row is out of range.
func (b *Buffer) Row(row int) []float32 {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	rows, cols := view2D(b.shape)
	if b.mat == nil || row < 0 || row >= rows {
		return nil
	}
	v, err := b.mat.Slice(gt.S(row))
	if err != nil {
		return nil
	}
	out := make([]float32, cols)
	// A single-column row slices down to a scalar.
	switch d := v.Data().(type) {
	case []float32:
		copy(out, d)
	case float32:
		out[0] = d
	}
	return out
}

// Clone returns an independent copy. Cloning a released buffer yields nil.
func (b *Buffer) Clone() *Buffer {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.released {
		return nil
	}
	if b.dense == nil {
		return &Buffer{shape: cloneInts(b.shape)}
	}
	dup := b.dense.Clone().(*gt.Dense)
	out, err := Wrap(dup.Data().([]float32), b.shape...)
	if err != nil {
		return nil
	}
	return out
}

// Released reports whether Release has been called.
func (b *Buffer) Released() bool {
	if b == nil {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.released
}

// Release drops the storage. Calling it again has no effect. Release waits for
// reads in progress.
func (b *Buffer) Release() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return
	}
	b.dense = nil
	b.mat = nil
	b.shape = nil
	b.released = true
}

func (b *Buffer) String() string {
	if b == nil {
		return "Buffer(nil)"
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.released {
		return "Buffer(released)"
	}
	return fmt.Sprintf("Buffer%v", b.shape)
}

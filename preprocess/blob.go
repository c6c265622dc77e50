// Package preprocess turns camera frames into network input blobs.
package preprocess

import (
	"bytes"
	"image"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"DnnBridge/logger"
	"DnnBridge/tensor"
)

// Size of the frame substituted for a missing or malformed one.
const (
	DefaultFrameWidth  = 640
	DefaultFrameHeight = 480
	Channels           = 3
)

// MaxBlobSide is the largest blob width or height Blob builds.
const MaxBlobSide = 8192

// ErrTooLarge is returned by CheckSize.
var ErrTooLarge = errors.New("preprocess: blob size out of range")

// CheckSize reports whether a width×height blob is within [0, MaxBlobSide] on both
// sides.
func CheckSize(width, height int) error {
	if width < 0 || height < 0 || width > MaxBlobSide || height > MaxBlobSide {
		return errors.Wrapf(ErrTooLarge, "%dx%d (max %d per side)", width, height, MaxBlobSide)
	}
	return nil
}

// Frame is an interleaved 8-bit BGR image, the layout camera bridges hand over.
type Frame struct {
	Data   []byte
	Width  int
	Height int
}

// ZeroFrame returns a black frame of the default size.
func ZeroFrame() *Frame {
	return &Frame{
		Data:   make([]byte, DefaultFrameWidth*DefaultFrameHeight*Channels),
		Width:  DefaultFrameWidth,
		Height: DefaultFrameHeight,
	}
}

// Valid reports whether the frame dimensions match its data.
func (f *Frame) Valid() bool {
	return f != nil && f.Width > 0 && f.Height > 0 && len(f.Data) == f.Width*f.Height*Channels
}

// rgb returns the frame as an NRGBA image with channels reordered to RGB.
func (f *Frame) rgb() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, f.Width, f.Height))
	for i, j := 0, 0; i < len(f.Data); i, j = i+Channels, j+4 {
		img.Pix[j] = f.Data[i+2]
		img.Pix[j+1] = f.Data[i+1]
		img.Pix[j+2] = f.Data[i]
		img.Pix[j+3] = 0xff
	}
	return img
}

// FrameFromImage converts any image to a BGR frame.
func FrameFromImage(img image.Image) *Frame {
	src := imaging.Clone(img)
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	f := &Frame{Data: make([]byte, w*h*Channels), Width: w, Height: h}
	for y := 0; y < h; y++ {
		row := src.Pix[y*src.Stride : y*src.Stride+w*4]
		for x := 0; x < w; x++ {
			o := (y*w + x) * Channels
			f.Data[o] = row[x*4+2]
			f.Data[o+1] = row[x*4+1]
			f.Data[o+2] = row[x*4]
		}
	}
	return f
}

// DecodeFrame decodes an encoded image (JPEG, PNG, GIF, BMP, TIFF) into a BGR frame.
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, errors.New("empty image payload")
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "decode frame")
	}
	return FrameFromImage(img), nil
}

// Blob builds a (1, 3, height, width) input blob: resize to width×height, multiply
// by scale, reorder BGR to RGB, no mean subtraction and no crop.
//
// Blob never returns nil. A nil frame stands for a black default-size frame, and a
// malformed frame is replaced by one with a warning. Negative sizes clamp to zero,
// which yields an empty buffer of the right rank, and sizes above MaxBlobSide clamp
// to MaxBlobSide. Callers that must not clamp use CheckSize first.
func Blob(frame *Frame, scale float64, width, height int) *tensor.Buffer {
	width, height = min(max(width, 0), MaxBlobSide), min(max(height, 0), MaxBlobSide)
	if frame != nil && !frame.Valid() {
		logger.Log().Warn("malformed frame, substituting a black frame",
			zap.Int("width", frame.Width), zap.Int("height", frame.Height), zap.Int("bytes", len(frame.Data)))
		frame = nil
	}
	if frame == nil || width == 0 || height == 0 {
		// A black frame stays black through resize and scale.
		buf, _ := tensor.New(1, Channels, height, width)
		return buf
	}

	img := frame.rgb()
	if frame.Width != width || frame.Height != height {
		img = imaging.Resize(img, width, height, imaging.Linear)
	}

	plane := width * height
	data := make([]float32, Channels*plane)
	s := float32(scale)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			p := img.Pix[y*img.Stride+x*4:]
			i := y*width + x
			data[i] = float32(p[0]) * s
			data[plane+i] = float32(p[1]) * s
			data[2*plane+i] = float32(p[2]) * s
		}
	}
	buf, _ := tensor.Wrap(data, 1, Channels, height, width)
	return buf
}

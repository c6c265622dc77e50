package preprocess

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidFrame(w, h int, b, g, r byte) *Frame {
	f := &Frame{Data: make([]byte, w*h*Channels), Width: w, Height: h}
	for i := 0; i < len(f.Data); i += Channels {
		f.Data[i], f.Data[i+1], f.Data[i+2] = b, g, r
	}
	return f
}

func TestBlobNilFrameShape(t *testing.T) {
	sizes := [][2]int{{416, 416}, {320, 240}, {1, 1}, {608, 608}, {0, 10}}
	for _, s := range sizes {
		blob := Blob(nil, 1.0/255, s[0], s[1])
		require.NotNil(t, blob)
		assert.Equal(t, []int{1, 3, s[1], s[0]}, blob.Shape())
		for _, v := range blob.Data() {
			if v != 0 {
				t.Fatalf("nil frame produced non-zero value %v", v)
			}
		}
	}
}

func TestBlobNegativeSizeClamps(t *testing.T) {
	blob := Blob(nil, 1, -5, 416)
	require.NotNil(t, blob)
	assert.Equal(t, []int{1, 3, 416, 0}, blob.Shape())
	assert.Equal(t, 0, blob.Len())
}

func TestBlobOversizeClamps(t *testing.T) {
	blob := Blob(nil, 1, 1<<32, 2)
	require.NotNil(t, blob)
	assert.Equal(t, []int{1, 3, 2, MaxBlobSide}, blob.Shape())

	assert.NoError(t, CheckSize(MaxBlobSide, 0))
	assert.ErrorIs(t, CheckSize(MaxBlobSide+1, 416), ErrTooLarge)
	assert.ErrorIs(t, CheckSize(416, -1), ErrTooLarge)
	assert.ErrorIs(t, CheckSize(50000, 50000), ErrTooLarge)
}

func TestBlobSwapsToRGBAndScales(t *testing.T) {
	frame := solidFrame(4, 2, 10, 20, 30)
	blob := Blob(frame, 0.5, 4, 2)
	require.NotNil(t, blob)
	assert.Equal(t, []int{1, 3, 2, 4}, blob.Shape())
	assert.Equal(t, float32(15), blob.At4(0, 0, 1, 3)) // R
	assert.Equal(t, float32(10), blob.At4(0, 1, 0, 0)) // G
	assert.Equal(t, float32(5), blob.At4(0, 2, 1, 1))  // B
	assert.Equal(t, byte(10), frame.Data[0], "frame must not be modified")
}

func TestBlobResize(t *testing.T) {
	frame := solidFrame(DefaultFrameWidth, DefaultFrameHeight, 255, 128, 0)
	blob := Blob(frame, 1.0/255, 416, 416)
	assert.Equal(t, []int{1, 3, 416, 416}, blob.Shape())
	assert.InDelta(t, 0.0, blob.At4(0, 0, 200, 200), 0.01)
	assert.InDelta(t, 128.0/255, blob.At4(0, 1, 10, 400), 0.01)
	assert.InDelta(t, 1.0, blob.At4(0, 2, 415, 0), 0.01)
}

func TestBlobMalformedFrameFallsBack(t *testing.T) {
	frame := &Frame{Data: []byte{1, 2, 3}, Width: 640, Height: 480}
	assert.False(t, frame.Valid())
	blob := Blob(frame, 1, 32, 32)
	require.NotNil(t, blob)
	assert.Equal(t, []int{1, 3, 32, 32}, blob.Shape())
	assert.Equal(t, float32(0), blob.At4(0, 0, 0, 0))
}

func TestZeroFrame(t *testing.T) {
	f := ZeroFrame()
	assert.True(t, f.Valid())
	assert.Equal(t, 640*480*3, len(f.Data))
}

func TestDecodeFrame(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 3, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 3; x++ {
			img.Set(x, y, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	frame, err := DecodeFrame(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 3, frame.Width)
	assert.Equal(t, 2, frame.Height)
	assert.Equal(t, []byte{50, 100, 200}, frame.Data[:3])

	_, err = DecodeFrame(nil)
	assert.Error(t, err)
	_, err = DecodeFrame([]byte("not an image"))
	assert.Error(t, err)
}

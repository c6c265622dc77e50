//go:build cgo

// Command cbridge builds the C ABI of the bridge:
//
//	go build -buildmode=c-shared -o libdnnbridge.so ./cbridge
//
// Every export works on bridge.Default(). Handles are uint64_t with 0 as the null
// value. Strings and frame bytes are copied into Go memory before use and no Go
// pointer is handed back to C.
package main

/*
#include <stdint.h>
*/
import "C"

import (
	"os"
	"unsafe"

	"go.uber.org/zap"

	"DnnBridge/bridge"
	"DnnBridge/logger"
	"DnnBridge/preprocess"
)

// LogEnv selects the log mode of the library ("production" or "development").
// Logging stays off when it is unset.
const LogEnv = "DNNBRIDGE_LOG"

func init() {
	if mode := os.Getenv(LogEnv); mode != "" {
		if err := logger.Init(mode); err != nil {
			os.Stderr.WriteString("dnnbridge: logger init: " + err.Error() + "\n")
		}
	}
}

//export dnn_load_network
func dnn_load_network(cfg, weights *C.char) C.uint64_t {
	return C.uint64_t(bridge.Default().LoadNetwork(C.GoString(cfg), C.GoString(weights)))
}

//export dnn_shared_network
func dnn_shared_network(cfg, weights *C.char) C.uint64_t {
	return C.uint64_t(bridge.Default().SharedNetwork(C.GoString(cfg), C.GoString(weights)))
}

//export dnn_set_input
func dnn_set_input(net, blob C.uint64_t) C.int {
	return C.int(bridge.Default().BindInput(bridge.Handle(net), bridge.Handle(blob)))
}

//export dnn_forward
func dnn_forward(net, blob C.uint64_t, layer *C.char) C.uint64_t {
	return C.uint64_t(bridge.Default().Forward(bridge.Handle(net), bridge.Handle(blob), C.GoString(layer)))
}

// dnn_blob_from_image takes a BGR8 frame of frameW×frameH pixels. data may be NULL.
//
//export dnn_blob_from_image
func dnn_blob_from_image(data *C.uchar, frameW, frameH C.int, scale C.double, width, height C.int) C.uint64_t {
	var frame *preprocess.Frame
	if data != nil && frameW > 0 && frameH > 0 {
		n := int(frameW) * int(frameH) * preprocess.Channels
		frame = &preprocess.Frame{
			Data:   C.GoBytes(unsafe.Pointer(data), C.int(n)),
			Width:  int(frameW),
			Height: int(frameH),
		}
	}
	return C.uint64_t(bridge.Default().BuildBlob(frame, float64(scale), int(width), int(height)))
}

//export dnn_output_at
func dnn_output_at(buf C.uint64_t, row, col C.int) C.float {
	return C.float(bridge.Default().OutputAt(bridge.Handle(buf), int(row), int(col)))
}

// dnn_output_dims writes the 2-D view of buf into rows and cols (either may be NULL)
// and returns 0, or -1 for an invalid handle.
//
//export dnn_output_dims
func dnn_output_dims(buf C.uint64_t, rows, cols *C.int) C.int {
	r, c, status := bridge.Default().OutputShape(bridge.Handle(buf))
	if rows != nil {
		*rows = C.int(r)
	}
	if cols != nil {
		*cols = C.int(c)
	}
	return C.int(status)
}

//export dnn_release_network
func dnn_release_network(net C.uint64_t) {
	bridge.Default().ReleaseNetwork(bridge.Handle(net))
}

//export dnn_release_buffer
func dnn_release_buffer(buf C.uint64_t) {
	bridge.Default().ReleaseBuffer(bridge.Handle(buf))
}

// dnn_shutdown releases everything, the shared network included. Later calls into the
// library fail with their null results.
//
//export dnn_shutdown
func dnn_shutdown() C.int {
	defer logger.Sync()
	if err := bridge.ShutdownDefault(); err != nil {
		logger.Log().Error("shutdown", zap.Error(err))
		return C.int(bridge.StatusError)
	}
	return C.int(bridge.StatusOK)
}

func main() {}

// Package rpc serves the bridge over gRPC.
package rpc

import (
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.opencensus.io/plugin/ocgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"DnnBridge/engine"
	"DnnBridge/logger"
	"DnnBridge/monitor"
	"DnnBridge/preprocess"
	"DnnBridge/service"
)

type Server struct {
	mgr *service.Manager
	mon *monitor.Monitor
	log *zap.Logger

	health    *health.Server
	done      chan struct{}
	closeOnce sync.Once
}

// NewServer returns the service implementation. mon may be nil.
func NewServer(mgr *service.Manager, mon *monitor.Monitor, log *zap.Logger) *Server {
	return &Server{
		mgr:    mgr,
		mon:    mon,
		log:    logger.OrDefault(log).Named("grpc"),
		health: health.NewServer(),
		done:   make(chan struct{}),
	}
}

// Done is closed when a client calls Shutdown.
func (s *Server) Done() <-chan struct{} { return s.done }

// GRPCServer builds a grpc.Server with the bridge, health and reflection services.
func (s *Server) GRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.StatsHandler(&ocgrpc.ServerHandler{}),
		grpc.ChainUnaryInterceptor(s.observe),
		grpc.MaxRecvMsgSize(32 << 20),
	}, opts...)
	gs := grpc.NewServer(opts...)
	RegisterBridgeServer(gs, s)
	healthpb.RegisterHealthServer(gs, s.health)
	reflection.Register(gs)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return gs
}

// Start listens on port and serves in the background.
func (s *Server) Start(port int) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %d", port)
	}
	gs := s.GRPCServer()
	go func() {
		s.log.Info("gRPC listening", zap.String("addr", lis.Addr().String()))
		if err := gs.Serve(lis); err != nil {
			s.log.Error("gRPC serve", zap.Error(err))
		}
	}()
	return gs, nil
}

func (s *Server) observe(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	method := info.FullMethod[strings.LastIndex(info.FullMethod, "/")+1:]
	if s.mon != nil {
		s.mon.CountRequest("grpc", method)
	}
	resp, err := handler(ctx, req)
	if err != nil {
		s.log.Warn("call failed", zap.String("method", method), zap.Duration("took", time.Since(start)), zap.Error(err))
	} else {
		s.log.Debug("call", zap.String("method", method), zap.Duration("took", time.Since(start)))
	}
	return resp, err
}

// toStatus maps module errors to gRPC codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, service.ErrShared):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, engine.ErrResource), errors.Is(err, engine.ErrUnknownLayer), errors.Is(err, engine.ErrEmptyNet),
		errors.Is(err, service.ErrBadRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func stringField(in *structpb.Struct, key string) string {
	return in.GetFields()[key].GetStringValue()
}

// sizeField reads a blob side. Fractions, NaN and values outside
// [0, preprocess.MaxBlobSide] are InvalidArgument.
func sizeField(in *structpb.Struct, key string) (int, error) {
	v := in.GetFields()[key].GetNumberValue()
	if v < 0 || v > preprocess.MaxBlobSide || v != math.Trunc(v) {
		return 0, status.Errorf(codes.InvalidArgument, "%s %v outside [0, %d]", key, v, preprocess.MaxBlobSide)
	}
	return int(v), nil
}

func networkStruct(n *service.Network) map[string]any {
	outputs := make([]any, len(n.Outputs))
	for i, o := range n.Outputs {
		outputs[i] = o
	}
	return map[string]any{
		"id":          n.ID,
		"description": n.Description,
		"cfg":         n.Cfg,
		"weights":     n.Weights,
		"backend":     n.Backend,
		"target":      n.Target,
		"outputs":     outputs,
		"shared":      n.Shared,
		"created":     n.Created.Format(time.RFC3339),
	}
}

// LoadNetwork expects {cfg, weights, description?}.
func (s *Server) LoadNetwork(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	cfg, weights := stringField(in, "cfg"), stringField(in, "weights")
	if cfg == "" || weights == "" {
		return nil, status.Error(codes.InvalidArgument, "cfg and weights are required")
	}
	n, err := s.mgr.Load(ctx, cfg, weights, stringField(in, "description"))
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(networkStruct(n))
}

// DecodeImage accepts raw base64 or a data URL. Empty input means no frame.
func DecodeImage(b64 string) (*preprocess.Frame, error) {
	if b64 == "" {
		return nil, nil
	}
	// 去掉可能的 data URL 前缀
	if i := strings.Index(b64, ","); i != -1 && strings.HasPrefix(b64, "data:") {
		b64 = b64[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, errors.Wrap(err, "base64")
	}
	return preprocess.DecodeFrame(data)
}

// Infer expects {id, image?, layer?, width?, height?, scale?, includeData?}.
func (s *Server) Infer(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := stringField(in, "id")
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	frame, err := DecodeImage(stringField(in, "image"))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	width, err := sizeField(in, "width")
	if err != nil {
		return nil, err
	}
	height, err := sizeField(in, "height")
	if err != nil {
		return nil, err
	}
	includeData := true
	if v, ok := in.GetFields()["includeData"]; ok {
		includeData = v.GetBoolValue()
	}
	res, err := s.mgr.Infer(ctx, id, service.InferRequest{
		Frame:  frame,
		Layer:  stringField(in, "layer"),
		Width:  width,
		Height: height,
		Scale:  in.GetFields()["scale"].GetNumberValue(),
	})
	if err != nil {
		return nil, toStatus(err)
	}

	outputs := make([]any, len(res.Outputs))
	for i, o := range res.Outputs {
		shape := make([]any, len(o.Shape))
		for j, d := range o.Shape {
			shape[j] = d
		}
		out := map[string]any{"shape": shape, "rows": o.Rows, "cols": o.Cols}
		if includeData {
			data := make([]any, len(o.Data))
			for j, v := range o.Data {
				data[j] = float64(v)
			}
			out["data"] = data
		}
		outputs[i] = out
	}
	return structpb.NewStruct(map[string]any{
		"outputs": outputs,
		"tookMs":  float64(res.Took.Microseconds()) / 1000,
	})
}

// ReleaseNetwork expects {id}.
func (s *Server) ReleaseNetwork(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	if err := s.mgr.Release(stringField(in, "id")); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) ListNetworks(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	nets := s.mgr.List()
	list := make([]any, len(nets))
	for i, n := range nets {
		list[i] = networkStruct(n)
	}
	return structpb.NewStruct(map[string]any{"networks": list})
}

// Shutdown marks the service as not serving and closes Done.
func (s *Server) Shutdown(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	s.closeOnce.Do(func() {
		s.log.Warn("shutdown requested")
		s.health.Shutdown()
		close(s.done)
	})
	return &emptypb.Empty{}, nil
}

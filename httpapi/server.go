// Package httpapi serves the bridge over REST and websockets.
package httpapi

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"DnnBridge/engine"
	"DnnBridge/logger"
	"DnnBridge/monitor"
	"DnnBridge/preprocess"
	"DnnBridge/service"
)

const (
	DefaultIdleTimeout = 30 * time.Second
	maxImageBytes      = 32 << 20
)

type Options struct {
	Manager  *service.Manager
	Monitor  *monitor.Monitor // optional
	ModelDir string
	// IdleTimeout closes a websocket that sent no frame for this long.
	IdleTimeout time.Duration
	Logger      *zap.Logger
}

type Server struct {
	mgr      *service.Manager
	mon      *monitor.Monitor
	modelDir string
	idle     time.Duration
	log      *zap.Logger
	router   *gin.Engine
	upgrader websocket.Upgrader
}

func New(opts Options) *Server {
	s := &Server{
		mgr:      opts.Manager,
		mon:      opts.Monitor,
		modelDir: opts.ModelDir,
		idle:     opts.IdleTimeout,
		log:      logger.OrDefault(opts.Logger).Named("http"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	if s.idle <= 0 {
		s.idle = DefaultIdleTimeout
	}
	if s.modelDir == "" {
		s.modelDir = "models"
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog)
	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.POST("/api/networks", s.loadNetwork)
	r.GET("/api/networks", s.listNetworks)
	r.GET("/api/networks/:id", s.getNetwork)
	r.DELETE("/api/networks/:id", s.releaseNetwork)
	r.POST("/api/networks/:id/infer", s.infer)
	r.POST("/api/models/upload", s.uploadModel)
	r.GET("/ws/:id", s.stream)
	if s.mon != nil {
		r.GET("/metrics", gin.WrapH(s.mon.Handler()))
	}
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Start serves on port in the background.
func (s *Server) Start(port int) *http.Server {
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: s.router}
	go func() {
		s.log.Info("HTTP listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP serve", zap.Error(err))
		}
	}()
	return srv
}

func (s *Server) accessLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	if s.mon != nil && route != "/metrics" {
		s.mon.CountRequest("http", route)
	}
	s.log.Debug("request", zap.String("method", c.Request.Method), zap.String("route", route),
		zap.Int("status", c.Writer.Status()), zap.Duration("took", time.Since(start)))
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrShared):
		return http.StatusConflict
	case errors.Is(err, engine.ErrResource), errors.Is(err, engine.ErrUnknownLayer), errors.Is(err, engine.ErrEmptyNet),
		errors.Is(err, service.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	c.JSON(httpStatus(err), gin.H{"error": err.Error()})
}

type loadRequest struct {
	Cfg         string `json:"cfg" binding:"required"`
	Weights     string `json:"weights" binding:"required"`
	Description string `json:"description"`
}

func (s *Server) loadNetwork(c *gin.Context) {
	var req loadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	n, err := s.mgr.Load(c.Request.Context(), req.Cfg, req.Weights, req.Description)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": n})
}

func (s *Server) listNetworks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.mgr.List()})
}

func (s *Server) getNetwork(c *gin.Context) {
	n, err := s.mgr.Get(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": n})
}

func (s *Server) releaseNetwork(c *gin.Context) {
	if err := s.mgr.Release(c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": "network released"})
}

// Size bounds mirror preprocess.MaxBlobSide; network.maxSide is checked by the manager.
type inferQuery struct {
	Layer  string  `form:"layer"`
	Width  int     `form:"width" binding:"gte=0,lte=8192"`
	Height int     `form:"height" binding:"gte=0,lte=8192"`
	Scale  float64 `form:"scale" binding:"gte=0"`
	Data   *bool   `form:"data"`
}

// infer takes an encoded image as the request body. An empty body runs a black frame.
func (s *Server) infer(c *gin.Context) {
	var q inferQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxImageBytes))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
		return
	}
	var frame *preprocess.Frame
	if len(body) > 0 {
		if frame, err = preprocess.DecodeFrame(body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	res, err := s.mgr.Infer(c.Request.Context(), c.Param("id"), service.InferRequest{
		Frame:  frame,
		Layer:  q.Layer,
		Width:  q.Width,
		Height: q.Height,
		Scale:  q.Scale,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	if q.Data != nil && !*q.Data {
		stripData(res)
	}
	c.JSON(http.StatusOK, gin.H{"data": res})
}

func stripData(res *service.InferResult) {
	for i := range res.Outputs {
		res.Outputs[i].Data = nil
	}
}

func (s *Server) uploadModel(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File upload failed: " + err.Error()})
		return
	}
	name := filepath.Base(file.Filename)
	if name == "." || name == string(filepath.Separator) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid file name"})
		return
	}
	if err := os.MkdirAll(s.modelDir, 0o755); err != nil {
		s.fail(c, err)
		return
	}
	modelPath := filepath.Join(s.modelDir, name)
	if err := c.SaveUploadedFile(file, modelPath); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save file: " + err.Error()})
		return
	}
	s.log.Info("model uploaded", zap.String("path", modelPath), zap.Int64("bytes", file.Size))
	c.JSON(http.StatusOK, gin.H{"data": modelPath})
}

// streamReply is sent for every frame received on a websocket.
type streamReply struct {
	Outputs []service.Output `json:"outputs,omitempty"`
	TookMs  float64          `json:"tookMs,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// stream runs every websocket message through network id: binary messages are
// encoded images, text messages base64 images. Replies carry output shapes only.
func (s *Server) stream(c *gin.Context) {
	id := c.Param("id")
	// 升级前先确认网络存在
	if _, err := s.mgr.Get(id); err != nil {
		s.fail(c, err)
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 升级失败时 upgrader 已写回错误，不要再写 JSON
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxImageBytes)
	log := s.log.With(zap.String("network", id))
	log.Debug("stream opened")

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.idle))
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				reason := websocket.FormatCloseMessage(websocket.CloseNormalClosure, fmt.Sprintf("%v not active, released", s.idle))
				_ = conn.WriteControl(websocket.CloseMessage, reason, time.Now().Add(time.Second))
			}
			log.Debug("stream closed", zap.Error(err))
			return
		}
		if mt == websocket.TextMessage { // 文本消息：base64 图像
			text := string(msg)
			if i := strings.Index(text, ","); i != -1 && strings.HasPrefix(text, "data:") {
				text = text[i+1:]
			}
			if msg, err = base64.StdEncoding.DecodeString(text); err != nil {
				_ = conn.WriteJSON(streamReply{Error: "invalid image: " + err.Error()})
				continue
			}
		}
		frame, err := preprocess.DecodeFrame(msg)
		if err != nil {
			_ = conn.WriteJSON(streamReply{Error: "invalid image: " + err.Error()})
			continue
		}
		res, err := s.mgr.Infer(c.Request.Context(), id, service.InferRequest{Frame: frame})
		if err != nil {
			_ = conn.WriteJSON(streamReply{Error: "inference error: " + err.Error()})
			if errors.Is(err, service.ErrNotFound) {
				return
			}
			continue
		}
		stripData(res)
		if err := conn.WriteJSON(streamReply{Outputs: res.Outputs, TookMs: float64(res.Took.Microseconds()) / 1000}); err != nil {
			return
		}
	}
}

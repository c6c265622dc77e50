// Package Adhoc registers this instance with an external registry server and keeps
// the registration alive.
package Adhoc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"DnnBridge/logger"
)

const (
	DmlInstance    = 0x2001
	CpuInstance    = 0x2002
	CudaInstance   = 0x2003
	RocmInstance   = 0x2004
	TimeOutSeconds = 5
)

type RegisterRequest struct {
	Id            string `json:"id"`
	IP            string `json:"ip"`
	Port          int    `json:"port"`
	InstanceClass int    `json:"instanceClass"`
	Backend       string `json:"backend"`
	Networks      int    `json:"networks"`
	TimeStamp     int64  `json:"timestamp"`
}

type RegisterResponse struct {
	Id      string `json:"id"`
	Success bool   `json:"success"`
}

// InstanceClass maps the config name to its registry code. Unknown names are Cpu.
func InstanceClass(name string) int {
	switch name {
	case "Dml":
		return DmlInstance
	case "Cuda":
		return CudaInstance
	case "Rocm":
		return RocmInstance
	default:
		return CpuInstance
	}
}

// OutboundIP returns the local address used to reach the internet.
func OutboundIP() (string, error) {
	// 只查路由表得到出口 IP，UDP 不会真正发包，离线也可用
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}

type Heartbeat struct {
	ID            string
	IP            string
	Port          int
	InstanceClass int
	Backend       string
	Interval      time.Duration
	// Networks reports the number of loaded networks; optional.
	Networks func() int

	url    string
	client *resty.Client
	log    *zap.Logger
}

// NewHeartbeat announces ip:port to the registry at regHost:regPort.
func NewHeartbeat(regHost string, regPort int, ip string, port, instanceClass int, log *zap.Logger) *Heartbeat {
	return &Heartbeat{
		ID:            uuid.NewString(),
		IP:            ip,
		Port:          port,
		InstanceClass: instanceClass,
		Interval:      TimeOutSeconds * time.Second,
		url:           fmt.Sprintf("http://%s:%d/api/register", regHost, regPort),
		client:        resty.New().SetTimeout(TimeOutSeconds * time.Second),
		log:           logger.OrDefault(log).Named("adhoc"),
	}
}

// Beat sends one registration.
func (h *Heartbeat) Beat(ctx context.Context) error {
	req := RegisterRequest{
		Id:            h.ID,
		IP:            h.IP,
		Port:          h.Port,
		InstanceClass: h.InstanceClass,
		Backend:       h.Backend,
		TimeStamp:     time.Now().Unix(),
	}
	if h.Networks != nil {
		req.Networks = h.Networks()
	}
	var respBody RegisterResponse
	resp, err := h.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).         // resty 负责 JSON 编码
		SetResult(&respBody). // 2xx 才会反序列化
		Post(h.url)
	if err != nil {
		return errors.Wrap(err, "register")
	}
	// 检查 HTTP 状态码
	if resp.IsError() {
		return errors.Errorf("registry returned %s: %s", resp.Status(), resp.String())
	}
	if !respBody.Success {
		return errors.Errorf("registry rejected %s", h.ID)
	}
	return nil
}

// Run beats every Interval until ctx ends, then calls wg.Done.
func (h *Heartbeat) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()
	beat := func() {
		defer func() {
			if r := recover(); r != nil {
				h.log.Error("heartbeat panic recovered", zap.Any("panic", r))
			}
		}()
		if err := h.Beat(ctx); err != nil && ctx.Err() == nil {
			h.log.Error("heartbeat failed", zap.String("url", h.url), zap.Error(err))
		}
	}
	beat()
	for {
		select {
		case <-ctx.Done():
			h.log.Info("heartbeat stopped")
			return
		case <-ticker.C:
			beat()
		}
	}
}

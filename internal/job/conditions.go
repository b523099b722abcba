package job

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const probeTimeout = 3 * time.Second

// DeviceConditions 终端的网络和电量状态
//
// 配置了 probeURL 时每次 Connected 都会探测一次，否则使用 SetOnline 设置的状态。
// 网络从不可用恢复为可用时调用 OnReconnect 注册的回调。
type DeviceConditions struct {
	probeURL   string
	client     *http.Client
	online     atomic.Bool
	batteryLow atomic.Bool

	mu          sync.Mutex
	onReconnect []func()
	logger      *slog.Logger
}

func NewDeviceConditions(probeURL string, batteryLow bool) *DeviceConditions {
	c := &DeviceConditions{
		probeURL: probeURL,
		client:   &http.Client{Timeout: probeTimeout},
		logger:   slog.Default().With("component", "DeviceConditions"),
	}
	c.online.Store(true)
	c.batteryLow.Store(batteryLow)
	return c
}

// OnReconnect 网络恢复时回调
func (c *DeviceConditions) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = append(c.onReconnect, fn)
}

func (c *DeviceConditions) Connected(ctx context.Context) bool {
	if c.probeURL == "" {
		return c.online.Load()
	}
	online := c.probe(ctx)
	c.SetOnline(online)
	return online
}

func (c *DeviceConditions) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.probeURL, nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("网络探测失败", "url", c.probeURL, "error", err)
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// SetOnline 更新网络状态，离线转为在线时触发回调
func (c *DeviceConditions) SetOnline(online bool) {
	was := c.online.Swap(online)
	if was || !online {
		return
	}
	c.logger.Info("网络已恢复")
	c.mu.Lock()
	callbacks := append([]func(){}, c.onReconnect...)
	c.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

func (c *DeviceConditions) Online() bool {
	return c.online.Load()
}

func (c *DeviceConditions) BatteryLow() bool {
	return c.batteryLow.Load()
}

func (c *DeviceConditions) SetBatteryLow(low bool) {
	c.batteryLow.Store(low)
}

package netif

import (
	"context"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/sirupsen/logrus"
)

const DefaultPollInterval = 2 * time.Second

// Handler 接收网卡变化通知，*forward.Engine 实现了它
type Handler interface {
	HandleInterfacesChanged(summary string)
	HandleVPNStateChanged(active bool)
}

// Monitor 定时轮询网卡，只在状态变化时通知
type Monitor struct {
	resolver *Resolver
	clock    clock.Clock
	interval time.Duration

	mu       sync.RWMutex
	handlers []Handler
}

func NewMonitor(resolver *Resolver, interval time.Duration, clk clock.Clock) *Monitor {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if clk == nil {
		clk = clock.NewClock()
	}
	return &Monitor{resolver: resolver, clock: clk, interval: interval}
}

func (m *Monitor) AddHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Run 第一次枚举只作为基准不发通知，阻塞直到 ctx 结束
func (m *Monitor) Run(ctx context.Context) {
	if _, err := m.resolver.Refresh(); err != nil {
		logrus.Warnf("网卡枚举失败: %v", err)
	}
	logrus.Infof("网卡监控已启动: %s", m.resolver.Summary())

	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			m.poll()
		}
	}
}

func (m *Monitor) poll() {
	prev := m.resolver.Snapshot()
	cur, err := m.resolver.Refresh()
	if err != nil {
		logrus.Warnf("网卡枚举失败: %v", err)
		return
	}

	m.mu.RLock()
	handlers := append([]Handler(nil), m.handlers...)
	m.mu.RUnlock()

	if cur.fingerprint() != prev.fingerprint() {
		summary := m.resolver.Summary()
		logrus.Debugf("网卡发生变化: %s", summary)
		for _, h := range handlers {
			h.HandleInterfacesChanged(summary)
		}
	}
	if cur.VPNActive() != prev.VPNActive() {
		logrus.Infof("VPN 网卡状态变化: active=%v (%s)", cur.VPNActive(), cur.VPNName)
		for _, h := range handlers {
			h.HandleVPNStateChanged(cur.VPNActive())
		}
	}
}

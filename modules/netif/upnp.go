package netif

import (
	"errors"
	"fmt"
	"sync"

	"camrelay/modules/forward"

	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/huin/goupnp/dcps/internetgateway2"
	"github.com/sirupsen/logrus"
)

var ErrNoGateway = errors.New("未找到可用的UPnP网关设备")

// gatewayClient IGDv1/IGDv2 的 IP 和 PPP 连接客户端共有的方法
type gatewayClient interface {
	AddPortMapping(remoteHost string, externalPort uint16, protocol string, internalPort uint16,
		internalClient string, enabled bool, description string, leaseDuration uint32) error
	DeletePortMapping(remoteHost string, externalPort uint16, protocol string) error
	GetExternalIPAddress() (string, error)
}

// DiscoverGateways 依次查找 IGDv1 IP/PPP 和 IGDv2 IP/PPP 客户端
func DiscoverGateways() ([]gatewayClient, error) {
	var clients []gatewayClient

	if v1, _, err := internetgateway1.NewWANIPConnection1Clients(); err == nil {
		for _, c := range v1 {
			clients = append(clients, c)
		}
	}
	if v1ppp, _, err := internetgateway1.NewWANPPPConnection1Clients(); err == nil {
		for _, c := range v1ppp {
			clients = append(clients, c)
		}
	}
	if v2, _, err := internetgateway2.NewWANIPConnection1Clients(); err == nil {
		for _, c := range v2 {
			clients = append(clients, c)
		}
	}
	if v2ppp, _, err := internetgateway2.NewWANPPPConnection1Clients(); err == nil {
		for _, c := range v2ppp {
			clients = append(clients, c)
		}
	}

	if len(clients) == 0 {
		return nil, ErrNoGateway
	}
	return clients, nil
}

// PortMapper 转发启动后在路由器上映射外部端口，停止后删除。
// 映射失败只记录警告，不影响转发。
type PortMapper struct {
	localIP  func() string
	discover func() ([]gatewayClient, error)

	// opMu 串行化网关操作
	opMu    sync.Mutex
	clients []gatewayClient

	mu       sync.Mutex
	mapped   map[string]uint16 // cameraID -> 外部端口
	queue    []func()
	draining bool
	wg       sync.WaitGroup
}

func NewPortMapper(localIP func() string) *PortMapper {
	return &PortMapper{
		localIP:  localIP,
		discover: DiscoverGateways,
		mapped:   make(map[string]uint16),
	}
}

// HandleEvent 实现 forward.Observer，网关操作按事件顺序在后台执行
func (p *PortMapper) HandleEvent(ev forward.Event) {
	switch ev.Type {
	case forward.ForwardingStarted:
		if ev.ExternalPort <= 0 || ev.ExternalPort > 65535 {
			return
		}
		port := uint16(ev.ExternalPort)
		p.enqueue(func() { p.add(ev.CameraID, port) })
	case forward.ForwardingStopped:
		p.enqueue(func() { p.remove(ev.CameraID) })
	}
}

func (p *PortMapper) enqueue(job func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, job)
	if p.draining {
		return
	}
	p.draining = true
	p.wg.Add(1)
	go p.drain()
}

func (p *PortMapper) drain() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.draining = false
			p.mu.Unlock()
			return
		}
		job := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()
		job()
	}
}

func (p *PortMapper) add(cameraID string, port uint16) {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	localIP := p.localIP()
	if localIP == "" {
		logrus.Warnf("[%s] 没有本机地址，跳过UPnP映射", cameraID)
		return
	}
	description := fmt.Sprintf("camrelay-%s", cameraID)
	if err := p.withClients(func(c gatewayClient) error {
		return c.AddPortMapping("", port, "TCP", port, localIP, true, description, 0)
	}); err != nil {
		logrus.Warnf("[%s] UPnP 映射失败 (非致命): %v", cameraID, err)
		return
	}

	p.mu.Lock()
	p.mapped[cameraID] = port
	p.mu.Unlock()
	logrus.Infof("[%s] ✅ UPnP 映射成功: 路由器 WAN:%d -> %s:%d", cameraID, port, localIP, port)
}

func (p *PortMapper) remove(cameraID string) {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.Lock()
	port, ok := p.mapped[cameraID]
	delete(p.mapped, cameraID)
	p.mu.Unlock()
	if !ok {
		return
	}

	if err := p.withClients(func(c gatewayClient) error {
		return c.DeletePortMapping("", port, "TCP")
	}); err != nil {
		logrus.Warnf("[%s] 删除UPnP映射 %d 失败: %v", cameraID, port, err)
		return
	}
	logrus.Infof("[%s] UPnP 映射 %d 已删除", cameraID, port)
}

// withClients 依次尝试每个网关，有一个成功即可，调用方持有 opMu
func (p *PortMapper) withClients(fn func(c gatewayClient) error) error {
	if len(p.clients) == 0 {
		clients, err := p.discover()
		if err != nil {
			return err
		}
		p.clients = clients
	}

	var errs []error
	for _, c := range p.clients {
		err := fn(c)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	// 网关可能已经变化，下次重新发现
	p.clients = nil
	return errors.Join(errs...)
}

// Mapped 当前已映射的外部端口
func (p *PortMapper) Mapped() map[string]uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]uint16, len(p.mapped))
	for k, v := range p.mapped {
		out[k] = v
	}
	return out
}

// ExternalIP 网关报告的 WAN 地址
func (p *PortMapper) ExternalIP() (string, error) {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	var ip string
	err := p.withClients(func(c gatewayClient) error {
		var err error
		ip, err = c.GetExternalIPAddress()
		return err
	})
	return ip, err
}

// Close 等待进行中的操作，再删除剩余的映射
func (p *PortMapper) Close() {
	p.wg.Wait()
	for id := range p.Mapped() {
		p.remove(id)
	}
}

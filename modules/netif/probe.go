package netif

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Info 启动时探测的网络信息，供接口展示
type Info struct {
	LocalIP     string    `json:"localIP"`     // 本机内网IP
	PublicIP    string    `json:"publicIP"`    // STUN 得到的公网IP
	BestSTUN    string    `json:"bestSTUN"`    // 最快的STUN服务器
	RouterWanIP string    `json:"routerWanIP"` // UPnP 网关报告的WAN口IP
	IsNAT       bool      `json:"isNat"`       // 路由WAN口不是公网IP，存在多层NAT
	NATChain    []NATHop  `json:"natChain"`    // 出口路径上的私网路由
	ProbedAt    time.Time `json:"probedAt"`
}

// ProbeOptions 为空的探测项会被跳过
type ProbeOptions struct {
	STUNServers []string
	TraceTarget string
	Mapper      *PortMapper
}

// Probe 并发执行 STUN、NAT 链路和 UPnP 网关探测，单项失败只记录日志
func Probe(ctx context.Context, resolver *Resolver, opts ProbeOptions) Info {
	info := Info{LocalIP: resolver.LocalIP()}
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)

	if len(opts.STUNServers) > 0 {
		g.Go(func() error {
			server, ip, err := DiscoverPublicIP(ctx, opts.STUNServers)
			if err != nil {
				logrus.Warnf("获取公网IP失败: %v", err)
				return nil
			}
			mu.Lock()
			info.BestSTUN, info.PublicIP = server, ip
			mu.Unlock()
			logrus.Infof("最快的STUN服务器 %s，当前公网IP %s", server, ip)
			return nil
		})
	}

	if opts.TraceTarget != "" {
		g.Go(func() error {
			hops, err := ScanNATChain(ctx, opts.TraceTarget)
			if err != nil {
				logrus.Warnf("获取NAT路由列表失败: %v", err)
				return nil
			}
			mu.Lock()
			info.NATChain = hops
			mu.Unlock()
			return nil
		})
	}

	if opts.Mapper != nil {
		g.Go(func() error {
			ip, err := opts.Mapper.ExternalIP()
			if err != nil {
				logrus.Warnf("UPnP 网关不可用: %v", err)
				return nil
			}
			mu.Lock()
			info.RouterWanIP = ip
			mu.Unlock()
			logrus.Infof("📡 发现 UPnP 网关，外部IP: %s", ip)
			return nil
		})
	}

	_ = g.Wait()

	if info.RouterWanIP != "" {
		info.IsNAT = classifyIP(info.RouterWanIP) != IPTypePublic ||
			(info.PublicIP != "" && info.PublicIP != info.RouterWanIP)
	}
	info.ProbedAt = time.Now()
	return info
}

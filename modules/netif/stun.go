package netif

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/stun"
	"github.com/sirupsen/logrus"
)

// DefaultSTUNServers 支持 TCP 的公共 STUN 服务器
var DefaultSTUNServers = []string{
	"stun.radiojar.com:3478",
	"stun.ringostat.com:3478",
	"stun.voipgate.com:3478",
	"stun.telnyx.com:3478",
	"stun.antisip.com:3478",
	"stun.hot-chilli.net:3478",
	"stun.siptrunk.com:3478",
}

const stunTimeout = 3 * time.Second

var ErrNoSTUNServer = errors.New("没有可用的STUN服务器")

// FastestSTUNServer 并发发送绑定请求，返回最先正确响应的服务器
func FastestSTUNServer(ctx context.Context, servers []string) (string, error) {
	type result struct {
		server string
		delay  time.Duration
	}

	results := make(chan result, len(servers))
	var wg sync.WaitGroup

	for _, server := range servers {
		wg.Add(1)
		go func(srv string) {
			defer wg.Done()

			start := time.Now()
			if _, err := bindingRequest(ctx, srv); err != nil {
				logrus.Debugf("❌ %s - %v", srv, err)
				return
			}
			delay := time.Since(start)
			logrus.Debugf("✅ %s - %dms", srv, delay.Milliseconds())
			results <- result{srv, delay}
		}(server)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var best string
	bestDelay := time.Duration(1<<63 - 1)
	for res := range results {
		if res.delay < bestDelay {
			bestDelay = res.delay
			best = res.server
		}
	}
	if best == "" {
		return "", ErrNoSTUNServer
	}
	return best, nil
}

// PublicIP 通过 STUN 服务器获取公网地址
func PublicIP(ctx context.Context, server string) (string, error) {
	addr, err := bindingRequest(ctx, server)
	if err != nil {
		return "", err
	}
	return addr.IP.String(), nil
}

// DiscoverPublicIP 选最快的服务器再查询公网地址
func DiscoverPublicIP(ctx context.Context, servers []string) (server, ip string, err error) {
	server, err = FastestSTUNServer(ctx, servers)
	if err != nil {
		return "", "", err
	}
	ip, err = PublicIP(ctx, server)
	if err != nil {
		return server, "", err
	}
	return server, ip, nil
}

// bindingRequest 通过 TCP 发送一次 Binding 请求，返回 XOR-MAPPED-ADDRESS
func bindingRequest(ctx context.Context, server string) (stun.XORMappedAddress, error) {
	var xorAddr stun.XORMappedAddress

	d := net.Dialer{Timeout: stunTimeout}
	conn, err := d.DialContext(ctx, "tcp4", server)
	if err != nil {
		return xorAddr, fmt.Errorf("连接STUN服务器失败: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(stunTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	req := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	if _, err = conn.Write(req.Raw); err != nil {
		return xorAddr, fmt.Errorf("发送STUN请求失败: %w", err)
	}

	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		return xorAddr, fmt.Errorf("读取响应失败: %w", err)
	}

	var resp stun.Message
	resp.Raw = buf[:n]
	if err = resp.Decode(); err != nil {
		return xorAddr, fmt.Errorf("解码STUN响应失败: %w", err)
	}
	if resp.TransactionID != req.TransactionID {
		return xorAddr, fmt.Errorf("STUN响应事务ID不匹配")
	}
	if err = xorAddr.GetFrom(&resp); err != nil {
		return xorAddr, fmt.Errorf("获取映射地址失败: %w", err)
	}
	return xorAddr, nil
}

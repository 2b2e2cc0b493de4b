package forward

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/libp2p/go-reuseport"
	"github.com/sirupsen/logrus"
)

var ErrBindFailed = errors.New("端口绑定失败")

// Resolver 提供当前可用的本机地址
type Resolver interface {
	// ActiveAddresses 已启用的非回环网卡地址
	ActiveAddresses() []net.IP
	// VPNAddress VPN 分配的地址，没有时返回 nil
	VPNAddress() net.IP
}

// BindScope 监听最终落在哪一级
type BindScope string

const (
	ScopeWildcard  BindScope = "wildcard"
	ScopeInterface BindScope = "interface"
	ScopeVPN       BindScope = "vpn"
	ScopeLoopback  BindScope = "loopback"
)

type listenFunc func(addr string) (net.Listener, error)

func (e *Engine) listen(addr string) (net.Listener, error) {
	if e.opts.ReusePort {
		// SO_REUSEPORT 允许和其他进程共用端口
		return reuseport.Listen("tcp", addr)
	}
	return net.Listen("tcp", addr)
}

// bindWithFallback 依次尝试: 全部网卡 -> 每个活动网卡地址 -> VPN 地址 -> 本机回环
func bindWithFallback(listen listenFunc, resolver Resolver, port int, name string) (net.Listener, BindScope, error) {
	p := strconv.Itoa(port)

	ln, err := listen(net.JoinHostPort("", p))
	if err == nil {
		logrus.Infof("[%s] 已绑定全部网卡 0.0.0.0:%d", name, port)
		return ln, ScopeWildcard, nil
	}
	logrus.Warnf("[%s] 绑定 0.0.0.0:%d 失败: %v，尝试指定网卡", name, port, err)
	lastErr := err

	if resolver != nil {
		for _, ip := range resolver.ActiveAddresses() {
			addr := net.JoinHostPort(ip.String(), p)
			ln, err = listen(addr)
			if err == nil {
				logrus.Infof("[%s] 已绑定网卡地址 %s", name, addr)
				return ln, ScopeInterface, nil
			}
			logrus.Debugf("[%s] 绑定 %s 失败: %v", name, addr, err)
			lastErr = err
		}

		if vpn := resolver.VPNAddress(); vpn != nil {
			addr := net.JoinHostPort(vpn.String(), p)
			ln, err = listen(addr)
			if err == nil {
				logrus.Infof("[%s] 已绑定VPN地址 %s", name, addr)
				return ln, ScopeVPN, nil
			}
			logrus.Debugf("[%s] 绑定VPN地址 %s 失败: %v", name, addr, err)
			lastErr = err
		}
	}

	// 最后只绑本机，外部访问受限
	ln, err = listen(net.JoinHostPort("127.0.0.1", p))
	if err == nil {
		logrus.Warnf("[%s] ⚠️ 只绑定到 127.0.0.1:%d，外部网络无法访问", name, port)
		return ln, ScopeLoopback, nil
	}
	lastErr = err

	return nil, "", fmt.Errorf("%w: 端口 %d: %v", ErrBindFailed, port, lastErr)
}

package netif

import (
	"fmt"
	"net"
	"path"
	"sort"
	"strings"
	"sync"

	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/sirupsen/logrus"
)

// DefaultVPNPatterns 按网卡名识别 VPN（WireGuard/隧道），大小写不敏感
var DefaultVPNPatterns = []string{"wg*", "*wireguard*", "utun*", "*tun*"}

// Interface 一个已启用的非回环网卡
type Interface struct {
	Name  string   `json:"name"`
	Addrs []net.IP `json:"addrs"`
	VPN   bool     `json:"vpn"`
}

// Snapshot 某一时刻的网卡状态
type Snapshot struct {
	Interfaces []Interface `json:"interfaces"`
	VPNName    string      `json:"vpnName,omitempty"`
	VPNAddr    net.IP      `json:"vpnAddr,omitempty"`
}

func (s Snapshot) VPNActive() bool {
	return s.VPNName != ""
}

// fingerprint 用于比较两次快照的网卡是否变化
func (s Snapshot) fingerprint() string {
	parts := make([]string, 0, len(s.Interfaces))
	for _, iface := range s.Interfaces {
		addrs := make([]string, 0, len(iface.Addrs))
		for _, ip := range iface.Addrs {
			addrs = append(addrs, ip.String())
		}
		parts = append(parts, iface.Name+"="+strings.Join(addrs, ","))
	}
	return strings.Join(parts, ";")
}

// Resolver 缓存最近一次网卡快照，供绑定回退使用
type Resolver struct {
	patterns []string
	list     func() (psnet.InterfaceStatList, error)

	mu   sync.RWMutex
	snap Snapshot
}

func NewResolver(patterns []string) *Resolver {
	if len(patterns) == 0 {
		patterns = DefaultVPNPatterns
	}
	return &Resolver{
		patterns: patterns,
		list:     psnet.Interfaces,
	}
}

// Refresh 重新枚举网卡
func (r *Resolver) Refresh() (Snapshot, error) {
	stats, err := r.list()
	if err != nil {
		return r.Snapshot(), fmt.Errorf("获取网卡列表失败: %w", err)
	}
	snap := buildSnapshot(stats, r.patterns)

	r.mu.Lock()
	r.snap = snap
	r.mu.Unlock()
	return snap, nil
}

func (r *Resolver) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap
}

// ActiveAddresses 全部已启用网卡的 IPv4 地址（包括 VPN）
func (r *Resolver) ActiveAddresses() []net.IP {
	snap := r.Snapshot()
	var ips []net.IP
	for _, iface := range snap.Interfaces {
		ips = append(ips, iface.Addrs...)
	}
	return ips
}

func (r *Resolver) VPNAddress() net.IP {
	return r.Snapshot().VPNAddr
}

func (r *Resolver) VPNActive() bool {
	return r.Snapshot().VPNActive()
}

// LocalIP 第一个非 VPN 网卡的地址，UPnP 映射的内网目标
func (r *Resolver) LocalIP() string {
	for _, iface := range r.Snapshot().Interfaces {
		if !iface.VPN && len(iface.Addrs) > 0 {
			return iface.Addrs[0].String()
		}
	}
	return ""
}

// Summary 例如 "Active interfaces: 2 | VPN: ACTIVE (10.8.0.2)"
func (r *Resolver) Summary() string {
	snap := r.Snapshot()
	status := fmt.Sprintf("Active interfaces: %d", len(snap.Interfaces))
	if snap.VPNActive() {
		addr := ""
		if snap.VPNAddr != nil {
			addr = snap.VPNAddr.String()
		}
		return status + fmt.Sprintf(" | VPN: ACTIVE (%s)", addr)
	}
	return status + " | VPN: INACTIVE"
}

func buildSnapshot(stats psnet.InterfaceStatList, patterns []string) Snapshot {
	var snap Snapshot
	for _, st := range stats {
		if !hasFlag(st.Flags, "up") || hasFlag(st.Flags, "loopback") {
			continue
		}
		iface := Interface{Name: st.Name, VPN: isVPN(st.Name, patterns)}
		for _, a := range st.Addrs {
			ip := parseAddr(a.Addr)
			if ip == nil || ip.IsLoopback() {
				continue
			}
			if v4 := ip.To4(); v4 != nil {
				iface.Addrs = append(iface.Addrs, v4)
			}
		}
		if len(iface.Addrs) == 0 {
			continue
		}
		snap.Interfaces = append(snap.Interfaces, iface)
	}
	sort.Slice(snap.Interfaces, func(i, j int) bool { return snap.Interfaces[i].Name < snap.Interfaces[j].Name })

	for _, iface := range snap.Interfaces {
		if iface.VPN {
			snap.VPNName = iface.Name
			snap.VPNAddr = iface.Addrs[0]
			break
		}
	}
	return snap
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}

// isVPN 网卡名匹配任意一个通配模式
func isVPN(name string, patterns []string) bool {
	name = strings.ToLower(name)
	for _, p := range patterns {
		ok, err := path.Match(strings.ToLower(p), name)
		if err != nil {
			logrus.Warnf("VPN 网卡匹配规则无效 %q: %v", p, err)
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

// parseAddr gopsutil 返回 CIDR 格式，个别平台只有地址
func parseAddr(addr string) net.IP {
	if ip, _, err := net.ParseCIDR(addr); err == nil {
		return ip
	}
	return net.ParseIP(addr)
}

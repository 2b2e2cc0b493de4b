package netif

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os/exec"
	"regexp"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
)

// 预编译CIDR
var (
	_, private10, _  = net.ParseCIDR("10.0.0.0/8")
	_, private172, _ = net.ParseCIDR("172.16.0.0/12")
	_, private192, _ = net.ParseCIDR("192.168.0.0/16")
	_, cgnRange, _   = net.ParseCIDR("100.64.0.0/10")
	ipRegex          = regexp.MustCompile(`\b(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})\b`)
)

const (
	IPTypePrivate = "private"
	IPTypeCGN     = "cgn"
	IPTypePublic  = "public"
)

const DefaultTraceTarget = "114.114.114.114"

// NATHop 出口路径上的一层私网路由
type NATHop struct {
	Level uint   `json:"level"`
	LanIP string `json:"lanIp"`
	Type  string `json:"type"`
}

// ScanNATChain 用 traceroute 找出到公网之前经过的私网路由层级
func ScanNATChain(ctx context.Context, target string) ([]NATHop, error) {
	start := time.Now()
	logrus.Info("实时扫描网络层级")

	cmd := buildTracerouteCmd(ctx, target)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("创建管道失败: %w", err)
	}
	if err = cmd.Start(); err != nil {
		return nil, fmt.Errorf("启动traceroute失败: %w", err)
	}
	// 找到出口后不再等待剩余跳数
	defer func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		_ = cmd.Wait()
	}()

	hops := parseHops(stdout, target)
	logrus.Infof("扫描耗时 %v，NAT 层级 %d", time.Since(start), len(hops))
	return hops, nil
}

// parseHops 逐行提取每一跳的地址，遇到公网或运营商级NAT地址即停止
func parseHops(r io.Reader, target string) []NATHop {
	var hops []NATHop
	scanner := bufio.NewScanner(r)
	level := uint(0)

	for scanner.Scan() {
		ips := ipRegex.FindAllString(scanner.Text(), -1)
		if len(ips) == 0 {
			continue
		}
		ip := ips[0]
		if ip == target {
			continue
		}

		ipType := classifyIP(ip)
		if ipType == IPTypePublic {
			logrus.Infof("探测到公网出口: %s，终止扫描", ip)
			break
		}
		level++
		hops = append(hops, NATHop{Level: level, LanIP: ip, Type: ipType})
		if ipType == IPTypeCGN {
			logrus.Infof("探测到cgn出口: %s，终止扫描", ip)
			break
		}
	}
	return hops
}

func buildTracerouteCmd(ctx context.Context, target string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		// -d 不解析主机名, -h 10 最大跳数, -w 300 超时300ms
		return exec.CommandContext(ctx, "tracert", "-d", "-h", "10", "-w", "300", target)
	}
	// -n 不解析主机名, -m 10 最大跳数, -w 1 超时1秒, -q 1 每跳只测一次
	return exec.CommandContext(ctx, "traceroute", "-n", "-m", "10", "-w", "1", "-q", "1", target)
}

func classifyIP(ipStr string) string {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return IPTypePrivate
	}
	if cgnRange.Contains(ip) {
		return IPTypeCGN
	}
	if private10.Contains(ip) || private172.Contains(ip) || private192.Contains(ip) {
		return IPTypePrivate
	}
	return IPTypePublic
}

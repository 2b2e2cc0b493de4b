package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"camrelay/modules/discovery"
	"camrelay/modules/forward"
	"camrelay/modules/netif"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

const SettingsFile = "settings.yaml"

type Settings struct {
	API       APISettings       `yaml:"api"`
	Log       LogSettings       `yaml:"log"`
	Forward   ForwardSettings   `yaml:"forward"`
	Network   NetworkSettings   `yaml:"network"`
	Discovery DiscoverySettings `yaml:"discovery"`
}

type APISettings struct {
	Addr string `yaml:"addr"` // 管理接口监听地址
}

type LogSettings struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"` // 为空时不写文件
}

type ForwardSettings struct {
	ReconnectDelay time.Duration `yaml:"reconnectDelay"` // 摄像头断开后的重连等待
	StabilizeDelay time.Duration `yaml:"stabilizeDelay"` // VPN 连上后等待网卡稳定
	RestartStagger time.Duration `yaml:"restartStagger"` // 批量重启间隔
	DialTimeout    time.Duration `yaml:"dialTimeout"`
	ReusePort      bool          `yaml:"reusePort"` // 和其他进程共用端口时绑定不会失败，本进程内的端口冲突仍会拒绝
}

type NetworkSettings struct {
	PollInterval time.Duration `yaml:"pollInterval"` // 网卡轮询间隔
	VPNPatterns  []string      `yaml:"vpnPatterns"`  // VPN 网卡名通配
	STUNServers  []string      `yaml:"stunServers"`
	TraceTarget  string        `yaml:"traceTarget"` // 为空时不扫描NAT层级
	UPnP         bool          `yaml:"upnp"`        // 转发启动后在路由器上映射端口
}

type DiscoverySettings struct {
	Ports       []int         `yaml:"ports"`
	RTSPPort    int           `yaml:"rtspPort"`
	DialTimeout time.Duration `yaml:"dialTimeout"`
	HTTPTimeout time.Duration `yaml:"httpTimeout"`
	Concurrency int           `yaml:"concurrency"` // 同时扫描的主机数
}

func DefaultSettings() Settings {
	return Settings{
		API: APISettings{Addr: "0.0.0.0:8090"},
		Log: LogSettings{Level: "info", Dir: "logs"},
		Forward: ForwardSettings{
			ReconnectDelay: forward.DefaultReconnectDelay,
			StabilizeDelay: forward.DefaultStabilizeDelay,
			RestartStagger: forward.DefaultRestartStagger,
			DialTimeout:    forward.DefaultDialTimeout,
		},
		Network: NetworkSettings{
			PollInterval: netif.DefaultPollInterval,
			VPNPatterns:  append([]string(nil), netif.DefaultVPNPatterns...),
			STUNServers:  append([]string(nil), netif.DefaultSTUNServers...),
			TraceTarget:  netif.DefaultTraceTarget,
		},
		Discovery: DiscoverySettings{
			Ports:       append([]int(nil), discovery.DefaultPorts...),
			RTSPPort:    discovery.DefaultRTSPPort,
			DialTimeout: discovery.DefaultDialTimeout,
			HTTPTimeout: discovery.DefaultHTTPTimeout,
			Concurrency: discovery.DefaultConcurrency,
		},
	}
}

// EngineOptions 转发引擎参数，Resolver 由调用方填写
func (s Settings) EngineOptions() forward.Options {
	return forward.Options{
		ReconnectDelay: s.Forward.ReconnectDelay,
		StabilizeDelay: s.Forward.StabilizeDelay,
		RestartStagger: s.Forward.RestartStagger,
		DialTimeout:    s.Forward.DialTimeout,
		ReusePort:      s.Forward.ReusePort,
	}
}

// ProbeOptions 网络探测参数，mapper 为 nil 时跳过 UPnP 网关探测
func (s Settings) ProbeOptions(mapper *netif.PortMapper) netif.ProbeOptions {
	return netif.ProbeOptions{
		STUNServers: s.Network.STUNServers,
		TraceTarget: s.Network.TraceTarget,
		Mapper:      mapper,
	}
}

func (s Settings) DiscoveryOptions() discovery.Options {
	return discovery.Options{
		Ports:       s.Discovery.Ports,
		RTSPPort:    s.Discovery.RTSPPort,
		DialTimeout: s.Discovery.DialTimeout,
		HTTPTimeout: s.Discovery.HTTPTimeout,
		Concurrency: s.Discovery.Concurrency,
	}
}

// LoadSettings 读取 dir/settings.yaml，文件不存在时写入默认配置。
// 文件里缺少的字段保持默认值。
func LoadSettings(dir string) (Settings, error) {
	settings := DefaultSettings()
	path := filepath.Join(dir, SettingsFile)

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(data) == 0) {
		logrus.Infof("配置文件不存在，创建默认配置: %s", path)
		return settings, SaveSettings(dir, settings)
	}
	if err != nil {
		return settings, fmt.Errorf("读取配置文件 %s: %w", path, err)
	}

	if err = yaml.Unmarshal(data, &settings); err != nil {
		return settings, fmt.Errorf("解析配置文件 %s: %w", path, err)
	}
	return settings, nil
}

func SaveSettings(dir string, settings Settings) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("创建配置目录失败: %w", err)
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, SettingsFile)
	if err = os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("写入配置文件 %s: %w", path, err)
	}
	return nil
}

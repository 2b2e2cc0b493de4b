package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"camrelay/core"
	"camrelay/global"
	"camrelay/modules/camera"
	"camrelay/modules/discovery"
	"camrelay/modules/events"
	"camrelay/modules/forward"
	"camrelay/modules/netif"
	"camrelay/routers"

	"code.cloudfoundry.org/clock"
	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus"
)

const camerasFile = "cameras.json"

var cli struct {
	ConfigDir string `name:"config-dir" default:"config" help:"配置目录，存放 settings.yaml 和 cameras.json"`
	LogLevel  string `name:"log-level" help:"覆盖配置文件中的日志级别"`
	NoAPI     bool   `name:"no-api" help:"不启动管理接口，只运行转发"`
}

func main() {
	kong.Parse(&cli,
		kong.Name("camrelay"),
		kong.Description("RTSP 摄像头端口转发"),
	)

	// 设置时区
	os.Setenv("TZ", "Asia/Shanghai")

	settings, err := core.LoadSettings(cli.ConfigDir)
	if err != nil {
		core.InitLogger("info", "")
		logrus.Fatalf("读取配置失败: %v", err)
	}
	if cli.LogLevel != "" {
		settings.Log.Level = cli.LogLevel
	}
	core.InitLogger(settings.Log.Level, settings.Log.Dir)
	global.Settings = settings

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.NewClock()

	// 网卡
	resolver := netif.NewResolver(settings.Network.VPNPatterns)
	if _, err = resolver.Refresh(); err != nil {
		logrus.Warnf("读取网卡失败: %v", err)
	}
	logrus.Info(resolver.Summary())

	// 转发引擎
	opts := settings.EngineOptions()
	opts.Resolver = resolver
	opts.Clock = clk
	engine := forward.New(opts)

	// 事件推送
	hub := events.NewHub()
	engine.Subscribe(hub)

	var mapper *netif.PortMapper
	if settings.Network.UPnP {
		mapper = netif.NewPortMapper(resolver.LocalIP)
		engine.Subscribe(mapper)
	}

	// 摄像头管理
	store := camera.NewJSONStore(filepath.Join(cli.ConfigDir, camerasFile))
	manager := camera.NewManager(store, engine, clk)
	manager.Subscribe(hub)

	global.Resolver = resolver
	global.Engine = engine
	global.Mapper = mapper
	global.Hub = hub
	global.Manager = manager
	global.Scanner = discovery.NewScanner(settings.DiscoveryOptions())

	if err = manager.Initialize(); err != nil {
		logrus.Fatalf("初始化摄像头失败: %v", err)
	}

	// 网卡变化和 VPN 连接交给引擎处理
	monitor := netif.NewMonitor(resolver, settings.Network.PollInterval, clk)
	monitor.AddHandler(engine)
	go monitor.Run(ctx)

	// 手工修改 cameras.json 后重新加载
	go func() {
		if err := store.Watch(ctx, func() {
			if err := manager.Reload(); err != nil {
				logrus.Errorf("重新加载摄像头配置失败: %v", err)
			}
		}); err != nil {
			logrus.Warnf("监听配置文件失败: %v", err)
		}
	}()

	// 公网IP、NAT 层级、UPnP 网关
	go func() {
		global.SetNetInfo(netif.Probe(ctx, resolver, settings.ProbeOptions(mapper)))
	}()

	setupShutdownHook(func() {
		cancel()
		manager.Shutdown()
		engine.Close()
		if mapper != nil {
			mapper.Close()
		}
		hub.Close()
	})

	if cli.NoAPI {
		logrus.Info("✅ 转发已启动，未开启管理接口")
		select {}
	}
	if err = routers.Run(settings.API.Addr); err != nil {
		logrus.Fatalf("管理接口启动失败: %v", err)
	}
}

// setupShutdownHook 收到退出信号时停止全部转发并删除端口映射
func setupShutdownHook(shutdownFn func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logrus.Infof("收到退出信号: %v，正在停止转发...", sig)

		if shutdownFn != nil {
			shutdownFn()
		}

		logrus.Info("转发已停止，程序退出")
		os.Exit(0)
	}()
}

package global

import (
	"sync"

	"camrelay/core"
	"camrelay/modules/camera"
	"camrelay/modules/discovery"
	"camrelay/modules/events"
	"camrelay/modules/forward"
	"camrelay/modules/netif"
)

// 进程内共享的组件，由 main 在启动时装配
var (
	Settings core.Settings
	Engine   *forward.Engine
	Manager  *camera.Manager
	Resolver *netif.Resolver
	Mapper   *netif.PortMapper // 未开启 UPnP 时为 nil
	Hub      *events.Hub
	Scanner  *discovery.Scanner
)

var (
	netInfoMu sync.RWMutex
	netInfo   netif.Info
)

// SetNetInfo 保存最近一次网络探测结果
func SetNetInfo(info netif.Info) {
	netInfoMu.Lock()
	defer netInfoMu.Unlock()
	netInfo = info
}

func GetNetInfo() netif.Info {
	netInfoMu.RLock()
	defer netInfoMu.RUnlock()
	return netInfo
}

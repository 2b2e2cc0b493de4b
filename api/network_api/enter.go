package network_api

import (
	"context"
	"time"

	"camrelay/global"
	"camrelay/modules/netif"
	"camrelay/utils/res"

	"github.com/gin-gonic/gin"
)

const probeTimeout = 20 * time.Second

type NetworkApi struct {
}

type NetworkInfoResponse struct {
	Summary        string            `json:"summary"` // 网卡状态摘要
	Interfaces     netif.Snapshot    `json:"interfaces"`
	Probe          netif.Info        `json:"probe"`          // 最近一次探测结果
	UPnPMappings   map[string]uint16 `json:"upnpMappings"`   // 摄像头ID -> 路由器端口
	ActiveForwards []string          `json:"activeForwards"` // 正在转发的摄像头
}

func networkInfo() NetworkInfoResponse {
	info := NetworkInfoResponse{
		Summary:        global.Resolver.Summary(),
		Interfaces:     global.Resolver.Snapshot(),
		Probe:          global.GetNetInfo(),
		UPnPMappings:   map[string]uint16{},
		ActiveForwards: global.Engine.ActiveForwards(),
	}
	if global.Mapper != nil {
		info.UPnPMappings = global.Mapper.Mapped()
	}
	return info
}

// 获取网卡、VPN、公网IP和端口映射信息
func (NetworkApi) NetworkInfoView(c *gin.Context) {
	res.OkWithData(networkInfo(), c)
}

// 重新探测公网IP、NAT层级和UPnP网关
func (NetworkApi) NetworkProbeView(c *gin.Context) {
	if _, err := global.Resolver.Refresh(); err != nil {
		res.FailWithMsg("读取网卡失败: "+err.Error(), c)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), probeTimeout)
	defer cancel()
	global.SetNetInfo(netif.Probe(ctx, global.Resolver, global.Settings.ProbeOptions(global.Mapper)))

	res.OkWithData(networkInfo(), c)
}

// 订阅转发和摄像头事件，websocket 推送 JSON
func (NetworkApi) EventsView(c *gin.Context) {
	global.Hub.ServeHTTP(c.Writer, c.Request)
}

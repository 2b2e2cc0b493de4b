package camera_api

import (
	"context"
	"errors"
	"time"

	"camrelay/global"
	"camrelay/middleware"
	"camrelay/modules/discovery"
	"camrelay/utils/res"

	"github.com/gin-gonic/gin"
)

const discoverTimeout = 2 * time.Minute

type CameraDiscoverViewRequest struct {
	Network string `json:"network"` // CIDR 网段，为空时按本机地址推算 /24
}

type DiscoveredCamera struct {
	discovery.Camera
	Configured bool `json:"configured"` // 已经在摄像头列表里
}

type CameraDiscoverResponse struct {
	Network string             `json:"network"`
	Cameras []DiscoveredCamera `json:"cameras"`
}

// 扫描局域网里的摄像头，进度通过事件推送
func (CameraApi) CameraDiscoverView(c *gin.Context) {
	cr := middleware.GetBindRequest[CameraDiscoverViewRequest](c)

	network := cr.Network
	if network == "" {
		network = discovery.NetworkRange(global.Resolver.LocalIP())
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), discoverTimeout)
	defer cancel()

	found, err := global.Scanner.Scan(ctx, network, global.Hub.HandleDiscoveryProgress)
	switch {
	case errors.Is(err, discovery.ErrScanInProgress):
		res.FailWithMsg("正在扫描，请稍后再试", c)
		return
	case errors.Is(err, discovery.ErrInvalidRange):
		res.FailWithMsg(err.Error(), c)
		return
	case err != nil:
		res.FailWithMsg("扫描中断: "+err.Error(), c)
		return
	}

	configured := map[string]bool{}
	for _, cam := range global.Manager.Cameras() {
		configured[cam.UpstreamHost] = true
	}
	list := make([]DiscoveredCamera, 0, len(found))
	for _, cam := range found {
		list = append(list, DiscoveredCamera{Camera: cam, Configured: configured[cam.IPAddress]})
	}
	res.OkWithData(CameraDiscoverResponse{Network: network, Cameras: list}, c)
}

package camera_api

import (
	"camrelay/global"
	"camrelay/utils/res"

	"github.com/gin-gonic/gin"
)

type CameraListResponse struct {
	AutoStart bool `json:"autoStart"`
	Cameras   any  `json:"cameras"`
}

// 获取全部摄像头配置
func (CameraApi) CameraListView(c *gin.Context) {
	res.OkWithData(CameraListResponse{
		AutoStart: global.Manager.AutoStart(),
		Cameras:   global.Manager.Cameras(),
	}, c)
}

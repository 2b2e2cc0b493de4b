package camera_api

import (
	"camrelay/global"
	"camrelay/modules/camera"
	"camrelay/modules/forward"
	"camrelay/utils/res"

	"github.com/gin-gonic/gin"
)

type CameraStatusResponse struct {
	camera.Status
	Forward *forward.Stats `json:"forward,omitempty"` // 运行中才有
}

// 获取全部摄像头的运行状态和转发统计
func (CameraApi) CameraStatusView(c *gin.Context) {
	statuses := global.Manager.Statuses()

	list := make([]CameraStatusResponse, 0, len(statuses))
	for _, st := range statuses {
		item := CameraStatusResponse{Status: st}
		if stats, ok := global.Engine.Stats(st.CameraID); ok {
			item.Forward = &stats
		}
		list = append(list, item)
	}

	res.OkWithData(list, c)
}

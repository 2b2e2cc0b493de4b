package camera_api

import (
	"camrelay/global"
	"camrelay/middleware"
	"camrelay/utils/res"

	"github.com/gin-gonic/gin"
)

type CameraUpdateViewRequest struct {
	ID string `json:"id" binding:"required"` // 摄像头ID
	CameraAddViewRequest
}

// 更新摄像头，运行中的会按新配置重启
func (CameraApi) CameraUpdateView(c *gin.Context) {
	cr := middleware.GetBindRequest[CameraUpdateViewRequest](c)

	cam := cr.endpoint()
	cam.ID = cr.ID
	if cr.Enabled == nil {
		// 未传时保持原来的启用状态
		old, ok := global.Manager.Camera(cr.ID)
		if !ok {
			res.FailWithMsg("摄像头不存在", c)
			return
		}
		cam.Enabled = old.Enabled
	}

	updated, err := global.Manager.UpdateCamera(cam)
	if err != nil {
		failWithCameraError(err, c)
		return
	}

	res.OkWithData(updated, c)
}

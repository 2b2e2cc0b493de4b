package camera_api

import (
	"camrelay/global"
	"camrelay/middleware"
	"camrelay/utils/res"

	"github.com/gin-gonic/gin"
)

type CameraEnableViewRequest struct {
	ID      string `json:"id" binding:"required"`
	Enabled bool   `json:"enabled"`
}

func (CameraApi) CameraEnableView(c *gin.Context) {
	cr := middleware.GetBindRequest[CameraEnableViewRequest](c)

	cam, err := global.Manager.SetEnabled(cr.ID, cr.Enabled)
	if err != nil {
		failWithCameraError(err, c)
		return
	}

	res.OkWithData(cam, c)
}

type AutoStartViewRequest struct {
	Enabled bool `json:"enabled"`
}

// 修改启动时是否自动开启转发
func (CameraApi) AutoStartView(c *gin.Context) {
	cr := middleware.GetBindRequest[AutoStartViewRequest](c)

	if err := global.Manager.SetAutoStart(cr.Enabled); err != nil {
		res.FailWithMsg("保存配置失败", c)
		return
	}

	res.OkWithData(AutoStartViewRequest{Enabled: global.Manager.AutoStart()}, c)
}

package camera_api

import (
	"camrelay/global"
	"camrelay/middleware"
	"camrelay/utils/res"

	"github.com/gin-gonic/gin"
)

// 启动单个摄像头的转发
func (CameraApi) CameraStartView(c *gin.Context) {
	cr := middleware.GetBindRequest[CameraIDRequest](c)

	cam, ok := global.Manager.Camera(cr.ID)
	if !ok {
		res.FailWithMsg("摄像头不存在", c)
		return
	}
	if !cam.Enabled {
		res.FailWithMsg("摄像头未启用", c)
		return
	}

	if err := global.Manager.StartCamera(cr.ID); err != nil {
		failWithCameraError(err, c)
		return
	}

	status, _ := global.Manager.Status(cr.ID)
	res.OkWithData(status, c)
}

func (CameraApi) CameraStopView(c *gin.Context) {
	cr := middleware.GetBindRequest[CameraIDRequest](c)

	if err := global.Manager.StopCamera(cr.ID); err != nil {
		failWithCameraError(err, c)
		return
	}

	status, _ := global.Manager.Status(cr.ID)
	res.OkWithData(status, c)
}

// 启动全部已启用的摄像头，部分失败时返回失败原因和当前状态
func (CameraApi) CameraStartAllView(c *gin.Context) {
	if err := global.Manager.StartAllCameras(); err != nil {
		c.JSON(200, res.Response{
			Code: res.FailCode,
			Data: global.Manager.Statuses(),
			Msg:  err.Error(),
		})
		return
	}

	res.OkWithData(global.Manager.Statuses(), c)
}

func (CameraApi) CameraStopAllView(c *gin.Context) {
	global.Manager.StopAllCameras()

	res.OkWithData(global.Manager.Statuses(), c)
}

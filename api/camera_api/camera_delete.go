package camera_api

import (
	"camrelay/global"
	"camrelay/middleware"
	"camrelay/utils/res"

	"github.com/gin-gonic/gin"
)

func (CameraApi) CameraDeleteView(c *gin.Context) {
	cr := middleware.GetBindRequest[CameraIDRequest](c)

	if err := global.Manager.RemoveCamera(cr.ID); err != nil {
		failWithCameraError(err, c)
		return
	}

	res.OkWithMsg("删除成功", c)
}

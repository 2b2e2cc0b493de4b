package camera_api

import (
	"errors"

	"camrelay/modules/camera/model"
	"camrelay/utils/res"

	"github.com/gin-gonic/gin"
)

type CameraApi struct {
}

type CameraIDRequest struct {
	ID string `json:"id" binding:"required"` // 摄像头ID
}

// failWithCameraError 把管理层的错误转换成提示信息
func failWithCameraError(err error, c *gin.Context) {
	switch {
	case errors.Is(err, model.ErrCameraNotFound):
		res.FailWithMsg("摄像头不存在", c)
	case errors.Is(err, model.ErrPortInUse):
		res.FailWithMsg("外部端口已被其他摄像头使用", c)
	case errors.Is(err, model.ErrInvalidCamera):
		res.FailWithMsg("摄像头配置无效: "+err.Error(), c)
	default:
		res.FailWithError(err, c)
	}
}

package camera_api

import (
	"camrelay/global"
	"camrelay/middleware"
	"camrelay/modules/camera/model"
	"camrelay/utils/res"

	"github.com/gin-gonic/gin"
)

type CameraAddViewRequest struct {
	Name         string `json:"name" binding:"required"`      // 摄像头名称
	Brand        string `json:"brand"`                        // 品牌
	Model        string `json:"model"`                        // 型号
	IPAddress    string `json:"ipAddress" binding:"required"` // 摄像头内网地址
	Port         int    `json:"port"`                         // 内网端口，默认554
	ExternalPort int    `json:"externalPort"`                 // 为0时自动分配
	Enabled      *bool  `json:"enabled"`                      // 默认启用
	Username     string `json:"username"`
	Password     string `json:"password"`
}

func (cr CameraAddViewRequest) endpoint() model.CameraEndpoint {
	enabled := true
	if cr.Enabled != nil {
		enabled = *cr.Enabled
	}
	return model.CameraEndpoint{
		Name:         cr.Name,
		Brand:        cr.Brand,
		Model:        cr.Model,
		UpstreamHost: cr.IPAddress,
		UpstreamPort: cr.Port,
		ExternalPort: cr.ExternalPort,
		Enabled:      enabled,
		Username:     cr.Username,
		Password:     cr.Password,
	}
}

func (CameraApi) CameraAddView(c *gin.Context) {
	cr := middleware.GetBindRequest[CameraAddViewRequest](c)

	cam, err := global.Manager.AddCamera(cr.endpoint())
	if err != nil {
		failWithCameraError(err, c)
		return
	}

	res.OkWithData(cam, c)
}

package routers

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// NewRouter 注册全部 /api 路由
func NewRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	g := r.Group("api")
	CameraRouters(g)
	NetworkRouters(g)

	return r
}

// Run 阻塞运行管理接口
func Run(addr string) error {
	gin.SetMode("release")
	r := NewRouter()

	logrus.Infof("🌐 管理接口监听 %s", addr)
	return r.Run(addr)
}

package routers

import (
	"camrelay/api"
	"camrelay/api/camera_api"
	"camrelay/middleware"

	"github.com/gin-gonic/gin"
)

func CameraRouters(g *gin.RouterGroup) {
	var app = api.App.CameraApi

	// 摄像头配置
	g.GET("cameras", app.CameraListView)
	g.POST("cameras", middleware.BindJsonMiddleware[camera_api.CameraAddViewRequest], app.CameraAddView)
	g.PUT("cameras", middleware.BindJsonMiddleware[camera_api.CameraUpdateViewRequest], app.CameraUpdateView)
	g.DELETE("cameras", middleware.BindJsonMiddleware[camera_api.CameraIDRequest], app.CameraDeleteView)
	g.PUT("cameras/enabled", middleware.BindJsonMiddleware[camera_api.CameraEnableViewRequest], app.CameraEnableView)
	g.PUT("cameras/auto_start", middleware.BindJsonMiddleware[camera_api.AutoStartViewRequest], app.AutoStartView)
	g.POST("cameras/discover", middleware.BindJsonMiddleware[camera_api.CameraDiscoverViewRequest], app.CameraDiscoverView)

	// 转发控制
	g.POST("cameras/start", middleware.BindJsonMiddleware[camera_api.CameraIDRequest], app.CameraStartView)
	g.POST("cameras/stop", middleware.BindJsonMiddleware[camera_api.CameraIDRequest], app.CameraStopView)
	g.POST("cameras/start_all", app.CameraStartAllView)
	g.POST("cameras/stop_all", app.CameraStopAllView)
	g.GET("cameras/status", app.CameraStatusView)
}

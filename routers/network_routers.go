package routers

import (
	"camrelay/api"

	"github.com/gin-gonic/gin"
)

func NetworkRouters(g *gin.RouterGroup) {
	var app = api.App.NetworkApi

	g.GET("network", app.NetworkInfoView)
	g.POST("network/probe", app.NetworkProbeView)

	// websocket 事件推送
	g.GET("events", app.EventsView)
}

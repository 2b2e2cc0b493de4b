package api

import (
	"camrelay/api/camera_api"
	"camrelay/api/network_api"
)

type Api struct {
	CameraApi  camera_api.CameraApi
	NetworkApi network_api.NetworkApi
}

var App = Api{}

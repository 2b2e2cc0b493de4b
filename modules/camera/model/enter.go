package model

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

const (
	DefaultUpstreamPort = 554  // RTSP 默认端口
	FirstExternalPort   = 8551 // 第一个对外端口
	MaxPort             = 65535
)

var (
	ErrInvalidCamera  = errors.New("摄像头配置无效")
	ErrCameraNotFound = errors.New("摄像头不存在")
	ErrCameraDisabled = errors.New("摄像头未启用")
	ErrPortInUse      = errors.New("外部端口已被其他摄像头占用")
)

// CameraConfig 配置文件根结构
type CameraConfig struct {
	AutoStart bool             `json:"autoStart"` // 启动时自动开启转发
	Cameras   []CameraEndpoint `json:"cameras"`   // 摄像头列表
}

// CameraEndpoint 单个摄像头的转发配置
type CameraEndpoint struct {
	ID    string `json:"id"`    // 唯一标识
	Name  string `json:"name"`  // 名称
	Brand string `json:"brand"` // 品牌
	Model string `json:"model"` // 型号

	UpstreamHost string `json:"ipAddress"`    // 摄像头内网地址
	UpstreamPort int    `json:"port"`         // 摄像头内网端口
	ExternalPort int    `json:"externalPort"` // 对外监听端口
	Enabled      bool   `json:"enabled"`      // 是否启用

	// 只做保存，转发不使用
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Validate 校验摄像头字段，externalPort 为0表示等待分配
func (c CameraEndpoint) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: 名称不能为空", ErrInvalidCamera)
	}
	if strings.TrimSpace(c.UpstreamHost) == "" {
		return fmt.Errorf("%w: 地址不能为空", ErrInvalidCamera)
	}
	if strings.ContainsAny(c.UpstreamHost, " \t\r\n") {
		return fmt.Errorf("%w: 地址格式错误 %q", ErrInvalidCamera, c.UpstreamHost)
	}
	if c.UpstreamPort < 1 || c.UpstreamPort > MaxPort {
		return fmt.Errorf("%w: 端口超出范围 %d", ErrInvalidCamera, c.UpstreamPort)
	}
	if c.ExternalPort < 0 || c.ExternalPort > MaxPort {
		return fmt.Errorf("%w: 外部端口超出范围 %d", ErrInvalidCamera, c.ExternalPort)
	}
	return nil
}

// Forwardable 可以直接交给转发引擎
func (c CameraEndpoint) Forwardable() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.ID == "" {
		return fmt.Errorf("%w: 缺少ID", ErrInvalidCamera)
	}
	if c.ExternalPort == 0 {
		return fmt.Errorf("%w: 未分配外部端口", ErrInvalidCamera)
	}
	if !c.Enabled {
		return ErrCameraDisabled
	}
	return nil
}

// Addr 摄像头内网地址 host:port
func (c CameraEndpoint) Addr() string {
	return net.JoinHostPort(c.UpstreamHost, strconv.Itoa(c.UpstreamPort))
}

// DisplayName 日志里使用的名称
func (c CameraEndpoint) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"camrelay/modules/camera/model"
	"camrelay/utils"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Store 摄像头配置的持久化，ID 和外部端口都由它分配
type Store interface {
	Load() error
	List() []model.CameraEndpoint
	Get(id string) (model.CameraEndpoint, error)
	Add(cam model.CameraEndpoint) (model.CameraEndpoint, error)
	Update(cam model.CameraEndpoint) (model.CameraEndpoint, error)
	Remove(id string) error
	AutoStart() bool
	SetAutoStart(enabled bool) error
}

// JSONStore 把配置保存在一个 json 文件里
type JSONStore struct {
	path string

	mu       sync.RWMutex
	config   model.CameraConfig
	lastData []byte // 最近一次自己写入或读取的内容
}

func NewJSONStore(path string) *JSONStore {
	return &JSONStore{path: path}
}

func (s *JSONStore) Path() string {
	return s.path
}

// Load 读取配置文件，文件不存在或为空时创建默认配置
func (s *JSONStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if info, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) || (err == nil && info.Size() == 0) {
		logrus.Infof("摄像头配置文件不存在，创建默认配置: %s", s.path)
		return s.saveLocked(model.CameraConfig{Cameras: []model.CameraEndpoint{}})
	}

	config, err := utils.ReadJsonFile[model.CameraConfig](s.path)
	if err != nil {
		logrus.Errorf("读取摄像头配置失败: %v", err)
		return fmt.Errorf("读取摄像头配置 %s: %w", s.path, err)
	}

	if s.normalize(&config) {
		logrus.Info("摄像头配置已补全缺失字段")
		return s.saveLocked(config)
	}

	s.config = config
	s.lastData, _ = utils.MarshalJson(config)
	return nil
}

// normalize 补全手工编辑时缺失的ID和端口，返回是否有修改
func (s *JSONStore) normalize(config *model.CameraConfig) bool {
	changed := false
	if config.Cameras == nil {
		config.Cameras = []model.CameraEndpoint{}
	}
	for i := range config.Cameras {
		cam := &config.Cameras[i]
		if cam.ID == "" {
			cam.ID = uuid.NewString()
			changed = true
		}
		if cam.UpstreamPort == 0 {
			cam.UpstreamPort = model.DefaultUpstreamPort
			changed = true
		}
		if cam.ExternalPort == 0 {
			port, err := nextExternalPort(config.Cameras)
			if err != nil {
				logrus.Warnf("[%s] %v", cam.DisplayName(), err)
			} else {
				cam.ExternalPort = port
				changed = true
			}
		}
		if err := cam.Validate(); err != nil {
			logrus.Warnf("[%s] 摄像头配置无效: %v", cam.DisplayName(), err)
		}
	}
	return changed
}

func (s *JSONStore) saveLocked(config model.CameraConfig) error {
	if err := utils.WriteJsonFile(s.path, config); err != nil {
		logrus.Errorf("摄像头配置写入失败: %v", err)
		return fmt.Errorf("写入摄像头配置 %s: %w", s.path, err)
	}
	s.config = config
	s.lastData, _ = utils.MarshalJson(config)
	return nil
}

// clone 复制一份配置，修改失败时内存里的配置保持不变
func (s *JSONStore) clone() model.CameraConfig {
	cameras := make([]model.CameraEndpoint, len(s.config.Cameras))
	copy(cameras, s.config.Cameras)
	return model.CameraConfig{AutoStart: s.config.AutoStart, Cameras: cameras}
}

func (s *JSONStore) List() []model.CameraEndpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cameras := make([]model.CameraEndpoint, len(s.config.Cameras))
	copy(cameras, s.config.Cameras)
	return cameras
}

func (s *JSONStore) Get(id string) (model.CameraEndpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := indexOf(s.config.Cameras, id); i >= 0 {
		return s.config.Cameras[i], nil
	}
	return model.CameraEndpoint{}, fmt.Errorf("%w: %s", model.ErrCameraNotFound, id)
}

// Add 新增摄像头，ID 为空时生成 uuid，外部端口为0时自动分配
func (s *JSONStore) Add(cam model.CameraEndpoint) (model.CameraEndpoint, error) {
	if cam.UpstreamPort == 0 {
		cam.UpstreamPort = model.DefaultUpstreamPort
	}
	if err := cam.Validate(); err != nil {
		return model.CameraEndpoint{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cam.ID == "" {
		cam.ID = uuid.NewString()
	} else if indexOf(s.config.Cameras, cam.ID) >= 0 {
		return model.CameraEndpoint{}, fmt.Errorf("%w: ID 重复 %s", model.ErrInvalidCamera, cam.ID)
	}
	if cam.ExternalPort == 0 {
		port, err := nextExternalPort(s.config.Cameras)
		if err != nil {
			return model.CameraEndpoint{}, err
		}
		cam.ExternalPort = port
	}
	if err := checkPortConflict(s.config.Cameras, cam); err != nil {
		return model.CameraEndpoint{}, err
	}

	config := s.clone()
	config.Cameras = append(config.Cameras, cam)
	if err := s.saveLocked(config); err != nil {
		return model.CameraEndpoint{}, err
	}

	logrus.Infof("已添加摄像头: %s (%s -> %d)", cam.DisplayName(), cam.Addr(), cam.ExternalPort)
	return cam, nil
}

// Update 按 ID 替换摄像头配置，外部端口为0时保留原端口
func (s *JSONStore) Update(cam model.CameraEndpoint) (model.CameraEndpoint, error) {
	if cam.UpstreamPort == 0 {
		cam.UpstreamPort = model.DefaultUpstreamPort
	}
	if err := cam.Validate(); err != nil {
		return model.CameraEndpoint{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i := indexOf(s.config.Cameras, cam.ID)
	if i < 0 {
		return model.CameraEndpoint{}, fmt.Errorf("%w: %s", model.ErrCameraNotFound, cam.ID)
	}
	if cam.ExternalPort == 0 {
		cam.ExternalPort = s.config.Cameras[i].ExternalPort
	}
	if err := checkPortConflict(s.config.Cameras, cam); err != nil {
		return model.CameraEndpoint{}, err
	}

	config := s.clone()
	config.Cameras[i] = cam
	if err := s.saveLocked(config); err != nil {
		return model.CameraEndpoint{}, err
	}

	logrus.Infof("已更新摄像头: %s", cam.DisplayName())
	return cam, nil
}

func (s *JSONStore) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := indexOf(s.config.Cameras, id)
	if i < 0 {
		return fmt.Errorf("%w: %s", model.ErrCameraNotFound, id)
	}

	name := s.config.Cameras[i].DisplayName()
	config := s.clone()
	config.Cameras = append(config.Cameras[:i], config.Cameras[i+1:]...)
	if err := s.saveLocked(config); err != nil {
		return err
	}

	logrus.Infof("已删除摄像头: %s", name)
	return nil
}

func (s *JSONStore) AutoStart() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.AutoStart
}

func (s *JSONStore) SetAutoStart(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.config.AutoStart == enabled {
		return nil
	}
	config := s.clone()
	config.AutoStart = enabled
	return s.saveLocked(config)
}

// Watch 监听配置文件被外部修改，自己写入的内容不会触发 onChange。
// 阻塞直到 ctx 结束。
func (s *JSONStore) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("创建文件监听失败: %w", err)
	}
	defer watcher.Close()

	// 写入时会重命名临时文件，所以监听目录而不是文件本身
	dir := filepath.Dir(s.path)
	if err = os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if err = watcher.Add(dir); err != nil {
		return fmt.Errorf("监听目录 %s 失败: %w", dir, err)
	}

	target := filepath.Clean(s.path)
	var seen []byte
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			data, err := os.ReadFile(s.path)
			if err != nil || len(data) == 0 {
				continue
			}
			if bytes.Equal(data, seen) || s.isOwnWrite(data) {
				continue
			}
			seen = data
			logrus.Info("检测到摄像头配置文件被修改")
			onChange()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logrus.Warnf("配置文件监听错误: %v", err)
		}
	}
}

func (s *JSONStore) isOwnWrite(data []byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return bytes.Equal(data, s.lastData)
}

func indexOf(cameras []model.CameraEndpoint, id string) int {
	for i, c := range cameras {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// nextExternalPort 现有最大端口+1，最小从 FirstExternalPort 开始。
// 超出 MaxPort 时从 FirstExternalPort 起找第一个没人用的端口
func nextExternalPort(cameras []model.CameraEndpoint) (int, error) {
	maxPort := model.FirstExternalPort - 1
	used := make(map[int]bool, len(cameras))
	for _, c := range cameras {
		used[c.ExternalPort] = true
		if c.ExternalPort > maxPort {
			maxPort = c.ExternalPort
		}
	}
	if maxPort < model.MaxPort {
		return maxPort + 1, nil
	}
	for port := model.FirstExternalPort; port <= model.MaxPort; port++ {
		if !used[port] {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w: 没有可用的外部端口", model.ErrInvalidCamera)
}

// checkPortConflict 启用的摄像头之间外部端口不能重复
func checkPortConflict(cameras []model.CameraEndpoint, cam model.CameraEndpoint) error {
	if !cam.Enabled {
		return nil
	}
	for _, c := range cameras {
		if c.ID != cam.ID && c.Enabled && c.ExternalPort == cam.ExternalPort {
			return fmt.Errorf("%w: %d (%s)", model.ErrPortInUse, cam.ExternalPort, c.DisplayName())
		}
	}
	return nil
}

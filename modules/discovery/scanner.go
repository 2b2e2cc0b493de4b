package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultDialTimeout  = 300 * time.Millisecond
	DefaultHTTPTimeout  = 2 * time.Second
	DefaultConcurrency  = 50
	DefaultNetworkRange = "192.168.1.0/24"
	DefaultRTSPPort     = 554

	maxHosts = 254 // 大网段只扫前 254 个地址
)

// DefaultPorts 摄像头常用端口，按出现频率排序
var DefaultPorts = []int{80, 554, 8080, 8081, 443, 8000, 8443, 88, 8088, 8888, 9999}

// DefaultPriorityPorts 先扫这些端口，命中后跳过其余端口
var DefaultPriorityPorts = []int{80, 554}

var (
	ErrScanInProgress = errors.New("扫描正在进行")
	ErrInvalidRange   = errors.New("网段格式无效")
)

type Options struct {
	Ports         []int
	PriorityPorts []int
	RTSPPort      int // 只开放该端口的设备也算摄像头
	DialTimeout   time.Duration
	HTTPTimeout   time.Duration
	Concurrency   int
}

func (o *Options) setDefaults() {
	if len(o.Ports) == 0 {
		o.Ports = DefaultPorts
	}
	if o.PriorityPorts == nil {
		o.PriorityPorts = DefaultPriorityPorts
	}
	if o.RTSPPort <= 0 {
		o.RTSPPort = DefaultRTSPPort
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.HTTPTimeout <= 0 {
		o.HTTPTimeout = DefaultHTTPTimeout
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
}

// Camera 扫描到的设备
type Camera struct {
	IPAddress  string `json:"ipAddress"`
	Port       int    `json:"port"` // 识别用的端口
	Brand      string `json:"brand"`
	Model      string `json:"model"`
	DeviceName string `json:"deviceName"`
	RTSPURL    string `json:"rtspUrl"` // 建议的 RTSP 地址
	OpenPorts  []int  `json:"openPorts"`
}

// ProgressFunc 每扫完一个地址调用一次
type ProgressFunc func(done, total int)

// Scanner 局域网摄像头扫描，同一时间只允许一次扫描
type Scanner struct {
	opts    Options
	client  *http.Client
	running atomic.Bool
}

func NewScanner(opts Options) *Scanner {
	opts.setDefaults()
	return &Scanner{
		opts: opts,
		client: &http.Client{
			Timeout: opts.HTTPTimeout,
			// 不跟随重定向，302 本身就说明有网页服务
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (s *Scanner) Running() bool {
	return s.running.Load()
}

// Scan 扫描网段内的主机，返回按地址排序的设备列表。
// ctx 取消时返回已经识别到的设备和 ctx 的错误
func (s *Scanner) Scan(ctx context.Context, network string, progress ProgressFunc) ([]Camera, error) {
	hosts, err := Hosts(network)
	if err != nil {
		return nil, err
	}
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrScanInProgress
	}
	defer s.running.Store(false)

	logrus.Infof("🔍 开始扫描摄像头 %s，共 %d 个地址", network, len(hosts))
	start := time.Now()

	var (
		mu      sync.Mutex
		cameras []Camera
		done    atomic.Int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)

	for _, host := range hosts {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			defer func() {
				n := int(done.Add(1))
				if progress != nil {
					progress(n, len(hosts))
				}
			}()

			open := s.openPorts(gctx, host)
			if len(open) == 0 {
				return nil
			}
			cam, ok := s.identify(gctx, host, open)
			if !ok {
				return nil
			}
			logrus.Infof("发现 %s 设备 %s:%d 型号 %s", cam.Brand, cam.IPAddress, cam.Port, cam.Model)
			mu.Lock()
			cameras = append(cameras, cam)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sortCameras(cameras)
	logrus.Infof("扫描结束，发现 %d 个设备，耗时 %v", len(cameras), time.Since(start).Round(time.Millisecond))
	return cameras, ctx.Err()
}

// openPorts 先扫优先端口，都没开才扫其余端口
func (s *Scanner) openPorts(ctx context.Context, host string) []int {
	var open []int
	for _, port := range s.opts.PriorityPorts {
		if s.dial(ctx, host, port) {
			return []int{port}
		}
	}
	for _, port := range s.opts.Ports {
		if slices.Contains(s.opts.PriorityPorts, port) {
			continue
		}
		if ctx.Err() != nil {
			return open
		}
		if s.dial(ctx, host, port) {
			open = append(open, port)
		}
	}
	return open
}

func (s *Scanner) dial(ctx context.Context, host string, port int) bool {
	d := net.Dialer{Timeout: s.opts.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// identify 对开放端口发 HTTP 请求识别品牌，只开放 RTSP 端口的按通用摄像头处理
func (s *Scanner) identify(ctx context.Context, host string, open []int) (Camera, bool) {
	for _, port := range open {
		if port == s.opts.RTSPPort {
			continue
		}
		for _, path := range pagePaths(port) {
			page, ok := s.fetch(ctx, host, port, path)
			if !ok {
				continue
			}
			cam := Analyze(host, port, page)
			cam.RTSPURL = RTSPURL(cam.Brand, host, s.opts.RTSPPort)
			cam.OpenPorts = open
			return cam, true
		}
	}

	if slices.Contains(open, s.opts.RTSPPort) {
		return Camera{
			IPAddress:  host,
			Port:       s.opts.RTSPPort,
			Brand:      BrandGeneric,
			Model:      "Unknown",
			DeviceName: "Camera_" + host,
			RTSPURL:    RTSPURL(BrandGeneric, host, s.opts.RTSPPort),
			OpenPorts:  open,
		}, true
	}
	return Camera{}, false
}

// pagePaths 网页端口上依次尝试的路径
func pagePaths(port int) []string {
	if port == 80 || port == 8080 {
		return []string{"/", "/cgi-bin/hi3510/param.cgi", "/PSIA/Custom/SelfExt/userCheck", "/onvif/device_service"}
	}
	return []string{"/"}
}

// fetch 返回页面内容和响应头，拼成一段文本
func (s *Scanner) fetch(ctx context.Context, host string, port int, path string) (Page, bool) {
	url := fmt.Sprintf("http://%s%s", net.JoinHostPort(host, strconv.Itoa(port)), path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Page{}, false
	}
	req.Header.Set("User-Agent", "camrelay-discovery/1.0")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := s.client.Do(req)
	if err != nil {
		logrus.Debugf("请求 %s 失败: %v", url, err)
		return Page{}, false
	}
	defer resp.Body.Close()
	return readPage(resp), true
}

func sortCameras(cameras []Camera) {
	sort.Slice(cameras, func(i, j int) bool {
		a, b := net.ParseIP(cameras[i].IPAddress).To4(), net.ParseIP(cameras[j].IPAddress).To4()
		if a == nil || b == nil {
			return cameras[i].IPAddress < cameras[j].IPAddress
		}
		return string(a) < string(b)
	})
}

// Hosts 展开 CIDR 网段，去掉网络地址和广播地址，最多 254 个
func Hosts(network string) ([]string, error) {
	ip, ipnet, err := net.ParseCIDR(network)
	if err != nil {
		if ip = net.ParseIP(network); ip == nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidRange, network)
		}
		// 不带掩码按 /24 处理
		ipnet = &net.IPNet{IP: ip.Mask(net.CIDRMask(24, 32)), Mask: net.CIDRMask(24, 32)}
	}
	base := ipnet.IP.To4()
	if base == nil {
		return nil, fmt.Errorf("%w: 只支持 IPv4 %s", ErrInvalidRange, network)
	}

	ones, bits := ipnet.Mask.Size()
	size := uint64(1) << uint(bits-ones)
	first, last := uint64(1), size-2
	if size <= 2 {
		// /31 /32 没有网络地址和广播地址
		first, last = 0, size-1
	}

	start := uint64(base[0])<<24 | uint64(base[1])<<16 | uint64(base[2])<<8 | uint64(base[3])
	hosts := make([]string, 0, min(last-first+1, maxHosts))
	for i := first; i <= last && len(hosts) < maxHosts; i++ {
		n := start + i
		hosts = append(hosts, net.IPv4(byte(n>>24), byte(n>>16), byte(n>>8), byte(n)).String())
	}
	return hosts, nil
}

// NetworkRange 本机地址所在的 /24 网段，没有地址时使用默认网段
func NetworkRange(localIP string) string {
	ip := net.ParseIP(localIP).To4()
	if ip == nil {
		return DefaultNetworkRange
	}
	return (&net.IPNet{IP: ip.Mask(net.CIDRMask(24, 32)), Mask: net.CIDRMask(24, 32)}).String()
}

package discovery

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

const (
	BrandHikvision = "Hikvision"
	BrandCPPlus    = "CP Plus"
	BrandDahua     = "Dahua"
	BrandAxis      = "Axis"
	BrandVivotek   = "Vivotek"
	BrandFoscam    = "Foscam"
	BrandBosch     = "Bosch"
	BrandPanasonic = "Panasonic"
	BrandSony      = "Sony"
	BrandGeneric   = "Generic"
)

const maxPageSize = 64 << 10

// Page 一次 HTTP 响应里用来识别的内容
type Page struct {
	Body    string
	Headers string // "name: value" 每行一个，小写
}

func readPage(resp *http.Response) Page {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxPageSize))
	var b strings.Builder
	for name, values := range resp.Header {
		for _, v := range values {
			b.WriteString(strings.ToLower(name + ": " + v))
			b.WriteByte('\n')
		}
	}
	return Page{Body: string(body), Headers: b.String()}
}

var brandMarkers = []struct {
	brand   string
	markers []string
}{
	{BrandHikvision, []string{"hikvision", "hik-connect", "webrec.htm", "server: app-webs/", "ds-", "/psia/"}},
	{BrandCPPlus, []string{"cp plus", "cpplus", "cp-plus", "aditya", "guard", "realmonitor"}},
	{BrandDahua, []string{"dahua"}},
	{BrandAxis, []string{"axis"}},
	{BrandVivotek, []string{"vivotek"}},
	{BrandFoscam, []string{"foscam"}},
	{BrandBosch, []string{"bosch"}},
	{BrandPanasonic, []string{"panasonic"}},
	{BrandSony, []string{"sony"}},
}

// DetectBrand 按页面和响应头里的特征字符串判断品牌
func DetectBrand(page Page) string {
	text := strings.ToLower(page.Body) + "\n" + page.Headers
	for _, m := range brandMarkers {
		for _, marker := range m.markers {
			if strings.Contains(text, marker) {
				return m.brand
			}
		}
	}
	return BrandGeneric
}

var (
	hikModelRe     = regexp.MustCompile(`(?i)(DS-\w+[\w-]*)`)
	cpplusModelRe  = regexp.MustCompile(`(?i)(CP-[\w-]+)`)
	genericModelRe = regexp.MustCompile(`(?i)model["\s]*[:=]["\s]*([^"<>\s]+)`)
	titleRe        = regexp.MustCompile(`(?is)<title>\s*(.*?)\s*</title>`)
	deviceNameRe   = regexp.MustCompile(`(?i)device[_\s]*name["\s]*[:=]["\s]*([^"<>\n]+)`)
)

// DetectModel 提取型号，识别不出时按品牌给默认值
func DetectModel(brand, body string) string {
	switch brand {
	case BrandHikvision:
		if m := hikModelRe.FindStringSubmatch(body); m != nil {
			return strings.ToUpper(m[1])
		}
		return "Hikvision Camera"
	case BrandCPPlus:
		if m := cpplusModelRe.FindStringSubmatch(body); m != nil {
			return strings.ToUpper(m[1])
		}
		return "CP Plus Camera"
	}
	if m := genericModelRe.FindStringSubmatch(body); m != nil {
		return m[1]
	}
	return "Unknown"
}

// DeviceName 优先用页面标题，其次是 device name 字段，都没有用 Camera_<ip>
func DeviceName(host, body string) string {
	if m := titleRe.FindStringSubmatch(body); m != nil {
		if title := strings.TrimSpace(m[1]); title != "" && title != "Document" {
			return title
		}
	}
	if m := deviceNameRe.FindStringSubmatch(body); m != nil {
		if name := strings.TrimSpace(m[1]); name != "" {
			return name
		}
	}
	return "Camera_" + host
}

var rtspPaths = map[string]string{
	BrandHikvision: "/Streaming/Channels/101",
	BrandCPPlus:    "/cam/realmonitor?channel=1&subtype=0",
	BrandDahua:     "/cam/realmonitor?channel=1&subtype=0",
	BrandAxis:      "/axis-media/media.amp",
	BrandVivotek:   "/live.sdp",
	BrandFoscam:    "/videoMain",
}

// RTSPURL 按品牌拼出主码流地址
func RTSPURL(brand, host string, port int) string {
	path, ok := rtspPaths[brand]
	if !ok {
		path = "/stream1"
	}
	return fmt.Sprintf("rtsp://%s%s", net.JoinHostPort(host, strconv.Itoa(port)), path)
}

// CommonRTSPPaths 品牌常见的码流路径，第一条是主码流
func CommonRTSPPaths(brand string) []string {
	switch brand {
	case BrandHikvision:
		return []string{"/Streaming/Channels/101", "/Streaming/Channels/102", "/h264/ch1/main/av_stream", "/h264/ch1/sub/av_stream"}
	case BrandCPPlus, BrandDahua:
		return []string{"/cam/realmonitor?channel=1&subtype=0", "/cam/realmonitor?channel=1&subtype=1", "/live"}
	case BrandAxis:
		return []string{"/axis-media/media.amp", "/mpeg4/media.amp"}
	case BrandVivotek:
		return []string{"/live.sdp", "/live2.sdp"}
	case BrandFoscam:
		return []string{"/videoMain", "/videoSub"}
	}
	return []string{"/stream1", "/stream2", "/live", "/h264", "/video1"}
}

// Analyze 根据一次 HTTP 响应生成设备信息
func Analyze(host string, port int, page Page) Camera {
	brand := DetectBrand(page)
	return Camera{
		IPAddress:  host,
		Port:       port,
		Brand:      brand,
		Model:      DetectModel(brand, page.Body),
		DeviceName: DeviceName(host, page.Body),
		RTSPURL:    RTSPURL(brand, host, DefaultRTSPPort),
	}
}

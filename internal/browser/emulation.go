package browser

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-rod/rod/lib/proto"

	"maskbrowser/internal/identity"
)

// 桌面浏览器窗口的标签栏和地址栏高度。
const browserChromeHeight = 110

var chromeVersionRe = regexp.MustCompile(`Chrome/(\d+)\.`)

// AcceptLanguage 生成与 navigator.languages 一致的 Accept-Language 头。
func AcceptLanguage(langs []string) string {
	if len(langs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(langs)*2)
	q := 1.0
	seen := map[string]bool{}
	add := func(tag string) {
		if seen[tag] {
			return
		}
		seen[tag] = true
		if len(parts) == 0 {
			parts = append(parts, tag)
		} else {
			parts = append(parts, fmt.Sprintf("%s;q=%.1f", tag, q))
		}
		if q > 0.2 {
			q -= 0.1
		}
	}
	for _, l := range langs {
		add(l)
		add(identity.LanguageOf(l))
	}
	return strings.Join(parts, ",")
}

// UserAgentMetadata 生成与 UA 一致的 Client Hints。非 Chromium UA 返回 nil,
// 此时浏览器不会发送 Sec-CH-UA。
func UserAgentMetadata(id identity.Identity) *proto.EmulationUserAgentMetadata {
	m := chromeVersionRe.FindStringSubmatch(id.UserAgent)
	if m == nil {
		return nil
	}
	major := m[1]
	md := &proto.EmulationUserAgentMetadata{
		Brands: []*proto.EmulationUserAgentBrandVersion{
			{Brand: "Not.A/Brand", Version: "8"},
			{Brand: "Chromium", Version: major},
			{Brand: "Google Chrome", Version: major},
		},
		Mobile: id.DeviceType == identity.DeviceMobile,
	}
	switch id.Platform {
	case identity.PlatformWindows:
		md.Platform, md.PlatformVersion, md.Architecture = "Windows", "10.0.0", "x86"
	case identity.PlatformMacOS:
		md.Platform, md.PlatformVersion, md.Architecture = "macOS", "14.4.0", "arm"
	case identity.PlatformLinux:
		md.Platform, md.PlatformVersion, md.Architecture = "Linux", "6.5.0", "x86"
	case identity.PlatformAndroid, identity.PlatformTV:
		md.Platform, md.PlatformVersion, md.Architecture = "Android", "14.0.0", "arm"
		md.Model = androidModel(id.UserAgent)
	default:
		return nil
	}
	return md
}

var androidModelRe = regexp.MustCompile(`Android [\d.]+; ([^;)]+)`)

func androidModel(ua string) string {
	if m := androidModelRe.FindStringSubmatch(ua); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

// Viewport 返回身份对应的视口尺寸。桌面窗口扣除浏览器自身的界面高度。
func Viewport(id identity.Identity) (int, int) {
	w, h := id.Screen.Width, id.Screen.Height
	if id.DeviceType == identity.DeviceDesktop && h > browserChromeHeight {
		h -= browserChromeHeight
	}
	return w, h
}

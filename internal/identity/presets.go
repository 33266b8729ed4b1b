package identity

// Platform 是身份所模拟的操作系统。
type Platform string

const (
	PlatformWindows Platform = "windows"
	PlatformMacOS   Platform = "macos"
	PlatformLinux   Platform = "linux"
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformTV      Platform = "tv"
)

// Platforms 是支持的平台集合, 未指定平台时从中均匀抽样。
var Platforms = []Platform{PlatformWindows, PlatformMacOS, PlatformLinux, PlatformIOS, PlatformAndroid, PlatformTV}

// DeviceType 是设备形态。
type DeviceType string

const (
	DeviceDesktop DeviceType = "desktop"
	DeviceMobile  DeviceType = "mobile"
	DeviceTablet  DeviceType = "tablet"
)

// ParsePlatform 校验平台名。
func ParsePlatform(s string) (Platform, bool) {
	for _, p := range Platforms {
		if string(p) == s {
			return p, true
		}
	}
	return "", false
}

// ParseDeviceType 校验设备形态名。
func ParseDeviceType(s string) (DeviceType, bool) {
	switch DeviceType(s) {
	case DeviceDesktop, DeviceMobile, DeviceTablet:
		return DeviceType(s), true
	}
	return "", false
}

// SupportsHandheld 报告平台是否允许 mobile/tablet 形态。
func (p Platform) SupportsHandheld() bool {
	return p == PlatformIOS || p == PlatformAndroid
}

type resolution struct {
	Width, Height int
}

type webglPair struct {
	Vendor, Renderer string
}

// preset 汇总一个平台的全部静态数据。
type preset struct {
	resolutions       map[DeviceType][]resolution
	navigatorPlatform map[DeviceType][]string
	languages         []string
	fallbackUA        string
	webgl             []webglPair
}

var desktopLanguages = []string{"en-US", "en-GB", "de-DE", "fr-FR", "es-ES", "it-IT", "pt-BR", "nl-NL", "pl-PL", "ja-JP", "zh-CN", "ru-RU"}

var presets = map[Platform]preset{
	PlatformWindows: {
		resolutions: map[DeviceType][]resolution{
			DeviceDesktop: {{1920, 1080}, {1366, 768}, {2560, 1440}, {1440, 900}, {1680, 1050}, {3840, 2160}},
		},
		navigatorPlatform: map[DeviceType][]string{DeviceDesktop: {"Win32"}},
		languages:         desktopLanguages,
		fallbackUA:        "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		webgl: []webglPair{
			{"Google Inc. (NVIDIA)", "ANGLE (NVIDIA, NVIDIA GeForce GTX 1650 Direct3D11 vs_5_0 ps_5_0, D3D11)"},
			{"Google Inc. (NVIDIA)", "ANGLE (NVIDIA, NVIDIA GeForce RTX 3060 Direct3D11 vs_5_0 ps_5_0, D3D11)"},
			{"Google Inc. (Intel)", "ANGLE (Intel, Intel(R) UHD Graphics 630 Direct3D11 vs_5_0 ps_5_0, D3D11)"},
			{"Google Inc. (AMD)", "ANGLE (AMD, AMD Radeon RX 580 Series Direct3D11 vs_5_0 ps_5_0, D3D11)"},
		},
	},
	PlatformMacOS: {
		resolutions: map[DeviceType][]resolution{
			DeviceDesktop: {{1440, 900}, {1680, 1050}, {1920, 1080}, {2560, 1440}, {1512, 982}, {1728, 1117}},
		},
		navigatorPlatform: map[DeviceType][]string{DeviceDesktop: {"MacIntel"}},
		languages:         desktopLanguages,
		fallbackUA:        "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		webgl: []webglPair{
			{"Google Inc. (Apple)", "ANGLE (Apple, Apple M1, OpenGL 4.1)"},
			{"Google Inc. (Apple)", "ANGLE (Apple, Apple M2 Pro, OpenGL 4.1)"},
			{"Google Inc. (Intel Inc.)", "ANGLE (Intel Inc., Intel(R) Iris(TM) Plus Graphics 655, OpenGL 4.1)"},
		},
	},
	PlatformLinux: {
		resolutions: map[DeviceType][]resolution{
			DeviceDesktop: {{1920, 1080}, {1366, 768}, {2560, 1440}, {1600, 900}, {1280, 1024}},
		},
		navigatorPlatform: map[DeviceType][]string{DeviceDesktop: {"Linux x86_64"}},
		languages:         desktopLanguages,
		fallbackUA:        "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		webgl: []webglPair{
			{"Google Inc. (Intel)", "ANGLE (Intel, Mesa Intel(R) UHD Graphics 620 (KBL GT2), OpenGL 4.6)"},
			{"Google Inc. (AMD)", "ANGLE (AMD, AMD Radeon RX 6600 (radeonsi, navi23, LLVM 15.0.7), OpenGL 4.6)"},
		},
	},
	PlatformIOS: {
		resolutions: map[DeviceType][]resolution{
			DeviceMobile: {{390, 844}, {393, 852}, {428, 926}, {375, 667}, {430, 932}},
			DeviceTablet: {{820, 1180}, {1024, 1366}, {768, 1024}, {834, 1194}},
		},
		navigatorPlatform: map[DeviceType][]string{DeviceMobile: {"iPhone"}, DeviceTablet: {"iPad"}},
		languages:         []string{"en-US", "en-GB", "fr-FR", "de-DE", "ja-JP", "es-ES"},
		fallbackUA:        "Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1",
		webgl:             []webglPair{{"Apple Inc.", "Apple GPU"}},
	},
	PlatformAndroid: {
		resolutions: map[DeviceType][]resolution{
			DeviceMobile: {{412, 915}, {360, 800}, {393, 873}, {412, 892}, {384, 854}},
			DeviceTablet: {{800, 1280}, {1200, 1920}, {753, 1205}},
		},
		navigatorPlatform: map[DeviceType][]string{DeviceMobile: {"Linux armv8l", "Linux aarch64"}, DeviceTablet: {"Linux armv8l"}},
		languages:         []string{"en-US", "es-ES", "pt-BR", "hi-IN", "id-ID", "ru-RU"},
		fallbackUA:        "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Mobile Safari/537.36",
		webgl: []webglPair{
			{"Qualcomm", "Adreno (TM) 650"},
			{"Qualcomm", "Adreno (TM) 730"},
			{"ARM", "Mali-G78 MP14"},
		},
	},
	PlatformTV: {
		resolutions: map[DeviceType][]resolution{
			DeviceDesktop: {{1920, 1080}, {3840, 2160}, {1280, 720}},
		},
		navigatorPlatform: map[DeviceType][]string{DeviceDesktop: {"Linux armv7l"}},
		languages:         []string{"en-US", "en-GB", "de-DE", "fr-FR"},
		fallbackUA:        "Mozilla/5.0 (Linux; Android 11; BRAVIA 4K UR3) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/118.0.0.0 Safari/537.36",
		webgl:             []webglPair{{"ARM", "Mali-G52"}, {"ARM", "Mali-G31"}},
	},
}

// FallbackUserAgent 返回平台内置的兜底 UA。
func FallbackUserAgent(p Platform) string {
	return presets[p].fallbackUA
}

// CanonicalWidths 返回平台在某形态下的规范宽度, 供测试和校验使用。
func CanonicalWidths(p Platform, d DeviceType) []int {
	var out []int
	for _, r := range presets[p].resolutions[d] {
		out = append(out, r.Width)
	}
	return out
}

package identity

import (
	"crypto/rand"
	"encoding/hex"
	"io"
	"math"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"maskbrowser/internal/geo"
	"maskbrowser/internal/shared/logger"
)

// Screen 是屏幕相关的指纹属性。
type Screen struct {
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	ColorDepth int     `json:"colorDepth"`
	PixelRatio float64 `json:"pixelRatio"`
}

// Navigator 是 navigator 上被覆盖的属性。
type Navigator struct {
	HardwareConcurrency int      `json:"hardwareConcurrency"`
	DeviceMemory        int      `json:"deviceMemory"`
	Languages           []string `json:"languages"`
	Platform            string   `json:"platform"`
	MaxTouchPoints      int      `json:"maxTouchPoints"`
}

// WebGL 是 WebGL 厂商与渲染器字符串。
type WebGL struct {
	Vendor   string `json:"vendor"`
	Renderer string `json:"renderer"`
}

// Identity 是一个浏览器会话对外呈现的完整指纹。一旦生成即不可变。
type Identity struct {
	UserAgent  string     `json:"userAgent"`
	Platform   Platform   `json:"platform"`
	DeviceType DeviceType `json:"deviceType"`
	Screen     Screen     `json:"screen"`
	Navigator  Navigator  `json:"navigatorProps"`
	Timezone   string     `json:"timezone"`
	Locale     string     `json:"locale"`
	WebGL      WebGL      `json:"webgl"`
	CanvasSeed string     `json:"canvasSeed"`
	WebGLSeed  string     `json:"webglSeed"`
	AudioSeed  string     `json:"audioSeed"`
	// GeoIP 是身份生成时已知的出口 IP, 未知时为空。
	GeoIP string `json:"geoIp,omitempty"`
}

// Options 是生成身份时的提示。空值表示随机抽样。
type Options struct {
	Platform   Platform
	DeviceType DeviceType
	// Geo 通常来自 GeoResolver; 为 nil 时按 UTC 处理。
	Geo *geo.Record
}

// UAPool 提供按平台分组的真实 UA 字符串。
type UAPool interface {
	Get(platform string) []string
}

var (
	deviceMemoryChoices = []int{4, 8, 16, 32, 64}
	colorDepthChoices   = []int{24, 32}
)

const (
	seedBytes         = 16
	resolutionJitter  = 10
	minConcurrency    = 2
	maxConcurrency    = 16
	maxTouchPoints    = 10
	tabletProbability = 0.3
)

// Composer 根据平台预设、UA 池和地理记录生成自洽的身份。
type Composer struct {
	pool   UAPool
	logger zerolog.Logger

	mu    sync.Mutex
	rng   *mrand.Rand
	seeds io.Reader
}

// NewComposer 创建身份生成器。rng 为 nil 时使用基于当前时间的随机源; pool 可为 nil。
func NewComposer(pool UAPool, rng *mrand.Rand) *Composer {
	if rng == nil {
		rng = mrand.New(mrand.NewSource(time.Now().UnixNano()))
	}
	return &Composer{
		pool:   pool,
		rng:    rng,
		seeds:  rand.Reader,
		logger: logger.WithComponent("IdentityComposer"),
	}
}

// SetSeedReader 替换指纹种子的熵来源, 用于可重复的测试。
func (c *Composer) SetSeedReader(r io.Reader) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seeds = r
}

// Compose 生成一个新身份。提示不合法时会被纠正而不是报错。
func (c *Composer) Compose(opts Options) Identity {
	c.mu.Lock()
	defer c.mu.Unlock()

	platform := opts.Platform
	if _, ok := presets[platform]; !ok {
		platform = Platforms[c.rng.Intn(len(Platforms))]
	}

	device := c.deviceType(platform, opts.DeviceType)
	p := presets[platform]

	id := Identity{
		Platform:   platform,
		DeviceType: device,
		UserAgent:  c.userAgent(platform),
	}

	res := p.resolutions[device]
	r := res[c.rng.Intn(len(res))]
	id.Screen = Screen{
		Width:      r.Width + c.between(-resolutionJitter, resolutionJitter),
		Height:     r.Height + c.between(-resolutionJitter, resolutionJitter),
		ColorDepth: colorDepthChoices[c.rng.Intn(len(colorDepthChoices))],
	}
	if device == DeviceMobile {
		id.Screen.PixelRatio = c.uniform(1.5, 3.0)
	} else {
		id.Screen.PixelRatio = c.uniform(1.0, 2.0)
	}

	navs := p.navigatorPlatform[device]
	id.Navigator = Navigator{
		HardwareConcurrency: c.between(minConcurrency, maxConcurrency),
		DeviceMemory:        deviceMemoryChoices[c.rng.Intn(len(deviceMemoryChoices))],
		Platform:            navs[c.rng.Intn(len(navs))],
	}
	if device != DeviceDesktop {
		id.Navigator.MaxTouchPoints = c.between(1, maxTouchPoints)
	}

	id.Timezone = geo.FallbackTimezone
	if opts.Geo != nil {
		if opts.Geo.Timezone != "" {
			id.Timezone = opts.Geo.Timezone
		}
		id.GeoIP = opts.Geo.IP
	}
	locale, mapped := LocaleForTimezone(id.Timezone)
	id.Locale = locale

	primary := locale
	if !mapped {
		primary = p.languages[c.rng.Intn(len(p.languages))]
	}
	id.Navigator.Languages = c.languages(primary, p.languages)

	gl := p.webgl[c.rng.Intn(len(p.webgl))]
	id.WebGL = WebGL{Vendor: gl.Vendor, Renderer: gl.Renderer}

	id.CanvasSeed = c.seed()
	id.AudioSeed = c.seed()
	id.WebGLSeed = c.seed()

	c.logger.Debug().
		Str("platform", string(id.Platform)).
		Str("device", string(id.DeviceType)).
		Str("timezone", id.Timezone).
		Str("locale", id.Locale).
		Msg("Identity composed.")
	return id
}

// deviceType 按平台纠正设备类型提示: 桌面平台总是 desktop;
// ios/android 没有 desktop 预设, 未指定或指定 desktop 时按 0.7/0.3 抽样 mobile/tablet。
func (c *Composer) deviceType(platform Platform, hint DeviceType) DeviceType {
	if !platform.SupportsHandheld() {
		return DeviceDesktop
	}
	switch hint {
	case DeviceMobile, DeviceTablet:
		return hint
	}
	if c.rng.Float64() < tabletProbability {
		return DeviceTablet
	}
	return DeviceMobile
}

func (c *Composer) userAgent(platform Platform) string {
	if c.pool != nil {
		if uas := c.pool.Get(string(platform)); len(uas) > 0 {
			return uas[c.rng.Intn(len(uas))]
		}
	}
	return FallbackUserAgent(platform)
}

// languages 返回以 primary 开头、再追加 0 到 2 个不重复语言的列表。
func (c *Composer) languages(primary string, pool []string) []string {
	out := []string{primary}
	extra := c.rng.Intn(3)
	for _, i := range c.rng.Perm(len(pool)) {
		if len(out) > extra {
			break
		}
		if !contains(out, pool[i]) {
			out = append(out, pool[i])
		}
	}
	return out
}

// between 返回 [lo, hi] 闭区间内的均匀整数。
func (c *Composer) between(lo, hi int) int {
	return lo + c.rng.Intn(hi-lo+1)
}

func (c *Composer) uniform(lo, hi float64) float64 {
	v := lo + c.rng.Float64()*(hi-lo)
	return math.Round(v*100) / 100
}

func (c *Composer) seed() string {
	b := make([]byte, seedBytes)
	if _, err := io.ReadFull(c.seeds, b); err != nil {
		// 熵源失效时退回伪随机源
		c.rng.Read(b)
	}
	return hex.EncodeToString(b)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

package injection

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"

	"maskbrowser/internal/identity"
)

//go:embed overrides.js
var overridesJS string

const configPlaceholder = "__MASK_CONFIG__"

// 注入来源, 写入 window.__maskIdentity.source。
const (
	SourceInitScript = "init-script"
	SourceRetry      = "retry"
	SourceDOMReady   = "dom-ready"
	SourceLoad       = "load"
)

// VerifyExpression 在页面中读取校验对象, 未注入时返回 null。
const VerifyExpression = `(function () {
  var m = window.__maskIdentity;
  return m ? { timezone: m.timezone, applied: m.applied, timestamp: m.timestamp, source: m.source, originalTimezone: m.originalTimezone } : null;
})()`

// Marker 是页面中 window.__maskIdentity 的 Go 表示。
type Marker struct {
	Timezone         string  `json:"timezone"`
	Applied          bool    `json:"applied"`
	Timestamp        float64 `json:"timestamp"`
	Source           string  `json:"source"`
	OriginalTimezone string  `json:"originalTimezone"`
}

type scriptScreen struct {
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	AvailWidth  int     `json:"availWidth"`
	AvailHeight int     `json:"availHeight"`
	ColorDepth  int     `json:"colorDepth"`
	PixelRatio  float64 `json:"pixelRatio"`
}

type scriptConfig struct {
	Timezone   string             `json:"timezone"`
	Locale     string             `json:"locale"`
	UserAgent  string             `json:"userAgent"`
	Navigator  identity.Navigator `json:"navigator"`
	Screen     scriptScreen       `json:"screen"`
	WebGL      identity.WebGL     `json:"webgl"`
	CanvasSeed string             `json:"canvasSeed"`
	WebGLSeed  string             `json:"webglSeed"`
	AudioSeed  string             `json:"audioSeed"`
	Offsets    [][2]int64         `json:"offsets"`
	Source     string             `json:"source"`
}

// taskbarHeight 是桌面系统任务栏占用的高度。
const taskbarHeight = 40

// offsetWindow 是预计算时区偏移表覆盖的时间范围 (相对 now 前后各两年)。
const offsetWindow = 2 * 366 * 24 * time.Hour

// Renderer 把身份渲染为可注入的脚本。
type Renderer struct {
	now func() time.Time
}

func NewRenderer() *Renderer {
	return &Renderer{now: time.Now}
}

// Render 渲染覆盖脚本并用 goja 做一次语法检查。
func (r *Renderer) Render(id identity.Identity, source string) (string, error) {
	cfg := scriptConfig{
		Timezone:   id.Timezone,
		Locale:     id.Locale,
		UserAgent:  id.UserAgent,
		Navigator:  id.Navigator,
		WebGL:      id.WebGL,
		CanvasSeed: id.CanvasSeed,
		WebGLSeed:  id.WebGLSeed,
		AudioSeed:  id.AudioSeed,
		Source:     source,
		Screen: scriptScreen{
			Width:       id.Screen.Width,
			Height:      id.Screen.Height,
			AvailWidth:  id.Screen.Width,
			AvailHeight: id.Screen.Height,
			ColorDepth:  id.Screen.ColorDepth,
			PixelRatio:  id.Screen.PixelRatio,
		},
	}
	if id.DeviceType == identity.DeviceDesktop {
		cfg.Screen.AvailHeight -= taskbarHeight
	}
	if len(cfg.Navigator.Languages) == 0 {
		cfg.Navigator.Languages = []string{id.Locale}
	}

	loc, err := time.LoadLocation(id.Timezone)
	if err != nil {
		return "", fmt.Errorf("render overrides: invalid timezone %q: %w", id.Timezone, err)
	}
	now := r.now()
	cfg.Offsets = offsetTransitions(loc, now.Add(-offsetWindow), now.Add(offsetWindow))

	data, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("render overrides: %w", err)
	}
	script := strings.Replace(overridesJS, configPlaceholder, string(data), 1)
	if _, err := goja.Compile("overrides.js", script, false); err != nil {
		return "", fmt.Errorf("render overrides: %w", err)
	}
	return script, nil
}

// offsetTransitions 返回 [from, to] 内的时区偏移表, 每项为 {生效时刻毫秒, getTimezoneOffset 分钟}。
func offsetTransitions(loc *time.Location, from, to time.Time) [][2]int64 {
	t := from.In(loc)
	_, off := t.Zone()
	out := [][2]int64{{from.UnixMilli(), int64(-off / 60)}}
	for t.Before(to) {
		_, end := t.ZoneBounds()
		if end.IsZero() || !end.After(t) {
			break
		}
		t = end.In(loc)
		_, off = t.Zone()
		out = append(out, [2]int64{t.UnixMilli(), int64(-off / 60)})
	}
	return out
}

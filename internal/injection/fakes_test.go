package injection

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/require"

	"maskbrowser/internal/identity"
)

// browserPrelude 在 goja 中搭一个最小的浏览器环境, 原生属性都放在原型上。
const browserPrelude = `
var window = this;

function Navigator() {}
(function () {
  var host = { platform: 'HostOS', languages: ['xx-XX'], language: 'xx-XX', hardwareConcurrency: 1,
               deviceMemory: 1, maxTouchPoints: 0, userAgent: 'HostUA/1.0' };
  Object.keys(host).forEach(function (k) {
    Object.defineProperty(Navigator.prototype, k, { get: function () { return host[k]; }, configurable: true });
  });
})();
var navigator = new Navigator();

function Screen() {}
(function () {
  var host = { width: 800, height: 600, availWidth: 800, availHeight: 600, colorDepth: 8, pixelDepth: 8 };
  Object.keys(host).forEach(function (k) {
    Object.defineProperty(Screen.prototype, k, { get: function () { return host[k]; }, configurable: true });
  });
})();
var screen = new Screen();
this.devicePixelRatio = 1;

function CanvasRenderingContext2D(canvas) {
  this.canvas = canvas;
  this.pixels = new Uint8ClampedArray(canvas.width * canvas.height * 4);
}
CanvasRenderingContext2D.prototype.fill = function (r, g, b, a) {
  for (var i = 0; i < this.pixels.length; i += 4) {
    this.pixels[i] = r; this.pixels[i + 1] = g; this.pixels[i + 2] = b; this.pixels[i + 3] = a;
  }
};
CanvasRenderingContext2D.prototype.getImageData = function (x, y, w, h) {
  var out = new Uint8ClampedArray(w * h * 4);
  var cw = this.canvas.width;
  for (var row = 0; row < h; row++) {
    for (var col = 0; col < w * 4; col++) {
      out[row * w * 4 + col] = this.pixels[((y + row) * cw + x) * 4 + col];
    }
  }
  return { width: w, height: h, data: out };
};
CanvasRenderingContext2D.prototype.putImageData = function (img, x, y) {
  var cw = this.canvas.width;
  for (var row = 0; row < img.height; row++) {
    for (var col = 0; col < img.width * 4; col++) {
      this.pixels[((y + row) * cw + x) * 4 + col] = img.data[row * img.width * 4 + col];
    }
  }
};

// 与浏览器一致: 画布第一次取到的上下文类型固定下来, 之后取别的类型返回 null。
function HTMLCanvasElement(w, h) { this.width = w; this.height = h; this._ctx = null; this._kind = null; }
HTMLCanvasElement.prototype.getContext = function (kind) {
  if (this._kind) { return this._kind === kind ? this._ctx : null; }
  if (kind === '2d') { this._ctx = new CanvasRenderingContext2D(this); }
  else if (kind === 'webgl') { this._ctx = new WebGLRenderingContext(); }
  else { return null; }
  this._kind = kind;
  return this._ctx;
};
HTMLCanvasElement.prototype.toDataURL = function () {
  var head = 'data:image/fake;' + this.width + 'x' + this.height + ',';
  if (this._kind !== '2d') { return head + 'blank'; }
  return head + Array.prototype.join.call(this._ctx.pixels, '.');
};

function WebGLRenderingContext() {}
WebGLRenderingContext.prototype.getParameter = function (p) { return 'native-' + p; };
WebGLRenderingContext.prototype.readPixels = function (x, y, w, h, format, type, px) {
  for (var i = 0; i < px.length; i++) { px[i] = i % 4 === 3 ? 255 : 128; }
};

function AudioBuffer(n) {
  this._data = new Float32Array(n);
  for (var i = 0; i < n; i++) { this._data[i] = 0.5; }
}
AudioBuffer.prototype.getChannelData = function () { return this._data; };
`

// intlPrelude 用 Go 的时区库实现一个最小的 Intl.DateTimeFormat。宿主时区固定为 Asia/Dubai。
const intlPrelude = `
var Intl = {
  DateTimeFormat: function (locales, options) {
    var tz = (options && options.timeZone) || 'Asia/Dubai';
    return {
      resolvedOptions: function () { return { timeZone: tz, locale: locales || 'en-US' }; },
      formatToParts: function (d) { return JSON.parse(__goFormatParts(tz, d.getTime())); }
    };
  }
};
`

func goFormatParts(tz string, ms int64) string {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		panic(err)
	}
	t := time.UnixMilli(ms).In(loc)
	parts := []map[string]string{
		{"type": "month", "value": strconv.Itoa(int(t.Month()))},
		{"type": "literal", "value": "/"},
		{"type": "day", "value": strconv.Itoa(t.Day())},
		{"type": "literal", "value": "/"},
		{"type": "year", "value": strconv.Itoa(t.Year())},
		{"type": "literal", "value": ", "},
		{"type": "hour", "value": fmt.Sprintf("%02d", t.Hour())},
		{"type": "literal", "value": ":"},
		{"type": "minute", "value": fmt.Sprintf("%02d", t.Minute())},
		{"type": "literal", "value": ":"},
		{"type": "second", "value": fmt.Sprintf("%02d", t.Second())},
	}
	data, _ := json.Marshal(parts)
	return string(data)
}

// gojaPage 用 goja 模拟一个页面: 每次导航创建新的全局环境, 先执行 init 脚本再执行页面脚本。
type gojaPage struct {
	withIntl bool

	mu          sync.Mutex
	vm          *goja.Runtime
	initScripts []string
	hooks       map[LifecycleEvent][]func()
	evalErr     error
	evaluations int
}

func newGojaPage(t *testing.T, withIntl bool) *gojaPage {
	t.Helper()
	p := &gojaPage{withIntl: withIntl, hooks: make(map[LifecycleEvent][]func())}
	vm, err := p.newDocument()
	require.NoError(t, err)
	p.vm = vm
	return p
}

func (p *gojaPage) newDocument() (*goja.Runtime, error) {
	vm := goja.New()
	if _, err := vm.RunString(browserPrelude); err != nil {
		return nil, err
	}
	if p.withIntl {
		if err := vm.Set("__goFormatParts", goFormatParts); err != nil {
			return nil, err
		}
		if _, err := vm.RunString(intlPrelude); err != nil {
			return nil, err
		}
	}
	return vm, nil
}

func (p *gojaPage) AddInitScript(_ context.Context, script string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initScripts = append(p.initScripts, script)
	return nil
}

func (p *gojaPage) Evaluate(_ context.Context, js string) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evaluations++
	if p.evalErr != nil {
		return nil, p.evalErr
	}
	return exportJSON(p.vm, js)
}

func (p *gojaPage) OnLifecycle(event LifecycleEvent, fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks[event] = append(p.hooks[event], fn)
}

// Navigate 创建新文档, 运行 init 脚本和 pageScript, 返回页面脚本的结果, 然后触发生命周期事件。
func (p *gojaPage) Navigate(pageScript string) (json.RawMessage, error) {
	p.mu.Lock()
	vm, err := p.newDocument()
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	for _, s := range p.initScripts {
		if _, err := vm.RunString(s); err != nil {
			p.mu.Unlock()
			return nil, err
		}
	}
	p.vm = vm
	out, err := exportJSON(vm, pageScript)
	hooks := append(append([]func(){}, p.hooks[EventDOMContentLoaded]...), p.hooks[EventLoad]...)
	p.mu.Unlock()

	for _, h := range hooks {
		h()
	}
	return out, err
}

func exportJSON(vm *goja.Runtime, js string) (json.RawMessage, error) {
	v, err := vm.RunString(js)
	if err != nil {
		return nil, err
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return json.RawMessage("null"), nil
	}
	return json.Marshal(v.Export())
}

func evalJS(t *testing.T, p *gojaPage, js string) interface{} {
	t.Helper()
	raw, err := p.Evaluate(context.Background(), js)
	require.NoError(t, err)
	var out interface{}
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func testIdentity(tz string) identity.Identity {
	return identity.Identity{
		UserAgent:  "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		Platform:   identity.PlatformWindows,
		DeviceType: identity.DeviceDesktop,
		Screen:     identity.Screen{Width: 1926, Height: 1075, ColorDepth: 24, PixelRatio: 1.25},
		Navigator: identity.Navigator{
			HardwareConcurrency: 8,
			DeviceMemory:        16,
			Languages:           []string{"en-GB", "de-DE"},
			Platform:            "Win32",
		},
		Timezone:   tz,
		Locale:     "en-GB",
		WebGL:      identity.WebGL{Vendor: "Google Inc. (NVIDIA)", Renderer: "ANGLE (NVIDIA, NVIDIA GeForce GTX 1650 Direct3D11 vs_5_0 ps_5_0, D3D11)"},
		CanvasSeed: "00112233445566778899aabbccddeeff",
		WebGLSeed:  "ffeeddccbbaa99887766554433221100",
		AudioSeed:  "0f1e2d3c4b5a69788796a5b4c3d2e1f0",
	}
}

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestRenderer() *Renderer {
	return &Renderer{now: func() time.Time { return fixedNow }}
}

func mustRender(t *testing.T, id identity.Identity, source string) string {
	t.Helper()
	script, err := newTestRenderer().Render(id, source)
	require.NoError(t, err)
	return script
}

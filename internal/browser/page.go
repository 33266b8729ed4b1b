package browser

import (
	"context"
	"errors"
	"time"

	"maskbrowser/internal/identity"
	"maskbrowser/internal/injection"
)

// ErrElementNotFound 表示选择器在超时前没有匹配到元素。
var ErrElementNotFound = errors.New("element not found")

// 导航完成的判定条件。
const (
	WaitLoad             = "load"
	WaitDOMContentLoaded = "domcontentloaded"
	WaitNetworkIdle      = "networkidle"
)

// Point 是视口坐标。
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Box 是元素在视口中的矩形。
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (b Box) Center() Point {
	return Point{X: b.X + b.Width/2, Y: b.Y + b.Height/2}
}

// ScreenshotOptions 控制截图范围。Selector 非空时只截取该元素。
type ScreenshotOptions struct {
	FullPage bool
	Selector string
}

// Page 是自动化引擎驱动一个浏览器页面所需的全部能力。
// 实现不依赖具体引擎, go-rod 只是其中一种。
type Page interface {
	injection.Target

	Navigate(ctx context.Context, url, waitUntil string) error
	WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error
	Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error)
	Click(ctx context.Context, selector string, button string, clickCount int) error
	Hover(ctx context.Context, selector string) error
	MouseMove(ctx context.Context, x, y float64) error
	MouseClick(ctx context.Context, x, y float64, button string, clickCount int) error
	Type(ctx context.Context, selector, text string, delay time.Duration) error
	Clear(ctx context.Context, selector string) error
	KeyPress(ctx context.Context, key string) error
	Scroll(ctx context.Context, dx, dy float64) error
	HTML(ctx context.Context) (string, error)
	URL() string
	ElementBox(ctx context.Context, selector string) (Box, error)
	Close() error
}

// LaunchOptions 描述一次浏览器启动。
type LaunchOptions struct {
	ProfileID   string
	Headless    bool
	UserDataDir string
	// ProxyURL 是本地隧道地址, 例如 socks5://127.0.0.1:41000。为空时直连。
	ProxyURL string
	Identity identity.Identity
}

// Session 是一个已启动的浏览器实例和它的主页面。
type Session interface {
	Page() Page
	Close() error
}

// Launcher 启动浏览器会话。
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Session, error)
}

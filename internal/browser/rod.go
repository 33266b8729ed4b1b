package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog"

	"maskbrowser/internal/identity"
	"maskbrowser/internal/injection"
	"maskbrowser/internal/shared/logger"
	"maskbrowser/internal/shared/types"
)

// RodLauncher 使用 go-rod 启动 Chromium。
type RodLauncher struct {
	conf   types.BrowserConf
	logger zerolog.Logger
}

func NewRodLauncher(conf types.BrowserConf) *RodLauncher {
	return &RodLauncher{conf: conf, logger: logger.WithComponent("Browser")}
}

// Launch 启动一个经本地隧道出网的浏览器, 在返回前完成引擎层仿真。
// 身份脚本由注入管线另行安装。
func (l *RodLauncher) Launch(ctx context.Context, opts LaunchOptions) (Session, error) {
	id := opts.Identity
	bin := l.conf.Bin
	if bin == "" {
		if path, found := launcher.LookPath(); found {
			bin = path
		}
	}

	dataDir := opts.UserDataDir
	if dataDir == "" && l.conf.UserDataRoot != "" && opts.ProfileID != "" {
		dataDir = filepath.Join(l.conf.UserDataRoot, opts.ProfileID)
	}

	lc := launcher.New().
		Headless(opts.Headless || l.conf.Headless).
		Set("disable-blink-features", "AutomationControlled").
		Set("force-webrtc-ip-handling-policy", "disable_non_proxied_udp")
	if id.Locale != "" {
		lc = lc.Set("lang", id.Locale)
	}
	if bin != "" {
		lc = lc.Bin(bin)
	}
	if id.Screen.Width > 0 && id.Screen.Height > 0 {
		lc = lc.Set("window-size", fmt.Sprintf("%d,%d", id.Screen.Width, id.Screen.Height))
	}
	if opts.ProxyURL != "" {
		lc = lc.Proxy(opts.ProxyURL)
	}
	if dataDir != "" {
		lc = lc.UserDataDir(dataDir)
	}
	if os.Geteuid() == 0 {
		lc = lc.NoSandbox(true)
	}

	wsURL, err := lc.Context(ctx).Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		lc.Kill()
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	page, err := stealth.Page(b)
	if err != nil {
		_ = b.Close()
		lc.Kill()
		return nil, fmt.Errorf("open stealth page: %w", err)
	}

	if err := Emulate(page, id); err != nil {
		// 引擎层仿真失败时仍可依赖脚本覆盖
		l.logger.Warn().Err(err).Str("profile_id", opts.ProfileID).Msg("Engine emulation incomplete.")
	}

	l.logger.Info().
		Str("profile_id", opts.ProfileID).
		Str("proxy", opts.ProxyURL).
		Bool("headless", opts.Headless || l.conf.Headless).
		Msg("Browser launched.")

	return &rodSession{launcher: lc, browser: b, page: newRodPage(page, l.logger)}, nil
}

type rodSession struct {
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *RodPage

	closeOnce sync.Once
	closeErr  error
}

func (s *rodSession) Page() Page { return s.page }

func (s *rodSession) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.browser.Close()
		s.launcher.Kill()
		s.launcher.Cleanup()
	})
	return s.closeErr
}

// Emulate 在引擎层设置时区、UA、语言和视口, 与注入脚本的覆盖保持一致。
func Emulate(page *rod.Page, id identity.Identity) error {
	var errs []error
	if id.Timezone != "" {
		if err := (proto.EmulationSetTimezoneOverride{TimezoneID: id.Timezone}).Call(page); err != nil {
			errs = append(errs, fmt.Errorf("timezone: %w", err))
		}
	}
	if id.Locale != "" {
		if err := (proto.EmulationSetLocaleOverride{Locale: id.Locale}).Call(page); err != nil {
			errs = append(errs, fmt.Errorf("locale: %w", err))
		}
	}
	if id.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
			UserAgent:         id.UserAgent,
			AcceptLanguage:    AcceptLanguage(id.Navigator.Languages),
			Platform:          id.Navigator.Platform,
			UserAgentMetadata: UserAgentMetadata(id),
		}); err != nil {
			errs = append(errs, fmt.Errorf("user agent: %w", err))
		}
	}
	if w, h := Viewport(id); w > 0 && h > 0 {
		if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             w,
			Height:            h,
			DeviceScaleFactor: id.Screen.PixelRatio,
			Mobile:            id.DeviceType != identity.DeviceDesktop,
		}); err != nil {
			errs = append(errs, fmt.Errorf("viewport: %w", err))
		}
	}
	return errors.Join(errs...)
}

// RodPage 用 go-rod 实现 Page。
type RodPage struct {
	page   *rod.Page
	logger zerolog.Logger
}

func newRodPage(p *rod.Page, l zerolog.Logger) *RodPage {
	return &RodPage{page: p, logger: l}
}

func (p *RodPage) AddInitScript(ctx context.Context, script string) error {
	_, err := p.page.Context(ctx).EvalOnNewDocument(script)
	return err
}

// Evaluate 在页面全局作用域执行任意脚本并按值返回结果。
func (p *RodPage) Evaluate(ctx context.Context, js string) (json.RawMessage, error) {
	res, err := proto.RuntimeEvaluate{
		Expression:    js,
		ReturnByValue: true,
		AwaitPromise:  true,
	}.Call(p.page.Context(ctx))
	if err != nil {
		return nil, err
	}
	if ex := res.ExceptionDetails; ex != nil {
		msg := ex.Text
		if ex.Exception != nil && ex.Exception.Description != "" {
			msg = ex.Exception.Description
		}
		return nil, fmt.Errorf("script exception: %s", msg)
	}
	if res.Result == nil {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(res.Result.Value.JSON("", "")), nil
}

func (p *RodPage) OnLifecycle(event injection.LifecycleEvent, fn func()) {
	var wait func()
	switch event {
	case injection.EventDOMContentLoaded:
		wait = p.page.EachEvent(func(*proto.PageDomContentEventFired) { fn() })
	case injection.EventLoad:
		wait = p.page.EachEvent(func(*proto.PageLoadEventFired) { fn() })
	default:
		return
	}
	go wait()
}

func (p *RodPage) Navigate(ctx context.Context, url, waitUntil string) error {
	page := p.page.Context(ctx)
	var wait func()
	switch waitUntil {
	case WaitDOMContentLoaded:
		wait = page.WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)
	case WaitNetworkIdle:
		wait = page.WaitNavigation(proto.PageLifecycleEventNameNetworkIdle)
	}
	if err := page.Navigate(url); err != nil {
		return err
	}
	if wait != nil {
		wait()
		return ctx.Err()
	}
	return page.WaitLoad()
}

func (p *RodPage) element(ctx context.Context, selector string) (*rod.Element, error) {
	el, err := p.page.Context(ctx).Element(selector)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s", ErrElementNotFound, selector)
		}
		return nil, err
	}
	return el, nil
}

func (p *RodPage) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	_, err := p.element(ctx, selector)
	return err
}

func (p *RodPage) Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error) {
	if opts.Selector != "" {
		el, err := p.element(ctx, opts.Selector)
		if err != nil {
			return nil, err
		}
		return el.Screenshot(proto.PageCaptureScreenshotFormatPng, 0)
	}
	return p.page.Context(ctx).Screenshot(opts.FullPage, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
}

func (p *RodPage) Click(ctx context.Context, selector string, button string, clickCount int) error {
	el, err := p.element(ctx, selector)
	if err != nil {
		return err
	}
	return el.Click(mouseButton(button), max(clickCount, 1))
}

func (p *RodPage) Hover(ctx context.Context, selector string) error {
	el, err := p.element(ctx, selector)
	if err != nil {
		return err
	}
	return el.Hover()
}

func (p *RodPage) MouseMove(ctx context.Context, x, y float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.page.Mouse.MoveLinear(proto.NewPoint(x, y), 1)
}

func (p *RodPage) MouseClick(ctx context.Context, x, y float64, button string, clickCount int) error {
	if err := p.MouseMove(ctx, x, y); err != nil {
		return err
	}
	return p.page.Mouse.Click(mouseButton(button), max(clickCount, 1))
}

func (p *RodPage) Type(ctx context.Context, selector, text string, delay time.Duration) error {
	el, err := p.element(ctx, selector)
	if err != nil {
		return err
	}
	if delay <= 0 {
		return el.Input(text)
	}
	if err := el.Focus(); err != nil {
		return err
	}
	for _, r := range text {
		if err := p.page.InsertText(string(r)); err != nil {
			return err
		}
		if err := sleepCtx(ctx, delay); err != nil {
			return err
		}
	}
	return nil
}

func (p *RodPage) Clear(ctx context.Context, selector string) error {
	el, err := p.element(ctx, selector)
	if err != nil {
		return err
	}
	_, err = el.Eval(`function () {
		this.value = '';
		this.dispatchEvent(new Event('input', { bubbles: true }));
	}`)
	return err
}

func (p *RodPage) KeyPress(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if k, ok := namedKeys[key]; ok {
		return p.page.Keyboard.Type(k)
	}
	if r := []rune(key); len(r) == 1 && r[0] >= 0x20 && r[0] < 0x7f {
		return p.page.Keyboard.Type(input.Key(r[0]))
	}
	return p.page.InsertText(key)
}

func (p *RodPage) Scroll(ctx context.Context, dx, dy float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.page.Mouse.Scroll(dx, dy, 4)
}

func (p *RodPage) HTML(ctx context.Context) (string, error) {
	return p.page.Context(ctx).HTML()
}

func (p *RodPage) URL() string {
	info, err := p.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

func (p *RodPage) ElementBox(ctx context.Context, selector string) (Box, error) {
	el, err := p.element(ctx, selector)
	if err != nil {
		return Box{}, err
	}
	if err := el.ScrollIntoView(); err != nil {
		return Box{}, err
	}
	shape, err := el.Shape()
	if err != nil {
		return Box{}, err
	}
	r := shape.Box()
	if r == nil {
		return Box{}, fmt.Errorf("%w: %s has no layout box", ErrElementNotFound, selector)
	}
	return Box{X: r.X, Y: r.Y, Width: r.Width, Height: r.Height}, nil
}

func (p *RodPage) Close() error {
	return p.page.Close()
}

func mouseButton(name string) proto.InputMouseButton {
	switch name {
	case "right":
		return proto.InputMouseButtonRight
	case "middle":
		return proto.InputMouseButtonMiddle
	default:
		return proto.InputMouseButtonLeft
	}
}

var namedKeys = map[string]input.Key{
	"Enter":      input.Enter,
	"Tab":        input.Tab,
	"Escape":     input.Escape,
	"Backspace":  input.Backspace,
	"Delete":     input.Delete,
	"Space":      input.Space,
	"ArrowUp":    input.ArrowUp,
	"ArrowDown":  input.ArrowDown,
	"ArrowLeft":  input.ArrowLeft,
	"ArrowRight": input.ArrowRight,
	"Home":       input.Home,
	"End":        input.End,
	"PageUp":     input.PageUp,
	"PageDown":   input.PageDown,
}

package rpa

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"maskbrowser/internal/browser"
	"maskbrowser/internal/injection"
)

// fakePage 记录收到的操作; missing 中的选择器总是失败, flaky 中的选择器先失败指定次数。
type fakePage struct {
	mu      sync.Mutex
	url     string
	html    string
	calls   []string
	missing map[string]bool
	flaky   map[string]int
	eval    func(js string) (json.RawMessage, error)
	onCall  func(call string)
}

func newFakePage() *fakePage {
	return &fakePage{missing: map[string]bool{}, flaky: map[string]int{}, url: "about:blank"}
}

func (p *fakePage) record(call string) {
	p.mu.Lock()
	p.calls = append(p.calls, call)
	hook := p.onCall
	p.mu.Unlock()
	if hook != nil {
		hook(call)
	}
}

func (p *fakePage) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakePage) check(selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.missing[selector] {
		return fmt.Errorf("%w: %s", browser.ErrElementNotFound, selector)
	}
	if n := p.flaky[selector]; n > 0 {
		p.flaky[selector] = n - 1
		return fmt.Errorf("%w: %s (flaky)", browser.ErrElementNotFound, selector)
	}
	return nil
}

func (p *fakePage) AddInitScript(context.Context, string) error { return nil }

func (p *fakePage) Evaluate(ctx context.Context, js string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.record("eval:" + js)
	if p.eval != nil {
		return p.eval(js)
	}
	return json.RawMessage("null"), nil
}

func (p *fakePage) OnLifecycle(injection.LifecycleEvent, func()) {}

func (p *fakePage) Navigate(ctx context.Context, url, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.record("navigate:" + url)
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
	return nil
}

func (p *fakePage) WaitForSelector(ctx context.Context, selector string, _ time.Duration) error {
	p.record("wait:" + selector)
	return p.check(selector)
}

func (p *fakePage) Screenshot(context.Context, browser.ScreenshotOptions) ([]byte, error) {
	p.record("screenshot")
	return []byte("\x89PNG"), nil
}

func (p *fakePage) Click(ctx context.Context, selector, _ string, _ int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.record("click:" + selector)
	return p.check(selector)
}

func (p *fakePage) Hover(_ context.Context, selector string) error {
	p.record("hover:" + selector)
	return p.check(selector)
}

func (p *fakePage) MouseMove(ctx context.Context, x, y float64) error {
	return ctx.Err()
}

func (p *fakePage) MouseClick(_ context.Context, x, y float64, _ string, _ int) error {
	p.record(fmt.Sprintf("mouseclick:%.0f,%.0f", x, y))
	return nil
}

func (p *fakePage) Type(_ context.Context, selector, text string, _ time.Duration) error {
	p.record("type:" + selector + "=" + text)
	return p.check(selector)
}

func (p *fakePage) Clear(_ context.Context, selector string) error {
	p.record("clear:" + selector)
	return p.check(selector)
}

func (p *fakePage) KeyPress(_ context.Context, key string) error {
	p.record("key:" + key)
	return nil
}

func (p *fakePage) Scroll(_ context.Context, dx, dy float64) error {
	p.record(fmt.Sprintf("scroll:%.0f,%.0f", dx, dy))
	return nil
}

func (p *fakePage) HTML(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.html, nil
}

func (p *fakePage) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *fakePage) ElementBox(_ context.Context, selector string) (browser.Box, error) {
	if err := p.check(selector); err != nil {
		return browser.Box{}, err
	}
	return browser.Box{X: 100, Y: 100, Width: 50, Height: 20}, nil
}

func (p *fakePage) Close() error { return nil }

func callsWithPrefix(calls []string, prefix string) []string {
	var out []string
	for _, c := range calls {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// step 构造测试用步骤。
func step(id string, t StepType, config string) Step {
	s := Step{ID: id, Type: t}
	if config != "" {
		s.Config = json.RawMessage(config)
	}
	return s
}

func withPolicy(s Step, p OnError) Step {
	s.OnError = p
	return s
}

type fakeSessions struct {
	mu      sync.Mutex
	targets map[string]Target
}

func (f *fakeSessions) Target(profileID string) (Target, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, found := f.targets[profileID]
	return t, found
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) types(jobID string) []EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []EventType
	for _, ev := range s.events {
		if ev.JobID == jobID {
			out = append(out, ev.Type)
		}
	}
	return out
}

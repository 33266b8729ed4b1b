package injection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"maskbrowser/internal/identity"
	"maskbrowser/internal/shared/logger"
	"maskbrowser/internal/shared/settings"
	"maskbrowser/internal/shared/types"
)

// ErrIncomplete 表示所有尝试结束后仍无法确认身份已注入。会话继续运行, 但处于未伪装状态。
var ErrIncomplete = errors.New("identity injection incomplete")

// LifecycleEvent 是页面生命周期事件。
type LifecycleEvent string

const (
	EventDOMContentLoaded LifecycleEvent = "DOMContentLoaded"
	EventLoad             LifecycleEvent = "load"
)

// Target 是注入所需的浏览器能力。
type Target interface {
	// AddInitScript 注册在每个新文档任何页面脚本之前执行的脚本。
	AddInitScript(ctx context.Context, script string) error
	Evaluate(ctx context.Context, js string) (json.RawMessage, error)
	OnLifecycle(event LifecycleEvent, fn func())
}

// Future 承载一个可能尚未生成的身份 (GeoResolver 仍在查询时)。
type Future struct {
	once sync.Once
	done chan struct{}
	id   identity.Identity
}

func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolved 返回一个已就绪的 Future。
func Resolved(id identity.Identity) *Future {
	f := NewFuture()
	f.Resolve(id)
	return f
}

// Resolve 设置身份, 只有第一次调用生效。
func (f *Future) Resolve(id identity.Identity) {
	f.once.Do(func() {
		f.id = id
		close(f.done)
	})
}

func (f *Future) Done() <-chan struct{} { return f.done }

// Get 在身份就绪时返回它。
func (f *Future) Get() (identity.Identity, bool) {
	select {
	case <-f.done:
		return f.id, true
	default:
		return identity.Identity{}, false
	}
}

// Options 控制重试节奏。
type Options struct {
	RetryInterval time.Duration
	MaxAttempts   int
}

// OptionsFromConfig 将 ini 配置转换为 Options。
func OptionsFromConfig(c types.InjectionConf) Options {
	return Options{
		RetryInterval: time.Duration(c.RetryIntervalMs) * time.Millisecond,
		MaxAttempts:   c.MaxAttempts,
	}
}

func (o Options) withDefaults() Options {
	if o.RetryInterval <= 0 {
		o.RetryInterval = 100 * time.Millisecond
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 50
	}
	return o
}

// Report 是一次安装的结果。
type Report struct {
	Applied  bool    `json:"applied"`
	Attempts int     `json:"attempts"`
	Source   string  `json:"source,omitempty"`
	Marker   *Marker `json:"marker,omitempty"`
	Err      error   `json:"-"`
}

// Pipeline 把身份注入浏览器上下文。进程内共享, 每个会话调用一次 Install。
type Pipeline struct {
	renderer *Renderer
	logger   zerolog.Logger

	mu   sync.RWMutex
	opts Options
}

func NewPipeline(opts Options) *Pipeline {
	return &Pipeline{
		renderer: NewRenderer(),
		opts:     opts.withDefaults(),
		logger:   logger.WithComponent("Injection"),
	}
}

func (p *Pipeline) options() Options {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.opts
}

// Render 渲染身份脚本, 供需要直接使用脚本的调用方 (例如导出调试)。
func (p *Pipeline) Render(id identity.Identity, source string) (string, error) {
	return p.renderer.Render(id, source)
}

// OnSettingsUpdate 实现 settings.ConfigurableModule。只影响之后的安装。
func (p *Pipeline) OnSettingsUpdate(moduleKey string, newSettings interface{}) error {
	s, ok := newSettings.(*settings.InjectionSettings)
	if !ok {
		return fmt.Errorf("injection pipeline: unexpected settings type %T for %s", newSettings, moduleKey)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opts = Options{
		RetryInterval: time.Duration(s.RetryIntervalMs) * time.Millisecond,
		MaxAttempts:   s.MaxAttempts,
	}.withDefaults()
	p.logger.Info().Dur("interval", p.opts.RetryInterval).Int("max_attempts", p.opts.MaxAttempts).Msg("Injection retry policy updated.")
	return nil
}

// Install 在后台开始注入并立即返回。返回的 Installation 在注入成功或重试耗尽时就绪。
func (p *Pipeline) Install(ctx context.Context, future *Future, target Target) *Installation {
	inst := &Installation{
		pipeline: p,
		future:   future,
		target:   target,
		opts:     p.options(),
		done:     make(chan struct{}),
		triggers: make(chan string, 4),
	}
	target.OnLifecycle(EventDOMContentLoaded, func() { inst.trigger(SourceDOMReady) })
	target.OnLifecycle(EventLoad, func() { inst.trigger(SourceLoad) })
	go inst.run(ctx)
	return inst
}

// Verify 读取页面中的校验对象。导航后可再次调用以确认新文档也已注入。
func (p *Pipeline) Verify(ctx context.Context, target Target) (Marker, error) {
	raw, err := target.Evaluate(ctx, VerifyExpression)
	if err != nil {
		return Marker{}, err
	}
	var m *Marker
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &m); err != nil {
			return Marker{}, fmt.Errorf("decode injection marker: %w", err)
		}
	}
	if m == nil || !m.Applied {
		return Marker{}, ErrIncomplete
	}
	return *m, nil
}

// Installation 是一个会话的注入过程。
type Installation struct {
	pipeline *Pipeline
	future   *Future
	target   Target
	opts     Options

	// attemptMu 串行化注入尝试, 不在持有 mu 时做 I/O
	attemptMu sync.Mutex
	initAdded bool

	mu       sync.Mutex
	applied  bool
	finished bool
	report   Report
	done     chan struct{}
	triggers chan string
	lateCtx  context.Context
}

// Done 在注入完成或重试耗尽时关闭。
func (i *Installation) Done() <-chan struct{} { return i.done }

// Wait 等待就绪信号并返回报告。未注入成功时报告中的 Err 为 ErrIncomplete。
func (i *Installation) Wait(ctx context.Context) (Report, error) {
	select {
	case <-i.done:
		return i.Report(), nil
	case <-ctx.Done():
		return Report{}, ctx.Err()
	}
}

// Report 返回当前的安装报告。
func (i *Installation) Report() Report {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.report
}

func (i *Installation) trigger(source string) {
	i.mu.Lock()
	finished, applied, ctx := i.finished, i.applied, i.lateCtx
	i.mu.Unlock()
	if applied {
		return
	}
	if finished {
		// 重试窗口已过, 生命周期事件仍然给身份一次迟到的机会
		if ctx != nil && ctx.Err() == nil {
			go i.attempt(ctx, source)
		}
		return
	}
	select {
	case i.triggers <- source:
	default:
	}
}

func (i *Installation) run(ctx context.Context) {
	l := i.pipeline.logger
	defer close(i.done)

	if i.attempt(ctx, SourceInitScript) {
		i.finish(ctx)
		return
	}

	ticker := time.NewTicker(i.opts.RetryInterval)
	defer ticker.Stop()
	ready := i.future.Done()
	polls := 1
	for polls < i.opts.MaxAttempts {
		select {
		case <-ctx.Done():
			i.mu.Lock()
			i.report.Err = ctx.Err()
			i.finished = true
			i.mu.Unlock()
			return
		case <-ready:
			// 身份刚就绪时不必等下一个 tick
			ready = nil
			if i.attempt(ctx, SourceRetry) {
				i.finish(ctx)
				return
			}
			polls++
		case <-ticker.C:
			polls++
			if i.attempt(ctx, SourceRetry) {
				i.finish(ctx)
				return
			}
		case src := <-i.triggers:
			if i.attempt(ctx, src) {
				i.finish(ctx)
				return
			}
		}
	}

	i.mu.Lock()
	if !i.applied {
		switch {
		case i.report.Err == nil:
			i.report.Err = ErrIncomplete
		case !errors.Is(i.report.Err, ErrIncomplete):
			i.report.Err = fmt.Errorf("%w: %v", ErrIncomplete, i.report.Err)
		}
	}
	i.mu.Unlock()
	i.finish(ctx)
	r := i.Report()
	if !r.Applied {
		l.Warn().Err(r.Err).Int("attempts", r.Attempts).Msg("Identity injection could not be verified, session continues unspoofed.")
	}
}

func (i *Installation) finish(ctx context.Context) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.finished = true
	i.lateCtx = ctx
}

// attempt 做一次注入并校验。身份尚未就绪时不计入尝试次数。
func (i *Installation) attempt(ctx context.Context, source string) bool {
	id, ok := i.future.Get()
	if !ok {
		return false
	}

	i.attemptMu.Lock()
	defer i.attemptMu.Unlock()

	i.mu.Lock()
	if i.applied {
		i.mu.Unlock()
		return true
	}
	i.report.Attempts++
	i.mu.Unlock()

	marker, err := i.apply(ctx, id, source)

	i.mu.Lock()
	defer i.mu.Unlock()
	if err != nil {
		i.pipeline.logger.Debug().Err(err).Str("source", source).Msg("Injection attempt failed.")
		i.report.Err = err
		return false
	}
	i.applied = true
	i.report.Applied = true
	i.report.Source = marker.Source
	i.report.Marker = &marker
	i.report.Err = nil
	i.pipeline.logger.Info().
		Str("source", marker.Source).
		Str("timezone", marker.Timezone).
		Int("attempts", i.report.Attempts).
		Msg("Identity injected.")
	return true
}

// apply 必须在 attemptMu 下调用。
func (i *Installation) apply(ctx context.Context, id identity.Identity, source string) (Marker, error) {
	p := i.pipeline
	if !i.initAdded {
		script, err := p.renderer.Render(id, SourceInitScript)
		if err != nil {
			return Marker{}, err
		}
		if err := i.target.AddInitScript(ctx, script); err != nil {
			return Marker{}, fmt.Errorf("register init script: %w", err)
		}
		i.initAdded = true
	}

	script, err := p.renderer.Render(id, source)
	if err != nil {
		return Marker{}, err
	}
	if _, err := i.target.Evaluate(ctx, script); err != nil {
		return Marker{}, fmt.Errorf("evaluate overrides: %w", err)
	}
	return p.Verify(ctx, i.target)
}

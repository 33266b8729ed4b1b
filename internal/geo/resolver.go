package geo

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"maskbrowser/internal/shared/logger"
	"maskbrowser/internal/shared/settings"
	"maskbrowser/internal/shared/types"
)

// Options 是解析器的已解析配置。
type Options struct {
	Providers      []Provider
	RequestTimeout time.Duration
}

// OptionsFromConfig 将 ini 配置转换为 Options。
func OptionsFromConfig(c types.GeoConf) Options {
	return Options{
		Providers:      ProvidersByName(strings.Split(c.Providers, ",")),
		RequestTimeout: time.Duration(c.RequestTimeoutMs) * time.Millisecond,
	}
}

// Resolver 把公网 IP 解析为时区等地理信息: 先查缓存, 未命中时按顺序询问提供方。
// 全部失败时返回 UTC 回退记录, 回退记录不进入缓存。
type Resolver struct {
	cache  Cache
	client *resty.Client
	logger zerolog.Logger

	mu   sync.RWMutex
	opts Options
	now  func() time.Time
}

// NewResolver 创建解析器。cache 由调用方持有, 便于在测试间显式重置。
func NewResolver(opts Options, cache Cache, client *resty.Client) *Resolver {
	if cache == nil {
		cache = NewMemoryCache()
	}
	if client == nil {
		client = resty.New()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	client.SetHeader("Accept", "application/json")
	return &Resolver{
		cache:  cache,
		client: client,
		opts:   opts,
		logger: logger.WithComponent("GeoResolver"),
		now:    time.Now,
	}
}

// Cache 返回解析器使用的缓存。
func (r *Resolver) Cache() Cache { return r.cache }

func (r *Resolver) options() Options {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.opts
}

// Resolve 返回 ip 的地理记录, 永不返回错误。ip 为空时解析调用方自身的出口 IP。
func (r *Resolver) Resolve(ctx context.Context, ip string) Record {
	if ip != "" {
		if rec, ok := r.cache.Get(ip); ok {
			return rec
		}
	}

	opts := r.options()
	var lastErr error = ErrLookupFailed
	for _, p := range opts.Providers {
		rec, err := r.query(ctx, p, ip, opts.RequestTimeout)
		if err != nil {
			lastErr = err
			r.logger.Debug().Err(err).Str("provider", p.Name).Str("ip", ip).Msg("Geo provider failed, trying next.")
			if ctx.Err() != nil {
				break
			}
			continue
		}
		key := ip
		if key == "" {
			key = rec.IP
		}
		if key != "" {
			r.cache.PutIfAbsent(key, rec)
			// 并发写入同一个键时以先写入者为准
			if cached, ok := r.cache.Get(key); ok {
				rec = cached
			}
		}
		r.logger.Debug().Str("provider", p.Name).Str("ip", rec.IP).Str("timezone", rec.Timezone).Msg("Geo resolved.")
		return rec
	}

	r.logger.Warn().Err(lastErr).Str("ip", ip).Msg("All geo providers failed, falling back to UTC.")
	return Fallback(ip)
}

// ExitIPProber 发现当前连接的出口 IP, 通常经隧道请求回显端点。
type ExitIPProber func(ctx context.Context) (string, error)

// ResolveSelf 先用 probe 发现出口 IP 再解析。探测失败时直接返回 UTC 回退,
// 不会去解析本机的公网 IP。
func (r *Resolver) ResolveSelf(ctx context.Context, probe ExitIPProber) Record {
	ip, err := probe(ctx)
	if err != nil || ip == "" {
		r.logger.Warn().Err(err).Msg("Exit IP discovery failed, falling back to UTC.")
		return Fallback("")
	}
	return r.Resolve(ctx, ip)
}

func (r *Resolver) query(ctx context.Context, p Provider, ip string, timeout time.Duration) (Record, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := r.client.R().SetContext(reqCtx).Get(p.url(ip))
	if err != nil {
		return Record{}, fmt.Errorf("%w: %s: %v", ErrLookupFailed, p.Name, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return Record{}, fmt.Errorf("%w: %s: unexpected status code %d", ErrLookupFailed, p.Name, resp.StatusCode())
	}

	rec, err := p.Adapter(resp.Body())
	if err != nil {
		return Record{}, fmt.Errorf("%w: %s: %v", ErrLookupFailed, p.Name, err)
	}
	if rec.Timezone == "" {
		return Record{}, fmt.Errorf("%w: %s: empty timezone", ErrLookupFailed, p.Name)
	}

	now := r.now().UTC()
	offset, err := offsetFor(rec.Timezone, now)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %s: invalid timezone %q", ErrLookupFailed, p.Name, rec.Timezone)
	}
	if rec.UTCOffset == 0 {
		rec.UTCOffset = offset
	}
	if rec.IP == "" {
		rec.IP = ip
	}
	rec.Success = true
	rec.ResolvedAt = now
	rec.Provider = p.Name
	return rec, nil
}

// OnSettingsUpdate 实现 settings.ConfigurableModule, 在线替换提供方顺序与超时。
func (r *Resolver) OnSettingsUpdate(moduleKey string, newSettings interface{}) error {
	s, ok := newSettings.(*settings.GeoSettings)
	if !ok {
		return fmt.Errorf("geo resolver: unexpected settings type %T for %s", newSettings, moduleKey)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if providers := ProvidersByName(s.Providers); len(providers) > 0 {
		r.opts.Providers = providers
	}
	if s.RequestTimeoutMs > 0 {
		r.opts.RequestTimeout = time.Duration(s.RequestTimeoutMs) * time.Millisecond
	}
	r.logger.Info().Int("providers", len(r.opts.Providers)).Msg("Geo provider chain updated.")
	return nil
}

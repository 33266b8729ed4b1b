package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"maskbrowser/internal/browser"
	"maskbrowser/internal/geo"
	"maskbrowser/internal/identity"
	"maskbrowser/internal/injection"
	"maskbrowser/internal/proxy"
	"maskbrowser/internal/rpa"
	"maskbrowser/internal/shared/types"
	"maskbrowser/internal/tunnel"
)

// Session 是一个运行中的配置档案: 独占的隧道、派生的身份和浏览器上下文。
type Session struct {
	Profile   types.ProfileSpec
	Upstream  proxy.Descriptor
	Tunnel    *tunnel.Handle // 未配置代理时为 nil
	Geo       geo.Record
	Identity  identity.Identity
	StartedAt time.Time

	install *injection.Installation
	browser browser.Session
	cancel  context.CancelFunc
}

// Page 返回会话的页面。
func (s *Session) Page() browser.Page { return s.browser.Page() }

// Ready 在身份注入完成 (或重试耗尽) 时关闭。
func (s *Session) Ready() <-chan struct{} { return s.install.Done() }

// Injection 返回当前注入报告。
func (s *Session) Injection() injection.Report { return s.install.Report() }

// SessionInfo 是会话对外展示的快照。
type SessionInfo struct {
	ProfileID  string             `json:"profileId"`
	Name       string             `json:"name"`
	Upstream   string             `json:"upstream"`
	LocalProxy string             `json:"localProxy"`
	ExitIP     string             `json:"exitIp"`
	Geo        geo.Record         `json:"geo"`
	Identity   identity.Identity  `json:"identity"`
	Injected   bool               `json:"injected"`
	Ready      bool               `json:"ready"`
	StartedAt  time.Time          `json:"startedAt"`
	Traffic    types.TrafficStats `json:"traffic"`
}

// Direct 报告会话是否未经代理直连。
func (s *Session) Direct() bool { return s.Tunnel == nil }

// Info 返回会话快照, 上游凭据被隐藏。
func (s *Session) Info() SessionInfo {
	ready := false
	select {
	case <-s.install.Done():
		ready = true
	default:
	}
	info := SessionInfo{
		ProfileID: s.Profile.ID,
		Name:      s.Profile.Name,
		ExitIP:    s.Geo.IP,
		Geo:       s.Geo,
		Identity:  s.Identity,
		Injected:  s.install.Report().Applied,
		Ready:     ready,
		StartedAt: s.StartedAt,
	}
	if !s.Direct() {
		info.Upstream = s.Upstream.Redacted()
		info.LocalProxy = s.Tunnel.ProxyURL()
		info.ExitIP = s.Tunnel.ExitIP()
		info.Traffic = s.Tunnel.GetTrafficStats()
	}
	return info
}

// LaunchByID 启动 profiles.json 中已保存的档案。
func (s *AppServer) LaunchByID(ctx context.Context, id string) (*Session, error) {
	spec, found := s.Profile(id)
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, id)
	}
	if !spec.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrProfileDisabled, id)
	}
	return s.LaunchProfile(ctx, spec)
}

// LaunchProfile 启动一个配置档案:
// 解析代理 -> 打开隧道 -> 经隧道探测出口 IP 并定位 -> 生成身份 -> 启动浏览器 -> 注入身份。
// 未配置代理时跳过解析和隧道, 直接探测本机出口 IP, 浏览器不带代理参数启动。
// 代理格式错误、隧道打开失败和浏览器启动失败会返回; 出口探测和地理定位失败被吸收为 UTC 回退,
// 注入未完成只记录警告。
func (s *AppServer) LaunchProfile(ctx context.Context, spec types.ProfileSpec) (*Session, error) {
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	l := s.logger.With().Str("profile_id", spec.ID).Logger()

	s.sessionsLock.Lock()
	if _, running := s.sessions[spec.ID]; running || s.launching[spec.ID] {
		s.sessionsLock.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrProfileRunning, spec.ID)
	}
	s.launching[spec.ID] = true
	s.sessionsLock.Unlock()
	defer func() {
		s.sessionsLock.Lock()
		delete(s.launching, spec.ID)
		s.sessionsLock.Unlock()
	}()

	var (
		upstream proxy.Descriptor
		h        *tunnel.Handle
		proxyURL string
		rec      geo.Record
	)
	if strings.TrimSpace(spec.Proxy) == "" {
		l.Info().Msg("No proxy configured, launching direct.")
		rec = s.locateDirect(ctx, l)
	} else {
		var err error
		upstream, err = proxy.Normalize(spec.Proxy, proxy.Scheme(spec.Scheme))
		if err != nil {
			l.Warn().Err(err).Msg("Rejected profile proxy.")
			return nil, err
		}
		h, err = s.tunnels.Open(ctx, upstream, spec.ID)
		if err != nil {
			return nil, err
		}
		proxyURL = h.ProxyURL()
		rec = s.locate(ctx, h, l)
	}
	id := s.composer.Compose(identity.Options{
		Platform:   identity.Platform(spec.Platform),
		DeviceType: identity.DeviceType(spec.DeviceType),
		Geo:        &rec,
	})
	l.Info().Str("exit_ip", rec.IP).Str("timezone", id.Timezone).Str("locale", id.Locale).
		Str("platform", string(id.Platform)).Str("device", string(id.DeviceType)).Msg("Identity composed.")

	bs, err := s.launcher.Launch(ctx, browser.LaunchOptions{
		ProfileID:   spec.ID,
		Headless:    spec.Headless || s.cfg.Headless,
		UserDataDir: spec.UserDataDir,
		ProxyURL:    proxyURL,
		Identity:    id,
	})
	if err != nil {
		s.tunnels.Close(h)
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &Session{
		Profile:   spec,
		Upstream:  upstream,
		Tunnel:    h,
		Geo:       rec,
		Identity:  id,
		StartedAt: time.Now(),
		browser:   bs,
		cancel:    cancel,
	}
	sess.install = s.pipeline.Install(sessCtx, injection.Resolved(id), bs.Page())

	s.sessionsLock.Lock()
	s.sessions[spec.ID] = sess
	s.sessionsLock.Unlock()

	go s.afterReady(sessCtx, sess, l)
	l.Info().Str("local_proxy", proxyURL).Msg("Profile launched.")
	return sess, nil
}

// locate 经隧道探测出口 IP 并解析地理信息, 任何失败都回退到 UTC。
func (s *AppServer) locate(ctx context.Context, h *tunnel.Handle, l zerolog.Logger) geo.Record {
	opts := s.tunnels.Options()
	return s.resolver.ResolveSelf(ctx, func(ctx context.Context) (string, error) {
		res := tunnel.ProbeExitIP(ctx, h.Dialer(), opts.EchoEndpoints, opts.TestTimeout)
		if !res.Success {
			l.Warn().Str("error", res.Error).Msg("Exit IP probe through tunnel failed.")
			return "", errors.New(res.Error)
		}
		h.SetExitIP(res.IP)
		return res.IP, nil
	})
}

// locateDirect 不经代理探测本机出口 IP 并解析地理信息, 失败时回退到 UTC。
func (s *AppServer) locateDirect(ctx context.Context, l zerolog.Logger) geo.Record {
	opts := s.tunnels.Options()
	return s.resolver.ResolveSelf(ctx, func(ctx context.Context) (string, error) {
		res := tunnel.ProbeExitIP(ctx, s.direct, opts.EchoEndpoints, opts.TestTimeout)
		if !res.Success {
			l.Warn().Str("error", res.Error).Msg("Direct exit IP probe failed.")
			return "", errors.New(res.Error)
		}
		return res.IP, nil
	})
}

// afterReady 等待注入结果并在就绪后打开起始页。
func (s *AppServer) afterReady(ctx context.Context, sess *Session, l zerolog.Logger) {
	report, err := sess.install.Wait(ctx)
	if err != nil {
		return
	}
	if !report.Applied {
		l.Warn().Err(report.Err).Int("attempts", report.Attempts).Msg("Identity injection incomplete, session continues without overrides.")
	} else {
		l.Info().Str("source", report.Source).Int("attempts", report.Attempts).Msg("Identity injected.")
	}
	if sess.Profile.StartURL == "" {
		return
	}
	if err := sess.Page().Navigate(ctx, sess.Profile.StartURL, browser.WaitLoad); err != nil && !errors.Is(err, context.Canceled) {
		l.Warn().Err(err).Str("url", sess.Profile.StartURL).Msg("Failed to open start URL.")
	}
}

// CloseProfile 取消档案的所有任务, 然后关闭浏览器和隧道。
func (s *AppServer) CloseProfile(id string) error {
	s.sessionsLock.Lock()
	sess, found := s.sessions[id]
	delete(s.sessions, id)
	s.sessionsLock.Unlock()
	if !found {
		return fmt.Errorf("%w: %s", ErrProfileNotRunning, id)
	}
	n := s.scheduler.CancelProfile(id)
	s.closeSession(sess)
	s.logger.Info().Str("profile_id", id).Int("cancelled_jobs", n).Msg("Profile closed.")
	return nil
}

func (s *AppServer) closeSession(sess *Session) {
	sess.cancel()
	if err := sess.browser.Close(); err != nil {
		s.logger.Warn().Err(err).Str("profile_id", sess.Profile.ID).Msg("Failed to close browser.")
	}
	if sess.Direct() {
		return
	}
	if err := s.tunnels.Close(sess.Tunnel); err != nil {
		s.logger.Debug().Err(err).Str("profile_id", sess.Profile.ID).Msg("Tunnel close reported an error.")
	}
}

// Session 返回运行中的会话。
func (s *AppServer) Session(profileID string) (*Session, bool) {
	s.sessionsLock.RLock()
	defer s.sessionsLock.RUnlock()
	sess, found := s.sessions[profileID]
	return sess, found
}

// Sessions 返回所有运行中会话的快照, 按启动时间排序。
func (s *AppServer) Sessions() []SessionInfo {
	s.sessionsLock.RLock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Info())
	}
	s.sessionsLock.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// SessionInfo 返回运行中会话的快照。
func (s *AppServer) SessionInfo(profileID string) (SessionInfo, bool) {
	sess, found := s.Session(profileID)
	if !found {
		return SessionInfo{}, false
	}
	return sess.Info(), true
}

// Launch 启动已保存的档案并返回会话快照。
func (s *AppServer) Launch(ctx context.Context, id string) (SessionInfo, error) {
	sess, err := s.LaunchByID(ctx, id)
	if err != nil {
		return SessionInfo{}, err
	}
	return sess.Info(), nil
}

// Target 实现 rpa.Sessions。
func (s *AppServer) Target(profileID string) (rpa.Target, bool) {
	sess, found := s.Session(profileID)
	if !found {
		return rpa.Target{}, false
	}
	return rpa.Target{Page: sess.Page(), Ready: sess.Ready()}, true
}

// TestProxy 解析代理字符串并做一次端到端连通性测试。只有格式错误会返回 error。
func (s *AppServer) TestProxy(ctx context.Context, raw, scheme string) (tunnel.Result, error) {
	d, err := proxy.Normalize(raw, proxy.Scheme(scheme))
	if err != nil {
		return tunnel.Result{}, err
	}
	return s.tunnels.TestConnectivity(ctx, d), nil
}

package tunnel

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"maskbrowser/internal/proxy"
	"maskbrowser/internal/shared/logger"
	"maskbrowser/internal/shared/types"
)

// Options 是隧道管理器的全部行为参数。
type Options struct {
	DialTimeout    time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	TestTimeout    time.Duration
	ProbeTarget    string   // 打开隧道时用于验证上游握手的目标, 为空时跳过验证
	EchoEndpoints  []string // 连通性测试依次尝试的出口 IP 回显端点
	ListenHost     string
}

// DefaultProbeTarget 是 ini 未设置 probe_target 时用于握手验证的目标。
const DefaultProbeTarget = "www.cloudflare.com:443"

// OptionsFromConfig 将 ini 配置转换为 Options。
// probe_target 为空时使用 DefaultProbeTarget, 设为 "off" 时打开隧道不做握手验证,
// 认证失败和上游不可达要到第一次转发时才会出现。
func OptionsFromConfig(c types.TunnelConf) Options {
	probe := strings.TrimSpace(c.ProbeTarget)
	switch strings.ToLower(probe) {
	case "":
		probe = DefaultProbeTarget
	case "off":
		probe = ""
	}
	opts := Options{
		DialTimeout:    time.Duration(c.DialTimeoutMs) * time.Millisecond,
		RetryAttempts:  c.RetryAttempts,
		RetryBaseDelay: time.Duration(c.RetryBaseDelayMs) * time.Millisecond,
		RetryMaxDelay:  time.Duration(c.RetryMaxDelayMs) * time.Millisecond,
		TestTimeout:    time.Duration(c.TestTimeoutMs) * time.Millisecond,
		ProbeTarget:    probe,
		ListenHost:     "127.0.0.1",
	}
	for _, e := range strings.Split(c.EchoEndpoints, ",") {
		if e = strings.TrimSpace(e); e != "" {
			opts.EchoEndpoints = append(opts.EchoEndpoints, e)
		}
	}
	return opts.withDefaults()
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 1
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 500 * time.Millisecond
	}
	if o.RetryMaxDelay < o.RetryBaseDelay {
		o.RetryMaxDelay = o.RetryBaseDelay
	}
	if o.TestTimeout <= 0 {
		o.TestTimeout = 15 * time.Second
	}
	if len(o.EchoEndpoints) == 0 {
		o.EchoEndpoints = DefaultEchoEndpoints
	}
	if o.ListenHost == "" {
		o.ListenHost = "127.0.0.1"
	}
	return o
}

// Handle 代表一个 profile 会话独占的隧道。
type Handle struct {
	LocalPort int
	Upstream  proxy.Descriptor
	SessionID string
	OpenedAt  time.Time

	bridge *Bridge
	dialer Dialer

	mu     sync.RWMutex
	exitIP string
}

// LocalAddr 返回本地监听地址 host:port。
func (h *Handle) LocalAddr() string {
	return h.bridge.Addr().String()
}

// ProxyURL 返回浏览器使用的本地代理地址。
func (h *Handle) ProxyURL() string {
	return "socks5://" + h.LocalAddr()
}

// HTTPProxyURL 返回同一监听器的 HTTP 代理形式。
func (h *Handle) HTTPProxyURL() string {
	return "http://" + h.LocalAddr()
}

// Dialer 返回该隧道的上游拨号器, 供出口 IP 探测与地理定位查询复用。
func (h *Handle) Dialer() Dialer { return h.dialer }

// ExitIP 返回最近一次探测到的出口 IP。
func (h *Handle) ExitIP() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.exitIP
}

func (h *Handle) SetExitIP(ip string) {
	h.mu.Lock()
	h.exitIP = ip
	h.mu.Unlock()
}

func (h *Handle) GetTrafficStats() types.TrafficStats { return h.bridge.GetTrafficStats() }

func (h *Handle) GetMetrics() *types.Metrics {
	return &types.Metrics{ActiveConnections: h.bridge.ActiveConnections()}
}

// DialerFactory 根据代理描述创建上游拨号器。
type DialerFactory func(upstream proxy.Descriptor, dialTimeout time.Duration) (Dialer, error)

// Manager 管理进程内所有活跃的隧道。
type Manager struct {
	opts      Options
	pool      *PortPool
	newDialer DialerFactory
	logger    zerolog.Logger
	mu        sync.Mutex
	handles   map[string]*Handle // 按 sessionID 索引
}

func NewManager(opts Options, pool *PortPool) *Manager {
	if pool == nil {
		pool = NewPortPool(0, 0)
	}
	return &Manager{
		opts:      opts.withDefaults(),
		pool:      pool,
		newDialer: NewUpstreamDialer,
		logger:    logger.WithComponent("Tunnel"),
		handles:   make(map[string]*Handle),
	}
}

// SetDialerFactory 替换上游拨号器的构造方式。
func (m *Manager) SetDialerFactory(f DialerFactory) {
	m.newDialer = f
}

// Options 返回生效中的参数。
func (m *Manager) Options() Options { return m.opts }

// Open 验证上游握手 (网络错误按退避重试, 认证错误立即返回)，然后启动本地转发监听器。
func (m *Manager) Open(ctx context.Context, upstream proxy.Descriptor, sessionID string) (*Handle, error) {
	m.mu.Lock()
	if _, exists := m.handles[sessionID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("session %s already has an open tunnel", sessionID)
	}
	m.mu.Unlock()

	dialer, err := m.newDialer(upstream, m.opts.DialTimeout)
	if err != nil {
		return nil, err
	}

	log := m.logger.With().Str("session_id", sessionID).Str("upstream", upstream.Redacted()).Logger()

	if m.opts.ProbeTarget != "" {
		err := m.withRetry(ctx, log, func(ctx context.Context) error {
			probeCtx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
			defer cancel()
			conn, err := dialer.DialContext(probeCtx, "tcp", m.opts.ProbeTarget)
			if err != nil {
				return err
			}
			return conn.Close()
		})
		if err != nil {
			log.Warn().Err(err).Msg("Upstream handshake failed.")
			return nil, err
		}
	}

	listener, port, err := m.pool.Listen(m.opts.ListenHost)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate local port: %w", err)
	}

	h := &Handle{
		LocalPort: port,
		Upstream:  upstream,
		SessionID: sessionID,
		OpenedAt:  time.Now(),
		dialer:    dialer,
		bridge:    newBridge(listener, dialer, m.opts.DialTimeout, log),
	}

	m.mu.Lock()
	if _, exists := m.handles[sessionID]; exists {
		m.mu.Unlock()
		listener.Close()
		m.pool.Release(port)
		return nil, fmt.Errorf("session %s already has an open tunnel", sessionID)
	}
	m.handles[sessionID] = h
	m.mu.Unlock()

	h.bridge.Start()
	log.Info().Int("local_port", port).Msg("Tunnel opened.")
	return h, nil
}

// Close 关闭隧道的本地监听器与所有转发连接，并把端口归还到池中。
func (m *Manager) Close(h *Handle) error {
	if h == nil {
		return nil
	}
	m.mu.Lock()
	if cur, ok := m.handles[h.SessionID]; ok && cur == h {
		delete(m.handles, h.SessionID)
	}
	m.mu.Unlock()

	err := h.bridge.Close()
	m.pool.Release(h.LocalPort)
	m.logger.Info().Str("session_id", h.SessionID).Int("local_port", h.LocalPort).Msg("Tunnel closed.")
	return err
}

// CloseAll 在进程退出时关闭全部隧道。
func (m *Manager) CloseAll() {
	for _, h := range m.Handles() {
		m.Close(h)
	}
}

// Get 按会话返回隧道。
func (m *Manager) Get(sessionID string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[sessionID]
	return h, ok
}

// Handles 返回当前所有隧道的快照。
func (m *Manager) Handles() []*Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, h)
	}
	return out
}

// withRetry 对可重试错误做有界的指数退避。
func (m *Manager) withRetry(ctx context.Context, log zerolog.Logger, fn func(context.Context) error) error {
	delay := m.opts.RetryBaseDelay
	var err error
	for attempt := 1; attempt <= m.opts.RetryAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !IsRetryable(err) || attempt == m.opts.RetryAttempts {
			return err
		}
		log.Debug().Err(err).Int("attempt", attempt).Dur("backoff", delay).Msg("Upstream unreachable, retrying.")
		select {
		case <-ctx.Done():
			return unreachable("", ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
		if delay > m.opts.RetryMaxDelay {
			delay = m.opts.RetryMaxDelay
		}
	}
	return err
}

// hostOnly 去掉端口部分。
func hostOnly(addr string) string {
	if h, _, err := net.SplitHostPort(addr); err == nil {
		return h
	}
	return addr
}

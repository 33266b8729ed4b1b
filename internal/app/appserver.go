package app

import (
	"errors"
	"fmt"
	mrand "math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"maskbrowser/internal/browser"
	"maskbrowser/internal/geo"
	"maskbrowser/internal/identity"
	"maskbrowser/internal/injection"
	"maskbrowser/internal/rpa"
	"maskbrowser/internal/shared/logger"
	"maskbrowser/internal/shared/settings"
	"maskbrowser/internal/shared/types"
	"maskbrowser/internal/tunnel"
	"maskbrowser/internal/uapool"
)

var (
	ErrProfileNotFound   = errors.New("profile not found")
	ErrProfileRunning    = errors.New("profile session already running")
	ErrProfileNotRunning = errors.New("profile session not running")
	ErrProfileDisabled   = errors.New("profile is disabled")
)

// Broadcaster 接收任务事件和隧道健康报告, 通常是 web.Hub。
type Broadcaster interface {
	rpa.EventSink
	BroadcastTunnelHealth(report tunnel.HealthReport)
}

// Deps 是可替换的外部协作者, 零值字段使用默认实现。
type Deps struct {
	Launcher  browser.Launcher
	Hub       Broadcaster
	GeoClient *resty.Client
	Dialers   tunnel.DialerFactory
	Direct    tunnel.Dialer // 未配置代理的档案探测出口 IP 时使用
	Rand      *mrand.Rand
}

// AppServer 持有所有长生命周期组件, 负责配置档案会话的启动和关闭。
type AppServer struct {
	cfg          *types.Config
	configDir    string
	profilesPath string
	logger       zerolog.Logger

	settingsManager *settings.SettingsManager

	tunnels   *tunnel.Manager
	direct    tunnel.Dialer
	health    *tunnel.HealthChecker
	resolver  *geo.Resolver
	geoCache  geo.Cache
	uaManager *uapool.Manager
	composer  *identity.Composer
	pipeline  *injection.Pipeline
	launcher  browser.Launcher
	tasks     *rpa.Library
	jobStore  rpa.Store
	scheduler *rpa.Scheduler
	hub       Broadcaster

	profilesFileLock sync.Mutex
	profilesLock     sync.RWMutex
	profiles         map[string]*types.ProfileSpec

	sessionsLock sync.RWMutex
	sessions     map[string]*Session
	launching    map[string]bool

	stopOnce sync.Once
}

var _ rpa.Sessions = (*AppServer)(nil)

// New 按配置组装所有组件。configDir 下存放 settings.json、profiles.json 和 tasks.json;
// 配置中的相对路径也相对于 configDir。
func New(cfg *types.Config, configDir string, deps Deps) (*AppServer, error) {
	s := &AppServer{
		cfg:          cfg,
		configDir:    configDir,
		profilesPath: filepath.Join(configDir, "profiles.json"),
		logger:       logger.WithComponent("App"),
		profiles:     make(map[string]*types.ProfileSpec),
		sessions:     make(map[string]*Session),
		launching:    make(map[string]bool),
		hub:          deps.Hub,
	}

	settingsPath := ""
	if configDir != "" {
		settingsPath = filepath.Join(configDir, "settings.json")
	}
	sm, err := settings.NewSettingsManager(settingsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize settings manager: %w", err)
	}
	s.settingsManager = sm

	tunnelOpts := tunnel.OptionsFromConfig(cfg.TunnelConf)
	s.tunnels = tunnel.NewManager(tunnelOpts, tunnel.NewPortPool(cfg.PortRangeStart, cfg.PortRangeEnd))
	if deps.Dialers != nil {
		s.tunnels.SetDialerFactory(deps.Dialers)
	}
	s.direct = deps.Direct
	if s.direct == nil {
		s.direct = tunnel.NewDirectDialer(tunnelOpts.DialTimeout)
	}
	s.health = tunnel.NewHealthChecker(s.tunnels, time.Duration(cfg.HealthIntervalSec)*time.Second, s.onHealthReport)

	if cfg.CacheFile != "" {
		cache, err := geo.OpenBuntCache(s.dataPath(cfg.CacheFile))
		if err != nil {
			return nil, err
		}
		s.geoCache = cache
	} else {
		s.geoCache = geo.NewMemoryCache()
	}
	s.resolver = geo.NewResolver(geo.OptionsFromConfig(cfg.GeoConf), s.geoCache, deps.GeoClient)

	var uaStorage uapool.Storage
	if cfg.UAFile != "" {
		uaStorage = uapool.NewFileStorage(s.dataPath(cfg.UAFile))
	}
	s.uaManager = uapool.NewManager(uapool.NewPool(), uaStorage, time.Duration(cfg.RefreshIntervalMin)*time.Minute)
	for _, u := range strings.Split(cfg.UASourceURLs, ",") {
		if u = strings.TrimSpace(u); u != "" {
			s.uaManager.AddSource(uapool.NewWebSource(u))
		}
	}
	s.composer = identity.NewComposer(s.uaManager.Pool(), deps.Rand)
	s.pipeline = injection.NewPipeline(injection.OptionsFromConfig(cfg.InjectionConf))

	s.launcher = deps.Launcher
	if s.launcher == nil {
		bc := cfg.BrowserConf
		bc.UserDataRoot = s.resolvePath(bc.UserDataRoot)
		s.launcher = browser.NewRodLauncher(bc)
	}

	s.tasks = rpa.NewLibrary(filepath.Join(configDir, "tasks.json"))
	if cfg.JobStoreFile != "" {
		store, err := rpa.OpenBuntStore(s.dataPath(cfg.JobStoreFile))
		if err != nil {
			s.closeStores()
			return nil, err
		}
		s.jobStore = store
	} else {
		s.jobStore = rpa.NewMemoryStore()
	}
	var sink rpa.EventSink
	if deps.Hub != nil {
		sink = deps.Hub
	}
	exec := rpa.NewExecutor(rpa.ExecutorOptions{ScreenshotDir: s.resolvePath(filepath.Join(cfg.DataDir, "screenshots"))})
	s.scheduler = rpa.NewScheduler(rpa.OptionsFromConfig(cfg.RPAConf), exec, s.tasks, s, s.jobStore, sink)

	// settings.json 中的运行时配置覆盖 ini 中的初始值
	for key, module := range map[string]settings.ConfigurableModule{
		settings.ModuleRPA:       s.scheduler,
		settings.ModuleGeo:       s.resolver,
		settings.ModuleInjection: s.pipeline,
	} {
		sm.Register(key, module)
		if err := module.OnSettingsUpdate(key, sm.Module(key)); err != nil {
			s.closeStores()
			return nil, fmt.Errorf("failed to apply %s settings: %w", key, err)
		}
	}
	return s, nil
}

func (s *AppServer) resolvePath(p string) string {
	if p == "" || p == ":memory:" || filepath.IsAbs(p) || s.configDir == "" {
		return p
	}
	return filepath.Join(s.configDir, p)
}

// dataPath 解析数据文件路径并确保其所在目录存在。
func (s *AppServer) dataPath(p string) string {
	p = s.resolvePath(p)
	if p == ":memory:" {
		return p
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		s.logger.Warn().Err(err).Str("path", p).Msg("Failed to create data directory.")
	}
	return p
}

// Start 加载数据文件并启动后台组件。
func (s *AppServer) Start() error {
	s.logger.Info().Str("config_dir", s.configDir).Msg("Starting maskbrowser core...")
	if err := s.loadProfilesFromFile(); err != nil {
		return err
	}
	if err := s.tasks.Load(); err != nil {
		return fmt.Errorf("failed to load tasks: %w", err)
	}
	if err := s.scheduler.Start(); err != nil {
		return err
	}
	s.uaManager.Start()
	s.health.Start()
	s.logger.Info().Int("profiles", len(s.ListProfiles())).Int("tasks", len(s.tasks.List())).Msg("Core started.")
	return nil
}

// Stop 关闭所有会话和后台组件。
func (s *AppServer) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info().Msg("Stopping maskbrowser core...")
		s.health.Stop()
		s.scheduler.Stop()

		s.sessionsLock.Lock()
		sessions := s.sessions
		s.sessions = make(map[string]*Session)
		s.sessionsLock.Unlock()
		for _, sess := range sessions {
			s.closeSession(sess)
		}

		s.uaManager.Stop()
		s.tunnels.CloseAll()
		s.closeStores()
		s.logger.Info().Msg("Core stopped.")
	})
}

func (s *AppServer) closeStores() {
	if c, ok := s.geoCache.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to close geo cache.")
		}
	}
	if s.jobStore != nil {
		if err := s.jobStore.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to close job store.")
		}
	}
}

func (s *AppServer) onHealthReport(r tunnel.HealthReport) {
	if r.Drifted {
		s.logger.Warn().Str("profile_id", r.SessionID).Str("exit_ip", r.ExitIP).Str("expected_ip", r.ExpectedIP).
			Msg("Exit IP drifted since identity was composed. Identity is kept.")
	}
	if s.hub != nil {
		s.hub.BroadcastTunnelHealth(r)
	}
}

// Settings 返回运行时配置管理器。
func (s *AppServer) Settings() *settings.SettingsManager { return s.settingsManager }

// Tasks 返回任务库。
func (s *AppServer) Tasks() *rpa.Library { return s.tasks }

// Jobs 返回任务调度器。
func (s *AppServer) Jobs() *rpa.Scheduler { return s.scheduler }

// Tunnels 返回隧道管理器。
func (s *AppServer) Tunnels() *tunnel.Manager { return s.tunnels }

// UserAgents 返回 UA 池。
func (s *AppServer) UserAgents() *uapool.Pool { return s.uaManager.Pool() }

// RunTask 为运行中的配置档案排队一个任务。
func (s *AppServer) RunTask(profileID, taskID string, priority int) (rpa.Job, error) {
	if _, found := s.Session(profileID); !found {
		return rpa.Job{}, fmt.Errorf("%w: %s", ErrProfileNotRunning, profileID)
	}
	return s.scheduler.Submit(taskID, profileID, priority)
}

package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// SettingsManager 管理可在运行时修改的配置 (settings.json)。
// 读取无锁 (atomic.Value)，更新时持久化并以发布/订阅方式通知各模块。
type SettingsManager struct {
	filePath    string
	settings    atomic.Value // *RuntimeSettings
	subscribers map[string][]ConfigurableModule
	mu          sync.RWMutex // 保护 subscribers 与文件写入
}

// NewSettingsManager 创建配置管理器并立即加载 filePath。
// filePath 为空时只在内存中使用默认值。
func NewSettingsManager(filePath string) (*SettingsManager, error) {
	sm := &SettingsManager{
		filePath:    filePath,
		subscribers: make(map[string][]ConfigurableModule),
	}

	if filePath == "" {
		sm.settings.Store(createDefaultSettings())
		return sm, nil
	}

	if err := sm.load(); err != nil {
		return nil, fmt.Errorf("failed to load initial settings: %w", err)
	}
	return sm, nil
}

func (sm *SettingsManager) load() error {
	data, err := os.ReadFile(sm.filePath)
	settings := &RuntimeSettings{}

	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to read settings file: %w", err)
		}
		log.Warn().Str("path", sm.filePath).Msg("settings.json not found, creating with default values.")
		settings = createDefaultSettings()
		if err := sm.persist(settings); err != nil {
			return fmt.Errorf("failed to write default settings file: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, settings); err != nil {
			return fmt.Errorf("failed to parse settings.json: %w", err)
		}
		ensureDefaultModules(settings)
	}

	sm.settings.Store(settings)
	return nil
}

// Register 将一个模块注册为特定配置主题的订阅者。
func (sm *SettingsManager) Register(moduleKey string, module ConfigurableModule) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.subscribers[moduleKey] = append(sm.subscribers[moduleKey], module)
}

// Get 返回当前运行时配置的快照。
func (sm *SettingsManager) Get() *RuntimeSettings {
	return sm.settings.Load().(*RuntimeSettings)
}

// Update 用一个模块的原始 JSON 更新配置：拷贝、合并、持久化、替换指针，最后通知订阅者。
func (sm *SettingsManager) Update(moduleKey string, newSettingsData json.RawMessage) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	newSettings := deepCopy(sm.Get())

	targetModule := getModuleByKey(newSettings, moduleKey)
	if targetModule == nil {
		return fmt.Errorf("unknown settings module: %s", moduleKey)
	}
	if err := json.Unmarshal(newSettingsData, targetModule); err != nil {
		return fmt.Errorf("failed to parse JSON for module %s: %w", moduleKey, err)
	}

	if sm.filePath != "" {
		if err := sm.persist(newSettings); err != nil {
			return fmt.Errorf("failed to save updated settings to disk: %w", err)
		}
	}

	sm.settings.Store(newSettings)

	go sm.notify(moduleKey, targetModule)
	return nil
}

// Module 返回指定模块当前配置的指针, 未知模块返回 nil。
func (sm *SettingsManager) Module(moduleKey string) interface{} {
	return getModuleByKey(sm.Get(), moduleKey)
}

func (sm *SettingsManager) persist(settings *RuntimeSettings) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(sm.filePath, data, 0644)
}

func (sm *SettingsManager) notify(moduleKey string, newSettings interface{}) {
	sm.mu.RLock()
	subscribers := append([]ConfigurableModule(nil), sm.subscribers[moduleKey]...)
	sm.mu.RUnlock()

	if len(subscribers) == 0 {
		return
	}
	log.Debug().Str("module", moduleKey).Int("subscribers", len(subscribers)).Msg("Notifying subscribers of settings update.")
	for _, sub := range subscribers {
		if err := sub.OnSettingsUpdate(moduleKey, newSettings); err != nil {
			log.Error().Err(err).Str("module", moduleKey).Msg("Error notifying subscriber.")
		}
	}
}

// --- 辅助函数 ---

func deepCopy(s *RuntimeSettings) *RuntimeSettings {
	newS := *s
	if s.RPA != nil {
		c := *s.RPA
		newS.RPA = &c
	}
	if s.Geo != nil {
		c := *s.Geo
		c.Providers = append([]string(nil), s.Geo.Providers...)
		newS.Geo = &c
	}
	if s.Injection != nil {
		c := *s.Injection
		newS.Injection = &c
	}
	return &newS
}

func getModuleByKey(s *RuntimeSettings, key string) interface{} {
	switch key {
	case ModuleRPA:
		return s.RPA
	case ModuleGeo:
		return s.Geo
	case ModuleInjection:
		return s.Injection
	default:
		return nil
	}
}

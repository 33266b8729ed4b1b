package settings

// ConfigurableModule 是所有希望其配置能被在线管理的模块必须实现的接口。
// 当相关配置发生变更时，SettingsManager 会调用 OnSettingsUpdate。
type ConfigurableModule interface {
	// OnSettingsUpdate 在配置变更时被调用。
	// moduleKey: 发生变化的模块 (e.g., "rpa", "geo")。
	// newSettings: 对应模块已解析好的新配置结构体指针 (e.g., *RPASettings)。
	OnSettingsUpdate(moduleKey string, newSettings interface{}) error
}

const (
	ModuleRPA       = "rpa"
	ModuleGeo       = "geo"
	ModuleInjection = "injection"
)

// RuntimeSettings 是 settings.json 文件的顶层结构。
// 使用指针类型确保 JSON 中缺少某个模块时对应字段为 nil。
type RuntimeSettings struct {
	RPA       *RPASettings       `json:"rpa"`
	Geo       *GeoSettings       `json:"geo"`
	Injection *InjectionSettings `json:"injection"`
}

// RPASettings 对应 settings.json 中的 "rpa" 模块。
type RPASettings struct {
	ConcurrencyLimit  int `json:"concurrency_limit"`
	DefaultTimeoutSec int `json:"default_timeout_sec"`
	MaxRetries        int `json:"max_retries"`
}

// GeoSettings 对应 settings.json 中的 "geo" 模块。
type GeoSettings struct {
	Providers        []string `json:"providers"` // 按顺序尝试
	RequestTimeoutMs int      `json:"request_timeout_ms"`
}

// InjectionSettings 对应 settings.json 中的 "injection" 模块。
type InjectionSettings struct {
	RetryIntervalMs int `json:"retry_interval_ms"`
	MaxAttempts     int `json:"max_attempts"`
}

func createDefaultSettings() *RuntimeSettings {
	return &RuntimeSettings{
		RPA:       &RPASettings{ConcurrencyLimit: 2, DefaultTimeoutSec: 300},
		Geo:       &GeoSettings{Providers: []string{"ipapi", "ipwhois", "ipapico"}, RequestTimeoutMs: 5000},
		Injection: &InjectionSettings{RetryIntervalMs: 100, MaxAttempts: 50},
	}
}

func ensureDefaultModules(s *RuntimeSettings) {
	def := createDefaultSettings()
	if s.RPA == nil {
		s.RPA = def.RPA
	}
	if s.Geo == nil {
		s.Geo = def.Geo
	}
	if s.Injection == nil {
		s.Injection = def.Injection
	}
}

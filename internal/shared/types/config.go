package types

// ProfileSpec 定义了一个浏览器配置档案。
// 这是 configs/profiles.json 数据文件的核心数据结构。
type ProfileSpec struct {
	ID      string `json:"id"`      // 唯一标识符 (UUID)
	Name    string `json:"name"`    // 用户备注
	Proxy   string `json:"proxy"`   // 原始代理字符串, 支持 host:port / host:port:user:pass / URL 三种形态, 为空时直连
	Scheme  string `json:"scheme"`  // 原始字符串不带协议时假定的协议: "http", "https", "socks5"
	Enabled bool   `json:"enabled"` // 是否允许启动

	// --- 身份提示 ---
	Platform   string `json:"platform,omitempty"`   // "windows", "macos", "linux", "ios", "android", "tv"
	DeviceType string `json:"deviceType,omitempty"` // "desktop", "mobile", "tablet"; 为空时随机选择

	// --- 浏览器参数 ---
	Headless    bool   `json:"headless,omitempty"`
	UserDataDir string `json:"userDataDir,omitempty"`
	StartURL    string `json:"startUrl,omitempty"`
}

// CommonConf 包含共有的配置
type CommonConf struct {
	Mode    string `ini:"mode"`
	DataDir string `ini:"data_dir"`
}

// LogConf contains logging specific configuration
type LogConf struct {
	Level      string `ini:"level"`
	File       string `ini:"file"`
	MaxSizeMB  int    `ini:"max_size_mb"`
	MaxBackups int    `ini:"max_backups"`
	MaxAgeDays int    `ini:"max_age_days"`
}

// TunnelConf 包含本地隧道相关的配置
type TunnelConf struct {
	PortRangeStart    int    `ini:"port_range_start"` // 0 表示由系统分配
	PortRangeEnd      int    `ini:"port_range_end"`
	DialTimeoutMs     int    `ini:"dial_timeout_ms"`
	RetryAttempts     int    `ini:"retry_attempts"`
	RetryBaseDelayMs  int    `ini:"retry_base_delay_ms"`
	RetryMaxDelayMs   int    `ini:"retry_max_delay_ms"`
	TestTimeoutMs     int    `ini:"test_timeout_ms"`
	ProbeTarget       string `ini:"probe_target"`
	EchoEndpoints     string `ini:"echo_endpoints"` // 逗号分隔, 按顺序尝试
	HealthIntervalSec int    `ini:"health_interval_sec"`
}

// GeoConf 包含出口 IP 地理定位相关的配置
type GeoConf struct {
	Providers        string `ini:"providers"` // 逗号分隔的 provider 名称, 按顺序尝试
	RequestTimeoutMs int    `ini:"request_timeout_ms"`
	CacheFile        string `ini:"cache_file"`
}

// IdentityConf 包含 UA 池相关的配置
type IdentityConf struct {
	UAFile             string `ini:"ua_file"`
	UASourceURLs       string `ini:"ua_source_urls"`
	RefreshIntervalMin int    `ini:"refresh_interval_min"`
}

// InjectionConf 包含身份注入重试相关的配置
type InjectionConf struct {
	RetryIntervalMs int `ini:"retry_interval_ms"`
	MaxAttempts     int `ini:"max_attempts"`
}

// BrowserConf 包含浏览器启动相关的配置
type BrowserConf struct {
	Bin          string `ini:"bin"`
	Headless     bool   `ini:"headless"`
	UserDataRoot string `ini:"user_data_root"`
}

// RPAConf 包含自动化任务执行相关的配置
type RPAConf struct {
	ConcurrencyLimit  int    `ini:"concurrency_limit"`
	DefaultTimeoutSec int    `ini:"default_timeout_sec"`
	MaxRetries        int    `ini:"max_retries"`
	JobStoreFile      string `ini:"job_store_file"`
}

// WebConf 包含控制面 API 的配置
type WebConf struct {
	Port     int    `ini:"port"`
	User     string `ini:"user"`
	Password string `ini:"password"`
}

// Config 是 maskbrowser 的统一行为配置结构体
type Config struct {
	CommonConf    `ini:"common"`
	LogConf       `ini:"log"`
	TunnelConf    `ini:"tunnel"`
	GeoConf       `ini:"geo"`
	IdentityConf  `ini:"identity"`
	InjectionConf `ini:"injection"`
	BrowserConf   `ini:"browser"`
	RPAConf       `ini:"rpa"`
	WebConf       `ini:"web"`
}

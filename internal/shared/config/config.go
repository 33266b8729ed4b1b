package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/ini.v1"

	"maskbrowser/internal/shared/types"
)

// Default 返回一份带有全部默认值的行为配置。
func Default() *types.Config {
	return &types.Config{
		CommonConf: types.CommonConf{Mode: "local", DataDir: "data"},
		LogConf:    types.LogConf{Level: "info"},
		TunnelConf: types.TunnelConf{
			DialTimeoutMs:     10000,
			RetryAttempts:     3,
			RetryBaseDelayMs:  500,
			RetryMaxDelayMs:   4000,
			TestTimeoutMs:     15000,
			ProbeTarget:       "www.cloudflare.com:443",
			EchoEndpoints:     "https://api.ipify.org?format=json,https://www.cloudflare.com/cdn-cgi/trace,dns://resolver1.opendns.com:53",
			HealthIntervalSec: 300,
		},
		GeoConf: types.GeoConf{
			Providers:        "ipapi,ipwhois,ipapico",
			RequestTimeoutMs: 5000,
		},
		IdentityConf:  types.IdentityConf{RefreshIntervalMin: 720},
		InjectionConf: types.InjectionConf{RetryIntervalMs: 100, MaxAttempts: 50},
		BrowserConf:   types.BrowserConf{Headless: false},
		RPAConf:       types.RPAConf{ConcurrencyLimit: 2, DefaultTimeoutSec: 300, MaxRetries: 0},
		WebConf:       types.WebConf{Port: 9190},
	}
}

// LoadIni 加载 maskbrowser.ini 行为配置文件, 未出现的键保持默认值。
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return err
	}
	overrideFromEnvString(&cfg.WebConf.Password, "MASKBROWSER_WEB_PASSWORD")
	overrideFromEnvString(&cfg.LogConf.Level, "MASKBROWSER_LOG_LEVEL")
	overrideFromEnvInt(&cfg.RPAConf.ConcurrencyLimit, "MASKBROWSER_CONCURRENCY")
	return nil
}

// LoadProfiles 加载 profiles.json 数据文件。
func LoadProfiles(fileName string) ([]*types.ProfileSpec, error) {
	var profiles []*types.ProfileSpec
	if err := LoadJSON(fileName, &profiles); err != nil {
		return nil, fmt.Errorf("failed to load profiles file: %w", err)
	}
	if profiles == nil {
		profiles = []*types.ProfileSpec{}
	}
	return profiles, nil
}

// SaveProfiles 将配置档案列表保存到 profiles.json。
func SaveProfiles(fileName string, profiles []*types.ProfileSpec) error {
	return SaveJSON(fileName, profiles)
}

// LoadJSON 读取一个 JSON 数据文件到 v。文件不存在时 v 保持不变且不返回错误。
func LoadJSON(fileName string, v interface{}) error {
	data, err := os.ReadFile(fileName)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", fileName, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", fileName, err)
	}
	return nil
}

// SaveJSON 以缩进格式写入 JSON 数据文件。
func SaveJSON(fileName string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", fileName, err)
	}
	return os.WriteFile(fileName, data, 0644)
}

func overrideFromEnvString(target *string, envName string) {
	if v := os.Getenv(envName); v != "" {
		*target = v
	}
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

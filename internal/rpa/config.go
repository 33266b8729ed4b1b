package rpa

import (
	"encoding/json"
	"fmt"
)

// 以下是各步骤类型唯一的规范配置。旧字段名只在 MigrateLegacy 中出现。

type NavigateConfig struct {
	URL       string `json:"url"`
	WaitUntil string `json:"waitUntil,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

type ClickConfig struct {
	Selector   string `json:"selector"`
	Button     string `json:"button,omitempty"`
	ClickCount int    `json:"clickCount,omitempty"`
	Humanlike  bool   `json:"humanlike,omitempty"`
}

type InputConfig struct {
	Selector string `json:"selector"`
	Text     string `json:"text"`
	Clear    bool   `json:"clear,omitempty"`
	DelayMs  int    `json:"delayMs,omitempty"`
}

// 等待类型。
const (
	WaitTime       = "time"
	WaitSelector   = "selector"
	WaitNavigation = "navigation"
)

type WaitConfig struct {
	Kind       string `json:"kind"`
	DurationMs int    `json:"durationMs,omitempty"`
	Selector   string `json:"selector,omitempty"`
	TimeoutMs  int    `json:"timeoutMs,omitempty"`
}

type ScrollConfig struct {
	Direction string `json:"direction,omitempty"`
	Amount    int    `json:"amount,omitempty"`
	Selector  string `json:"selector,omitempty"`
}

// 提取方式。
const (
	ExtractCSS   = "css"
	ExtractXPath = "xpath"
)

type ExtractConfig struct {
	Selector  string `json:"selector"`
	Mode      string `json:"mode,omitempty"`
	Attribute string `json:"attribute,omitempty"`
	Variable  string `json:"variable,omitempty"`
	Multiple  bool   `json:"multiple,omitempty"`
}

type ScreenshotConfig struct {
	FullPage bool   `json:"fullPage,omitempty"`
	Path     string `json:"path,omitempty"`
	Selector string `json:"selector,omitempty"`
}

type ExecuteScriptConfig struct {
	Script   string `json:"script"`
	Variable string `json:"variable,omitempty"`
}

type HoverConfig struct {
	Selector  string `json:"selector"`
	Humanlike bool   `json:"humanlike,omitempty"`
}

type KeypressConfig struct {
	Key string `json:"key"`
}

type SetVariableConfig struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// decodeConfig 把步骤配置解码到规范结构。
func decodeConfig(s Step, v interface{}) error {
	if len(s.Config) == 0 {
		return nil
	}
	if err := json.Unmarshal(s.Config, v); err != nil {
		return fmt.Errorf("step %s: invalid %s config: %w", s.ID, s.Type, err)
	}
	return nil
}

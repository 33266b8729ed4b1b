package rpa

import (
	"encoding/json"
	"fmt"
)

// legacyStepTypes 是旧版本使用过的步骤类型名。
var legacyStepTypes = map[StepType]StepType{
	"type":       StepInput,
	"typeText":   StepInput,
	"script":     StepExecuteScript,
	"evaluate":   StepExecuteScript,
	"keyPress":   StepKeypress,
	"delay":      StepWait,
	"sleep":      StepWait,
	"goto":       StepNavigate,
	"mouseHover": StepHover,
}

// legacyFields 是按步骤类型的旧字段到规范字段的映射。
var legacyFields = map[StepType]map[string]string{
	StepNavigate:      {"timeout": "timeoutMs", "waitFor": "waitUntil"},
	StepClick:         {"clicks": "clickCount", "humanLike": "humanlike"},
	StepInput:         {"value": "text", "delay": "delayMs", "clearFirst": "clear"},
	StepWait:          {"ms": "durationMs", "duration": "durationMs", "waitTime": "durationMs", "timeout": "timeoutMs", "waitType": "kind"},
	StepScroll:        {"scrollAmount": "amount", "scrollDirection": "direction"},
	StepExtract:       {"attr": "attribute", "saveAs": "variable", "variableName": "variable"},
	StepScreenshot:    {"filePath": "path", "fullpage": "fullPage"},
	StepExecuteScript: {"code": "script", "saveAs": "variable"},
	StepKeypress:      {"keyName": "key"},
	StepSetVariable:   {"variable": "name", "variableName": "name"},
}

var legacyPolicies = map[OnError]OnError{
	"stop":   OnErrorStop,
	"abort":  OnErrorStop,
	"ignore": OnErrorContinue,
}

// MigrateLegacy 在导入时把旧字段名改写为规范配置, 只执行一次。
// 新旧字段同时存在时以规范字段为准, 旧字段被丢弃。
func MigrateLegacy(t *Task) error {
	return migrateSteps(t.Steps)
}

func migrateSteps(steps []Step) error {
	for i := range steps {
		if err := migrateStep(&steps[i]); err != nil {
			return err
		}
		for _, sub := range [][]Step{steps[i].ThenSteps, steps[i].ElseSteps, steps[i].Steps} {
			if err := migrateSteps(sub); err != nil {
				return err
			}
		}
	}
	return nil
}

func migrateStep(s *Step) error {
	if canonical, ok := legacyStepTypes[s.Type]; ok {
		s.Type = canonical
	}
	if p, ok := legacyPolicies[s.OnError]; ok {
		s.OnError = p
	}
	if len(s.Config) == 0 {
		return nil
	}

	var cfg map[string]json.RawMessage
	if err := json.Unmarshal(s.Config, &cfg); err != nil {
		return fmt.Errorf("step %s: config is not an object: %w", s.ID, err)
	}
	changed := false
	for old, canonical := range legacyFields[s.Type] {
		v, ok := cfg[old]
		if !ok {
			continue
		}
		if _, exists := cfg[canonical]; !exists {
			cfg[canonical] = v
		}
		delete(cfg, old)
		changed = true
	}

	switch s.Type {
	case StepExtract:
		// {"xpath": true} -> {"mode": "xpath"}
		if v, ok := cfg["xpath"]; ok {
			var isXPath bool
			if json.Unmarshal(v, &isXPath) == nil && isXPath {
				if _, exists := cfg["mode"]; !exists {
					cfg["mode"] = json.RawMessage(`"` + ExtractXPath + `"`)
				}
			}
			delete(cfg, "xpath")
			changed = true
		}
	case StepWait:
		// 只有时长的旧 wait 步骤没有 kind
		if _, ok := cfg["kind"]; !ok {
			kind := WaitTime
			if _, ok := cfg["selector"]; ok {
				kind = WaitSelector
			}
			cfg["kind"] = json.RawMessage(`"` + kind + `"`)
			changed = true
		}
	}

	if !changed {
		return nil
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("step %s: encode migrated config: %w", s.ID, err)
	}
	s.Config = data
	return nil
}

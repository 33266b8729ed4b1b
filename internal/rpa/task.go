package rpa

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// StepType 是步骤类型。
type StepType string

const (
	StepNavigate      StepType = "navigate"
	StepClick         StepType = "click"
	StepInput         StepType = "input"
	StepWait          StepType = "wait"
	StepScroll        StepType = "scroll"
	StepExtract       StepType = "extract"
	StepScreenshot    StepType = "screenshot"
	StepExecuteScript StepType = "executeScript"
	StepHover         StepType = "hover"
	StepKeypress      StepType = "keypress"
	StepCondition     StepType = "condition"
	StepLoop          StepType = "loop"
	StepSetVariable   StepType = "setVariable"
)

// OnError 是步骤失败时的处理策略。
type OnError string

const (
	// OnErrorRetry 重跑步骤最多 Retries 次, 仍失败时任务失败。
	OnErrorRetry OnError = "retry"
	// OnErrorSkip 记录失败并继续, 任务标记为降级。
	OnErrorSkip OnError = "skip"
	// OnErrorStop 任务立即失败, 后续步骤不再执行。
	OnErrorStop OnError = "stop_task"
	// OnErrorContinue 与 skip 相同, 但不标记降级。
	OnErrorContinue OnError = "continue"
)

// Task 是一个可导入导出的自动化任务定义。
type Task struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Steps       []Step            `json:"steps"`
	Settings    TaskSettings      `json:"settings"`
	Variables   map[string]string `json:"variables,omitempty"`
	DataSource  *CSVSource        `json:"dataSource,omitempty"`
}

// TaskSettings 是任务级的执行参数。零值表示使用调度器默认值。
type TaskSettings struct {
	TimeoutSec  int `json:"timeoutSec,omitempty"`
	MaxRetries  int `json:"maxRetries,omitempty"`
	Concurrency int `json:"concurrency,omitempty"`
	Priority    int `json:"priority,omitempty"`
}

// CSVSource 是 csv 循环的数据来源, Content 优先于 Path。
type CSVSource struct {
	Path      string `json:"path,omitempty"`
	Content   string `json:"content,omitempty"`
	Delimiter string `json:"delimiter,omitempty"`
}

// Step 是外部任务格式中的一个步骤。Config 的结构由 Type 决定。
type Step struct {
	ID           string          `json:"id"`
	Type         StepType        `json:"type"`
	Name         string          `json:"name,omitempty"`
	Enabled      *bool           `json:"enabled,omitempty"`
	Order        int             `json:"order"`
	Config       json.RawMessage `json:"config,omitempty"`
	Conditions   *ConditionGroup `json:"conditions,omitempty"`
	Loop         *LoopConfig     `json:"loop,omitempty"`
	OnError      OnError         `json:"onError,omitempty"`
	Retries      int             `json:"retries,omitempty"`
	RetryDelayMs int             `json:"retryDelayMs,omitempty"`
	ThenSteps    []Step          `json:"thenSteps,omitempty"`
	ElseSteps    []Step          `json:"elseSteps,omitempty"`
	Steps        []Step          `json:"steps,omitempty"`
}

// IsEnabled 缺省视为启用。
func (s Step) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Policy 返回有效的失败策略, 缺省为 stop_task。
func (s Step) Policy() OnError {
	if s.OnError == "" {
		return OnErrorStop
	}
	return s.OnError
}

// 条件组合方式。
const (
	LogicAnd = "and"
	LogicOr  = "or"
)

// ConditionGroup 是一组按 Logic 组合的条件, 空组视为成立。
type ConditionGroup struct {
	Logic string      `json:"logic,omitempty"`
	Items []Condition `json:"items"`
}

// 条件类型。
const (
	CondElementExists    = "elementExists"
	CondElementVisible   = "elementVisible"
	CondURLContains      = "urlContains"
	CondVariableEquals   = "variableEquals"
	CondVariableContains = "variableContains"
	CondScript           = "script"
)

type Condition struct {
	Kind     string `json:"kind"`
	Selector string `json:"selector,omitempty"`
	Variable string `json:"variable,omitempty"`
	Value    string `json:"value,omitempty"`
	Script   string `json:"script,omitempty"`
	Negate   bool   `json:"negate,omitempty"`
}

// 循环类型。
const (
	LoopCount = "count"
	LoopWhile = "while"
	LoopCSV   = "csv"
)

// LoopConfig 描述 loop 步骤如何重复执行 Steps。
// while 循环只受任务超时和 MaxIterations (0 表示不限) 约束。
type LoopConfig struct {
	Kind          string          `json:"kind"`
	Count         int             `json:"count,omitempty"`
	While         *ConditionGroup `json:"while,omitempty"`
	MaxIterations int             `json:"maxIterations,omitempty"`
	IndexVariable string          `json:"indexVariable,omitempty"`
}

var knownSteps = map[StepType]bool{
	StepNavigate: true, StepClick: true, StepInput: true, StepWait: true, StepScroll: true,
	StepExtract: true, StepScreenshot: true, StepExecuteScript: true, StepHover: true,
	StepKeypress: true, StepCondition: true, StepLoop: true, StepSetVariable: true,
}

// Validate 检查任务结构, 返回第一个发现的问题。
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task has no id")
	}
	seen := map[string]bool{}
	return validateSteps(t.Steps, seen)
}

func validateSteps(steps []Step, seen map[string]bool) error {
	for _, s := range steps {
		if s.ID == "" {
			return fmt.Errorf("step of type %q has no id", s.Type)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate step id %q", s.ID)
		}
		seen[s.ID] = true
		if !knownSteps[s.Type] {
			return fmt.Errorf("step %s: unknown type %q", s.ID, s.Type)
		}
		switch s.Policy() {
		case OnErrorRetry, OnErrorSkip, OnErrorStop, OnErrorContinue:
		default:
			return fmt.Errorf("step %s: unknown onError policy %q", s.ID, s.OnError)
		}
		if s.Type == StepLoop {
			if s.Loop == nil {
				return fmt.Errorf("step %s: loop step without loop config", s.ID)
			}
			switch s.Loop.Kind {
			case LoopCount, LoopCSV:
			case LoopWhile:
				if s.Loop.While == nil {
					return fmt.Errorf("step %s: while loop without condition", s.ID)
				}
			default:
				return fmt.Errorf("step %s: unknown loop kind %q", s.ID, s.Loop.Kind)
			}
		}
		if s.Type == StepCondition && s.Conditions == nil {
			return fmt.Errorf("step %s: condition step without conditions", s.ID)
		}
		for _, sub := range [][]Step{s.ThenSteps, s.ElseSteps, s.Steps} {
			if err := validateSteps(sub, seen); err != nil {
				return err
			}
		}
	}
	return nil
}

// ordered 按 Order 稳定排序, Order 相同时保持声明顺序。
func ordered(steps []Step) []Step {
	out := make([]Step, len(steps))
	copy(out, steps)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Export 把任务编码为外部格式。
func Export(t *Task) ([]byte, error) {
	return json.MarshalIndent(t, "", "  ")
}

// Import 解码外部格式的任务, 执行一次性的旧字段迁移并校验。
// 缺少 id 的任务和步骤会被分配新的 UUID。
func Import(data []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	assignStepIDs(t.Steps)
	if err := MigrateLegacy(&t); err != nil {
		return nil, err
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

func assignStepIDs(steps []Step) {
	for i := range steps {
		if steps[i].ID == "" {
			steps[i].ID = uuid.NewString()
		}
		assignStepIDs(steps[i].ThenSteps)
		assignStepIDs(steps[i].ElseSteps)
		assignStepIDs(steps[i].Steps)
	}
}

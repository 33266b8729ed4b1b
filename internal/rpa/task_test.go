package rpa

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// compactJSON 忽略 RawMessage 的排版差异。
var compactJSON = cmp.Transformer("compactJSON", func(r json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, r); err != nil {
		return string(r)
	}
	return buf.String()
})

func sampleTask() *Task {
	on := true
	cond := Step{
		ID:         "check",
		Type:       StepCondition,
		Order:      2,
		Conditions: &ConditionGroup{Logic: LogicOr, Items: []Condition{{Kind: CondURLContains, Value: "login"}, {Kind: CondElementVisible, Selector: "#user", Negate: true}}},
		ThenSteps:  []Step{{ID: "fill", Type: StepInput, Config: json.RawMessage(`{"selector":"#user","text":"{{row.user}}","clear":true,"delayMs":40}`)}},
	}
	loop := Step{
		ID:      "rows",
		Type:    StepLoop,
		Order:   3,
		Enabled: &on,
		Loop:    &LoopConfig{Kind: LoopCSV, IndexVariable: "i"},
		Steps:   []Step{{ID: "shot", Type: StepScreenshot, Config: json.RawMessage(`{"path":"{{i}}.png"}`), OnError: OnErrorSkip}},
	}
	return &Task{
		ID:          "task-1",
		Name:        "login sweep",
		Description: "fills the login form for every row",
		Settings:    TaskSettings{TimeoutSec: 60, MaxRetries: 1, Priority: 3},
		Variables:   map[string]string{"base": "https://example.test"},
		DataSource:  &CSVSource{Content: "user\nalice\n"},
		Steps: []Step{
			{ID: "open", Type: StepNavigate, Order: 1, Config: json.RawMessage(`{"url":"{{base}}/login","waitUntil":"networkidle"}`), OnError: OnErrorRetry, Retries: 2, RetryDelayMs: 500},
			cond,
			loop,
		},
	}
}

func TestExportImport_RoundTrip(t *testing.T) {
	orig := sampleTask()
	data, err := Export(orig)
	require.NoError(t, err)

	got, err := Import(data)
	require.NoError(t, err)
	if diff := cmp.Diff(orig, got, compactJSON); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestImport_AssignsIDs(t *testing.T) {
	got, err := Import([]byte(`{"name":"x","steps":[{"type":"condition","conditions":{"items":[]},"thenSteps":[{"type":"click","config":{"selector":"a"}}]}]}`))
	require.NoError(t, err)
	assert.NotEmpty(t, got.ID)
	require.Len(t, got.Steps, 1)
	assert.NotEmpty(t, got.Steps[0].ID)
	assert.NotEmpty(t, got.Steps[0].ThenSteps[0].ID)
}

func TestImport_MigratesLegacyFields(t *testing.T) {
	legacy := `{
  "id": "old",
  "steps": [
    {"id": "a", "type": "goto", "config": {"url": "https://example.test", "timeout": 5000}},
    {"id": "b", "type": "typeText", "config": {"selector": "#q", "value": "hello"}, "onError": "ignore"},
    {"id": "c", "type": "delay", "config": {"ms": 250}},
    {"id": "d", "type": "wait", "config": {"selector": "#done", "timeout": 1000}},
    {"id": "e", "type": "scroll", "config": {"scrollAmount": 400, "amount": 50}},
    {"id": "f", "type": "extract", "config": {"selector": "//h1", "xpath": true, "saveAs": "title"}},
    {"id": "g", "type": "script", "config": {"code": "1+1"}, "onError": "stop"}
  ]
}`
	got, err := Import([]byte(legacy))
	require.NoError(t, err)

	byID := map[string]Step{}
	for _, s := range got.Steps {
		byID[s.ID] = s
	}

	var nav NavigateConfig
	require.NoError(t, json.Unmarshal(byID["a"].Config, &nav))
	assert.Equal(t, StepNavigate, byID["a"].Type)
	assert.Equal(t, 5000, nav.TimeoutMs)

	var in InputConfig
	require.NoError(t, json.Unmarshal(byID["b"].Config, &in))
	assert.Equal(t, StepInput, byID["b"].Type)
	assert.Equal(t, "hello", in.Text)
	assert.Equal(t, OnErrorContinue, byID["b"].OnError)

	var w WaitConfig
	require.NoError(t, json.Unmarshal(byID["c"].Config, &w))
	assert.Equal(t, WaitConfig{Kind: WaitTime, DurationMs: 250}, w)

	w = WaitConfig{}
	require.NoError(t, json.Unmarshal(byID["d"].Config, &w))
	assert.Equal(t, WaitConfig{Kind: WaitSelector, Selector: "#done", TimeoutMs: 1000}, w)

	// 规范字段优先
	var sc ScrollConfig
	require.NoError(t, json.Unmarshal(byID["e"].Config, &sc))
	assert.Equal(t, 50, sc.Amount)
	assert.NotContains(t, string(byID["e"].Config), "scrollAmount")

	var ex ExtractConfig
	require.NoError(t, json.Unmarshal(byID["f"].Config, &ex))
	assert.Equal(t, ExtractConfig{Selector: "//h1", Mode: ExtractXPath, Variable: "title"}, ex)

	var es ExecuteScriptConfig
	require.NoError(t, json.Unmarshal(byID["g"].Config, &es))
	assert.Equal(t, StepExecuteScript, byID["g"].Type)
	assert.Equal(t, "1+1", es.Script)
	assert.Equal(t, OnErrorStop, byID["g"].OnError)
}

func TestMigrateLegacy_CanonicalUntouched(t *testing.T) {
	raw := json.RawMessage(`{"selector":"#a","humanlike":true}`)
	task := &Task{ID: "t", Steps: []Step{{ID: "a", Type: StepClick, Config: raw}}}
	require.NoError(t, MigrateLegacy(task))
	assert.Equal(t, string(raw), string(task.Steps[0].Config))
}

func TestValidate(t *testing.T) {
	cases := map[string]*Task{
		"no id":          {Steps: []Step{}},
		"duplicate step": {ID: "t", Steps: []Step{{ID: "a", Type: StepClick}, {ID: "a", Type: StepClick}}},
		"unknown type":   {ID: "t", Steps: []Step{{ID: "a", Type: "teleport"}}},
		"bad policy":     {ID: "t", Steps: []Step{{ID: "a", Type: StepClick, OnError: "panic"}}},
		"loop no config": {ID: "t", Steps: []Step{{ID: "a", Type: StepLoop}}},
		"while no cond":  {ID: "t", Steps: []Step{{ID: "a", Type: StepLoop, Loop: &LoopConfig{Kind: LoopWhile}}}},
		"nested dup":     {ID: "t", Steps: []Step{{ID: "a", Type: StepCondition, Conditions: &ConditionGroup{}, ElseSteps: []Step{{ID: "a", Type: StepClick}}}}},
	}
	for name, task := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, task.Validate())
		})
	}
	assert.NoError(t, sampleTask().Validate())
}

func TestLibrary_PersistsTasks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	lib := NewLibrary(path)
	require.NoError(t, lib.Load())
	assert.Empty(t, lib.List())

	require.NoError(t, lib.Put(sampleTask()))
	require.NoError(t, lib.Put(&Task{ID: "a-first", Steps: []Step{{ID: "k", Type: StepKeypress, Config: json.RawMessage(`{"key":"Enter"}`)}}}))
	assert.Error(t, lib.Put(&Task{ID: "broken", Steps: []Step{{ID: "x", Type: "nope"}}}))

	reloaded := NewLibrary(path)
	require.NoError(t, reloaded.Load())
	list := reloaded.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a-first", list[0].ID)
	got, found := reloaded.Get("task-1")
	require.True(t, found)
	if diff := cmp.Diff(sampleTask(), got, compactJSON); diff != "" {
		t.Errorf("reloaded task mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, reloaded.Delete("a-first"))
	again := NewLibrary(path)
	require.NoError(t, again.Load())
	assert.Len(t, again.List(), 1)
}

func TestLibrary_LoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))
	assert.Error(t, NewLibrary(path).Load())
}

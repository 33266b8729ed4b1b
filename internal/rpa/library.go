package rpa

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
)

// Library 保存任务定义, path 非空时以外部格式的 JSON 数组持久化到文件。
type Library struct {
	path string

	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewLibrary 创建任务库。path 为空时只保存在内存中。
func NewLibrary(path string) *Library {
	return &Library{path: path, tasks: make(map[string]*Task)}
}

// Load 从文件读取任务, 文件不存在时视为空库。导入路径同样执行旧字段迁移。
func (l *Library) Load() error {
	if l.path == "" {
		return nil
	}
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read tasks: %w", err)
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode tasks: %w", err)
	}
	tasks := make(map[string]*Task, len(raw))
	for i, r := range raw {
		t, err := Import(r)
		if err != nil {
			return fmt.Errorf("task #%d: %w", i, err)
		}
		tasks[t.ID] = t
	}
	l.mu.Lock()
	l.tasks = tasks
	l.mu.Unlock()
	return nil
}

func (l *Library) Get(id string) (*Task, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, found := l.tasks[id]
	return t, found
}

// List 返回按 id 排序的任务。
func (l *Library) List() []*Task {
	l.mu.RLock()
	out := make([]*Task, 0, len(l.tasks))
	for _, t := range l.tasks {
		out = append(out, t)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// Put 校验并保存任务, 同 id 的旧定义被替换。
func (l *Library) Put(t *Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	l.tasks[t.ID] = t
	l.mu.Unlock()
	return l.save()
}

func (l *Library) Delete(id string) error {
	l.mu.Lock()
	delete(l.tasks, id)
	l.mu.Unlock()
	return l.save()
}

func (l *Library) save() error {
	if l.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(l.List(), "", "  ")
	if err != nil {
		return err
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write tasks: %w", err)
	}
	return os.Rename(tmp, l.path)
}

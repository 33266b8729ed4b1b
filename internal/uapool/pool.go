package uapool

import (
	"sort"
	"sync"
)

// Pool 是按平台分组的 UA 列表, 读多写少。
type Pool struct {
	mu      sync.RWMutex
	entries map[string]*Entry // ua -> entry
	byPlat  map[string][]string
}

func NewPool() *Pool {
	return &Pool{
		entries: make(map[string]*Entry),
		byPlat:  make(map[string][]string),
	}
}

// Get 返回平台对应 UA 列表的副本。
func (p *Pool) Get(platform string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	list := p.byPlat[platform]
	out := make([]string, len(list))
	copy(out, list)
	return out
}

// Add 合并新条目, 已存在的 UA 保持原样。返回真正新增的数量。
func (p *Pool) Add(entries []*Entry) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	added := 0
	for _, e := range entries {
		if e == nil || e.UA == "" || e.Platform == "" {
			continue
		}
		if _, exists := p.entries[e.UA]; exists {
			continue
		}
		p.entries[e.UA] = e
		added++
	}
	if added > 0 {
		p.rebuild()
	}
	return added
}

// Replace 用 entries 整体替换池内容。
func (p *Pool) Replace(entries map[string]*Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = make(map[string]*Entry, len(entries))
	for k, v := range entries {
		p.entries[k] = v
	}
	p.rebuild()
}

// Snapshot 返回全部条目的副本, 用于持久化。
func (p *Pool) Snapshot() map[string]*Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]*Entry, len(p.entries))
	for k, v := range p.entries {
		e := *v
		out[k] = &e
	}
	return out
}

// Counts 返回每个平台的 UA 数量。
func (p *Pool) Counts() map[string]int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]int, len(p.byPlat))
	for k, v := range p.byPlat {
		out[k] = len(v)
	}
	return out
}

// Reset 清空池。
func (p *Pool) Reset() {
	p.Replace(nil)
}

// rebuild 必须在写锁下调用。
func (p *Pool) rebuild() {
	p.byPlat = make(map[string][]string)
	for ua, e := range p.entries {
		p.byPlat[e.Platform] = append(p.byPlat[e.Platform], ua)
	}
	for _, list := range p.byPlat {
		sort.Strings(list)
	}
}

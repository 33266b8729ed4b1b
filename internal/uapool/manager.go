package uapool

import (
	"context"
	"sync"
	"time"

	"maskbrowser/internal/shared/logger"
)

// Manager 负责 UA 池的加载、定时刷新和持久化。
type Manager struct {
	pool     *Pool
	storage  Storage
	sources  []Source
	interval time.Duration

	ticker   *time.Ticker
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager 创建管理器。storage 可为 nil, 此时不持久化; interval 为 0 时不做定时刷新。
func NewManager(pool *Pool, storage Storage, interval time.Duration) *Manager {
	if pool == nil {
		pool = NewPool()
	}
	return &Manager{
		pool:     pool,
		storage:  storage,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// AddSource 添加一个 UA 来源。
func (m *Manager) AddSource(s Source) {
	m.sources = append(m.sources, s)
}

// Pool 返回被管理的池。
func (m *Manager) Pool() *Pool { return m.pool }

// Start 从存储加载池并启动后台刷新。加载失败时池保持为空, 调用方会退回内置 UA。
func (m *Manager) Start() {
	l := logger.WithComponent("UAPool/Manager")
	l.Info().Int("sources", len(m.sources)).Msg("Manager starting...")

	if m.storage != nil {
		entries, err := m.storage.Load()
		if err != nil {
			l.Error().Err(err).Msg("Failed to load user agents from storage. Starting with an empty pool.")
		} else {
			m.pool.Replace(entries)
		}
	}

	if len(m.sources) == 0 {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.Refresh(context.Background())
	}()

	if m.interval > 0 {
		m.ticker = time.NewTicker(m.interval)
		m.wg.Add(1)
		go m.schedulerLoop()
	}
}

func (m *Manager) schedulerLoop() {
	defer m.wg.Done()
	l := logger.WithComponent("UAPool/Manager")
	for {
		select {
		case <-m.ticker.C:
			l.Debug().Msg("Refresh ticker triggered.")
			m.Refresh(context.Background())
		case <-m.stopChan:
			m.ticker.Stop()
			return
		}
	}
}

// Refresh 并发地询问所有来源, 合并新 UA 并持久化。返回新增数量。
func (m *Manager) Refresh(ctx context.Context) int {
	l := logger.WithComponent("UAPool/Manager")

	var wg sync.WaitGroup
	scraped := make(chan []*Entry, len(m.sources))
	for _, s := range m.sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			entries, err := src.Scrape(ctx)
			if err != nil {
				l.Warn().Err(err).Str("source", src.Name()).Msg("UA source failed.")
				return
			}
			if len(entries) > 0 {
				scraped <- entries
			}
		}(s)
	}
	wg.Wait()
	close(scraped)

	added := 0
	for entries := range scraped {
		added += m.pool.Add(entries)
	}

	if added > 0 && m.storage != nil {
		if err := m.storage.Save(m.pool.Snapshot()); err != nil {
			l.Error().Err(err).Msg("Failed to save user agents to storage.")
		}
	}
	l.Info().Int("added", added).Interface("counts", m.pool.Counts()).Msg("UA refresh finished.")
	return added
}

// Stop 停止后台刷新并等待进行中的刷新结束。
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
	m.wg.Wait()
	l := logger.WithComponent("UAPool/Manager")
	l.Info().Msg("UA pool manager stopped.")
}

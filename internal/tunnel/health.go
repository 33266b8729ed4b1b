package tunnel

import (
	"context"
	"sync"
	"time"

	"maskbrowser/internal/shared/logger"
	"maskbrowser/internal/shared/types"
)

// HealthReport 是单个隧道一次健康检查的结果。
type HealthReport struct {
	SessionID  string             `json:"sessionId"`
	Status     string             `json:"status"`
	ExitIP     string             `json:"exitIp"`
	ExpectedIP string             `json:"expectedIp"`
	Drifted    bool               `json:"drifted"`
	Metrics    types.Metrics      `json:"metrics"`
	Traffic    types.TrafficStats `json:"traffic"`
	Error      string             `json:"error,omitempty"`
	CheckedAt  time.Time          `json:"checkedAt"`
}

// HealthChecker 周期性地对所有活跃隧道做出口探测。
// 出口 IP 与派生身份时的 IP 不一致时只报告漂移，身份本身保持不变。
type HealthChecker struct {
	manager  *Manager
	interval time.Duration
	onReport func(HealthReport)

	stopChan chan struct{}
	stopOnce sync.Once
}

func NewHealthChecker(manager *Manager, interval time.Duration, onReport func(HealthReport)) *HealthChecker {
	return &HealthChecker{
		manager:  manager,
		interval: interval,
		onReport: onReport,
		stopChan: make(chan struct{}),
	}
}

// Check 并发检查当前所有隧道。
func (c *HealthChecker) Check(ctx context.Context) map[string]HealthReport {
	handles := c.manager.Handles()
	reports := make(map[string]HealthReport, len(handles))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, h := range handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			res := ProbeExitIP(ctx, h.Dialer(), c.manager.opts.EchoEndpoints, c.manager.opts.TestTimeout)

			report := HealthReport{
				SessionID:  h.SessionID,
				ExpectedIP: h.ExitIP(),
				ExitIP:     res.IP,
				Metrics:    *h.GetMetrics(),
				Traffic:    h.GetTrafficStats(),
				CheckedAt:  time.Now(),
			}
			report.Metrics.Latency = res.ResponseTimeMs
			if res.Success {
				report.Status = types.StatusUp.String()
				report.Drifted = report.ExpectedIP != "" && report.ExpectedIP != res.IP
			} else {
				report.Status = types.StatusDown.String()
				report.Metrics.Latency = -1
				report.Error = res.Error
			}

			ev := logger.Debug()
			if report.Drifted {
				ev = logger.Warn()
			}
			ev.Str("session_id", h.SessionID).Str("status", report.Status).Str("exit_ip", report.ExitIP).
				Str("expected_ip", report.ExpectedIP).Bool("drifted", report.Drifted).Msg("HealthCheck: tunnel checked.")

			mu.Lock()
			reports[h.SessionID] = report
			mu.Unlock()
		}(h)
	}
	wg.Wait()
	return reports
}

// Start 启动后台检查循环。
func (c *HealthChecker) Start() {
	if c.interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, r := range c.Check(context.Background()) {
					if c.onReport != nil {
						c.onReport(r)
					}
				}
			case <-c.stopChan:
				return
			}
		}
	}()
}

func (c *HealthChecker) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}

package types

// TrafficStats 用于报告流量统计信息
type TrafficStats struct {
	Uplink   uint64 `json:"uplink"`
	Downlink uint64 `json:"downlink"`
}

// HealthStatus 描述隧道健康状态
type HealthStatus int

const (
	StatusUnknown HealthStatus = iota
	StatusUp
	StatusDown
)

func (s HealthStatus) String() string {
	switch s {
	case StatusUp:
		return "UP"
	case StatusDown:
		return "DOWN"
	default:
		return "UNKNOWN"
	}
}

// Metrics holds the runtime metrics of a tunnel.
type Metrics struct {
	ActiveConnections int64 `json:"activeConnections"`
	Latency           int64 `json:"latency"` // Latency in milliseconds (-1 for unknown/failed)
}

package geo

import (
	"errors"
	"time"
)

// ErrLookupFailed 表示所有地理定位提供方都失败了。该错误在内部被吸收，调用方拿到 UTC 回退记录。
var ErrLookupFailed = errors.New("geo lookup failed")

// FallbackTimezone 是所有提供方失败时使用的时区。
const FallbackTimezone = "UTC"

// Record 是一个 IP 的地理定位结果。写入缓存后不再修改。
type Record struct {
	IP         string    `json:"ip"`
	Timezone   string    `json:"timezone"`
	Country    string    `json:"country"`
	City       string    `json:"city"`
	UTCOffset  int       `json:"utcOffset"` // 秒, 东正西负
	ResolvedAt time.Time `json:"resolvedAt"`
	Success    bool      `json:"success"`
	Provider   string    `json:"provider,omitempty"`
}

// Fallback 返回一个不会被缓存的 UTC 回退记录。
func Fallback(ip string) Record {
	return Record{
		IP:         ip,
		Timezone:   FallbackTimezone,
		ResolvedAt: time.Now().UTC(),
		Success:    false,
	}
}

// offsetFor 计算某个时区在 at 时刻相对 UTC 的偏移 (秒)。
func offsetFor(tz string, at time.Time) (int, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return 0, err
	}
	_, offset := at.In(loc).Zone()
	return offset, nil
}

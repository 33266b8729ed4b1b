package uapool

import (
	"strings"
	"time"
)

// Entry 是池中的一条 UA 记录。
type Entry struct {
	UA        string    `json:"ua"`
	Platform  string    `json:"platform"`
	Source    string    `json:"source"`
	FirstSeen time.Time `json:"first_seen"`
}

// Classify 根据 UA 中的系统标记判断平台, 无法识别时 ok 为 false。
// 判断顺序有意义: iPhone/iPad 的 UA 含有 "Mac OS X", Android 的 UA 含有 "Linux"。
func Classify(ua string) (platform string, ok bool) {
	if !strings.HasPrefix(ua, "Mozilla/5.0") {
		return "", false
	}
	switch {
	case strings.Contains(ua, "SmartTV"), strings.Contains(ua, "SMART-TV"),
		strings.Contains(ua, "BRAVIA"), strings.Contains(ua, "Web0S"),
		strings.Contains(ua, "Tizen"), strings.Contains(ua, "CrKey"):
		return "tv", true
	case strings.Contains(ua, "iPhone"), strings.Contains(ua, "iPad"), strings.Contains(ua, "iPod"):
		return "ios", true
	case strings.Contains(ua, "Android"):
		return "android", true
	case strings.Contains(ua, "Windows NT"):
		return "windows", true
	case strings.Contains(ua, "Macintosh"):
		return "macos", true
	case strings.Contains(ua, "X11; Linux"), strings.Contains(ua, "X11; Ubuntu"), strings.Contains(ua, "X11; Fedora"):
		return "linux", true
	}
	return "", false
}

package tunnel

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUpstreamUnreachable 表示网络层面的代理失败 (拒绝连接/超时/DNS)，会按退避策略重试。
	ErrUpstreamUnreachable = errors.New("upstream proxy unreachable")
	// ErrAuthenticationFailed 表示上游拒绝了凭据，永不重试。
	ErrAuthenticationFailed = errors.New("upstream proxy rejected credentials")
)

// UpstreamError 携带错误类别与底层原因，errors.Is 对两者都成立。
type UpstreamError struct {
	Kind     error
	Upstream string
	Err      error
}

func (e *UpstreamError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s (%s)", e.Kind, e.Upstream)
	}
	return fmt.Sprintf("%s (%s): %v", e.Kind, e.Upstream, e.Err)
}

func (e *UpstreamError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func unreachable(upstream string, err error) error {
	return &UpstreamError{Kind: ErrUpstreamUnreachable, Upstream: upstream, Err: err}
}

func authFailed(upstream string, err error) error {
	return &UpstreamError{Kind: ErrAuthenticationFailed, Upstream: upstream, Err: err}
}

// classify 将拨号错误归类。x/net/proxy 的 SOCKS5 实现不导出认证错误类型，只能按错误文本判断。
func classify(upstream string, err error) error {
	if err == nil {
		return nil
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return err
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "authentication failed"),
		strings.Contains(msg, "no acceptable authentication methods"),
		strings.Contains(msg, "unsupported authentication method"):
		return authFailed(upstream, err)
	default:
		return unreachable(upstream, err)
	}
}

// IsRetryable 报告错误是否值得按退避策略重试。
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUpstreamUnreachable) && !errors.Is(err, ErrAuthenticationFailed)
}

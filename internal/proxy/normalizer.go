package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ErrFormat 是所有代理字符串格式错误的哨兵错误。
var ErrFormat = errors.New("invalid proxy format")

// FormatError 描述一个无法解析的代理字符串。属于用户可修正的错误, 不重试。
type FormatError struct {
	Input  string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid proxy %q: %s", redactInput(e.Input), e.Reason)
}

func (e *FormatError) Unwrap() error { return ErrFormat }

func formatErr(raw, reason string) error {
	return &FormatError{Input: raw, Reason: reason}
}

// ParseScheme 解析协议名, 接受 socks5h / socks 等别名。
func ParseScheme(s string) (Scheme, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "http":
		return SchemeHTTP, true
	case "https":
		return SchemeHTTPS, true
	case "socks5", "socks5h", "socks":
		return SchemeSOCKS5, true
	default:
		return "", false
	}
}

// Normalize 将原始代理字符串解析为 Descriptor。
// 支持三种形态: host:port, host:port:user:pass, scheme://[user:pass@]host:port。
// 原始字符串不带协议时使用 assumed; assumed 为空时默认 http。
func Normalize(raw string, assumed Scheme) (Descriptor, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Descriptor{}, formatErr(raw, "empty string")
	}
	if assumed == "" {
		assumed = SchemeHTTP
	}
	if _, ok := ParseScheme(string(assumed)); !ok {
		return Descriptor{}, formatErr(raw, fmt.Sprintf("unsupported scheme %q", assumed))
	}

	if strings.Contains(s, "://") {
		return parseURL(raw, s)
	}
	// 密码里可以有 '@', 所以先认 host:port:user:pass
	if isSegmentForm(s) {
		return parseSegments(raw, s, assumed)
	}
	// user:pass@host:port 也按 URL 处理
	if strings.Contains(s, "@") {
		return parseURL(raw, string(assumed)+"://"+s)
	}
	return parseSegments(raw, s, assumed)
}

func parseURL(raw, s string) (Descriptor, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Descriptor{}, formatErr(raw, "not a valid URL")
	}
	scheme, ok := ParseScheme(u.Scheme)
	if !ok {
		return Descriptor{}, formatErr(raw, fmt.Sprintf("unsupported scheme %q", u.Scheme))
	}
	if u.Path != "" && u.Path != "/" {
		return Descriptor{}, formatErr(raw, "unexpected path in proxy URL")
	}

	d := Descriptor{Scheme: scheme, Host: u.Hostname()}
	if d.Host == "" {
		return Descriptor{}, formatErr(raw, "missing host")
	}
	d.Port, err = parsePort(u.Port())
	if err != nil {
		return Descriptor{}, formatErr(raw, err.Error())
	}

	// url.Parse 已经完成了 userinfo 的百分号解码
	if u.User != nil {
		d.Username = u.User.Username()
		d.Password, _ = u.User.Password()
	}
	if err := checkCredentials(d.Username, d.Password); err != nil {
		return Descriptor{}, formatErr(raw, err.Error())
	}
	return d, nil
}

// isSegmentForm 判断 s 是否为 host:port:user:pass: 恰好 4 段且第 2 段是数字端口。
func isSegmentForm(s string) bool {
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return false
	}
	_, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	return err == nil
}

func parseSegments(raw, s string, assumed Scheme) (Descriptor, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 4 {
		return Descriptor{}, formatErr(raw, fmt.Sprintf("expected 2 or 4 colon-separated segments, got %d", len(parts)))
	}
	if len(parts) == 3 {
		return Descriptor{}, formatErr(raw, "username without password")
	}

	scheme, _ := ParseScheme(string(assumed))
	d := Descriptor{Scheme: scheme, Host: strings.TrimSpace(parts[0])}
	if d.Host == "" {
		return Descriptor{}, formatErr(raw, "missing host")
	}
	port, err := parsePort(strings.TrimSpace(parts[1]))
	if err != nil {
		return Descriptor{}, formatErr(raw, err.Error())
	}
	d.Port = port

	if len(parts) == 4 {
		d.Username, d.Password = parts[2], parts[3]
		if err := checkCredentials(d.Username, d.Password); err != nil {
			return Descriptor{}, formatErr(raw, err.Error())
		}
	}
	return d, nil
}

func parsePort(s string) (int, error) {
	if s == "" {
		return 0, errors.New("missing port")
	}
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("port %q is not a number", s)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range", port)
	}
	return port, nil
}

func checkCredentials(user, pass string) error {
	if (user == "") != (pass == "") {
		return errors.New("username and password must both be present or both be absent")
	}
	return nil
}

// LineError 记录批量导入中某一行的解析失败。
type LineError struct {
	Line int
	Err  error
}

// ParseList 按行解析一批代理字符串, 忽略空行与 # 注释行。
func ParseList(text string, assumed Scheme) ([]Descriptor, []LineError) {
	var (
		descs []Descriptor
		errs  []LineError
	)
	scanner := bufio.NewScanner(strings.NewReader(text))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		d, err := Normalize(line, assumed)
		if err != nil {
			errs = append(errs, LineError{Line: lineNo, Err: err})
			continue
		}
		descs = append(descs, d)
	}
	return descs, errs
}

// redactInput 去掉原始输入中可能出现的密码, 只用于错误信息。
func redactInput(s string) string {
	if !strings.Contains(s, "://") && isSegmentForm(strings.TrimSpace(s)) {
		parts := strings.Split(strings.TrimSpace(s), ":")
		return parts[0] + ":" + parts[1] + ":" + parts[2] + ":***"
	}
	if i := strings.LastIndex(s, "@"); i >= 0 {
		if j := strings.Index(s, "://"); j >= 0 && j < i {
			return s[:j+3] + "***@" + s[i+1:]
		}
		return "***@" + s[i+1:]
	}
	if parts := strings.Split(s, ":"); len(parts) == 4 {
		return parts[0] + ":" + parts[1] + ":" + parts[2] + ":***"
	}
	return s
}

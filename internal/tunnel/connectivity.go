package tunnel

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/miekg/dns"
	utls "github.com/refraction-networking/utls"

	"maskbrowser/internal/proxy"
)

// DefaultEchoEndpoints 是出口 IP 回显端点的默认候选列表，按顺序尝试。
var DefaultEchoEndpoints = []string{
	"https://api.ipify.org?format=json",
	"https://www.cloudflare.com/cdn-cgi/trace",
	"https://ifconfig.me/ip",
	"dns://resolver1.opendns.com:53",
}

// Result 是一次端到端连通性测试的结果。
type Result struct {
	Success        bool   `json:"success"`
	IP             string `json:"ip,omitempty"`
	ResponseTimeMs int64  `json:"responseTimeMs"`
	Endpoint       string `json:"endpoint,omitempty"`
	Error          string `json:"error,omitempty"`
}

// TestConnectivity 通过 upstream 依次请求回显端点，返回第一个成功的结果。
// 全部失败时返回 Success=false 与最后一个错误。整个调用受 Options.TestTimeout 约束。
func (m *Manager) TestConnectivity(ctx context.Context, upstream proxy.Descriptor) Result {
	dialer, err := m.newDialer(upstream, m.opts.DialTimeout)
	if err != nil {
		return Result{Success: false, ResponseTimeMs: -1, Error: err.Error()}
	}
	res := ProbeExitIP(ctx, dialer, m.opts.EchoEndpoints, m.opts.TestTimeout)
	m.logger.Debug().Str("upstream", upstream.Redacted()).Bool("success", res.Success).
		Str("exit_ip", res.IP).Int64("latency_ms", res.ResponseTimeMs).Str("error", res.Error).
		Msg("Connectivity test finished.")
	return res
}

// ProbeExitIP 使用给定拨号器探测出口 IP。
func ProbeExitIP(ctx context.Context, dialer Dialer, endpoints []string, timeout time.Duration) Result {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	lastErr := errors.New("no echo endpoints configured")
	for _, endpoint := range endpoints {
		if ctx.Err() != nil {
			lastErr = fmt.Errorf("connectivity test timed out: %w", lastErr)
			break
		}
		attemptStart := time.Now()
		ip, err := echoIP(ctx, dialer, endpoint)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", endpoint, err)
			continue
		}
		return Result{
			Success:        true,
			IP:             ip,
			ResponseTimeMs: time.Since(attemptStart).Milliseconds(),
			Endpoint:       endpoint,
		}
	}
	return Result{
		Success:        false,
		ResponseTimeMs: time.Since(start).Milliseconds(),
		Error:          lastErr.Error(),
	}
}

func echoIP(ctx context.Context, dialer Dialer, endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("bad endpoint: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		return httpEcho(ctx, dialer, endpoint)
	case "dns":
		return dnsEcho(ctx, dialer, u.Host)
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
}

// NewHTTPClient 返回一个所有连接都经过 dialer 的 resty 客户端。
// TLS 使用 uTLS 的浏览器风格 ClientHello，避免 Go 默认指纹暴露在出口流量中。
func NewHTTPClient(dialer Dialer, timeout time.Duration) *resty.Client {
	transport := &http.Transport{
		DialContext: dialer.DialContext,
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			raw, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			uconn := utls.UClient(raw, &utls.Config{ServerName: hostOnly(addr)}, utls.HelloRandomizedNoALPN)
			if err := uconn.HandshakeContext(ctx); err != nil {
				raw.Close()
				return nil, fmt.Errorf("tls handshake with %s: %w", addr, err)
			}
			return uconn, nil
		},
		DisableKeepAlives: true,
	}
	return resty.New().
		SetTransport(transport).
		SetTimeout(timeout).
		SetHeader("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36")
}

func httpEcho(ctx context.Context, dialer Dialer, endpoint string) (string, error) {
	client := NewHTTPClient(dialer, 0)
	resp, err := client.R().SetContext(ctx).Get(endpoint)
	if err != nil {
		return "", err
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("unexpected status code: %d", resp.StatusCode())
	}
	ip := parseEchoBody(resp.Body())
	if ip == "" {
		return "", errors.New("no ip address in response")
	}
	return ip, nil
}

// parseEchoBody 支持三种回显格式: JSON {"ip": ...}, Cloudflare trace 的 ip= 行, 纯文本 IP。
func parseEchoBody(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var payload struct {
			IP    string `json:"ip"`
			Query string `json:"query"`
		}
		if err := json.Unmarshal(trimmed, &payload); err == nil {
			for _, candidate := range []string{payload.IP, payload.Query} {
				if net.ParseIP(candidate) != nil {
					return candidate
				}
			}
		}
		return ""
	}

	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "ip=") {
			line = strings.TrimPrefix(line, "ip=")
		}
		if net.ParseIP(line) != nil {
			return line
		}
	}
	return ""
}

// dnsEcho 通过隧道以 DNS-over-TCP 查询 myip.opendns.com。
func dnsEcho(ctx context.Context, dialer Dialer, server string) (string, error) {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	raw, err := dialer.DialContext(ctx, "tcp", server)
	if err != nil {
		return "", err
	}
	conn := &dns.Conn{Conn: raw}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	msg := new(dns.Msg)
	msg.SetQuestion("myip.opendns.com.", dns.TypeA)
	if err := conn.WriteMsg(msg); err != nil {
		return "", fmt.Errorf("dns write: %w", err)
	}
	reply, err := conn.ReadMsg()
	if err != nil {
		return "", fmt.Errorf("dns read: %w", err)
	}
	for _, rr := range reply.Answer {
		if a, ok := rr.(*dns.A); ok {
			return a.A.String(), nil
		}
	}
	return "", errors.New("dns reply has no A record")
}

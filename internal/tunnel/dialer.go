package tunnel

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	utls "github.com/refraction-networking/utls"
	xproxy "golang.org/x/net/proxy"

	"maskbrowser/internal/proxy"
)

// Dialer 通过上游代理建立到目标地址的连接。每次调用都是一条新的上游连接。
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewDirectDialer 返回不经过任何代理的拨号器, 用于未配置代理的档案探测本机出口 IP。
func NewDirectDialer(dialTimeout time.Duration) Dialer {
	return &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}
}

// NewUpstreamDialer 根据代理描述创建对应协议的拨号器。
func NewUpstreamDialer(upstream proxy.Descriptor, dialTimeout time.Duration) (Dialer, error) {
	forward := &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}
	switch upstream.Scheme {
	case proxy.SchemeSOCKS5:
		return &socks5Dialer{upstream: upstream, forward: forward}, nil
	case proxy.SchemeHTTP, proxy.SchemeHTTPS:
		return &httpConnectDialer{upstream: upstream, forward: forward}, nil
	default:
		return nil, fmt.Errorf("unsupported upstream scheme: %s", upstream.Scheme)
	}
}

// socks5Dialer 使用 x/net/proxy 连接上游 SOCKS5 代理 (支持用户名/密码认证)。
type socks5Dialer struct {
	upstream proxy.Descriptor
	forward  *net.Dialer
}

func (d *socks5Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	var auth *xproxy.Auth
	if d.upstream.HasAuth() {
		auth = &xproxy.Auth{User: d.upstream.Username, Password: d.upstream.Password}
	}
	dialer, err := xproxy.SOCKS5("tcp", d.upstream.Address(), auth, d.forward)
	if err != nil {
		return nil, unreachable(d.upstream.Redacted(), err)
	}
	cd, ok := dialer.(xproxy.ContextDialer)
	if !ok {
		return nil, unreachable(d.upstream.Redacted(), fmt.Errorf("socks5 dialer does not support context"))
	}
	conn, err := cd.DialContext(ctx, network, addr)
	if err != nil {
		return nil, classify(d.upstream.Redacted(), err)
	}
	return conn, nil
}

// httpConnectDialer 通过 HTTP CONNECT 建立隧道。https 上游先用 uTLS 建立到代理本身的 TLS 连接。
type httpConnectDialer struct {
	upstream proxy.Descriptor
	forward  *net.Dialer
}

func (d *httpConnectDialer) DialContext(ctx context.Context, _ string, addr string) (net.Conn, error) {
	name := d.upstream.Redacted()
	conn, err := d.forward.DialContext(ctx, "tcp", d.upstream.Address())
	if err != nil {
		return nil, unreachable(name, err)
	}

	if d.upstream.Scheme == proxy.SchemeHTTPS {
		uconn := utls.UClient(conn, &utls.Config{ServerName: d.upstream.Host}, utls.HelloRandomizedNoALPN)
		if err := uconn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, unreachable(name, fmt.Errorf("tls handshake with proxy: %w", err))
		}
		conn = uconn
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Host: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if d.upstream.HasAuth() {
		auth := d.upstream.Username + ":" + d.upstream.Password
		connectReq.Header.Set("Proxy-Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(auth)))
	}
	if err := connectReq.Write(conn); err != nil {
		conn.Close()
		return nil, unreachable(name, fmt.Errorf("write CONNECT: %w", err))
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, connectReq)
	if err != nil {
		conn.Close()
		return nil, unreachable(name, fmt.Errorf("read CONNECT response: %w", err))
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusProxyAuthRequired:
		conn.Close()
		return nil, authFailed(name, fmt.Errorf("CONNECT %s: %s", addr, resp.Status))
	case resp.StatusCode != http.StatusOK:
		conn.Close()
		return nil, unreachable(name, fmt.Errorf("CONNECT %s: %s", addr, resp.Status))
	}

	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// bufferedConn 保留读取 CONNECT 响应时多读到的字节。
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}

func (c *bufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}

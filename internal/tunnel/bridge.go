package tunnel

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"maskbrowser/internal/shared"
	"maskbrowser/internal/shared/types"
)

// Bridge 是每个 profile 独享的本地转发监听器。
// 同一个端口同时接受 SOCKS5 和 HTTP 代理请求; 每条入站连接都会新建一条上游连接并双向转发。
// 单条连接的错误只关闭该连接，不影响监听器。
type Bridge struct {
	listener    net.Listener
	dialer      Dialer
	dialTimeout time.Duration
	logger      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	wg        sync.WaitGroup
	mu        sync.Mutex
	conns     map[net.Conn]struct{}
	closeOnce sync.Once

	activeConnections atomic.Int64
	uplinkBytes       atomic.Uint64
	downlinkBytes     atomic.Uint64
}

func newBridge(listener net.Listener, dialer Dialer, dialTimeout time.Duration, logger zerolog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		listener:    listener,
		dialer:      dialer,
		dialTimeout: dialTimeout,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		conns:       make(map[net.Conn]struct{}),
	}
}

// Start 在后台运行 accept 循环，直到 Close 被调用。
// 计数在启动协程之前登记, Close 总会等到循环退出。
func (b *Bridge) Start() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.serve()
	}()
}

func (b *Bridge) serve() {
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			select {
			case <-b.ctx.Done():
				return
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			b.logger.Error().Err(err).Msg("Bridge: accept failed, stopping listener.")
			return
		}
		if !b.track(conn) {
			conn.Close()
			return
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer b.untrack(conn)
			b.handleConnection(conn)
		}()
	}
}

// Close 关闭监听器与所有活跃连接，并等待转发协程退出。
func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.cancel()
		err = b.listener.Close()
		b.mu.Lock()
		for c := range b.conns {
			c.Close()
		}
		b.conns = nil
		b.mu.Unlock()
		b.wg.Wait()
	})
	return err
}

func (b *Bridge) Addr() net.Addr { return b.listener.Addr() }

func (b *Bridge) GetTrafficStats() types.TrafficStats {
	return types.TrafficStats{
		Uplink:   b.uplinkBytes.Load(),
		Downlink: b.downlinkBytes.Load(),
	}
}

func (b *Bridge) ActiveConnections() int64 { return b.activeConnections.Load() }

func (b *Bridge) track(c net.Conn) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conns == nil {
		return false
	}
	b.conns[c] = struct{}{}
	return true
}

func (b *Bridge) untrack(c net.Conn) {
	c.Close()
	b.mu.Lock()
	if b.conns != nil {
		delete(b.conns, c)
	}
	b.mu.Unlock()
}

// handleConnection 检查连接的第一个字节，以确定入站协议。
func (b *Bridge) handleConnection(conn net.Conn) {
	b.activeConnections.Add(1)
	defer b.activeConnections.Add(-1)

	reader := bufio.NewReader(conn)
	if err := fillBuffer(conn, reader, 1); err != nil {
		b.logger.Debug().Err(err).Msg("Bridge: failed to read initial byte.")
		return
	}
	firstByte, _ := reader.Peek(1)

	switch {
	case firstByte[0] == 0x05:
		b.serveSocks5(conn, reader)
	case firstByte[0] >= 'A' && firstByte[0] <= 'Z':
		b.serveHTTP(conn, reader)
	default:
		b.logger.Warn().Str("client", conn.RemoteAddr().String()).Msgf("Bridge: unknown protocol, initial byte: 0x%02x", firstByte[0])
	}
}

func (b *Bridge) dialUpstream(target string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(b.ctx, b.dialTimeout)
	defer cancel()
	return b.dialer.DialContext(ctx, "tcp", target)
}

func (b *Bridge) serveSocks5(conn net.Conn, reader *bufio.Reader) {
	cmd, target, err := socks5Handshake(conn, reader)
	if err != nil {
		b.logger.Warn().Err(err).Msg("Bridge: SOCKS5 handshake with client failed.")
		return
	}
	if cmd != 0x01 {
		b.logger.Warn().Uint8("cmd", cmd).Msg("Bridge: unsupported SOCKS5 command.")
		conn.Write([]byte{0x05, 0x07, 0x00, 0x01, 0, 0, 0, 0, 0, 0}) // Command not supported
		return
	}

	upstream, err := b.dialUpstream(target)
	if err != nil {
		b.logger.Warn().Err(err).Str("target", target).Msg("Bridge: failed to dial target via upstream.")
		reply := byte(0x04) // Host unreachable
		if errors.Is(err, ErrAuthenticationFailed) {
			reply = 0x02 // Connection not allowed by ruleset
		}
		conn.Write([]byte{0x05, reply, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
		return
	}
	defer upstream.Close()

	if _, err := conn.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0}); err != nil {
		b.logger.Debug().Err(err).Msg("Bridge: failed to write SOCKS5 success reply.")
		return
	}
	b.splice(conn, reader, upstream)
}

func (b *Bridge) serveHTTP(conn net.Conn, reader *bufio.Reader) {
	req, err := http.ReadRequest(reader)
	if err != nil {
		b.logger.Warn().Err(err).Msg("Bridge: could not parse HTTP proxy request.")
		return
	}
	target := req.Host
	if target == "" {
		conn.Write([]byte("HTTP/1.1 400 Bad Request\r\n\r\n"))
		return
	}
	if _, _, err := net.SplitHostPort(target); err != nil {
		if req.Method == http.MethodConnect {
			target = net.JoinHostPort(target, "443")
		} else {
			target = net.JoinHostPort(target, "80")
		}
	}

	upstream, err := b.dialUpstream(target)
	if err != nil {
		b.logger.Warn().Err(err).Str("target", target).Msg("Bridge: failed to dial target via upstream.")
		conn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
		return
	}
	defer upstream.Close()

	if req.Method == http.MethodConnect {
		if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
			return
		}
	} else {
		// 普通代理请求: 去掉代理相关头，以 origin-form 转发，一个连接只承载一个请求
		req.Header.Del("Proxy-Authorization")
		req.Header.Del("Proxy-Connection")
		req.Close = true
		if err := req.Write(upstream); err != nil {
			b.logger.Warn().Err(err).Str("target", target).Msg("Bridge: failed to forward HTTP request.")
			conn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
			return
		}
	}
	b.splice(conn, reader, upstream)
}

// splice 双向转发直到任意一方关闭，使用半关闭通知对端。
func (b *Bridge) splice(client net.Conn, clientReader io.Reader, upstream net.Conn) {
	counted := shared.NewCountedConn(client, &b.uplinkBytes, &b.downlinkBytes)
	src := io.Reader(counted)
	if br, ok := clientReader.(*bufio.Reader); ok && br.Buffered() > 0 {
		// 先转发已缓冲但尚未消费的字节
		buffered, _ := br.Peek(br.Buffered())
		pending := append([]byte(nil), buffered...)
		br.Discard(len(pending))
		b.uplinkBytes.Add(uint64(len(pending)))
		src = io.MultiReader(bytes.NewReader(pending), counted)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(upstream, src)
		if cw, ok := upstream.(interface{ CloseWrite() error }); ok {
			cw.CloseWrite()
		} else {
			upstream.Close()
		}
	}()
	go func() {
		defer wg.Done()
		io.Copy(counted, upstream)
		counted.CloseWrite()
	}()
	wg.Wait()
}

// socks5Handshake 完成与本地客户端的 SOCKS5 握手 (无认证)，返回命令与目标地址。
func socks5Handshake(conn net.Conn, reader *bufio.Reader) (byte, string, error) {
	authHeader := make([]byte, 2)
	if _, err := io.ReadFull(reader, authHeader); err != nil {
		return 0, "", fmt.Errorf("failed to read auth header: %w", err)
	}
	if authHeader[0] != 0x05 {
		return 0, "", fmt.Errorf("unsupported socks version: %d", authHeader[0])
	}
	if _, err := io.CopyN(io.Discard, reader, int64(authHeader[1])); err != nil {
		return 0, "", fmt.Errorf("failed to discard auth methods: %w", err)
	}
	if _, err := conn.Write([]byte{0x05, 0x00}); err != nil {
		return 0, "", fmt.Errorf("failed to write auth response: %w", err)
	}

	reqHeader := make([]byte, 4)
	if _, err := io.ReadFull(reader, reqHeader); err != nil {
		return 0, "", fmt.Errorf("failed to read request header: %w", err)
	}
	cmd := reqHeader[1]

	var host string
	switch reqHeader[3] {
	case 0x01: // IPv4
		addr := make([]byte, 4)
		if _, err := io.ReadFull(reader, addr); err != nil {
			return cmd, "", err
		}
		host = net.IP(addr).String()
	case 0x03: // Domain
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(reader, lenBuf); err != nil {
			return cmd, "", err
		}
		domain := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(reader, domain); err != nil {
			return cmd, "", err
		}
		host = string(domain)
	case 0x04: // IPv6
		addr := make([]byte, 16)
		if _, err := io.ReadFull(reader, addr); err != nil {
			return cmd, "", err
		}
		host = net.IP(addr).String()
	default:
		return cmd, "", fmt.Errorf("unsupported address type: %d", reqHeader[3])
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(reader, portBuf); err != nil {
		return cmd, "", err
	}
	port := binary.BigEndian.Uint16(portBuf)
	return cmd, net.JoinHostPort(host, strconv.Itoa(int(port))), nil
}

// fillBuffer 确保 reader 的缓冲区至少有 n 个字节，带超时。
func fillBuffer(conn net.Conn, reader *bufio.Reader, n int) error {
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	_, err := reader.Peek(n)
	return err
}

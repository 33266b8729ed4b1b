package tunnel

import (
	"bufio"
	"encoding/base64"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
)

// fakeSocks5 是一个最小化的上游 SOCKS5 代理，可选用户名/密码认证。
type fakeSocks5 struct {
	listener   net.Listener
	user, pass string
	handshakes atomic.Int32
}

func startFakeSocks5(t *testing.T, user, pass string) *fakeSocks5 {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeSocks5{listener: l, user: user, pass: pass}
	go s.serve()
	t.Cleanup(func() { l.Close() })
	return s
}

func (s *fakeSocks5) addr() string { return s.listener.Addr().String() }

func (s *fakeSocks5) port() int { return s.listener.Addr().(*net.TCPAddr).Port }

func (s *fakeSocks5) serve() {
	for {
		c, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handle(c)
	}
}

func (s *fakeSocks5) handle(c net.Conn) {
	defer c.Close()
	s.handshakes.Add(1)
	r := bufio.NewReader(c)

	head := make([]byte, 2)
	if _, err := io.ReadFull(r, head); err != nil {
		return
	}
	methods := make([]byte, head[1])
	io.ReadFull(r, methods)

	if s.user != "" {
		c.Write([]byte{0x05, 0x02})
		ver := make([]byte, 2)
		io.ReadFull(r, ver)
		u := make([]byte, ver[1])
		io.ReadFull(r, u)
		plen := make([]byte, 1)
		io.ReadFull(r, plen)
		p := make([]byte, plen[0])
		io.ReadFull(r, p)
		if string(u) != s.user || string(p) != s.pass {
			c.Write([]byte{0x01, 0x01})
			return
		}
		c.Write([]byte{0x01, 0x00})
	} else {
		c.Write([]byte{0x05, 0x00})
	}

	req := make([]byte, 4)
	if _, err := io.ReadFull(r, req); err != nil {
		return
	}
	var host string
	switch req[3] {
	case 0x01:
		b := make([]byte, 4)
		io.ReadFull(r, b)
		host = net.IP(b).String()
	case 0x03:
		l := make([]byte, 1)
		io.ReadFull(r, l)
		b := make([]byte, l[0])
		io.ReadFull(r, b)
		host = string(b)
	case 0x04:
		b := make([]byte, 16)
		io.ReadFull(r, b)
		host = net.IP(b).String()
	}
	pb := make([]byte, 2)
	io.ReadFull(r, pb)
	target := net.JoinHostPort(host, strconv.Itoa(int(binary.BigEndian.Uint16(pb))))

	up, err := net.Dial("tcp", target)
	if err != nil {
		c.Write([]byte{0x05, 0x04, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
		return
	}
	defer up.Close()
	c.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	pipe(c, r, up)
}

// fakeHTTPProxy 是一个只支持 CONNECT 的上游 HTTP 代理。
type fakeHTTPProxy struct {
	listener   net.Listener
	user, pass string
}

func startFakeHTTPProxy(t *testing.T, user, pass string) *fakeHTTPProxy {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	p := &fakeHTTPProxy{listener: l, user: user, pass: pass}
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go p.handle(c)
		}
	}()
	t.Cleanup(func() { l.Close() })
	return p
}

func (p *fakeHTTPProxy) port() int { return p.listener.Addr().(*net.TCPAddr).Port }

func (p *fakeHTTPProxy) handle(c net.Conn) {
	defer c.Close()
	r := bufio.NewReader(c)
	req, err := http.ReadRequest(r)
	if err != nil || req.Method != http.MethodConnect {
		c.Write([]byte("HTTP/1.1 405 Method Not Allowed\r\n\r\n"))
		return
	}
	if p.user != "" {
		want := "Basic " + base64.StdEncoding.EncodeToString([]byte(p.user+":"+p.pass))
		if req.Header.Get("Proxy-Authorization") != want {
			c.Write([]byte("HTTP/1.1 407 Proxy Authentication Required\r\n\r\n"))
			return
		}
	}
	up, err := net.Dial("tcp", req.Host)
	if err != nil {
		c.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
		return
	}
	defer up.Close()
	c.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
	pipe(c, r, up)
}

// startEchoServer 启动一个把收到的字节原样返回的 TCP 服务。
func startEchoServer(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	t.Cleanup(func() { l.Close() })
	return l.Addr().String()
}

// closedAddr 返回一个当前没有监听者的本地地址。
func closedAddr(t *testing.T) (string, int) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().(*net.TCPAddr)
	l.Close()
	return addr.String(), addr.Port
}

func pipe(c net.Conn, r io.Reader, up net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(up, r)
		if tc, ok := up.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
	}()
	go func() {
		defer wg.Done()
		io.Copy(c, up)
		if tc, ok := c.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
	}()
	wg.Wait()
}

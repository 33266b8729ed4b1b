package shared

import (
	"net"
	"sync/atomic"
)

// CountedConn 是 net.Conn 的包装器，原子地统计上行和下行流量。
// 从本地客户端一侧看: Read 计入上行, Write 计入下行。
type CountedConn struct {
	net.Conn
	uplink   *atomic.Uint64
	downlink *atomic.Uint64
}

// NewCountedConn 创建一个新的 CountedConn 实例。
func NewCountedConn(conn net.Conn, uplink, downlink *atomic.Uint64) *CountedConn {
	return &CountedConn{
		Conn:     conn,
		uplink:   uplink,
		downlink: downlink,
	}
}

func (c *CountedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.uplink.Add(uint64(n))
	}
	return n, err
}

func (c *CountedConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.downlink.Add(uint64(n))
	}
	return n, err
}

// CloseWrite 在底层连接支持时执行半关闭, 否则整体关闭。
func (c *CountedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}

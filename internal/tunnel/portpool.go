package tunnel

import (
	"fmt"
	"net"
	"strconv"
	"sync"
)

// PortPool 在进程内分配本地监听端口，保证同一时刻每个端口只属于一个隧道。
// start/end 均为 0 时由操作系统分配端口。
type PortPool struct {
	mu    sync.Mutex
	start int
	end   int
	next  int
	inUse map[int]struct{}
}

func NewPortPool(start, end int) *PortPool {
	if start <= 0 || end < start {
		start, end = 0, 0
	}
	return &PortPool{
		start: start,
		end:   end,
		next:  start,
		inUse: make(map[int]struct{}),
	}
}

// Listen 在 host 上占用一个空闲端口并返回监听器。
func (p *PortPool) Listen(host string) (net.Listener, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.start == 0 {
		l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
		if err != nil {
			return nil, 0, fmt.Errorf("listen on %s: %w", host, err)
		}
		port := l.Addr().(*net.TCPAddr).Port
		p.inUse[port] = struct{}{}
		return l, port, nil
	}

	size := p.end - p.start + 1
	var lastErr error
	for i := 0; i < size; i++ {
		port := p.next
		p.next++
		if p.next > p.end {
			p.next = p.start
		}
		if _, busy := p.inUse[port]; busy {
			continue
		}
		l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			lastErr = err
			continue
		}
		p.inUse[port] = struct{}{}
		return l, port, nil
	}
	if lastErr != nil {
		return nil, 0, fmt.Errorf("no free port in range %d-%d: %w", p.start, p.end, lastErr)
	}
	return nil, 0, fmt.Errorf("no free port in range %d-%d", p.start, p.end)
}

// Release 将端口归还到池中。
func (p *PortPool) Release(port int) {
	p.mu.Lock()
	delete(p.inUse, port)
	p.mu.Unlock()
}

// InUse 返回当前被占用的端口数。
func (p *PortPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

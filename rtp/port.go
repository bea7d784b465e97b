package rtp

import (
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// PortAllocator hands out local UDP sockets for media sessions from a
// configured range. RTP convention reserves even ports for media, so
// the allocator only tries even ports and steps by two.
type PortAllocator struct {
	mu   sync.Mutex
	host string
	min  int
	max  int
	next int
}

// NewPortAllocator creates an allocator over [minPort, maxPort] on the
// given host address.
//
// Parameters:
//   - host: Local IP to bind media sockets on
//   - minPort: Lowest port in the range, rounded up to even
//   - maxPort: Highest port in the range
//
// Returns:
//   - *PortAllocator: New allocator
//   - error: Any error that occurred during validation
func NewPortAllocator(host string, minPort, maxPort int) (*PortAllocator, error) {
	if minPort <= 0 || maxPort > 65535 {
		return nil, fmt.Errorf("port range %d-%d out of bounds", minPort, maxPort)
	}
	if minPort%2 != 0 {
		minPort++
	}
	if minPort > maxPort {
		return nil, fmt.Errorf("invalid port range %d-%d", minPort, maxPort)
	}
	return &PortAllocator{
		host: host,
		min:  minPort,
		max:  maxPort,
		next: minPort,
	}, nil
}

// Bind claims the next free even port in the range and returns its
// socket. When a port is already in use it moves on to the next one;
// when the whole range is exhausted it falls back to an ephemeral
// port so a busy range degrades instead of failing the call.
//
// Returns:
//   - *net.UDPConn: Bound socket, owned by the caller
//   - int: The bound port number
//   - error: Any error that occurred during binding
func (p *PortAllocator) Bind() (*net.UDPConn, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	attempts := (p.max-p.min)/2 + 1
	for i := 0; i < attempts; i++ {
		port := p.next
		p.next += 2
		if p.next > p.max {
			p.next = p.min
		}

		conn, err := net.ListenUDP("udp", &net.UDPAddr{
			IP:   net.ParseIP(p.host),
			Port: port,
		})
		if err != nil {
			continue
		}

		logrus.WithFields(logrus.Fields{
			"function": "PortAllocator.Bind",
			"port":     port,
		}).Debug("Bound media port")
		return conn, port, nil
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(p.host)})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to bind media port: %w", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port

	logrus.WithFields(logrus.Fields{
		"function": "PortAllocator.Bind",
		"port":     port,
	}).Warn("Media port range exhausted, using ephemeral port")
	return conn, port, nil
}

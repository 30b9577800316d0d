package resolver

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync/atomic"
	"time"

	"github.com/semihalev/log"
)

// DefaultPoolSize is the number of UDP sockets prebound at startup.
const DefaultPoolSize = 2500

// bind attempts per pool slot before the slot is given up
const maxBindTries = 10

// PoolConn is one prebound UDP socket with an in-use flag.
type PoolConn struct {
	conn  *net.UDPConn
	inuse atomic.Bool
}

// Conn returns the underlying socket.
func (pc *PoolConn) Conn() *net.UDPConn {
	return pc.conn
}

// Pool is a fixed set of UDP sockets prebound to random high ports, giving
// source-port randomization without a bind per query. Leases use a
// lock-free scan; when every socket is busy callers fall back to an
// ephemeral socket.
type Pool struct {
	conns []*PoolConn
	next  atomic.Uint32
}

// NewPool binds size sockets to random high ports, skipping ports in
// excluded. Slots that repeatedly fail to bind are dropped.
func NewPool(size int, excluded []int) *Pool {
	skip := make(map[int]struct{}, len(excluded))
	for _, port := range excluded {
		skip[port] = struct{}{}
	}

	p := new(Pool)

	for i := 0; i < size; i++ {
		conn := bindRandom(skip)
		if conn == nil {
			continue
		}
		p.conns = append(p.conns, &PoolConn{conn: conn})
	}

	log.Info("UDP socket pool ready", "size", len(p.conns), "requested", size)

	return p
}

func bindRandom(skip map[int]struct{}) *net.UDPConn {
	for try := 0; try < maxBindTries; try++ {
		port := randomPort()
		if _, ok := skip[port]; ok {
			continue
		}

		conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
		if err != nil {
			continue
		}
		return conn
	}

	return nil
}

// randomPort picks a port in [1024, 65535] from the system CSPRNG.
func randomPort() int {
	var v uint16
	_ = binary.Read(rand.Reader, binary.BigEndian, &v)

	return 1024 + int(v)%(65536-1024)
}

// Get leases a free socket, or returns nil when every socket is busy.
func (p *Pool) Get() *PoolConn {
	if p == nil || len(p.conns) == 0 {
		return nil
	}

	start := int(p.next.Add(1))

	for i := 0; i < len(p.conns); i++ {
		pc := p.conns[(start+i)%len(p.conns)]
		if pc.inuse.CompareAndSwap(false, true) {
			return pc
		}
	}

	return nil
}

// Put returns a leased socket to the pool without closing it.
func (p *Pool) Put(pc *PoolConn) {
	_ = pc.conn.SetDeadline(time.Time{})
	pc.inuse.Store(false)
}

// Close closes every pooled socket.
func (p *Pool) Close() {
	if p == nil {
		return
	}

	for _, pc := range p.conns {
		_ = pc.conn.Close()
	}
}

// Len returns the number of bound sockets.
func (p *Pool) Len() int {
	if p == nil {
		return 0
	}
	return len(p.conns)
}

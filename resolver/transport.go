package resolver

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/miekg/dns"
	"github.com/mq00fc/GeoSmartDNS/config"
	"github.com/mq00fc/GeoSmartDNS/dnsutil"
	"github.com/txthinking/socks5"
)

const dohMimeType = "application/dns-message"

// proxy handshake timeouts handed to the socks5 client, in seconds
const (
	proxyTCPTimeout = 10
	proxyUDPTimeout = 10
)

// dialProxy opens a connection to addr through the group's SOCKS5 proxy.
// Stream networks use CONNECT, udp uses UDP ASSOCIATE.
func (u *Upstream) dialProxy(network, addr string) (net.Conn, error) {
	client, err := socks5.NewClient(u.proxy.Addr(), u.proxy.Username, u.proxy.Password,
		proxyTCPTimeout, proxyUDPTimeout)
	if err != nil {
		return nil, fmt.Errorf("socks5 client: %w", err)
	}

	conn, err := client.Dial(network, addr)
	if err != nil {
		return nil, fmt.Errorf("socks5 dial %s %s: %w", network, addr, err)
	}

	return conn, nil
}

// exchangeUDP resolves q over UDP. Queries lease a socket from the shared
// randomized-port pool; loopback destinations and proxied egress use their
// own sockets. A truncated answer triggers a single TCP retry against the
// same endpoint.
func (u *Upstream) exchangeUDP(ctx context.Context, ep *endpoint, q *dns.Msg) (*dns.Msg, error) {
	if u.proxy != nil {
		conn, err := u.dialProxy("udp", ep.addr)
		if err != nil {
			return nil, err
		}
		defer conn.Close()

		return u.exchangeConn(ctx, ep, conn, q)
	}

	if ep.udpAddr.IP.IsLoopback() {
		conn, err := net.DialUDP("udp", nil, ep.udpAddr)
		if err != nil {
			return nil, err
		}
		defer conn.Close()

		return u.exchangeConn(ctx, ep, conn, q)
	}

	pc := u.pool.Get()

	var conn *net.UDPConn
	if pc != nil {
		conn = pc.Conn()
		defer u.pool.Put(pc)
	} else {
		fresh, err := net.ListenUDP("udp", nil)
		if err != nil {
			return nil, err
		}
		conn = fresh
		defer fresh.Close()
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	out, err := q.Pack()
	if err != nil {
		return nil, err
	}

	if _, err := conn.WriteToUDP(out, ep.udpAddr); err != nil {
		return nil, err
	}

	size := dnsutil.DefaultMsgSize
	if opt := q.IsEdns0(); opt != nil && int(opt.UDPSize()) > size {
		size = int(opt.UDPSize())
	}

	buf := AcquireBuf(uint16(size))
	defer ReleaseBuf(buf)

	// pooled sockets may carry answers from earlier leases; skip
	// datagrams from the wrong source or with the wrong id
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return nil, err
		}

		if !from.IP.Equal(ep.udpAddr.IP) || from.Port != ep.udpAddr.Port {
			continue
		}

		resp := new(dns.Msg)
		if err := resp.Unpack(buf[:n]); err != nil {
			continue
		}

		if resp.Id != q.Id {
			continue
		}

		if resp.Truncated {
			if full, err := u.exchangeTCPFallback(ctx, ep, q); err == nil {
				return full, nil
			}
		}

		return resp, nil
	}
}

// exchangeConn resolves q over an already-connected datagram socket.
func (u *Upstream) exchangeConn(ctx context.Context, ep *endpoint, conn net.Conn, q *dns.Msg) (*dns.Msg, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	co := &Conn{Conn: conn, UDPSize: dnsutil.DefaultMsgSize}

	resp, err := co.Exchange(q)
	if err != nil {
		return nil, err
	}

	if resp.Truncated {
		if full, err := u.exchangeTCPFallback(ctx, ep, q); err == nil {
			return full, nil
		}
	}

	return resp, nil
}

// exchangeTCPFallback retries q once over TCP after a truncated UDP answer.
func (u *Upstream) exchangeTCPFallback(ctx context.Context, ep *endpoint, q *dns.Msg) (*dns.Msg, error) {
	conn, err := u.dialStream(ctx, ep, false)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	return conn.Exchange(q)
}

// exchangeStream resolves q over the cached TCP or TLS connection for the
// endpoint, redialing once when the cached connection has gone stale.
func (u *Upstream) exchangeStream(ctx context.Context, ep *endpoint, q *dns.Msg) (*dns.Msg, error) {
	useTLS := u.proto == config.ProtocolTLS

	co, cached := u.takeStream(ep)
	if co == nil {
		var err error
		co, err = u.dialStream(ctx, ep, useTLS)
		if err != nil {
			return nil, err
		}
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = co.SetDeadline(deadline)
	}

	resp, err := co.Exchange(q)
	if err != nil && cached {
		co.Close()

		co, err = u.dialStream(ctx, ep, useTLS)
		if err != nil {
			return nil, err
		}

		if deadline, ok := ctx.Deadline(); ok {
			_ = co.SetDeadline(deadline)
		}

		resp, err = co.Exchange(q)
	}

	if err != nil {
		co.Close()
		return nil, err
	}

	u.putStream(ep, co)

	return resp, nil
}

func (u *Upstream) takeStream(ep *endpoint) (*Conn, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()

	co, ok := u.conns[ep.addr]
	if ok {
		delete(u.conns, ep.addr)
	}

	return co, ok
}

func (u *Upstream) putStream(ep *endpoint, co *Conn) {
	_ = co.SetDeadline(time.Time{})

	u.mu.Lock()
	defer u.mu.Unlock()

	if _, ok := u.conns[ep.addr]; ok {
		// another exchange already cached a connection
		co.Close()
		return
	}

	u.conns[ep.addr] = co
}

// dialStream opens a TCP connection to the endpoint, through the proxy when
// one is configured, wrapping it in TLS with SNI = endpoint host on demand.
func (u *Upstream) dialStream(ctx context.Context, ep *endpoint, useTLS bool) (*Conn, error) {
	var (
		conn net.Conn
		err  error
	)

	if u.proxy != nil {
		conn, err = u.dialProxy("tcp", ep.addr)
	} else {
		d := net.Dialer{}
		conn, err = d.DialContext(ctx, "tcp", ep.addr)
	}

	if err != nil {
		return nil, err
	}

	if useTLS {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: ep.host})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		conn = tlsConn
	}

	return &Conn{Conn: conn}, nil
}

// newDoHClient builds the shared HTTP client for a DoH group. The transport
// dials through the group's proxy when one is configured.
func newDoHClient(u *Upstream) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
	}

	if u.proxy != nil {
		transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
			return u.dialProxy(network, addr)
		}
	}

	return &http.Client{Transport: transport}
}

// exchangeHTTPS resolves q with an RFC 8484 POST. The query id is zeroed on
// the wire and restored on the answer.
func (u *Upstream) exchangeHTTPS(ctx context.Context, ep *endpoint, q *dns.Msg) (*dns.Msg, error) {
	body := q.Copy()
	body.Id = 0

	packed, err := body.Pack()
	if err != nil {
		return nil, err
	}

	url := "https://" + ep.addr + "/dns-query"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(packed))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", dohMimeType)
	req.Header.Set("Accept", dohMimeType)

	httpResp, err := u.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("doh: %s answered %s", ep.addr, httpResp.Status)
	}

	if ct := httpResp.Header.Get("Content-Type"); ct != dohMimeType {
		return nil, fmt.Errorf("doh: %s answered content type %q", ep.addr, ct)
	}

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, dns.MaxMsgSize))
	if err != nil {
		return nil, err
	}

	resp := new(dns.Msg)
	if err := resp.Unpack(data); err != nil {
		return nil, err
	}

	resp.Id = q.Id

	return resp, nil
}

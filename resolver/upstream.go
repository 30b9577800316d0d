// Package resolver implements the upstream client: it resolves a request
// via one upstream group over UDP, TCP, TLS or HTTPS, with endpoint
// fan-out, retries and optional SOCKS5 egress.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/mq00fc/GeoSmartDNS/config"
	"github.com/semihalev/log"
	"golang.org/x/sync/errgroup"
)

// Response validation failures. Invalid responses are discarded and the
// attempt counts as failed.
var (
	ErrIDMismatch       = errors.New("response id does not match request")
	ErrQuestionMismatch = errors.New("response question does not match request")
	ErrUnexpectedRcode  = errors.New("response rcode is not surfaceable")
)

type endpoint struct {
	host    string // hostname or IP as configured, used for TLS SNI
	addr    string // host:port, also the authority of DoH URLs
	udpAddr *net.UDPAddr
}

// Options tune the client beyond the group's configuration.
type Options struct {
	// Pool is the shared UDP socket pool. A nil pool always uses
	// ephemeral sockets.
	Pool *Pool

	// Retries is the number of additional attempts after the first
	// round fails.
	Retries int

	// Timeout overrides the transport's per-attempt timeout when > 0.
	Timeout time.Duration
}

// Upstream resolves requests against one upstream group.
type Upstream struct {
	name      string
	proto     config.Protocol
	endpoints []*endpoint
	dnssec    bool
	retries   int
	timeout   time.Duration

	pool  *Pool
	proxy *config.Proxy

	httpc *http.Client

	mu    sync.Mutex
	conns map[string]*Conn
}

// New builds the client for an upstream group. For Udp groups, endpoint
// hosts that do not resolve are a construction error; other transports
// resolve hosts when they dial.
func New(group config.Server, proxy *config.Proxy, opts Options) (*Upstream, error) {
	u := &Upstream{
		name:    group.Name,
		proto:   group.Protocol,
		dnssec:  group.Dnssec,
		retries: opts.Retries,
		timeout: opts.Timeout,
		pool:    opts.Pool,
		proxy:   proxy,
		conns:   make(map[string]*Conn),
	}

	if u.timeout <= 0 {
		u.timeout = group.Protocol.Timeout()
	}

	for _, address := range group.Addresses {
		ep, err := parseEndpoint(address, group.Protocol)
		if err != nil {
			return nil, fmt.Errorf("resolver: upstream %q: %w", group.Name, err)
		}
		u.endpoints = append(u.endpoints, ep)
	}

	if group.Protocol == config.ProtocolHTTPS {
		u.httpc = newDoHClient(u)
	}

	return u, nil
}

func parseEndpoint(address string, proto config.Protocol) (*endpoint, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		host, port = address, strconv.Itoa(proto.DefaultPort())
	}

	if host == "" {
		return nil, fmt.Errorf("empty endpoint host in %q", address)
	}

	ep := &endpoint{
		host: host,
		addr: net.JoinHostPort(host, port),
	}

	if proto == config.ProtocolUDP {
		ep.udpAddr, err = net.ResolveUDPAddr("udp", ep.addr)
		if err != nil {
			return nil, fmt.Errorf("endpoint %q does not resolve: %w", address, err)
		}
	}

	return ep, nil
}

// Name returns the upstream group name.
func (u *Upstream) Name() string { return u.name }

// Addrs returns the endpoint addresses, for logging.
func (u *Upstream) Addrs() []string {
	addrs := make([]string, len(u.endpoints))
	for i, ep := range u.endpoints {
		addrs[i] = ep.addr
	}
	return addrs
}

// Resolve forwards req to the group and returns the first valid response.
// Every attempt fans out to all endpoints in parallel; losers are
// cancelled. FormatError answers are surfaced as ServFail.
func (u *Upstream) Resolve(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	q := req.Copy()

	if u.dnssec {
		if opt := q.IsEdns0(); opt != nil {
			opt.SetDo()
		} else {
			q.SetEdns0(dns.DefaultMsgSize, true)
		}
	}

	var lastErr error

	for attempt := 0; attempt <= u.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			break
		}

		resp, err := u.fanout(ctx, q)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.Rcode == dns.RcodeFormatError {
			resp.Rcode = dns.RcodeServerFailure
		}

		return resp, nil
	}

	if lastErr == nil {
		lastErr = ctx.Err()
	}

	return nil, lastErr
}

func (u *Upstream) fanout(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	results := make(chan *dns.Msg, len(u.endpoints))

	var (
		mu      sync.Mutex
		lastErr error
	)

	g, gctx := errgroup.WithContext(ctx)

	for _, ep := range u.endpoints {
		ep := ep
		g.Go(func() error {
			resp, err := u.exchange(gctx, ep, q)
			if err == nil {
				err = validate(q, resp)
			}

			if err != nil {
				log.Debug("Upstream exchange failed", "upstream", u.name,
					"endpoint", ep.addr, "error", err.Error())

				mu.Lock()
				lastErr = err
				mu.Unlock()

				return nil // losers don't fail the group
			}

			results <- resp
			return nil
		})
	}

	go func() {
		_ = g.Wait()
		close(results)
	}()

	// first valid answer wins, the deferred cancel aborts the rest
	for resp := range results {
		return resp, nil
	}

	mu.Lock()
	defer mu.Unlock()

	if lastErr == nil {
		lastErr = ctx.Err()
	}

	return nil, lastErr
}

func (u *Upstream) exchange(ctx context.Context, ep *endpoint, q *dns.Msg) (*dns.Msg, error) {
	switch u.proto {
	case config.ProtocolUDP:
		return u.exchangeUDP(ctx, ep, q)
	case config.ProtocolTCP, config.ProtocolTLS:
		return u.exchangeStream(ctx, ep, q)
	case config.ProtocolHTTPS:
		return u.exchangeHTTPS(ctx, ep, q)
	}

	return nil, fmt.Errorf("resolver: unknown transport %q", u.proto)
}

// validate checks that resp answers q: matching ID, byte-equal question
// section (names compared case-insensitively) and a surfaceable rcode.
func validate(q, resp *dns.Msg) error {
	if resp.Id != q.Id {
		return ErrIDMismatch
	}

	if len(resp.Question) != len(q.Question) {
		return ErrQuestionMismatch
	}

	for i, question := range q.Question {
		answer := resp.Question[i]
		if !strings.EqualFold(question.Name, answer.Name) ||
			question.Qtype != answer.Qtype ||
			question.Qclass != answer.Qclass {
			return ErrQuestionMismatch
		}
	}

	switch resp.Rcode {
	case dns.RcodeSuccess, dns.RcodeNameError, dns.RcodeServerFailure,
		dns.RcodeRefused, dns.RcodeFormatError:
		return nil
	}

	return ErrUnexpectedRcode
}

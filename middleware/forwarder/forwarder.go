// Package forwarder routes each query to an upstream group chosen by the
// rule engine and forwards it with the group's client.
package forwarder

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/miekg/dns"
	"github.com/mq00fc/GeoSmartDNS/config"
	"github.com/mq00fc/GeoSmartDNS/geosite"
	"github.com/mq00fc/GeoSmartDNS/middleware"
	"github.com/mq00fc/GeoSmartDNS/resolver"
	"github.com/mq00fc/GeoSmartDNS/rules"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/semihalev/log"
)

// Forwarder type
type Forwarder struct {
	cfg    *config.Config
	engine *rules.Engine
	pool   *resolver.Pool

	forwarded *prometheus.CounterVec

	mu      sync.RWMutex
	clients map[string]*resolver.Upstream
}

// New builds the forwarder, loading the geosite table from the configured
// file. Startup problems are fatal.
func New(cfg *config.Config) *Forwarder {
	geo, err := geosite.Load(cfg.SmartDNS.GeositeFile)
	if err != nil {
		log.Crit("Geosite load failed", "error", err.Error())
	}

	f, err := NewWithGeosite(cfg, geo)
	if err != nil {
		log.Crit("Forwarder setup failed", "error", err.Error())
	}

	return f
}

// NewWithGeosite builds the forwarder over an already-loaded geosite table.
func NewWithGeosite(cfg *config.Config, geo *geosite.List) (*Forwarder, error) {
	engine, err := rules.New(cfg.SmartDNS.Rules, geo, rules.Options{
		SuffixMatchLabel: cfg.SmartDNS.SuffixMatchLabel,
	})
	if err != nil {
		return nil, err
	}

	for _, code := range engine.GeositeCodes() {
		if !geo.Has(code) {
			log.Warn("Rules reference a geosite category missing from the table", "category", code)
		}
	}

	f := &Forwarder{
		cfg:     cfg,
		engine:  engine,
		clients: make(map[string]*resolver.Upstream),
		forwarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dns_forwarded_total",
				Help: "How many queries were forwarded per upstream group",
			},
			[]string{"upstream"},
		),
	}
	_ = prometheus.Register(f.forwarded)

	if size := cfg.SmartDNS.UDPPoolSize; size > 0 {
		f.pool = resolver.NewPool(size, cfg.SmartDNS.ExcludedPorts)
	}

	return f, nil
}

// Name return middleware name
func (f *Forwarder) Name() string { return name }

// ServeDNS implements the Handle interface.
func (f *Forwarder) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	w, req := ch.Writer, ch.Request

	if len(req.Question) == 0 {
		ch.CancelWithRcode(dns.RcodeFormatError, false)
		return
	}

	q := req.Question[0]

	group, err := f.engine.Pick(strings.ToLower(q.Name))
	if err != nil {
		log.Warn("No rule matched", "query", formatQuestion(q))
		ch.CancelWithRcode(dns.RcodeServerFailure, false)
		return
	}

	upstream, err := f.client(group)
	if err != nil {
		log.Error("Upstream client build failed", "upstream", group, "error", err.Error())
		ch.CancelWithRcode(dns.RcodeServerFailure, false)
		return
	}

	f.forwarded.With(prometheus.Labels{"upstream": group}).Inc()

	resp, err := upstream.Resolve(ctx, req)
	if err != nil {
		log.Warn("Upstream resolve failed", "upstream", group,
			"endpoints", strings.Join(upstream.Addrs(), ","),
			"query", formatQuestion(q), "error", err.Error())
		ch.CancelWithRcode(dns.RcodeServerFailure, false)
		return
	}

	resp.Id = req.Id
	resp.Question = req.Question
	resp.Opcode = req.Opcode
	resp.RecursionAvailable = true
	resp.RecursionDesired = req.RecursionDesired
	resp.CheckingDisabled = req.CheckingDisabled

	_ = w.WriteMsg(resp)

	ch.Cancel()
}

// client returns the cached upstream client for group, building it on first
// use. Insertion only, double-checked under the lock.
func (f *Forwarder) client(group string) (*resolver.Upstream, error) {
	f.mu.RLock()
	upstream, ok := f.clients[group]
	f.mu.RUnlock()

	if ok {
		return upstream, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if upstream, ok := f.clients[group]; ok {
		return upstream, nil
	}

	server, ok := f.cfg.Server(group)
	if !ok {
		return nil, fmt.Errorf("unknown upstream group %q", group)
	}

	var proxy *config.Proxy
	if server.Proxy != "" {
		p, ok := f.cfg.Proxy(server.Proxy)
		if !ok {
			return nil, fmt.Errorf("unknown proxy %q", server.Proxy)
		}
		proxy = &p
	}

	upstream, err := resolver.New(server, proxy, resolver.Options{
		Pool:    f.pool,
		Retries: f.cfg.SmartDNS.Retries,
		Timeout: f.cfg.SmartDNS.Timeout,
	})
	if err != nil {
		return nil, err
	}

	f.clients[group] = upstream

	return upstream, nil
}

// Stop closes the UDP socket pool.
func (f *Forwarder) Stop() {
	f.pool.Close()
}

func formatQuestion(q dns.Question) string {
	return strings.ToLower(q.Name) + " " + dns.ClassToString[q.Qclass] + " " + dns.TypeToString[q.Qtype]
}

const name = "forwarder"

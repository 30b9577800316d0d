package forwarder

import (
	"context"
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/mq00fc/GeoSmartDNS/config"
	"github.com/mq00fc/GeoSmartDNS/geosite"
	"github.com/mq00fc/GeoSmartDNS/middleware"
	"github.com/mq00fc/GeoSmartDNS/mock"
	"github.com/stretchr/testify/assert"
)

func startUpstream(t *testing.T) (string, func()) {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	assert.NoError(t, err)

	s := &dns.Server{PacketConn: pc, Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		resp := new(dns.Msg)
		resp.SetReply(r)

		a, _ := dns.NewRR(r.Question[0].Name + " 300 IN A 192.0.2.1")
		resp.Answer = append(resp.Answer, a)

		_ = w.WriteMsg(resp)
	})}
	go func() { _ = s.ActivateAndServe() }()

	return pc.LocalAddr().String(), func() { _ = s.Shutdown() }
}

func testConfig(addr string) *config.Config {
	cfg := new(config.Config)
	cfg.SmartDNS.SuffixMatchLabel = true
	cfg.SmartDNS.DNSServers = []config.Server{
		{Name: "local", Protocol: config.ProtocolUDP, Addresses: []string{addr}},
		{Name: "dead", Protocol: config.ProtocolUDP, Addresses: []string{"127.0.0.1:1"}},
	}
	cfg.SmartDNS.Rules = []config.Rule{
		{Domain: []string{"suffix:dead.example"}, DNSServer: "dead"},
		{Domain: []string{"*"}, DNSServer: "local"},
	}

	return cfg
}

func emptyGeosite(t *testing.T) *geosite.List {
	t.Helper()

	list, err := geosite.Parse(nil)
	assert.NoError(t, err)

	return list
}

func newChain(f *Forwarder, req *dns.Msg) (*middleware.Chain, *mock.Writer) {
	ch := middleware.NewChain([]middleware.Handler{f})

	mw := mock.NewWriter("udp", "127.0.0.1:0")
	ch.Reset(mw, req)

	return ch, mw
}

func Test_Forwarder(t *testing.T) {
	addr, stop := startUpstream(t)
	defer stop()

	f, err := NewWithGeosite(testConfig(addr), emptyGeosite(t))
	assert.NoError(t, err)
	assert.Equal(t, "forwarder", f.Name())
	defer f.Stop()

	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)
	req.RecursionDesired = true

	ch, mw := newChain(f, req)
	ch.Next(context.Background())

	assert.Equal(t, dns.RcodeSuccess, mw.Rcode())
	assert.Equal(t, req.Id, mw.Msg().Id)
	assert.Equal(t, req.Question, mw.Msg().Question)
	assert.True(t, mw.Msg().RecursionAvailable)
	assert.True(t, mw.Msg().RecursionDesired)
	assert.Len(t, mw.Msg().Answer, 1)
}

func Test_ForwarderEmptyQuestion(t *testing.T) {
	addr, stop := startUpstream(t)
	defer stop()

	f, err := NewWithGeosite(testConfig(addr), emptyGeosite(t))
	assert.NoError(t, err)
	defer f.Stop()

	req := new(dns.Msg)

	ch, mw := newChain(f, req)
	ch.Next(context.Background())

	assert.Equal(t, dns.RcodeFormatError, mw.Rcode())
}

func Test_ForwarderDeadUpstream(t *testing.T) {
	addr, stop := startUpstream(t)
	defer stop()

	f, err := NewWithGeosite(testConfig(addr), emptyGeosite(t))
	assert.NoError(t, err)
	defer f.Stop()

	req := new(dns.Msg)
	req.SetQuestion("host.dead.example.", dns.TypeA)

	ch, mw := newChain(f, req)
	ch.Next(context.Background())

	assert.Equal(t, dns.RcodeServerFailure, mw.Rcode())
}

func Test_ForwarderNoRuleMatch(t *testing.T) {
	addr, stop := startUpstream(t)
	defer stop()

	cfg := testConfig(addr)
	cfg.SmartDNS.Rules = []config.Rule{
		{Domain: []string{"suffix:cn"}, DNSServer: "local"},
	}

	f, err := NewWithGeosite(cfg, emptyGeosite(t))
	assert.NoError(t, err)
	defer f.Stop()

	req := new(dns.Msg)
	req.SetQuestion("example.org.", dns.TypeA)

	ch, mw := newChain(f, req)
	ch.Next(context.Background())

	assert.Equal(t, dns.RcodeServerFailure, mw.Rcode())
}

func Test_ForwarderClientCache(t *testing.T) {
	addr, stop := startUpstream(t)
	defer stop()

	f, err := NewWithGeosite(testConfig(addr), emptyGeosite(t))
	assert.NoError(t, err)
	defer f.Stop()

	first, err := f.client("local")
	assert.NoError(t, err)

	second, err := f.client("local")
	assert.NoError(t, err)

	assert.Same(t, first, second)

	_, err = f.client("nonexistent")
	assert.Error(t, err)
}

func Test_ForwarderBadRules(t *testing.T) {
	cfg := new(config.Config)
	cfg.SmartDNS.Rules = []config.Rule{
		{Domain: []string{"regex:(["}, DNSServer: "local"},
	}

	_, err := NewWithGeosite(cfg, emptyGeosite(t))
	assert.Error(t, err)
}

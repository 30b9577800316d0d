package edns

import (
	"context"
	"fmt"
	"testing"

	"github.com/miekg/dns"
	"github.com/mq00fc/GeoSmartDNS/config"
	"github.com/mq00fc/GeoSmartDNS/middleware"
	"github.com/mq00fc/GeoSmartDNS/mock"
	"github.com/stretchr/testify/assert"
)

type responder struct {
	build func(req *dns.Msg) *dns.Msg
}

func (r *responder) Name() string { return "responder" }

func (r *responder) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	_ = ch.Writer.WriteMsg(r.build(ch.Request))
	ch.Cancel()
}

func runChain(t *testing.T, proto string, req *dns.Msg, build func(*dns.Msg) *dns.Msg) *mock.Writer {
	t.Helper()

	e := New(new(config.Config))
	assert.Equal(t, "edns", e.Name())

	ch := middleware.NewChain([]middleware.Handler{e, &responder{build: build}})

	mw := mock.NewWriter(proto, "127.0.0.1:0")
	ch.Reset(mw, req)
	ch.Next(context.Background())

	return mw
}

func reply(req *dns.Msg) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(req)
	return resp
}

func Test_EDNSBadVersion(t *testing.T) {
	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)
	req.SetEdns0(4096, false)
	req.IsEdns0().SetVersion(1)

	mw := runChain(t, "udp", req, reply)

	assert.Equal(t, dns.RcodeBadVers, mw.Rcode())
}

func Test_EDNSAppendsOPT(t *testing.T) {
	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)
	req.SetEdns0(4096, false)

	mw := runChain(t, "udp", req, reply)

	assert.Equal(t, dns.RcodeSuccess, mw.Rcode())
	assert.NotNil(t, mw.Msg().IsEdns0())
}

func Test_EDNSNoOPTWhenClientHadNone(t *testing.T) {
	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)

	mw := runChain(t, "udp", req, reply)

	assert.Equal(t, dns.RcodeSuccess, mw.Rcode())
	assert.Nil(t, mw.Msg().IsEdns0())
}

func Test_EDNSTruncatesOversizeUDP(t *testing.T) {
	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)

	mw := runChain(t, "udp", req, func(req *dns.Msg) *dns.Msg {
		resp := reply(req)
		for i := 0; i < 200; i++ {
			a, _ := dns.NewRR(fmt.Sprintf("host-%d.example.com. 300 IN A 192.0.2.%d", i, i%250+1))
			resp.Answer = append(resp.Answer, a)
		}
		return resp
	})

	msg := mw.Msg()
	assert.True(t, msg.Truncated)
	assert.Len(t, msg.Answer, 0)
}

func Test_EDNSNoTruncationOverHTTPS(t *testing.T) {
	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)

	mw := runChain(t, "https", req, func(req *dns.Msg) *dns.Msg {
		resp := reply(req)
		for i := 0; i < 200; i++ {
			a, _ := dns.NewRR(fmt.Sprintf("host-%d.example.com. 300 IN A 192.0.2.%d", i, i%250+1))
			resp.Answer = append(resp.Answer, a)
		}
		return resp
	})

	msg := mw.Msg()
	assert.False(t, msg.Truncated)
	assert.Len(t, msg.Answer, 200)
}

func Test_EDNSStripsDNSSECWithoutDo(t *testing.T) {
	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)
	req.SetEdns0(4096, false)

	mw := runChain(t, "udp", req, func(req *dns.Msg) *dns.Msg {
		resp := reply(req)
		a, _ := dns.NewRR("example.com. 300 IN A 192.0.2.1")
		sig := &dns.RRSIG{
			Hdr:         dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeRRSIG, Class: dns.ClassINET, Ttl: 300},
			TypeCovered: dns.TypeA,
		}
		resp.Answer = append(resp.Answer, a, sig)
		return resp
	})

	assert.Len(t, mw.Msg().Answer, 1)
}

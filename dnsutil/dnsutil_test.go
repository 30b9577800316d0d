package dnsutil

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
)

func Test_SetRcode(t *testing.T) {
	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)
	req.RecursionDesired = true
	req.CheckingDisabled = true
	req.SetEdns0(DefaultMsgSize, true)

	m := SetRcode(req, dns.RcodeServerFailure, true)

	assert.Equal(t, req.Id, m.Id)
	assert.Equal(t, dns.RcodeServerFailure, m.Rcode)
	assert.True(t, m.RecursionAvailable)
	assert.True(t, m.RecursionDesired)
	assert.True(t, m.CheckingDisabled)

	opt := m.IsEdns0()
	assert.NotNil(t, opt)
	assert.True(t, opt.Do())
}

func Test_SetEdns0(t *testing.T) {
	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)

	opt, size, do := SetEdns0(req)
	assert.NotNil(t, opt)
	assert.Equal(t, DefaultMsgSize, size)
	assert.False(t, do)
	assert.NotNil(t, req.IsEdns0())

	req = new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)
	req.SetEdns0(65000, true)

	opt, size, do = SetEdns0(req)
	assert.Equal(t, DefaultMsgSize, size)
	assert.True(t, do)
	assert.Equal(t, uint16(DefaultMsgSize), opt.UDPSize())

	req = new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)
	req.SetEdns0(100, false)

	_, size, _ = SetEdns0(req)
	assert.Equal(t, dns.MinMsgSize, size)
}

func Test_SetEdns0Badvers(t *testing.T) {
	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)
	req.SetEdns0(DefaultMsgSize, true)
	req.IsEdns0().SetVersion(1)

	opt, _, do := SetEdns0(req)
	assert.False(t, do)
	assert.NotEqual(t, uint8(0), opt.Version())
}

func Test_ClearOPT(t *testing.T) {
	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)
	msg.SetEdns0(DefaultMsgSize, true)

	a, _ := dns.NewRR("example.com. 300 IN A 192.0.2.1")
	msg.Extra = append(msg.Extra, a)

	msg = ClearOPT(msg)

	assert.Nil(t, msg.IsEdns0())
	assert.Len(t, msg.Extra, 1)
}

func Test_ClearDNSSEC(t *testing.T) {
	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)

	a, _ := dns.NewRR("example.com. 300 IN A 192.0.2.1")
	sig := &dns.RRSIG{
		Hdr:         dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeRRSIG, Class: dns.ClassINET, Ttl: 300},
		TypeCovered: dns.TypeA,
	}
	msg.Answer = append(msg.Answer, a, sig)

	nsec := &dns.NSEC{
		Hdr:        dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeNSEC, Class: dns.ClassINET, Ttl: 300},
		NextDomain: "a.example.com.",
	}
	msg.Ns = append(msg.Ns, nsec)

	msg = ClearDNSSEC(msg)

	assert.Len(t, msg.Answer, 1)
	assert.Len(t, msg.Ns, 0)
}

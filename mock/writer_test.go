package mock

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
)

func Test_Writer(t *testing.T) {
	w := NewWriter("udp", "127.0.0.1:0")

	assert.Equal(t, "udp", w.Proto())
	assert.False(t, w.Written())
	assert.Equal(t, dns.RcodeServerFailure, w.Rcode())
	assert.Equal(t, "127.0.0.1", w.RemoteIP().String())

	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)

	assert.NoError(t, w.WriteMsg(msg))
	assert.True(t, w.Written())
	assert.Equal(t, msg, w.Msg())
	assert.Equal(t, dns.RcodeSuccess, w.Rcode())

	w = NewWriter("https", "127.0.0.1:0")
	assert.Equal(t, "https", w.Proto())

	packed, err := msg.Pack()
	assert.NoError(t, err)

	_, err = w.Write(packed)
	assert.NoError(t, err)
	assert.True(t, w.Written())
}

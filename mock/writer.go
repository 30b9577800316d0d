package mock

import (
	"net"

	"github.com/miekg/dns"
)

// Writer is a dns.ResponseWriter that records the written message. It is
// used by the DoH front-end to drive the middleware chain and by tests.
type Writer struct {
	msg *dns.Msg

	proto string

	localAddr  net.Addr
	remoteAddr net.Addr

	remoteip net.IP
}

// NewWriter returns a writer for the given proto ("udp", "tcp" or "https")
// and remote address.
func NewWriter(proto, addr string) *Writer {
	w := &Writer{}

	switch proto {
	case "tcp", "https":
		w.localAddr = &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5383}
		w.remoteAddr, _ = net.ResolveTCPAddr("tcp", addr)
		w.remoteip = w.remoteAddr.(*net.TCPAddr).IP
		w.proto = proto

	case "udp":
		w.localAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5383}
		w.remoteAddr, _ = net.ResolveUDPAddr("udp", addr)
		w.remoteip = w.remoteAddr.(*net.UDPAddr).IP
		w.proto = "udp"
	}

	return w
}

// Rcode returns the written message's response code.
func (w *Writer) Rcode() int {
	if w.msg == nil {
		return dns.RcodeServerFailure
	}

	return w.msg.Rcode
}

// Msg returns the written message.
func (w *Writer) Msg() *dns.Msg {
	return w.msg
}

// Write unpacks and records b as the written message.
func (w *Writer) Write(b []byte) (int, error) {
	w.msg = new(dns.Msg)
	err := w.msg.Unpack(b)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// WriteMsg records msg as the written message.
func (w *Writer) WriteMsg(msg *dns.Msg) error {
	w.msg = msg
	return nil
}

// Written reports whether a message has been written.
func (w *Writer) Written() bool {
	return w.msg != nil
}

// Proto returns the writer's protocol.
func (w *Writer) Proto() string {
	return w.proto
}

// RemoteIP returns the remote IP.
func (w *Writer) RemoteIP() net.IP {
	return w.remoteip
}

// LocalAddr returns the local address.
func (w *Writer) LocalAddr() net.Addr {
	return w.localAddr
}

// RemoteAddr returns the remote address.
func (w *Writer) RemoteAddr() net.Addr {
	return w.remoteAddr
}

// Close is a no-op.
func (w *Writer) Close() error { return nil }

// Hijack is a no-op.
func (w *Writer) Hijack() {}

// TsigStatus is a no-op.
func (w *Writer) TsigStatus() error { return nil }

// TsigTimersOnly is a no-op.
func (w *Writer) TsigTimersOnly(_ bool) {}

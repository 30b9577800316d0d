package edns

import (
	"context"

	"github.com/miekg/dns"
	"github.com/mq00fc/GeoSmartDNS/config"
	"github.com/mq00fc/GeoSmartDNS/dnsutil"
	"github.com/mq00fc/GeoSmartDNS/middleware"
)

// EDNS normalizes the request's OPT record, restores it on the response and
// truncates UDP answers beyond the negotiated payload size.
type EDNS struct{}

// New return edns
func New(cfg *config.Config) *EDNS {
	return &EDNS{}
}

// Name return middleware name
func (e *EDNS) Name() string { return name }

// ResponseWriter implement of middleware.ResponseWriter
type ResponseWriter struct {
	middleware.ResponseWriter
	opt    *dns.OPT
	size   int
	do     bool
	noedns bool
	noad   bool
}

// ServeDNS implements the Handle interface.
func (e *EDNS) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	w, req := ch.Writer, ch.Request

	noedns := req.IsEdns0() == nil

	opt, size, do := dnsutil.SetEdns0(req)
	if opt.Version() != 0 {
		opt.SetVersion(0)
		opt.SetExtendedRcode(dns.RcodeBadVers)

		_ = w.WriteMsg(dnsutil.SetRcode(req, dns.RcodeBadVers, do))

		ch.Cancel()
		return
	}

	if w.Proto() != "udp" {
		size = dns.MaxMsgSize
	}

	ch.Writer = &ResponseWriter{ResponseWriter: w, opt: opt, size: size, do: do, noedns: noedns, noad: !req.AuthenticatedData}

	ch.Next(ctx)

	ch.Writer = w
}

// WriteMsg implements the middleware.ResponseWriter interface
func (w *ResponseWriter) WriteMsg(m *dns.Msg) error {
	if !w.do {
		m = dnsutil.ClearDNSSEC(m)
	}
	m = dnsutil.ClearOPT(m)

	if !w.noedns {
		w.opt.SetDo(w.do)
		m.Extra = append(m.Extra, w.opt)
	}

	if w.noad {
		m.AuthenticatedData = false
	}

	if w.Proto() == "udp" && m.Len() > w.size {
		m.Truncated = true
		m.Answer = []dns.RR{}
		m.Ns = []dns.RR{}
		m.AuthenticatedData = false
	}

	return w.ResponseWriter.WriteMsg(m)
}

const name = "edns"

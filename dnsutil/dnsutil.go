package dnsutil

import (
	"github.com/miekg/dns"
)

// DefaultMsgSize is the EDNS(0) UDP payload size advertised to clients and
// upstreams. 1232 avoids IP fragmentation on almost every path.
const DefaultMsgSize = 1232

// SetRcode returns a response message for req with the given rcode. The
// request's extra section is carried over so the OPT record survives.
func SetRcode(req *dns.Msg, rcode int, do bool) *dns.Msg {
	m := new(dns.Msg)
	m.Extra = req.Extra
	m.SetRcode(req, rcode)
	m.RecursionAvailable = true
	m.RecursionDesired = req.RecursionDesired
	m.CheckingDisabled = req.CheckingDisabled

	if opt := m.IsEdns0(); opt != nil {
		opt.SetDo(do)
	}

	return m
}

// SetEdns0 ensures req carries an OPT record and returns it together with the
// client's advertised UDP payload size and DO bit. The advertised size is
// clamped to [dns.MinMsgSize, DefaultMsgSize]. A version > 0 OPT is returned
// untouched so the caller can answer BADVERS.
func SetEdns0(req *dns.Msg) (*dns.OPT, int, bool) {
	opt := req.IsEdns0()
	size := DefaultMsgSize
	do := false

	if opt != nil {
		size = int(opt.UDPSize())
		if size < dns.MinMsgSize {
			size = dns.MinMsgSize
		}
		if size > DefaultMsgSize {
			size = DefaultMsgSize
		}

		if opt.Version() != 0 {
			return opt, size, false
		}

		do = opt.Do()
		opt.SetUDPSize(DefaultMsgSize)
	} else {
		opt = new(dns.OPT)
		opt.Hdr.Name = "."
		opt.Hdr.Rrtype = dns.TypeOPT
		opt.SetUDPSize(DefaultMsgSize)

		req.Extra = append(req.Extra, opt)
	}

	return opt, size, do
}

// ClearOPT returns msg with all OPT records removed from the extra section.
func ClearOPT(msg *dns.Msg) *dns.Msg {
	extra := make([]dns.RR, len(msg.Extra))
	copy(extra, msg.Extra)

	msg.Extra = []dns.RR{}

	for _, rr := range extra {
		switch rr.(type) {
		case *dns.OPT:
			continue
		default:
			msg.Extra = append(msg.Extra, rr)
		}
	}

	return msg
}

// ClearDNSSEC strips RRSIG and NSECx records from the answer and authority
// sections. RRSIG questions keep their records.
func ClearDNSSEC(msg *dns.Msg) *dns.Msg {
	if len(msg.Question) > 0 {
		if msg.Question[0].Qtype == dns.TypeRRSIG {
			return msg
		}
	}

	var answer, ns []dns.RR

	answer = append(answer, msg.Answer...)
	msg.Answer = []dns.RR{}

	for _, rr := range answer {
		switch rr.(type) {
		case *dns.RRSIG, *dns.NSEC3, *dns.NSEC:
			continue
		default:
			msg.Answer = append(msg.Answer, rr)
		}
	}

	ns = append(ns, msg.Ns...)
	msg.Ns = []dns.RR{}

	for _, rr := range ns {
		switch rr.(type) {
		case *dns.RRSIG, *dns.NSEC3, *dns.NSEC:
			continue
		default:
			msg.Ns = append(msg.Ns, rr)
		}
	}

	return msg
}

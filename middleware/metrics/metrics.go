package metrics

import (
	"context"

	"github.com/miekg/dns"
	"github.com/mq00fc/GeoSmartDNS/config"
	"github.com/mq00fc/GeoSmartDNS/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics type
type Metrics struct {
	queries *prometheus.CounterVec
}

// New return new metrics
func New(cfg *config.Config) *Metrics {
	m := &Metrics{
		queries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dns_queries_total",
				Help: "How many DNS queries processed",
			},
			[]string{"qtype", "rcode"},
		),
	}
	_ = prometheus.Register(m.queries)

	return m
}

// Name return middleware name
func (m *Metrics) Name() string { return name }

// ServeDNS implements the Handle interface.
func (m *Metrics) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	ch.Next(ctx)

	if !ch.Writer.Written() || len(ch.Request.Question) == 0 {
		return
	}

	m.queries.With(
		prometheus.Labels{
			"qtype": dns.TypeToString[ch.Request.Question[0].Qtype],
			"rcode": dns.RcodeToString[ch.Writer.Rcode()],
		}).Inc()
}

const name = "metrics"

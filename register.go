package main

import (
	"github.com/mq00fc/GeoSmartDNS/config"
	"github.com/mq00fc/GeoSmartDNS/middleware"
	"github.com/mq00fc/GeoSmartDNS/middleware/accesslog"
	"github.com/mq00fc/GeoSmartDNS/middleware/edns"
	"github.com/mq00fc/GeoSmartDNS/middleware/forwarder"
	"github.com/mq00fc/GeoSmartDNS/middleware/metrics"
	"github.com/mq00fc/GeoSmartDNS/middleware/recovery"
)

// register wires the middleware chain. Registration order is chain order:
// recovery wraps everything, the forwarder answers last.
func register() {
	middleware.Register("recovery", func(cfg *config.Config) middleware.Handler { return recovery.New(cfg) })
	middleware.Register("metrics", func(cfg *config.Config) middleware.Handler { return metrics.New(cfg) })
	middleware.Register("accesslog", func(cfg *config.Config) middleware.Handler { return accesslog.New(cfg) })
	middleware.Register("edns", func(cfg *config.Config) middleware.Handler { return edns.New(cfg) })
	middleware.Register("forwarder", func(cfg *config.Config) middleware.Handler { return forwarder.New(cfg) })
}

// Package server runs the two listeners: plain DNS over UDP and the DoH
// HTTP front-end.
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/mq00fc/GeoSmartDNS/config"
	"github.com/mq00fc/GeoSmartDNS/middleware"
	"github.com/mq00fc/GeoSmartDNS/mock"
	"github.com/mq00fc/GeoSmartDNS/server/doh"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/semihalev/log"
)

// Server type
type Server struct {
	addr    string
	dohAddr string

	udpServer  *dns.Server
	httpServer *http.Server

	baseCtx   context.Context
	cancelCtx context.CancelFunc

	chainPool sync.Pool
}

// New return new server
func New(cfg *config.Config) *Server {
	server := &Server{
		addr:    cfg.SmartDNS.Bind,
		dohAddr: cfg.SmartDNS.BindDOH,
	}

	if server.addr == "" {
		server.addr = ":5383"
	}

	if server.dohAddr == "" {
		server.dohAddr = ":8125"
	}

	server.baseCtx, server.cancelCtx = context.WithCancel(context.Background())

	server.chainPool.New = func() interface{} {
		return middleware.NewChain(middleware.Handlers())
	}

	return server
}

// ServeDNS implements the dns.Handler interface. Each request runs the
// middleware chain on its own goroutine (miekg's server dispatches one per
// datagram).
func (s *Server) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	s.serveDNS(s.baseCtx, w, r)
}

// serveDNS runs the middleware chain under ctx, cancelled early when the
// server shuts down.
func (s *Server) serveDNS(ctx context.Context, w dns.ResponseWriter, r *dns.Msg) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(s.baseCtx, cancel)
	defer stop()

	if s.baseCtx.Err() != nil {
		cancel()
	}

	ch := s.chainPool.Get().(*middleware.Chain)

	ch.Reset(w, r)

	ch.Next(ctx)

	s.chainPool.Put(ch)
}

// ServeHTTP drives the middleware chain for DoH requests. The chain inherits
// the HTTP request's context, so a client that goes away aborts the
// in-flight resolve.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	handle := func(req *dns.Msg) *dns.Msg {
		mw := mock.NewWriter("https", r.RemoteAddr)
		s.serveDNS(r.Context(), mw, req)

		if !mw.Written() {
			return nil
		}

		return mw.Msg()
	}

	doh.HandleWireFormat(handle)(w, r)
}

// Run starts the listeners. Bind failures are fatal.
func (s *Server) Run() {
	packetConn, err := net.ListenPacket("udp", s.addr)
	if err != nil {
		log.Crit("DNS listener bind failed", "net", "udp", "addr", s.addr, "error", err.Error())
	}

	s.udpServer = &dns.Server{
		PacketConn: packetConn,
		Handler:    s,
	}

	log.Info("DNS server listening...", "net", "udp", "addr", s.addr)

	go func() {
		if err := s.udpServer.ActivateAndServe(); err != nil {
			log.Error("DNS listener failed", "net", "udp", "addr", s.addr, "error", err.Error())
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/dns-query", s)
	mux.Handle("/metrics", promhttp.Handler())

	listener, err := net.Listen("tcp", s.dohAddr)
	if err != nil {
		log.Crit("DoH listener bind failed", "net", "http", "addr", s.dohAddr, "error", err.Error())
	}

	s.httpServer = &http.Server{
		Addr:         s.dohAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	log.Info("DoH server listening...", "net", "http", "addr", s.dohAddr)

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error("DoH listener failed", "net", "http", "addr", s.dohAddr, "error", err.Error())
		}
	}()
}

// Stop shuts both listeners down and cancels in-flight chains. In-flight
// queries drain within the per-attempt timeout.
func (s *Server) Stop(ctx context.Context) {
	s.cancelCtx()

	if s.udpServer != nil {
		if err := s.udpServer.ShutdownContext(ctx); err != nil {
			log.Error("DNS listener shutdown failed", "error", err.Error())
		}
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Error("DoH listener shutdown failed", "error", err.Error())
		}
	}
}

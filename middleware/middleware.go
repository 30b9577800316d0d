package middleware

import (
	"context"
	"errors"
	"sync"

	"github.com/mq00fc/GeoSmartDNS/config"
	"github.com/semihalev/log"
)

// Handler interface
type Handler interface {
	Name() string
	ServeDNS(context.Context, *Chain)
}

type middleware struct {
	mu sync.RWMutex

	handlers []handler
}

type handler struct {
	name string
	new  func(*config.Config) Handler
}

var m middleware
var chainHandlers []Handler
var setup bool

// Register a middleware. Handlers run in registration order.
func Register(name string, new func(*config.Config) Handler) {
	log.Debug("Register middleware", "name", name)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler{name: name, new: new})
}

// Setup constructs all registered handlers with cfg.
func Setup(cfg *config.Config) error {
	if setup {
		return errors.New("setup already done")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, handler := range m.handlers {
		chainHandlers = append(chainHandlers, handler.new(cfg))
	}

	setup = true

	return nil
}

// Handlers returns the constructed handlers.
func Handlers() []Handler {
	return chainHandlers
}

// List returns the names of registered handlers.
func List() (list []string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, handler := range m.handlers {
		list = append(list, handler.name)
	}

	return list
}

// Get returns a constructed handler by name.
func Get(name string) Handler {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i, handler := range m.handlers {
		if handler.name == name {
			if len(chainHandlers) <= i {
				return nil
			}
			return chainHandlers[i]
		}
	}

	return nil
}

package router

import (
	"sync"

	"github.com/tidwall/gjson"
)

// HandlerFunc handles one inbound event for one connection.
type HandlerFunc func(hctx *HandlerContext)

// Registry maps event names to their handlers. Handlers are registered once
// at startup; lookups happen on every inbound frame.
type Registry struct {
	handlers  map[string]HandlerFunc
	handlerMu sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

func (r *Registry) Register(event string, fn HandlerFunc) {
	r.handlerMu.Lock()
	defer r.handlerMu.Unlock()
	if _, exists := r.handlers[event]; exists {
		panic("event handler already registered: " + event)
	}
	r.handlers[event] = fn
}

func (r *Registry) Get(event string) (HandlerFunc, bool) {
	r.handlerMu.RLock()
	defer r.handlerMu.RUnlock()
	fn, ok := r.handlers[event]
	return fn, ok
}

// stringField reads a string out of a payload, accepting either the named
// object field or a bare JSON string. Clients of the original protocol send
// message ids both ways.
func stringField(payload gjson.Result, name string) string {
	if v := payload.Get(name); v.Exists() {
		return v.String()
	}
	if payload.Type == gjson.String {
		return payload.String()
	}
	return ""
}

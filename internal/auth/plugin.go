// Package auth defines the AuthNZ plugin contract exchanged during the
// ConnectionValidation/AuthNZ/ConnectionValidated handshake (spec.md
// §4.3), plus a registry the server offers plugins from and the client
// selects one against.
package auth

import (
	"context"
	"fmt"
	"sync"

	"github.com/epics-go/pvaccess/internal/pvstatus"
)

// Plugin implements one AuthNZ mechanism. A plugin may run single-round
// (InitServer returns done=true immediately) or multi-round (the server
// sends nextInit as a challenge, the client answers via
// HandleServerChallenge, repeating until done).
type Plugin interface {
	Name() string

	// InitServer processes the client's chosen-plugin init data sent with
	// ConnectionValidation's reply. It returns either a final status or
	// another round's init data to send back as an AuthNZ message.
	InitServer(ctx context.Context, initData []byte) (done bool, status pvstatus.Status, nextInit []byte, err error)

	// InitClient produces the client's initial AuthNZ init data, sent
	// alongside the chosen plugin name in the ConnectionValidation reply.
	InitClient(ctx context.Context) (initData []byte, err error)

	// HandleServerChallenge processes one AuthNZ round's challenge from
	// the server and produces the client's response for the next round.
	HandleServerChallenge(ctx context.Context, challenge []byte) (response []byte, done bool, err error)
}

// Registry holds the plugins a server offers, in preference order (the
// order advertised in ConnectionValidation's list_of_offered_auth_plugins).
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	byName  map[string]Plugin
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Plugin)}
}

// Register adds a plugin, appending it to the preference order. Re-
// registering a name replaces the earlier plugin in place.
func (r *Registry) Register(p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[p.Name()]; exists {
		for i, existing := range r.plugins {
			if existing.Name() == p.Name() {
				r.plugins[i] = p
			}
		}
	} else {
		r.plugins = append(r.plugins, p)
	}
	r.byName[p.Name()] = p
}

// Names returns the offered plugin names in preference order, for the
// ConnectionValidation message.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.plugins))
	for i, p := range r.plugins {
		names[i] = p.Name()
	}
	return names
}

// Get looks up a plugin by the name a client chose.
func (r *Registry) Get(name string) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("auth: no plugin registered for %q", name)
	}
	return p, nil
}

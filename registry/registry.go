// Package registry implements the per-connector protocol -> ConnectionFactory
// binding table described for the connector's Connection Factory Registry.
//
// Protocol keys are case-insensitive ASCII tokens. Mutating operations are
// rejected while the registry is marked running (the connector flips that
// flag around its start/stop lifecycle); reads are always allowed.
package registry

import (
	"errors"
	"strings"
	"sync"
)

// ErrInvalidState is returned by any mutating operation while the registry
// is running.
var ErrInvalidState = errors.New("registry: invalid state, connector is running")

// Endpoint is the minimal duplex-channel abstraction a ConnectionFactory
// consumes. The concrete transport (TLS, plain TCP, ...) lives outside this
// package; this is the boundary interface the spec treats as external.
type Endpoint interface {
	Close() error
}

// Connection is whatever a ConnectionFactory produces from an accepted
// Endpoint: the opaque, protocol-specific connection handler.
type Connection interface {
	Serve()
}

// Connector is the minimal view of the owning connector a factory needs in
// order to build a Connection (buffer pool, executor, etc. live behind it).
type Connector interface {
	Name() string
}

// Factory names the protocols a connection factory serves. Protocol()
// returns the factory's primary protocol name; Protocols() returns every
// protocol token it answers to (a TLS factory might answer to "ssl" and
// expose a NextProtocol() for ALPN chaining). The interface has no method
// that builds a Connection from an Endpoint; each concrete factory does
// that through its own unexported API, which the registry does not call.
type Factory interface {
	Protocol() string
	Protocols() []string
}

// NextProtocolFactory is implemented by factories that, once their own
// negotiation completes (e.g. TLS/ALPN), hand off to another registered
// protocol.
type NextProtocolFactory interface {
	Factory
	NextProtocol() string
}

// Capability is an empty marker interface. GetByCapability does not take
// one; it takes a predicate over Factory values instead.
type Capability interface{}

// Registry is the ordered protocol -> Factory mapping. The zero value is
// ready to use.
type Registry struct {
	mu        sync.RWMutex
	running   bool
	order     []string // lowercased protocol insertion order, as first-seen
	factories map[string]Factory
	def       string
}

func lower(protocol string) string {
	return strings.ToLower(protocol)
}

// SetRunning marks the registry as running (rejecting mutation) or stopped
// (allowing it). The connector calls this around its start/stop lifecycle.
func (r *Registry) SetRunning(running bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = running
}

func (r *Registry) checkMutable() error {
	if r.running {
		return ErrInvalidState
	}
	return nil
}

func (r *Registry) ensureMaps() {
	if r.factories == nil {
		r.factories = make(map[string]Factory)
	}
}

// Add registers factory for every protocol it names, replacing any
// previous factory bound to those protocols. Insertion order (for
// Protocols()) is preserved; a protocol that already existed keeps its
// original position. If no default protocol is set, the first protocol in
// the current insertion order becomes the default.
func (r *Registry) Add(factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkMutable(); err != nil {
		return err
	}
	r.addLocked(factory, false)
	return nil
}

// AddFirst registers factory like Add, but its protocols are placed at the
// front of the insertion order, and it becomes the default protocol.
func (r *Registry) AddFirst(factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkMutable(); err != nil {
		return err
	}
	r.addLocked(factory, true)
	if len(factory.Protocols()) > 0 {
		r.def = lower(factory.Protocols()[0])
	}
	return nil
}

// AddIfAbsent registers factory only for protocol names not already bound.
func (r *Registry) AddIfAbsent(factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkMutable(); err != nil {
		return err
	}
	r.ensureMaps()
	filtered := make([]string, 0, len(factory.Protocols()))
	for _, p := range factory.Protocols() {
		if _, exists := r.factories[lower(p)]; !exists {
			filtered = append(filtered, p)
		}
	}
	if len(filtered) == 0 {
		return nil
	}
	r.bindLocked(factory, filtered, false)
	return nil
}

func (r *Registry) addLocked(factory Factory, front bool) {
	r.ensureMaps()
	r.bindLocked(factory, factory.Protocols(), front)
}

func (r *Registry) bindLocked(factory Factory, protocols []string, front bool) {
	var newNames []string
	for _, p := range protocols {
		key := lower(p)
		if prev, exists := r.factories[key]; exists {
			r.detachIfOrphaned(prev, key)
		} else {
			newNames = append(newNames, key)
		}
		r.factories[key] = factory
	}
	if front {
		r.order = append(append([]string{}, newNames...), r.order...)
	} else {
		r.order = append(r.order, newNames...)
	}
	if r.def == "" && len(r.order) > 0 {
		r.def = r.order[0]
	}
}

// detachIfOrphaned checks whether a replaced factory is still bound under
// another protocol. It changes nothing either way: the registry keeps no
// per-factory state beyond r.factories.
func (r *Registry) detachIfOrphaned(prev Factory, replacedKey string) {
	for _, p := range prev.Protocols() {
		key := lower(p)
		if key == replacedKey {
			continue
		}
		if bound, ok := r.factories[key]; ok && bound == prev {
			return // still referenced elsewhere
		}
	}
	// no remaining reference to prev; nothing else to do here since the
	// registry holds no other state for prev beyond r.factories.
}

// Remove unbinds protocol (case-insensitively). If protocol was the default
// protocol, the default is cleared until the next Add.
func (r *Registry) Remove(protocol string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkMutable(); err != nil {
		return err
	}
	key := lower(protocol)
	if _, ok := r.factories[key]; !ok {
		return nil
	}
	delete(r.factories, key)
	for i, p := range r.order {
		if p == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.def == key {
		r.def = ""
	}
	return nil
}

// SetAll replaces the entire registry contents with factories, in the
// order given.
func (r *Registry) SetAll(factories []Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkMutable(); err != nil {
		return err
	}
	r.factories = make(map[string]Factory)
	r.order = nil
	r.def = ""
	for _, f := range factories {
		r.bindLocked(f, f.Protocols(), false)
	}
	return nil
}

// Clear removes every binding and the default protocol.
func (r *Registry) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkMutable(); err != nil {
		return err
	}
	r.factories = make(map[string]Factory)
	r.order = nil
	r.def = ""
	return nil
}

// Get returns the factory bound to protocol (case-insensitive), if any.
func (r *Registry) Get(protocol string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[lower(protocol)]
	return f, ok
}

// GetByCapability returns the first factory (in Protocols() insertion
// order) for which assignable returns true — e.g. a predicate that
// type-asserts NextProtocolFactory finds the first ALPN-capable factory.
func (r *Registry) GetByCapability(assignable func(Factory) bool) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[Factory]bool)
	for _, key := range r.order {
		f := r.factories[key]
		if f == nil || seen[f] {
			continue
		}
		seen[f] = true
		if assignable(f) {
			return f, true
		}
	}
	return nil, false
}

// Protocols returns the registered protocol tokens in insertion order.
func (r *Registry) Protocols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// DefaultProtocol returns the current default protocol token, or "" if
// none is set.
func (r *Registry) DefaultProtocol() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.def
}

package transport

import (
	"sync"

	"go.uber.org/zap"

	"screenmesh/internal/core/domain"
	"screenmesh/internal/core/ports"
	"screenmesh/internal/protocol"
)

// Registry is the single source of truth for reachable peers. All map
// mutation happens under one mutex; readers get copied snapshots, never the
// live map.
type Registry struct {
	mu           sync.RWMutex
	conns        map[domain.PeerID]ports.PeerLink
	onRegister   []func(domain.PeerID)
	onUnregister []func(domain.PeerID)
	logger       *zap.SugaredLogger
}

func NewRegistry(logger *zap.SugaredLogger) *Registry {
	return &Registry{
		conns:  make(map[domain.PeerID]ports.PeerLink),
		logger: logger,
	}
}

// OnRegister adds a hook fired after a peer joins the registry. Hooks run
// outside the registry lock. Must be called before the endpoint starts.
func (r *Registry) OnRegister(fn func(domain.PeerID)) {
	r.onRegister = append(r.onRegister, fn)
}

// OnUnregister adds a hook fired after a peer leaves the registry. Hooks
// run outside the registry lock. Must be called before the endpoint starts.
func (r *Registry) OnUnregister(fn func(domain.PeerID)) {
	r.onUnregister = append(r.onUnregister, fn)
}

// Register adds a connection. A live entry under the same identity is a
// conflict: the caller keeps the existing connection and drops the new one.
func (r *Registry) Register(link ports.PeerLink) error {
	id := link.Identity().ID
	r.mu.Lock()
	if _, exists := r.conns[id]; exists {
		r.mu.Unlock()
		return domain.ErrAlreadyRegistered
	}
	r.conns[id] = link
	total := len(r.conns)
	r.mu.Unlock()

	r.logger.Infow("peer registered", "peer", id, "total", total)
	for _, fn := range r.onRegister {
		fn(id)
	}
	return nil
}

// Unregister removes a peer and closes its connection if still open. Safe
// to call for unknown or already-removed peers.
func (r *Registry) Unregister(id domain.PeerID) {
	r.mu.Lock()
	link, exists := r.conns[id]
	if exists {
		delete(r.conns, id)
	}
	r.mu.Unlock()
	if !exists {
		return
	}
	link.Close(domain.CloseRequested)
	r.logger.Infow("peer unregistered", "peer", id)
	for _, fn := range r.onUnregister {
		fn(id)
	}
}

// Release removes the peer only if link is still the registered connection
// for its identity. A connection that lost a dial race closes while the
// winning connection holds the registry slot; releasing the loser must not
// evict the winner. The link is already closing, so Release never closes it.
func (r *Registry) Release(link ports.PeerLink) {
	id := link.Identity().ID
	r.mu.Lock()
	current, exists := r.conns[id]
	if !exists || current != link {
		r.mu.Unlock()
		return
	}
	delete(r.conns, id)
	r.mu.Unlock()

	r.logger.Infow("peer unregistered", "peer", id)
	for _, fn := range r.onUnregister {
		fn(id)
	}
}

func (r *Registry) Lookup(id domain.PeerID) (ports.PeerLink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	link, ok := r.conns[id]
	return link, ok
}

// List returns a point-in-time snapshot of all registered peers.
func (r *Registry) List() []domain.PeerStatus {
	r.mu.RLock()
	links := make([]ports.PeerLink, 0, len(r.conns))
	for _, link := range r.conns {
		links = append(links, link)
	}
	r.mu.RUnlock()

	statuses := make([]domain.PeerStatus, 0, len(links))
	for _, link := range links {
		statuses = append(statuses, link.Status())
	}
	return statuses
}

// Broadcast sends msg to every registered peer on the reliable channel and
// reports per-peer outcomes. A failed delivery never aborts the rest.
func (r *Registry) Broadcast(msg protocol.Message) map[domain.PeerID]error {
	r.mu.RLock()
	snapshot := make(map[domain.PeerID]ports.PeerLink, len(r.conns))
	for id, link := range r.conns {
		snapshot[id] = link
	}
	r.mu.RUnlock()

	report := make(map[domain.PeerID]error, len(snapshot))
	for id, link := range snapshot {
		report[id] = link.SendReliable(msg)
	}
	return report
}

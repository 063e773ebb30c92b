// Package manifest implements the client-side aggregation of per-server
// manifests and the server-side descriptor catalog described in
// across servers.
package manifest

import (
	"log/slog"
	"sync"
	"time"

	"github.com/floegence/grainrpc/wire"
)

// GrainID names a logical object by type and key.
type GrainID struct {
	Type string
	Key  string
}

type serverManifest struct {
	serverID         string
	grains           []wire.GrainDescriptor
	interfaces       map[string]Descriptor // interface_id -> descriptor, as this server declared it
	interfaceToGrain map[string]string     // interface_id -> grain_type
	zone             *wire.ZoneCoord
	zoneMap          []wire.ZoneServer
	updatedAt        time.Time
}

// Registry is the client-side aggregation of every connected server's
// manifest: which server offers which interfaces, what ordinal a method
// name resolves to, and which server owns which zone.
type Registry struct {
	mu      sync.RWMutex
	byServer map[string]*serverManifest

	// providers maps interface_id -> ordered list of server ids currently
	// offering it without contradiction (round-robin cursor lives here).
	providers map[string][]string
	rrCursor  map[string]int

	// descriptors holds the first-seen, authoritative Descriptor per
	// interface_id; a later server whose descriptor disagrees is refused
	// for that interface_id.
	descriptors map[string]Descriptor

	zoneOwner map[wire.ZoneCoord]zoneEntry

	logger *slog.Logger
}

type zoneEntry struct {
	serverID  string
	updatedAt time.Time
}

// NewRegistry builds an empty client-side manifest registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byServer:    make(map[string]*serverManifest),
		providers:   make(map[string][]string),
		rrCursor:    make(map[string]int),
		descriptors: make(map[string]Descriptor),
		zoneOwner:   make(map[wire.ZoneCoord]zoneEntry),
		logger:      logger,
	}
}

// Update installs server's manifest wholesale, replacing anything
// previously received from that server. Contradictory interface
// descriptors (same interface_id, different method ordering than an
// already-registered server) are logged and excluded from that server's
// provider set, but the rest of the manifest is
// still installed.
func (r *Registry) Update(serverID string, ack wire.HandshakeAck, now time.Time) {
	sm := &serverManifest{
		serverID:         serverID,
		grains:           ack.Manifest.Grains,
		interfaces:       make(map[string]Descriptor, len(ack.Manifest.Interfaces)),
		interfaceToGrain: make(map[string]string, len(ack.Manifest.InterfaceToGrain)),
		zone:             ack.Zone,
		zoneMap:          ack.ZoneMap,
		updatedAt:        now,
	}
	for _, d := range descriptorsFromWire(ack.Manifest.Interfaces) {
		sm.interfaces[d.InterfaceID] = d
	}
	for _, b := range ack.Manifest.InterfaceToGrain {
		sm.interfaceToGrain[b.InterfaceID] = b.GrainType
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.purgeLocked(serverID)
	r.byServer[serverID] = sm

	for ifaceID, d := range sm.interfaces {
		if existing, ok := r.descriptors[ifaceID]; ok && !existing.Equal(d) {
			r.logger.Error("manifest descriptor contradiction",
				"interface_id", ifaceID, "server_id", serverID,
				"existing_methods", existing.Methods, "new_methods", d.Methods)
			continue
		}
		r.descriptors[ifaceID] = d
		r.providers[ifaceID] = appendUnique(r.providers[ifaceID], serverID)
	}

	if ack.Zone != nil {
		r.applyZoneLocked(serverID, *ack.Zone, now)
	}
	for _, zs := range ack.ZoneMap {
		r.applyZoneLocked(zs.ServerID, zs.Zone, now)
	}
}

func (r *Registry) applyZoneLocked(serverID string, zone wire.ZoneCoord, now time.Time) {
	cur, ok := r.zoneOwner[zone]
	if !ok || !now.Before(cur.updatedAt) {
		r.zoneOwner[zone] = zoneEntry{serverID: serverID, updatedAt: now}
	}
}

// Purge removes every manifest entry contributed by serverID, e.g. when
// its connection drops. Subsequent lookups for interfaces only that
// server offered fail with NoProvider.
func (r *Registry) Purge(serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purgeLocked(serverID)
}

func (r *Registry) purgeLocked(serverID string) {
	old, ok := r.byServer[serverID]
	if !ok {
		return
	}
	delete(r.byServer, serverID)
	for ifaceID := range old.interfaces {
		r.providers[ifaceID] = removeString(r.providers[ifaceID], serverID)
		if len(r.providers[ifaceID]) == 0 {
			delete(r.providers, ifaceID)
			delete(r.descriptors, ifaceID)
		}
	}
	for zone, entry := range r.zoneOwner {
		if entry.serverID == serverID {
			delete(r.zoneOwner, zone)
		}
	}
}

// Providers returns the servers currently offering interfaceID, in a
// stable order.
func (r *Registry) Providers(interfaceID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.providers[interfaceID]))
	copy(out, r.providers[interfaceID])
	return out
}

// NextRoundRobin returns the next provider for interfaceID in round-robin
// order, advancing the cursor. ok is false if there is no provider.
func (r *Registry) NextRoundRobin(interfaceID string) (serverID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	servers := r.providers[interfaceID]
	if len(servers) == 0 {
		return "", false
	}
	i := r.rrCursor[interfaceID] % len(servers)
	r.rrCursor[interfaceID] = i + 1
	return servers[i], true
}

// Ordinal resolves (interfaceID, methodName) to its stable ordinal.
func (r *Registry) Ordinal(interfaceID, methodName string) (uint32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[interfaceID]
	if !ok {
		return 0, false
	}
	return d.Ordinal(methodName)
}

// Descriptor returns the authoritative Descriptor for interfaceID.
func (r *Registry) Descriptor(interfaceID string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[interfaceID]
	return d, ok
}

// ResolveZone returns the server owning zone, per the most recent update.
func (r *Registry) ResolveZone(zone wire.ZoneCoord) (serverID string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.zoneOwner[zone]
	if !ok {
		return "", false
	}
	return entry.serverID, true
}

// IsConnected reports whether serverID currently has an installed
// manifest (used by server-selection to filter stale zone-map entries).
func (r *Registry) IsConnected(serverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byServer[serverID]
	return ok
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

package manifest

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/floegence/grainrpc/wire"
)

// Catalog is the server-side registry of grain types and the interfaces
// they implement. It computes and caches each interface's Descriptor at
// registration time and builds the HandshakeAck manifest payload sent to
// newly connected peers.
type Catalog struct {
	mu               sync.RWMutex
	grains           map[string]wire.GrainDescriptor
	descriptors      map[string]Descriptor
	interfaceToGrain map[string]string
	grainToInterface map[string][]string
}

// NewCatalog builds an empty server-side manifest catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		grains:           make(map[string]wire.GrainDescriptor),
		descriptors:      make(map[string]Descriptor),
		interfaceToGrain: make(map[string]string),
		grainToInterface: make(map[string][]string),
	}
}

// RegisterInterface computes and stores the Descriptor for iface under
// interfaceID, binding it to grainType. It panics if iface is not an
// interface type or if interfaceID is already bound to a different
// grain type — both are programming errors caught at startup, not
// runtime conditions.
func (c *Catalog) RegisterInterface(interfaceID, grainType string, iface reflect.Type, properties map[string]string) Descriptor {
	d := BuildDescriptor(interfaceID, iface)

	c.mu.Lock()
	defer c.mu.Unlock()

	if existingGrain, ok := c.interfaceToGrain[interfaceID]; ok && existingGrain != grainType {
		panic(fmt.Sprintf("manifest: interface %q already bound to grain type %q, cannot rebind to %q", interfaceID, existingGrain, grainType))
	}

	c.descriptors[interfaceID] = d
	c.interfaceToGrain[interfaceID] = grainType
	if _, ok := c.grains[grainType]; !ok {
		c.grains[grainType] = wire.GrainDescriptor{GrainType: grainType, Properties: properties}
	}
	c.grainToInterface[grainType] = appendUnique(c.grainToInterface[grainType], interfaceID)
	return d
}

// Descriptor returns the cached Descriptor for interfaceID.
func (c *Catalog) Descriptor(interfaceID string) (Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.descriptors[interfaceID]
	return d, ok
}

// GrainTypeFor returns the grain type bound to interfaceID.
func (c *Catalog) GrainTypeFor(interfaceID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.interfaceToGrain[interfaceID]
	return g, ok
}

// Payload builds the wire.ManifestPayload to embed in a HandshakeAck,
// with interfaces sorted by ID for deterministic encoding.
func (c *Catalog) Payload() wire.ManifestPayload {
	c.mu.RLock()
	defer c.mu.RUnlock()

	grains := make([]wire.GrainDescriptor, 0, len(c.grains))
	for _, g := range c.grains {
		grains = append(grains, g)
	}
	sort.Slice(grains, func(i, j int) bool { return grains[i].GrainType < grains[j].GrainType })

	descriptors := make([]Descriptor, 0, len(c.descriptors))
	for _, d := range c.descriptors {
		descriptors = append(descriptors, d)
	}
	sort.Slice(descriptors, func(i, j int) bool { return descriptors[i].InterfaceID < descriptors[j].InterfaceID })

	bindings := make([]wire.InterfaceGrainBinding, 0, len(c.interfaceToGrain))
	for ifaceID, grainType := range c.interfaceToGrain {
		bindings = append(bindings, wire.InterfaceGrainBinding{InterfaceID: ifaceID, GrainType: grainType})
	}
	sort.Slice(bindings, func(i, j int) bool { return bindings[i].InterfaceID < bindings[j].InterfaceID })

	return ToWirePayload(grains, descriptors, bindings)
}

package manifest

import "github.com/floegence/grainrpc/wire"

// ToWirePayload converts a Descriptor set into the wire shape carried in
// HandshakeAck.
func ToWirePayload(grains []wire.GrainDescriptor, descriptors []Descriptor, interfaceToGrain []wire.InterfaceGrainBinding) wire.ManifestPayload {
	ifaces := make([]wire.InterfaceDescriptor, 0, len(descriptors))
	for _, d := range descriptors {
		ifaces = append(ifaces, wire.InterfaceDescriptor{InterfaceID: d.InterfaceID, Methods: d.Methods})
	}
	return wire.ManifestPayload{
		Grains:           grains,
		Interfaces:       ifaces,
		InterfaceToGrain: interfaceToGrain,
	}
}

// descriptorsFromWire converts the wire interface list back into
// Descriptors, preserving the server's declared method ordering verbatim
// (it is authoritative).
func descriptorsFromWire(ifaces []wire.InterfaceDescriptor) []Descriptor {
	out := make([]Descriptor, 0, len(ifaces))
	for _, ifc := range ifaces {
		out = append(out, Descriptor{InterfaceID: ifc.InterfaceID, Methods: ifc.Methods})
	}
	return out
}

package dispatch

import (
	"strconv"
	"strings"

	"github.com/floegence/grainrpc/grainerrors"
	"github.com/floegence/grainrpc/manifest"
	"github.com/floegence/grainrpc/wire"
)

// zonePrefix is the grain-key convention a zone-aware grain id follows:
// "zone:<x>,<y>:<rest>". Grain keys that don't start with this prefix
// carry no zone information and fall through to provider-count routing.
const zonePrefix = "zone:"

func parseZonePrefix(grainKey string) (wire.ZoneCoord, bool) {
	if !strings.HasPrefix(grainKey, zonePrefix) {
		return wire.ZoneCoord{}, false
	}
	rest := grainKey[len(zonePrefix):]
	coordPart, _, found := strings.Cut(rest, ":")
	if !found {
		coordPart = rest
	}
	x, y, ok := strings.Cut(coordPart, ",")
	if !ok {
		return wire.ZoneCoord{}, false
	}
	xi, err := strconv.ParseInt(x, 10, 32)
	if err != nil {
		return wire.ZoneCoord{}, false
	}
	yi, err := strconv.ParseInt(y, 10, 32)
	if err != nil {
		return wire.ZoneCoord{}, false
	}
	return wire.ZoneCoord{X: int32(xi), Y: int32(yi)}, true
}

// ZoneOf extracts a zone coordinate from a grain key when the
// "zone:x,y:rest" convention applies, for grain keys that encode a
// zone. ok is false when the key carries no zone prefix.
func ZoneOf(grainKey string) (zone wire.ZoneCoord, ok bool) {
	return parseZonePrefix(grainKey)
}

// SelectServer implements the server selection policy, in order: zone
// routing, exactly-one-provider, round-robin, NoProvider.
func SelectServer(registry *manifest.Registry, interfaceID, grainKey string) (serverID string, err error) {
	if zone, ok := ZoneOf(grainKey); ok {
		if serverID, ok := registry.ResolveZone(zone); ok && registry.IsConnected(serverID) {
			return serverID, nil
		}
	}

	providers := registry.Providers(interfaceID)
	switch len(providers) {
	case 0:
		return "", grainerrors.New(grainerrors.StageDispatch, grainerrors.CodeNoProvider, "no server offers interface "+interfaceID)
	case 1:
		return providers[0], nil
	default:
		serverID, ok := registry.NextRoundRobin(interfaceID)
		if !ok {
			return "", grainerrors.New(grainerrors.StageDispatch, grainerrors.CodeNoProvider, "no server offers interface "+interfaceID)
		}
		return serverID, nil
	}
}

package manifest

import (
	"reflect"
	"testing"
)

type iPing interface {
	Ping(key string) (string, error)
	Pong() error
}

func TestCatalogRegisterAndPayload(t *testing.T) {
	c := NewCatalog()
	d := c.RegisterInterface("IPing", "Ping", reflect.TypeOf((*iPing)(nil)).Elem(), nil)

	if len(d.Methods) != 2 || d.Methods[0] != "Ping" || d.Methods[1] != "Pong" {
		t.Fatalf("unexpected methods: %v", d.Methods)
	}

	payload := c.Payload()
	if len(payload.Interfaces) != 1 || payload.Interfaces[0].InterfaceID != "IPing" {
		t.Fatalf("unexpected payload interfaces: %+v", payload.Interfaces)
	}
	if len(payload.InterfaceToGrain) != 1 || payload.InterfaceToGrain[0].GrainType != "Ping" {
		t.Fatalf("unexpected payload bindings: %+v", payload.InterfaceToGrain)
	}
}

func TestCatalogRebindPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on rebind")
		}
	}()
	c := NewCatalog()
	ifaceType := reflect.TypeOf((*iPing)(nil)).Elem()
	c.RegisterInterface("IPing", "Ping", ifaceType, nil)
	c.RegisterInterface("IPing", "Other", ifaceType, nil)
}

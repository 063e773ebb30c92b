package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/floegence/grainrpc/grainerrors"
)

type pingGrain struct {
	key   string
	count int
}

type pingArg struct {
	Message string `json:"message"`
}

type pingResult struct {
	Echo  string `json:"echo"`
	Count int    `json:"count"`
}

func newPingCatalog(t *testing.T) *Catalog {
	t.Helper()
	c := New(0, nil)
	gt := RegisterGrainType[pingGrain](c, "Ping", func(key string) (*pingGrain, error) {
		return &pingGrain{key: key}, nil
	})
	RegisterMethod(gt, 0, "Ping", func(ctx context.Context, g *pingGrain, arg *pingArg) (*pingResult, error) {
		g.count++
		return &pingResult{Echo: arg.Message, Count: g.count}, nil
	})
	RegisterMethod(gt, 1, "Fail", func(ctx context.Context, g *pingGrain, arg *pingArg) (*pingResult, error) {
		return nil, errors.New("boom")
	})
	RegisterMethod(gt, 2, "Panic", func(ctx context.Context, g *pingGrain, arg *pingArg) (*pingResult, error) {
		panic("nope")
	})
	return c
}

func TestCatalogInvokeHappyPath(t *testing.T) {
	c := newPingCatalog(t)
	arg, _ := json.Marshal(pingArg{Message: "hi"})

	out, err := c.Invoke(context.Background(), GrainID{GrainType: "Ping", GrainKey: "p1"}, 0, arg)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	var res pingResult
	if err := json.Unmarshal(out, &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if res.Echo != "hi" || res.Count != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}

	out, err = c.Invoke(context.Background(), GrainID{GrainType: "Ping", GrainKey: "p1"}, 0, arg)
	if err != nil {
		t.Fatalf("Invoke 2nd: %v", err)
	}
	_ = json.Unmarshal(out, &res)
	if res.Count != 2 {
		t.Fatalf("expected activation reuse to bump count to 2, got %d", res.Count)
	}
}

func TestCatalogUnknownMethod(t *testing.T) {
	c := newPingCatalog(t)
	_, err := c.Invoke(context.Background(), GrainID{GrainType: "Ping", GrainKey: "p1"}, 99, nil)
	code, ok := grainerrors.CodeOf(err)
	if !ok || code != grainerrors.CodeUnknownMethod {
		t.Fatalf("expected CodeUnknownMethod, got %v ok=%v", code, ok)
	}
}

func TestCatalogInvalidArgument(t *testing.T) {
	c := newPingCatalog(t)
	_, err := c.Invoke(context.Background(), GrainID{GrainType: "Ping", GrainKey: "p1"}, 0, json.RawMessage(`{"message":123}`))
	code, ok := grainerrors.CodeOf(err)
	if !ok || code != grainerrors.CodeInvalidArgument {
		t.Fatalf("expected CodeInvalidArgument, got %v ok=%v", code, ok)
	}
}

func TestCatalogHandlerErrorClassifiedInternal(t *testing.T) {
	c := newPingCatalog(t)
	arg, _ := json.Marshal(pingArg{})
	_, err := c.Invoke(context.Background(), GrainID{GrainType: "Ping", GrainKey: "p1"}, 1, arg)
	code, ok := grainerrors.CodeOf(err)
	if !ok || code != grainerrors.CodeInternal {
		t.Fatalf("expected CodeInternal, got %v ok=%v", code, ok)
	}
}

func TestCatalogHandlerPanicRecovered(t *testing.T) {
	c := newPingCatalog(t)
	arg, _ := json.Marshal(pingArg{})
	_, err := c.Invoke(context.Background(), GrainID{GrainType: "Ping", GrainKey: "p1"}, 2, arg)
	code, ok := grainerrors.CodeOf(err)
	if !ok || code != grainerrors.CodeInternal {
		t.Fatalf("expected panic to be classified CodeInternal, got %v ok=%v", code, ok)
	}
}

func TestCatalogDeactivate(t *testing.T) {
	c := newPingCatalog(t)
	id := GrainID{GrainType: "Ping", GrainKey: "p1"}
	if _, err := c.Invoke(context.Background(), id, 0, nil); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if c.ActiveCount() != 1 {
		t.Fatalf("expected 1 active grain, got %d", c.ActiveCount())
	}
	c.Deactivate(id)
	if c.ActiveCount() != 0 {
		t.Fatalf("expected Deactivate to remove the activation")
	}
}

// TestCatalogConcurrentActivationFailurePropagates exercises two callers
// racing the same not-yet-activated GrainID whose constructor fails: both
// must observe the real construction error, not a handler-side type
// mismatch from a stale, value-less activation.
func TestCatalogConcurrentActivationFailurePropagates(t *testing.T) {
	c := New(0, nil)
	start := make(chan struct{})
	constructErr := errors.New("boom: backing store unavailable")
	gt := RegisterGrainType[pingGrain](c, "Ping", func(key string) (*pingGrain, error) {
		<-start
		return nil, constructErr
	})
	RegisterMethod(gt, 0, "Ping", func(ctx context.Context, g *pingGrain, arg *pingArg) (*pingResult, error) {
		return &pingResult{}, nil
	})

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.Invoke(context.Background(), GrainID{GrainType: "Ping", GrainKey: "p1"}, 0, nil)
			errs[i] = err
		}(i)
	}
	close(start)
	wg.Wait()

	for i, err := range errs {
		if err == nil {
			t.Fatalf("caller %d: expected construction failure, got nil", i)
		}
		code, ok := grainerrors.CodeOf(err)
		if !ok || code != grainerrors.CodeInternal {
			t.Fatalf("caller %d: expected CodeInternal, got %v ok=%v", i, code, ok)
		}
		if !errors.Is(err, constructErr) {
			t.Fatalf("caller %d: expected wrapped constructor error, got %v", i, err)
		}
	}

	if c.ActiveCount() != 0 {
		t.Fatalf("expected no activation to remain after every constructor call failed, got %d", c.ActiveCount())
	}
}

func TestCatalogDeactivateAndEviction(t *testing.T) {
	c := New(10*time.Millisecond, nil)
	gt := RegisterGrainType[pingGrain](c, "Ping", func(key string) (*pingGrain, error) {
		return &pingGrain{key: key}, nil
	})
	RegisterMethod(gt, 0, "Ping", func(ctx context.Context, g *pingGrain, arg *pingArg) (*pingResult, error) {
		return &pingResult{}, nil
	})

	var evicted []GrainID
	c.SetEvictionCallback(func(id GrainID) { evicted = append(evicted, id) })

	if _, err := c.Invoke(context.Background(), GrainID{GrainType: "Ping", GrainKey: "p1"}, 0, nil); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if c.ActiveCount() != 1 {
		t.Fatalf("expected 1 active grain, got %d", c.ActiveCount())
	}

	go c.RunEvictionSweep()
	defer c.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.ActiveCount() == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if c.ActiveCount() != 0 {
		t.Fatalf("expected eviction sweep to deactivate idle grain")
	}
	if len(evicted) != 1 || evicted[0].GrainKey != "p1" {
		t.Fatalf("expected eviction callback for p1, got %+v", evicted)
	}
}

package authz

import (
	"context"
	"log/slog"
	"sync"

	"github.com/floegence/grainrpc/identity"
	"github.com/floegence/grainrpc/observability"
)

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason string) Decision { return Decision{Allowed: false, Reason: reason} }

// Request carries everything an Authorizer needs to decide one call.
type Request struct {
	Identity      identity.UserIdentity
	GrainType     string
	InterfaceID   string
	MethodOrdinal uint32
	MethodName    string
}

// Authorizer is the single capability the pipeline is built around:
// decide whether a request is allowed. The default implementation is the
// attribute evaluator in this file; callers may install an entirely
// different Authorizer via Pipeline.SetAuthorizer.
type Authorizer interface {
	Authorize(ctx context.Context, req Request) Decision
}

type methodKey struct {
	interfaceID string
	ordinal     uint32
}

// Pipeline is the server-side authorization entry point: it resolves
// declarative attributes attached at class/interface/method scope and
// caches the merged result per (interface_id, method_ordinal).
type Pipeline struct {
	mu sync.RWMutex

	classAttrs     map[string][]Attribute
	interfaceAttrs map[string][]Attribute
	methodAttrs    map[methodKey][]Attribute

	// methodGrainType resolves a method back to its enclosing grain
	// class so class-level attributes can be folded into the cache key.
	methodGrainType map[methodKey]string

	cache map[methodKey]resolved

	defaultPolicy DefaultPolicy
	strictMode    bool // enforce_client_accessible
	authorizer    Authorizer
	logger        *slog.Logger
	observer      observability.AuthzObserver
}

// NewPipeline builds a Pipeline with the permissive default policy and
// strict client-accessible enforcement off. The Pipeline itself is its own default
// Authorizer.
func NewPipeline(logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		classAttrs:      make(map[string][]Attribute),
		interfaceAttrs:  make(map[string][]Attribute),
		methodAttrs:     make(map[methodKey][]Attribute),
		methodGrainType: make(map[methodKey]string),
		cache:           make(map[methodKey]resolved),
		defaultPolicy:   Permissive,
		logger:          logger,
		observer:        observability.NoopAuthzObserver,
	}
	p.authorizer = p
	return p
}

// SetObserver installs obs as the metrics sink for authorization
// decisions. Passing nil restores the no-op observer.
func (p *Pipeline) SetObserver(obs observability.AuthzObserver) {
	if obs == nil {
		obs = observability.NoopAuthzObserver
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observer = obs
}

// SetPolicy configures the default policy and strict client-accessible
// enforcement. A strict-mode preset (a server-level setting) should call this with
// (DenyByDefault, true).
func (p *Pipeline) SetPolicy(def DefaultPolicy, enforceClientAccessible bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.defaultPolicy = def
	p.strictMode = enforceClientAccessible
	p.cache = make(map[methodKey]resolved)
}

// SetAuthorizer replaces the pipeline's authorization capability
// wholesale. Passing nil restores the default attribute evaluator.
func (p *Pipeline) SetAuthorizer(a Authorizer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a == nil {
		a = p
	}
	p.authorizer = a
}

// SetClassAttributes attaches attrs to every method of every interface
// bound to grainType.
func (p *Pipeline) SetClassAttributes(grainType string, attrs ...Attribute) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.classAttrs[grainType] = attrs
	p.cache = make(map[methodKey]resolved)
}

// SetInterfaceAttributes attaches attrs to every method of interfaceID.
func (p *Pipeline) SetInterfaceAttributes(interfaceID string, attrs ...Attribute) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interfaceAttrs[interfaceID] = attrs
	p.cache = make(map[methodKey]resolved)
}

// SetMethodAttributes attaches attrs to one (interfaceID, ordinal) pair
// and records its enclosing grainType for class-attribute resolution.
func (p *Pipeline) SetMethodAttributes(interfaceID string, ordinal uint32, grainType string, attrs ...Attribute) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := methodKey{interfaceID, ordinal}
	p.methodAttrs[key] = attrs
	p.methodGrainType[key] = grainType
	delete(p.cache, key)
}

// Check resolves the policy attributes for (interfaceID, ordinal, methodName)
// and delegates the decision to the currently installed Authorizer.
// Denials are logged at warning level, allows at debug level.
func (p *Pipeline) Check(ctx context.Context, id identity.UserIdentity, grainType, interfaceID string, ordinal uint32, methodName string) Decision {
	p.mu.RLock()
	authorizer := p.authorizer
	obs := p.observer
	p.mu.RUnlock()

	req := Request{
		Identity:      id,
		GrainType:     grainType,
		InterfaceID:   interfaceID,
		MethodOrdinal: ordinal,
		MethodName:    methodName,
	}
	d := authorizer.Authorize(ctx, req)

	attrs := []any{"method", methodName, "user_id", id.UserID, "role", id.Role.String()}
	if d.Allowed {
		p.logger.Debug("authorization allowed", attrs...)
		obs.Checked(observability.AuthzAllowed)
	} else {
		p.logger.Warn("authorization denied", append(attrs, "reason", d.Reason)...)
		obs.Checked(observability.AuthzDenied)
	}
	return d
}

// Authorize is the default Authorizer: the declarative attribute
// evaluator's resolution order.
func (p *Pipeline) Authorize(_ context.Context, req Request) Decision {
	r := p.resolved(req.InterfaceID, req.MethodOrdinal, req.GrainType)

	// 1. AllowAnonymous on the method wins outright.
	if r.allowAnonymous {
		return allow()
	}

	p.mu.RLock()
	strict := p.strictMode
	def := p.defaultPolicy
	p.mu.RUnlock()

	// 2. Strict mode requires ClientAccessible for sub-Server callers.
	if strict && req.Identity.Role < identity.RoleServer && !r.clientAccessible {
		return deny("NotClientAccessible")
	}

	// 3. RequireRole/ServerOnly: allow iff identity satisfies at least one.
	if len(r.requireRoles) > 0 {
		for _, role := range r.requireRoles {
			if req.Identity.Satisfies(role) {
				return allow()
			}
		}
		return deny("RequireRoleNotSatisfied")
	}

	// 4. Authorize: allow iff role > Anonymous.
	if r.authorize {
		if req.Identity.Role > identity.RoleAnonymous {
			return allow()
		}
		return deny("AuthorizeRequiresNonAnonymous")
	}

	// 5. Fall through to the configured default policy.
	if def == DenyByDefault {
		return deny("DefaultDeny")
	}
	return allow()
}

func (p *Pipeline) resolved(interfaceID string, ordinal uint32, grainTypeHint string) resolved {
	key := methodKey{interfaceID, ordinal}

	p.mu.RLock()
	if r, ok := p.cache[key]; ok {
		p.mu.RUnlock()
		return r
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.cache[key]; ok {
		return r
	}

	grainType := p.methodGrainType[key]
	if grainType == "" {
		grainType = grainTypeHint
	}
	r := resolve(p.classAttrs[grainType], p.interfaceAttrs[interfaceID], p.methodAttrs[key])
	p.cache[key] = r
	return r
}

package sandbox

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/emllm/port/internal/infrastructure/logging"
	"github.com/emllm/port/internal/infrastructure/monitoring"
	"github.com/emllm/port/internal/shared/types"
)

// Manager tracks container instances and vouches for their bridge tokens
type Manager struct {
	deps   Deps
	opts   Options
	logger *logging.Logger

	mu        sync.RWMutex
	instances map[string]*Container

	policiesMu sync.RWMutex
	policies   map[string]ResourcePolicy

	statesMu sync.Mutex
	states   map[string]State

	subsMu  sync.RWMutex
	subs    map[int]chan Event
	nextSub int
}

// NewManager creates a sandbox manager. deps.Publish is replaced by the
// manager's own event fan-out.
func NewManager(deps Deps, opts Options) *Manager {
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	m := &Manager{
		opts:      opts,
		logger:    deps.Logger.Named("sandbox"),
		instances: make(map[string]*Container),
		policies:  make(map[string]ResourcePolicy),
		states:    make(map[string]State),
		subs:      make(map[int]chan Event),
	}
	deps.Publish = m.publish
	m.deps = deps
	for _, p := range DefaultPolicies() {
		m.policies[p.Name] = p
	}
	return m
}

// RegisterPolicy adds or replaces a named resource policy
func (m *Manager) RegisterPolicy(p ResourcePolicy) error {
	if err := p.Validate(m.deps.Known); err != nil {
		return err
	}
	m.policiesMu.Lock()
	m.policies[p.Name] = p
	m.policiesMu.Unlock()
	m.logger.Info("Resource policy registered",
		zap.String("policy", p.Name),
		zap.Strings("permissions", p.Permissions),
		zap.Strings("restrictions", p.Restrictions),
	)
	return nil
}

// Policies lists registered resource policies by name
func (m *Manager) Policies() []ResourcePolicy {
	m.policiesMu.RLock()
	out := make([]ResourcePolicy, 0, len(m.policies))
	for _, p := range m.policies {
		out = append(out, p)
	}
	m.policiesMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) policy(name string) (ResourcePolicy, error) {
	m.policiesMu.RLock()
	defer m.policiesMu.RUnlock()
	p, ok := m.policies[name]
	if !ok {
		return ResourcePolicy{}, types.Errorf(types.CodeNotFound, "resource policy not found: %s", name).
			WithDetail("policy", name)
	}
	return p, nil
}

// ApplyPolicy grants a policy's permissions to the instance's app and sets
// its limits on the instance
func (m *Manager) ApplyPolicy(instanceID, name string) error {
	c, err := m.lookup(instanceID)
	if err != nil {
		return err
	}
	if !live(c.State()) {
		return types.Errorf(types.CodeValidation, "instance %s is %s", instanceID, c.State())
	}
	p, err := m.policy(name)
	if err != nil {
		return err
	}
	return m.apply(c, c.AppID(), p)
}

func (m *Manager) apply(c *Container, appID string, p ResourcePolicy) error {
	if len(p.Permissions) > 0 {
		if m.deps.Granter == nil {
			return types.Errorf(types.CodeInternal, "policy %s carries grants but no granter is configured", p.Name)
		}
		if err := m.deps.Granter.GrantKeys(appID, p.Name, p.Permissions); err != nil {
			return err
		}
	}
	c.applyResourcePolicy(p)
	return nil
}

// WithMetrics adds metrics tracking to the manager and its containers
func (m *Manager) WithMetrics(metrics *monitoring.Metrics) *Manager {
	m.deps.Metrics = metrics
	return m
}

// Load validates the manifest and starts a new instance. A manifest that fails
// validation creates nothing; a failing entry script leaves the instance in
// the error state so the host can inspect it.
func (m *Manager) Load(ctx context.Context, manifest *Manifest, files map[string][]byte) (*Container, error) {
	if manifest == nil {
		return nil, types.NewError(types.CodeValidation, "manifest is required")
	}
	if err := manifest.Validate(m.deps.Known); err != nil {
		return nil, err
	}
	appID := manifest.AppID()
	var policy *ResourcePolicy
	if manifest.Policy != "" {
		p, err := m.policy(manifest.Policy)
		if err != nil {
			return nil, types.Errorf(types.CodeValidation, "invalid manifest: unknown policy %s", manifest.Policy).
				WithDetail("field", "policy")
		}
		policy = &p
	}

	m.mu.Lock()
	for _, existing := range m.instances {
		if existing.AppID() == appID && live(existing.State()) {
			m.mu.Unlock()
			return nil, types.Errorf(types.CodeValidation, "app %s already has a live instance", appID).
				WithDetail("instanceId", existing.ID().String())
		}
	}
	c := NewContainer(m.deps, m.opts)
	m.instances[c.ID().String()] = c
	m.mu.Unlock()

	if policy != nil {
		if err := m.apply(c, appID, *policy); err != nil {
			m.mu.Lock()
			delete(m.instances, c.ID().String())
			m.mu.Unlock()
			return nil, err
		}
	}

	m.logger.Info("Loading app", zap.String("app_id", appID), zap.String("instance_id", c.ID().String()))
	if err := c.LoadApp(ctx, manifest, files); err != nil {
		return c, err
	}
	return c, nil
}

func live(s State) bool {
	return s == StateLoading || s == StateRunning || s == StatePaused
}

// Get returns an instance by id
func (m *Manager) Get(instanceID string) (*Container, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.instances[instanceID]
	return c, ok
}

func (m *Manager) lookup(instanceID string) (*Container, error) {
	c, ok := m.Get(instanceID)
	if !ok {
		return nil, types.Errorf(types.CodeNotFound, "instance not found: %s", instanceID)
	}
	return c, nil
}

// List returns all instances, oldest first
func (m *Manager) List() []Info {
	m.mu.RLock()
	infos := make([]Info, 0, len(m.instances))
	for _, c := range m.instances {
		infos = append(infos, c.Info())
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Pause pauses an instance
func (m *Manager) Pause(ctx context.Context, instanceID string) error {
	c, err := m.lookup(instanceID)
	if err != nil {
		return err
	}
	return c.Pause(ctx)
}

// Resume resumes an instance
func (m *Manager) Resume(ctx context.Context, instanceID string) error {
	c, err := m.lookup(instanceID)
	if err != nil {
		return err
	}
	return c.Resume(ctx)
}

// Stop stops an instance but keeps it listed
func (m *Manager) Stop(ctx context.Context, instanceID string) error {
	c, err := m.lookup(instanceID)
	if err != nil {
		return err
	}
	return c.Stop(ctx)
}

// Interact forwards an interaction event to an instance
func (m *Manager) Interact(ctx context.Context, instanceID, event string, payload interface{}) (*Delivery, error) {
	c, err := m.lookup(instanceID)
	if err != nil {
		return nil, err
	}
	return c.Interact(ctx, event, payload)
}

// Remove stops an instance, forgets it and removes the app area unless another
// instance of the same app is still tracked
func (m *Manager) Remove(ctx context.Context, instanceID string) error {
	c, err := m.lookup(instanceID)
	if err != nil {
		return err
	}
	if s := c.State(); s == StateRunning || s == StatePaused {
		if err := c.Stop(ctx); err != nil {
			return err
		}
	}

	m.mu.Lock()
	delete(m.instances, instanceID)
	shared := false
	for _, other := range m.instances {
		if other.AppID() == c.AppID() {
			shared = true
			break
		}
	}
	m.mu.Unlock()

	m.statesMu.Lock()
	delete(m.states, instanceID)
	m.statesMu.Unlock()
	m.updateGauge()

	if shared {
		return nil
	}
	return c.Cleanup(ctx)
}

// Authenticate accepts tokens minted for a live instance of the claimed app
func (m *Manager) Authenticate(token string) (string, error) {
	claims, err := m.deps.Tokens.Verify(token)
	if err != nil {
		return "", err
	}
	c, ok := m.Get(claims.InstanceID)
	if !ok {
		return "", types.NewError(types.CodeUnauthenticated, "token belongs to an unknown instance")
	}
	if !live(c.State()) {
		return "", types.Errorf(types.CodeUnauthenticated, "instance %s is %s", claims.InstanceID, c.State())
	}
	if c.AppID() != claims.AppID {
		return "", types.NewError(types.CodeUnauthenticated, "token app does not match instance")
	}
	return claims.AppID, nil
}

// liveFor returns the live instance of appID, if any
func (m *Manager) liveFor(appID string) *Container {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.instances {
		if live(c.State()) && c.AppID() == appID {
			return c
		}
	}
	return nil
}

// Allow rejects bridge operations the app's live instance has switched off.
// Apps without a live instance are not restricted here.
func (m *Manager) Allow(appID, protocol, method string) error {
	c := m.liveFor(appID)
	if c == nil {
		return nil
	}
	return c.Allows(protocol, method)
}

// Declared bounds permission requests by the live instance's manifest
func (m *Manager) Declared(appID, permission string) (declared, limited bool) {
	c := m.liveFor(appID)
	if c == nil {
		return false, false
	}
	c.mu.RLock()
	manifest := c.manifest
	c.mu.RUnlock()
	if manifest == nil {
		return false, false
	}
	return manifest.Declares(permission), true
}

// Subscribe registers for container events. Slow subscribers miss events rather than block.
func (m *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	m.subsMu.Lock()
	sid := m.nextSub
	m.nextSub++
	m.subs[sid] = ch
	m.subsMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, sid)
			m.subsMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// publish runs under the container's lock and must not call back into containers
func (m *Manager) publish(e Event) {
	if e.Type == EventStateChanged {
		m.statesMu.Lock()
		m.states[e.InstanceID] = e.State
		m.statesMu.Unlock()
		m.updateGauge()
	}

	m.subsMu.RLock()
	defer m.subsMu.RUnlock()
	for _, ch := range m.subs {
		select {
		case ch <- e:
		default:
			m.logger.Debug("Dropping sandbox event for slow subscriber", zap.String("type", e.Type))
		}
	}
}

func (m *Manager) updateGauge() {
	if m.deps.Metrics == nil {
		return
	}
	m.statesMu.Lock()
	count := 0
	for _, s := range m.states {
		if live(s) {
			count++
		}
	}
	m.statesMu.Unlock()
	m.deps.Metrics.SetSandboxInstances(count)
}

// Shutdown stops every live instance
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	containers := make([]*Container, 0, len(m.instances))
	for _, c := range m.instances {
		containers = append(containers, c)
	}
	m.mu.RUnlock()

	for _, c := range containers {
		if s := c.State(); s == StateRunning || s == StatePaused {
			if err := c.Stop(ctx); err != nil {
				m.logger.Warn("Failed to stop instance", zap.String("instance_id", c.ID().String()), zap.Error(err))
			}
		}
	}
}

package sandbox

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/emllm/port/internal/domain/bridge"
	"github.com/emllm/port/internal/domain/session"
	"github.com/emllm/port/internal/infrastructure/logging"
	"github.com/emllm/port/internal/infrastructure/monitoring"
	"github.com/emllm/port/internal/shared/id"
	"github.com/emllm/port/internal/shared/paths"
	"github.com/emllm/port/internal/shared/types"
	"github.com/emllm/port/internal/shared/utils"
)

// State is a container lifecycle state
type State string

const (
	StateCreated State = "created"
	StateLoading State = "loading"
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateStopped State = "stopped"
	StateError   State = "error"
)

// Lifecycle events delivered to bridge.on handlers
const (
	SignalPause  = "pause"
	SignalResume = "resume"
	SignalStop   = "stop"
)

// EventStateChanged is published on every lifecycle transition
const EventStateChanged = "state_changed"

// TransportSandbox names the bridge sessions opened by containers
const TransportSandbox = "sandbox"

var transitions = map[State][]State{
	StateCreated: {StateLoading},
	StateLoading: {StateRunning},
	StateRunning: {StatePaused, StateStopped},
	StatePaused:  {StateRunning, StateStopped},
}

func canTransition(from, to State) bool {
	if to == StateError {
		return from != StateStopped && from != StateError
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Options configures containers
type Options struct {
	MaxMemoryBytes  uint64
	IdleThreshold   time.Duration
	MonitorInterval time.Duration
	ScriptTimeout   time.Duration
	TokenTTL        time.Duration
	Memory          MemorySampler
}

// DefaultOptions returns the container defaults
func DefaultOptions() Options {
	return Options{
		MaxMemoryBytes:  512 << 20,
		IdleThreshold:   10 * time.Minute,
		MonitorInterval: 5 * time.Second,
		ScriptTimeout:   5 * time.Second,
		TokenTTL:        24 * time.Hour,
	}
}

// Event is a container notification for the host
type Event struct {
	Type       string    `json:"type"`
	InstanceID string    `json:"instanceId"`
	AppID      string    `json:"appId"`
	State      State     `json:"state,omitempty"`
	Snapshot   *Snapshot `json:"snapshot,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// Deps are the collaborators a container needs
type Deps struct {
	Layout     paths.Layout
	Dispatcher *bridge.Dispatcher
	Tokens     *bridge.Tokens
	Grants     Grants
	Granter    Granter
	Known      func(permission string) bool
	Logger     *logging.Logger
	Metrics    *monitoring.Metrics
	Publish    func(Event)
}

// Granter records the grants a resource policy confers
type Granter interface {
	GrantKeys(appID, policy string, keys []string) error
}

// Info is a point-in-time view of a container
type Info struct {
	ID             string    `json:"id"`
	AppID          string    `json:"appId"`
	Name           string    `json:"name"`
	State          State     `json:"state"`
	Error          string    `json:"error,omitempty"`
	Policy         Policy    `json:"policy"`
	CSP            string    `json:"csp"`
	ResourcePolicy string    `json:"resourcePolicy,omitempty"`
	Disabled       []string  `json:"disabled,omitempty"`
	SessionID      string    `json:"sessionId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivity   time.Time `json:"lastActivity"`
	Snapshot       *Snapshot `json:"snapshot,omitempty"`
}

// Container runs one app instance in its own execution context
type Container struct {
	id        id.InstanceID
	deps      Deps
	opts      Options
	logger    *logging.Logger
	createdAt time.Time

	connectMu sync.Mutex

	mu           sync.RWMutex
	state        State
	failure      error
	manifest     *Manifest
	policy       Policy
	runtime      *Runtime
	session      *session.Session
	lastActivity time.Time
	snapshot     *Snapshot
	limits       thresholds
	stopMonitor  context.CancelFunc
	monitorDone  chan struct{}

	resourcePolicy string
	restricted     map[string]bool
}

// NewContainer creates a container in the created state
func NewContainer(deps Deps, opts Options) *Container {
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	if opts.Memory == nil {
		opts.Memory = ProcessMemory()
	}
	instanceID := id.NewInstanceID()
	now := time.Now()
	return &Container{
		id:           instanceID,
		deps:         deps,
		opts:         opts,
		logger:       deps.Logger.Named("sandbox").With(zap.String("instance_id", instanceID.String())),
		createdAt:    now,
		state:        StateCreated,
		lastActivity: now,
	}
}

// ID returns the instance id
func (c *Container) ID() id.InstanceID { return c.id }

// State returns the lifecycle state
func (c *Container) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// AppID returns the app id, empty before LoadApp
func (c *Container) AppID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.manifest == nil {
		return ""
	}
	return c.manifest.AppID()
}

// Policy returns the isolation policy built at load time
func (c *Container) Policy() Policy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.policy
}

// Dir returns the private file area
func (c *Container) Dir() string {
	return c.deps.Layout.AppBundle(c.AppID())
}

// Console returns the script console output
func (c *Container) Console() []LogEntry {
	c.mu.RLock()
	rt := c.runtime
	c.mu.RUnlock()
	if rt == nil {
		return []LogEntry{}
	}
	return rt.Console()
}

// LoadApp validates the manifest, materializes files, starts the execution
// context and runs the entry script
func (c *Container) LoadApp(ctx context.Context, m *Manifest, files map[string][]byte) error {
	c.mu.Lock()
	if err := c.transitionLocked(StateLoading); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	if err := m.Validate(c.deps.Known); err != nil {
		return c.fail(err)
	}
	c.mu.Lock()
	c.manifest = m
	c.mu.Unlock()
	c.logger = c.logger.With(zap.String("app_id", m.AppID()))

	if err := c.materialize(m.AppID(), files); err != nil {
		return c.fail(err)
	}

	policy := BuildPolicy(m, c.deps.Grants)
	if policy.Relaxed() {
		c.logger.Warn("Isolation policy relaxed by grant",
			zap.Bool("unsafe_inline", policy.UnsafeInline),
			zap.Bool("unsafe_eval", policy.UnsafeEval),
			zap.String("csp", policy.CSP()),
		)
	}
	c.mu.Lock()
	c.policy = policy
	c.mu.Unlock()

	if _, err := c.bridgeSession(); err != nil {
		return c.fail(err)
	}

	c.mu.RLock()
	timeout := c.opts.ScriptTimeout
	c.mu.RUnlock()
	rt, err := NewRuntime(RuntimeConfig{Timeout: timeout, AllowEval: policy.UnsafeEval}, c.call)
	if err != nil {
		return c.fail(fmt.Errorf("failed to create execution context: %w", err))
	}
	c.mu.Lock()
	c.runtime = rt
	c.mu.Unlock()

	if entry := entryScript(m, files); entry != "" {
		if _, err := rt.Run(ctx, entry, string(files[entry])); err != nil {
			return c.fail(err)
		}
		c.logger.Debug("Entry script finished", zap.String("entry", entry))
	}

	c.mu.Lock()
	if err := c.transitionLocked(StateRunning); err != nil {
		c.mu.Unlock()
		return err
	}
	c.lastActivity = time.Now()
	c.mu.Unlock()

	c.startMonitor()
	c.logger.Info("App loaded",
		zap.String("name", m.Name),
		zap.Int("files", len(files)),
		zap.String("csp", policy.CSP()),
	)
	return nil
}

// entryScript picks start_url when it names a bundled .js file, then main.js, then index.js
func entryScript(m *Manifest, files map[string][]byte) string {
	candidates := []string{"main.js", "index.js"}
	if p := path.Clean(m.EntryPath()); strings.HasSuffix(p, ".js") {
		candidates = append([]string{p}, candidates...)
	}
	for _, name := range candidates {
		if _, ok := files[name]; ok {
			return name
		}
	}
	return ""
}

func (c *Container) materialize(appID string, files map[string][]byte) error {
	dir := c.deps.Layout.AppBundle(appID)
	for name := range files {
		if name == "" || paths.HasTraversal(name) || filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
			return types.Errorf(types.CodeValidation, "invalid bundle path %q", name).WithDetail("path", name)
		}
		if !paths.Within(dir, filepath.Join(dir, filepath.FromSlash(name))) {
			return types.Errorf(types.CodeValidation, "bundle path %q escapes the app area", name).WithDetail("path", name)
		}
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to reset app area: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create app area: %w", err)
	}
	for name, data := range files {
		target := filepath.Join(dir, filepath.FromSlash(name))
		if err := utils.WriteFileAtomic(target, data, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}
	return nil
}

// bridgeSession returns the instance's authenticated session, reconnecting
// when the idle sweep closed the previous one
func (c *Container) bridgeSession() (*session.Session, error) {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.RLock()
	current, state, manifest := c.session, c.state, c.manifest
	c.mu.RUnlock()

	if current != nil && current.State() != session.StateClosed {
		return current, nil
	}
	if state == StateStopped || state == StateError {
		return nil, types.Errorf(types.CodeUnauthenticated, "instance %s is %s", c.id, state)
	}

	appID := manifest.AppID()
	token, err := c.deps.Tokens.Mint(appID, c.id.String(), c.opts.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to mint instance token: %w", err)
	}

	s, _ := c.deps.Dispatcher.Open(TransportSandbox, "")
	if _, err := c.deps.Dispatcher.Authenticate(s, appID, token, manifest.Permissions); err != nil {
		c.deps.Dispatcher.Close(s, "authentication failed")
		return nil, err
	}
	s.Attach(c.forward)

	c.mu.Lock()
	state = c.state
	accepted := state != StateStopped && state != StateError
	if accepted {
		c.session = s
	}
	c.mu.Unlock()
	if !accepted {
		c.deps.Dispatcher.Close(s, "instance stopped")
		return nil, types.Errorf(types.CodeUnauthenticated, "instance %s is %s", c.id, state)
	}
	return s, nil
}

// applyResourcePolicy sets the policy's limits and restrictions. Grants are
// the manager's job.
func (c *Container) applyResourcePolicy(p ResourcePolicy) {
	c.mu.Lock()
	c.resourcePolicy = p.Name
	c.restricted = make(map[string]bool, len(p.Restrictions))
	for _, g := range p.Restrictions {
		c.restricted[g] = true
	}
	if d := p.Timeout(); d > 0 {
		c.opts.ScriptTimeout = d
	}
	if p.MaxMemoryBytes > 0 {
		c.opts.MaxMemoryBytes = p.MaxMemoryBytes
	}
	rt := c.runtime
	c.mu.Unlock()

	if rt != nil {
		rt.SetTimeout(p.Timeout())
	}
	c.logger.Info("Resource policy applied",
		zap.String("policy", p.Name),
		zap.Strings("restrictions", p.Restrictions),
		zap.Duration("script_timeout", p.Timeout()),
		zap.Uint64("max_memory_bytes", p.MaxMemoryBytes),
	)
}

// Disabled lists the handler groups switched off by the manifest or the resource policy
func (c *Container) Disabled() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.disabledLocked()
}

func (c *Container) disabledLocked() []string {
	set := make(map[string]bool, len(c.restricted))
	for g := range c.restricted {
		set[g] = true
	}
	if c.manifest != nil {
		for _, g := range c.manifest.Sandbox.Off() {
			set[g] = true
		}
	}
	if len(set) == 0 {
		return nil
	}
	return sortedGroups(set)
}

// Allows rejects operations in a switched-off handler group
func (c *Container) Allows(protocol, method string) error {
	group := groupOf(protocol, method)
	if group == "" {
		return nil
	}
	for _, off := range c.Disabled() {
		if off == group {
			return types.Errorf(types.CodePermissionDenied, "%s is disabled for instance %s", group, c.id).
				WithDetail("group", group).
				WithDetail("instanceId", c.id.String())
		}
	}
	return nil
}

// call is the Caller behind bridge.call
func (c *Container) call(protocol, method string, params map[string]interface{}) (map[string]interface{}, error) {
	s, err := c.bridgeSession()
	if err != nil {
		return nil, err
	}
	out := c.deps.Dispatcher.Call(s, &types.Envelope{
		Type:     types.MessageRequest,
		ID:       uuid.NewString(),
		Protocol: protocol,
		Method:   method,
		Params:   params,
	})
	if out.Type == types.MessageError {
		return nil, out.Error
	}
	if result, ok := out.Result.(map[string]interface{}); ok {
		return result, nil
	}
	return map[string]interface{}{"value": out.Result}, nil
}

// forward delivers bridge events pushed to the instance session into the script
func (c *Container) forward(env *types.Envelope) error {
	if env.Type != types.MessageEvent {
		return nil
	}
	go func() {
		if _, err := c.emit(context.Background(), env.Method, env.Result); err != nil {
			c.logger.Debug("Bridge event not delivered", zap.String("event", env.Method), zap.Error(err))
		}
	}()
	return nil
}

func (c *Container) emit(ctx context.Context, event string, payload interface{}) (*Delivery, error) {
	c.mu.RLock()
	rt := c.runtime
	c.mu.RUnlock()
	if rt == nil {
		return nil, types.Errorf(types.CodeValidation, "instance %s has no execution context", c.id)
	}
	return rt.Emit(ctx, event, payload)
}

// RecordActivity marks the instance as interacted with
func (c *Container) RecordActivity() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()
	c.limits.idleRaised = false
}

// Interact delivers an interaction event to the script and records activity
func (c *Container) Interact(ctx context.Context, event string, payload interface{}) (*Delivery, error) {
	if event == "" {
		return nil, types.NewError(types.CodeValidation, "event name is required")
	}
	if st := c.State(); st != StateRunning {
		return nil, types.Errorf(types.CodeValidation, "instance %s is %s", c.id, st)
	}
	c.RecordActivity()
	return c.emit(ctx, event, payload)
}

// Pause moves a running instance to paused and signals the script
func (c *Container) Pause(ctx context.Context) error {
	if err := c.transition(StatePaused); err != nil {
		return err
	}
	c.signal(ctx, SignalPause)
	return nil
}

// Resume moves a paused instance back to running and signals the script
func (c *Container) Resume(ctx context.Context) error {
	if err := c.transition(StateRunning); err != nil {
		return err
	}
	c.RecordActivity()
	c.signal(ctx, SignalResume)
	return nil
}

// Stop signals the script, interrupts anything still running and closes the
// bridge session. Grants are untouched.
func (c *Container) Stop(ctx context.Context) error {
	if err := c.transition(StateStopped); err != nil {
		return err
	}
	c.signal(ctx, SignalStop)
	c.shutdown("instance stopped")
	return nil
}

func (c *Container) signal(ctx context.Context, event string) {
	d, err := c.emit(ctx, event, map[string]interface{}{"instanceId": c.id.String()})
	if err != nil {
		c.logger.Warn("Lifecycle signal failed", zap.String("event", event), zap.Error(err))
		return
	}
	if len(d.Failures) > 0 {
		c.logger.Warn("Lifecycle handler failed", zap.String("event", event), zap.Strings("failures", d.Failures))
	}
}

// shutdown releases the monitor, execution context and session
func (c *Container) shutdown(reason string) {
	c.mu.Lock()
	stopMonitor, monitorDone := c.stopMonitor, c.monitorDone
	rt, s := c.runtime, c.session
	c.stopMonitor, c.monitorDone = nil, nil
	c.mu.Unlock()

	if stopMonitor != nil {
		stopMonitor()
		<-monitorDone
	}
	if rt != nil {
		rt.Close()
	}
	if s != nil {
		c.deps.Dispatcher.Close(s, reason)
	}
}

// Cleanup stops a live instance and removes its private file area
func (c *Container) Cleanup(ctx context.Context) error {
	switch c.State() {
	case StateRunning, StatePaused:
		if err := c.Stop(ctx); err != nil {
			return err
		}
	}
	if c.AppID() == "" {
		return nil
	}
	if err := os.RemoveAll(c.Dir()); err != nil {
		return fmt.Errorf("failed to remove app area: %w", err)
	}
	c.logger.Info("App area removed", zap.String("dir", c.Dir()))
	return nil
}

// fail moves the container to error and releases what LoadApp acquired
func (c *Container) fail(err error) error {
	c.mu.Lock()
	if canTransition(c.state, StateError) {
		c.failure = err
		_ = c.transitionLocked(StateError)
	}
	c.mu.Unlock()
	c.shutdown("instance failed")
	c.logger.Error("Instance failed", zap.Error(err))
	return err
}

func (c *Container) transition(to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transitionLocked(to)
}

func (c *Container) transitionLocked(to State) error {
	from := c.state
	if !canTransition(from, to) {
		return types.Errorf(types.CodeValidation, "cannot move instance from %s to %s", from, to).
			WithDetail("state", string(from))
	}
	c.state = to
	ev := Event{Type: EventStateChanged, InstanceID: c.id.String(), State: to, At: time.Now().UTC()}
	if c.manifest != nil {
		ev.AppID = c.manifest.AppID()
	}
	if to == StateError && c.failure != nil {
		ev.Error = c.failure.Error()
	}
	c.publish(ev)
	return nil
}

func (c *Container) publish(ev Event) {
	if c.deps.Publish != nil {
		c.deps.Publish(ev)
	}
}

// Sample takes a resource snapshot and raises threshold events
func (c *Container) Sample(ctx context.Context) Snapshot {
	now := time.Now()
	snap := Snapshot{At: now.UTC()}

	if mem, err := c.opts.Memory(ctx); err == nil {
		snap.MemoryBytes = mem
	} else {
		c.logger.Debug("Memory sample failed", zap.Error(err))
	}
	if size, err := DirSize(c.Dir()); err == nil {
		snap.DiskBytes = size
	}

	c.mu.Lock()
	running := c.state == StateRunning
	if running {
		snap.IdleFor = now.Sub(c.lastActivity)
	}
	events := c.limits.evaluate(snap, c.opts.MaxMemoryBytes, c.opts.IdleThreshold)
	c.snapshot = &snap
	appID := ""
	if c.manifest != nil {
		appID = c.manifest.AppID()
	}
	c.mu.Unlock()

	for _, name := range events {
		c.logger.Warn("Instance threshold crossed",
			zap.String("event", name),
			zap.Uint64("memory_bytes", snap.MemoryBytes),
			zap.Duration("idle_for", snap.IdleFor),
		)
		if c.deps.Metrics != nil {
			c.deps.Metrics.RecordSandboxEvent(name)
		}
		s := snap
		c.publish(Event{Type: name, InstanceID: c.id.String(), AppID: appID, Snapshot: &s, At: snap.At})
	}
	return snap
}

func (c *Container) startMonitor() {
	if c.opts.MonitorInterval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.stopMonitor, c.monitorDone = cancel, done
	c.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.opts.MonitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Sample(ctx)
			}
		}
	}()
}

// Info returns a snapshot of the container
func (c *Container) Info() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()

	info := Info{
		ID:           c.id.String(),
		State:        c.state,
		Policy:       c.policy,
		CSP:          c.policy.CSP(),
		CreatedAt:    c.createdAt,
		LastActivity: c.lastActivity,
		Snapshot:     c.snapshot,
	}
	info.ResourcePolicy = c.resourcePolicy
	info.Disabled = c.disabledLocked()
	if c.manifest != nil {
		info.AppID = c.manifest.AppID()
		info.Name = c.manifest.Name
	}
	if c.failure != nil {
		info.Error = c.failure.Error()
	}
	if c.session != nil {
		info.SessionID = c.session.ID().String()
	}
	return info
}

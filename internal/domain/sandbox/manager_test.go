package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emllm/port/internal/domain/bridge"
	"github.com/emllm/port/internal/domain/registry"
	"github.com/emllm/port/internal/domain/session"
	"github.com/emllm/port/internal/infrastructure/monitoring"
	"github.com/emllm/port/internal/shared/paths"
	"github.com/emllm/port/internal/shared/types"
)

// kvHandler is a tiny capability that records which app wrote what
type kvHandler struct {
	mu     sync.Mutex
	values map[string]interface{}
	apps   map[string]string
}

func newKV() *kvHandler {
	return &kvHandler{values: map[string]interface{}{}, apps: map[string]string{}}
}

func (h *kvHandler) Definition() types.Service {
	return types.Service{
		ID: "kv",
		Tools: []types.Tool{
			{ID: "put", Parameters: []types.Parameter{
				{Name: "key", Type: "string", Required: true},
				{Name: "value", Type: "any", Required: true},
			}},
			{ID: "get", Parameters: []types.Parameter{{Name: "key", Type: "string", Required: true}}},
		},
	}
}

func (h *kvHandler) Execute(ctx context.Context, method string, params map[string]interface{}, appCtx *types.Context) (map[string]interface{}, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := params["key"].(string)
	if method == "put" {
		h.values[key] = params["value"]
		h.apps[key] = appCtx.AppID
		return map[string]interface{}{"ok": true}, nil
	}
	return map[string]interface{}{"value": h.values[key]}, nil
}

func (h *kvHandler) get(key string) (interface{}, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.values[key], h.apps[key]
}

// stubHandler answers every method of one protocol
type stubHandler struct{ id string }

func (h stubHandler) Definition() types.Service {
	return types.Service{ID: h.id, Tools: []types.Tool{{ID: "fetch"}, {ID: "getInfo"}, {ID: "showNotification"}, {ID: "getItem"}}}
}

func (h stubHandler) Execute(ctx context.Context, method string, params map[string]interface{}, appCtx *types.Context) (map[string]interface{}, error) {
	return map[string]interface{}{"protocol": h.id, "method": method}, nil
}

// recordingGranter keeps the keys each policy granted
type recordingGranter struct {
	mu     sync.Mutex
	grants map[string][]string
}

func (g *recordingGranter) GrantKeys(appID, policy string, keys []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.grants[appID+"/"+policy] = append(g.grants[appID+"/"+policy], keys...)
	return nil
}

func (g *recordingGranter) get(appID, policy string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.grants[appID+"/"+policy]
}

type fixture struct {
	granter    *recordingGranter
	manager    *Manager
	dispatcher *bridge.Dispatcher
	tokens     *bridge.Tokens
	layout     paths.Layout
	kv         *kvHandler
	metrics    *monitoring.Metrics
	memory     *atomic.Uint64
}

func newFixture(t *testing.T, grants Grants) *fixture {
	t.Helper()
	kv := newKV()
	reg := registry.New()
	require.NoError(t, reg.Register(kv))
	for _, protocol := range []string{"network", "storage", "system"} {
		require.NoError(t, reg.Register(stubHandler{id: protocol}))
	}

	sessions := session.NewManager(session.DefaultOptions(), nil)
	t.Cleanup(sessions.Shutdown)

	tokens, err := bridge.NewTokens([]byte("test-secret"))
	require.NoError(t, err)
	dispatcher := bridge.NewDispatcher(reg, sessions, nil, nil)

	memory := &atomic.Uint64{}
	opts := DefaultOptions()
	opts.MonitorInterval = 0
	opts.MaxMemoryBytes = 1000
	opts.IdleThreshold = time.Hour
	opts.ScriptTimeout = time.Second
	opts.Memory = func(context.Context) (uint64, error) { return memory.Load(), nil }

	layout := paths.New(t.TempDir())
	metrics := monitoring.NewMetrics()
	granter := &recordingGranter{grants: map[string][]string{}}
	m := NewManager(Deps{
		Layout:     layout,
		Dispatcher: dispatcher,
		Tokens:     tokens,
		Grants:     grants,
		Granter:    granter,
		Known:      func(p string) bool { return p != "camera" },
	}, opts).WithMetrics(metrics)
	dispatcher.WithAuthenticator(m)
	dispatcher.WithGate(m)
	t.Cleanup(func() { m.Shutdown(context.Background()) })

	return &fixture{granter: granter, manager: m, dispatcher: dispatcher, tokens: tokens, layout: layout, kv: kv, metrics: metrics, memory: memory}
}

func notesManifest() *Manifest {
	return &Manifest{Name: "Notes", StartURL: "/index.html", Permissions: []string{"storage.read"}}
}

const notesMain = `
bridge.call("kv", "put", {key: "boot", value: "ok"});
bridge.on("pause", function (p) { bridge.call("kv", "put", {key: "paused", value: p.instanceId}); });
bridge.on("resume", function () { bridge.call("kv", "put", {key: "resumed", value: true}); });
bridge.on("stop", function () { bridge.call("kv", "put", {key: "stopped", value: true}); });
bridge.on("tap", function (p) { bridge.call("kv", "put", {key: "tap", value: p.x}); });
`

func TestLoadRunsEntryThroughBridge(t *testing.T) {
	f := newFixture(t, fakeGrants{})
	events, cancel := f.manager.Subscribe(32)
	defer cancel()

	c, err := f.manager.Load(context.Background(), notesManifest(), map[string][]byte{
		"index.html":     []byte("<html></html>"),
		"main.js":        []byte(notesMain),
		"assets/app.css": []byte("body{}"),
	})
	require.NoError(t, err)
	assert.Equal(t, StateRunning, c.State())

	value, app := f.kv.get("boot")
	assert.Equal(t, "ok", value)
	assert.Equal(t, "notes", app, "calls carry the instance's app id")

	data, err := os.ReadFile(filepath.Join(f.layout.AppBundle("notes"), "assets", "app.css"))
	require.NoError(t, err)
	assert.Equal(t, "body{}", string(data))

	info := c.Info()
	assert.Equal(t, "notes", info.AppID)
	assert.NotEmpty(t, info.SessionID)
	assert.Contains(t, info.CSP, "object-src 'none'")

	var states []State
	for len(states) < 2 {
		select {
		case e := <-events:
			if e.Type == EventStateChanged {
				states = append(states, e.State)
			}
		case <-time.After(time.Second):
			t.Fatal("missing state events")
		}
	}
	assert.Equal(t, []State{StateLoading, StateRunning}, states)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SandboxInstances))
}

func TestEntrySelection(t *testing.T) {
	m := &Manifest{Name: "x", StartURL: "/app/start.js?v=2"}
	assert.Equal(t, "app/start.js", entryScript(m, map[string][]byte{"app/start.js": nil, "main.js": nil}))
	assert.Equal(t, "main.js", entryScript(m, map[string][]byte{"main.js": nil, "index.js": nil}))
	assert.Equal(t, "index.js", entryScript(&Manifest{StartURL: "/"}, map[string][]byte{"index.js": nil}))
	assert.Empty(t, entryScript(&Manifest{StartURL: "/"}, map[string][]byte{"index.html": nil}))
}

func TestInvalidManifestCreatesNothing(t *testing.T) {
	f := newFixture(t, fakeGrants{})

	_, err := f.manager.Load(context.Background(), &Manifest{Name: "Notes"}, nil)
	assert.True(t, types.IsCode(err, types.CodeValidation))

	_, err = f.manager.Load(context.Background(), &Manifest{Name: "Notes", StartURL: "/", Permissions: []string{"camera"}}, nil)
	assert.True(t, types.IsCode(err, types.CodeUnknownPermission))

	assert.Empty(t, f.manager.List())
}

func TestTraversalInBundleRejected(t *testing.T) {
	f := newFixture(t, fakeGrants{})

	c, err := f.manager.Load(context.Background(), notesManifest(), map[string][]byte{
		"main.js":          []byte("1"),
		"../../escape.txt": []byte("x"),
	})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.CodeValidation))
	assert.Equal(t, StateError, c.State())
	assert.NoFileExists(t, filepath.Join(f.layout.Root, "escape.txt"))
}

func TestFailingEntryLeavesErrorState(t *testing.T) {
	f := newFixture(t, fakeGrants{})

	c, err := f.manager.Load(context.Background(), notesManifest(), map[string][]byte{
		"main.js": []byte(`throw new Error("broken build")`),
	})
	require.Error(t, err)
	assert.Equal(t, StateError, c.State())
	assert.Contains(t, c.Info().Error, "broken build")

	assert.Error(t, c.Pause(context.Background()), "error is terminal")

	_, err = f.manager.Load(context.Background(), notesManifest(), map[string][]byte{"main.js": []byte("1")})
	assert.NoError(t, err, "a failed instance does not block a reload")
}

func TestLifecycleSignals(t *testing.T) {
	f := newFixture(t, fakeGrants{})
	c, err := f.manager.Load(context.Background(), notesManifest(), map[string][]byte{"main.js": []byte(notesMain)})
	require.NoError(t, err)
	ctx := context.Background()
	instanceID := c.ID().String()

	require.NoError(t, f.manager.Pause(ctx, instanceID))
	assert.Equal(t, StatePaused, c.State())
	paused, _ := f.kv.get("paused")
	assert.Equal(t, instanceID, paused)

	assert.Error(t, f.manager.Pause(ctx, instanceID), "already paused")
	_, err = f.manager.Interact(ctx, instanceID, "tap", map[string]interface{}{"x": 1})
	assert.True(t, types.IsCode(err, types.CodeValidation), "no interaction while paused")

	require.NoError(t, f.manager.Resume(ctx, instanceID))
	resumed, _ := f.kv.get("resumed")
	assert.Equal(t, true, resumed)

	d, err := f.manager.Interact(ctx, instanceID, "tap", map[string]interface{}{"x": 7})
	require.NoError(t, err)
	assert.Equal(t, 1, d.Delivered)
	tap, _ := f.kv.get("tap")
	assert.Equal(t, float64(7), tap)

	require.NoError(t, f.manager.Stop(ctx, instanceID))
	assert.Equal(t, StateStopped, c.State())
	stopped, _ := f.kv.get("stopped")
	assert.Equal(t, true, stopped)
	assert.Error(t, f.manager.Resume(ctx, instanceID), "stopped is terminal")

	assert.Zero(t, f.dispatcher.Sessions().Count(), "stop closes the instance session")

	err = f.manager.Pause(ctx, "inst_missing")
	assert.True(t, types.IsCode(err, types.CodeNotFound))
}

func TestOneLiveInstancePerApp(t *testing.T) {
	f := newFixture(t, fakeGrants{})
	first, err := f.manager.Load(context.Background(), notesManifest(), nil)
	require.NoError(t, err)

	_, err = f.manager.Load(context.Background(), notesManifest(), nil)
	require.Error(t, err)
	assert.Equal(t, first.ID().String(), types.AsError(err).Details["instanceId"])

	require.NoError(t, f.manager.Stop(context.Background(), first.ID().String()))
	_, err = f.manager.Load(context.Background(), notesManifest(), nil)
	assert.NoError(t, err)
}

func TestAuthenticateInstanceTokens(t *testing.T) {
	f := newFixture(t, fakeGrants{})
	c, err := f.manager.Load(context.Background(), notesManifest(), nil)
	require.NoError(t, err)

	token, err := f.tokens.Mint("notes", c.ID().String(), time.Minute)
	require.NoError(t, err)
	appID, err := f.manager.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, "notes", appID)

	orphan, err := f.tokens.Mint("notes", "inst_unknown", time.Minute)
	require.NoError(t, err)
	_, err = f.manager.Authenticate(orphan)
	assert.True(t, types.IsCode(err, types.CodeUnauthenticated))

	wrongApp, err := f.tokens.Mint("other", c.ID().String(), time.Minute)
	require.NoError(t, err)
	_, err = f.manager.Authenticate(wrongApp)
	assert.True(t, types.IsCode(err, types.CodeUnauthenticated))

	require.NoError(t, c.Stop(context.Background()))
	_, err = f.manager.Authenticate(token)
	assert.True(t, types.IsCode(err, types.CodeUnauthenticated), "tokens die with their instance")
}

func TestSessionReopenedAfterIdleClose(t *testing.T) {
	f := newFixture(t, fakeGrants{})
	c, err := f.manager.Load(context.Background(), notesManifest(), map[string][]byte{"main.js": []byte(notesMain)})
	require.NoError(t, err)

	first := c.Info().SessionID
	f.dispatcher.Sessions().Close(first, "idle timeout")

	_, err = c.Interact(context.Background(), "tap", map[string]interface{}{"x": 2})
	require.NoError(t, err)
	tap, _ := f.kv.get("tap")
	assert.Equal(t, float64(2), tap)
	assert.NotEqual(t, first, c.Info().SessionID)
}

func TestMonitorRaisesEventsOncePerCrossing(t *testing.T) {
	f := newFixture(t, fakeGrants{})
	c, err := f.manager.Load(context.Background(), notesManifest(), map[string][]byte{"main.js": []byte("1")})
	require.NoError(t, err)
	events, cancel := f.manager.Subscribe(16)
	defer cancel()

	f.memory.Store(5000)
	snap := c.Sample(context.Background())
	assert.Equal(t, uint64(5000), snap.MemoryBytes)
	assert.Equal(t, int64(1), snap.DiskBytes)
	c.Sample(context.Background())

	f.memory.Store(10)
	c.Sample(context.Background())
	f.memory.Store(5000)
	c.Sample(context.Background())

	var raised int
	for done := false; !done; {
		select {
		case e := <-events:
			if e.Type == EventMemoryExceeded {
				raised++
				require.NotNil(t, e.Snapshot)
				assert.Equal(t, "notes", e.AppID)
			}
		default:
			done = true
		}
	}
	assert.Equal(t, 2, raised)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.SandboxEvents.WithLabelValues(EventMemoryExceeded)))
	assert.Equal(t, StateRunning, c.State(), "thresholds never evict")
}

func TestIdleThreshold(t *testing.T) {
	var th thresholds
	s := Snapshot{IdleFor: 2 * time.Minute}
	assert.Equal(t, []string{EventIdle}, th.evaluate(s, 0, time.Minute))
	assert.Empty(t, th.evaluate(s, 0, time.Minute))
	assert.Empty(t, th.evaluate(Snapshot{}, 0, time.Minute))
	assert.Equal(t, []string{EventIdle}, th.evaluate(s, 0, time.Minute))
	assert.Empty(t, th.evaluate(s, 0, 0), "zero disables the check")
}

func TestRemoveCleansAppArea(t *testing.T) {
	f := newFixture(t, fakeGrants{})
	c, err := f.manager.Load(context.Background(), notesManifest(), map[string][]byte{"main.js": []byte("1")})
	require.NoError(t, err)
	dir := c.Dir()
	assert.DirExists(t, dir)

	require.NoError(t, f.manager.Remove(context.Background(), c.ID().String()))
	assert.NoDirExists(t, dir)
	assert.Empty(t, f.manager.List())
	assert.Equal(t, StateStopped, c.State())
	assert.Zero(t, testutil.ToFloat64(f.metrics.SandboxInstances))

	err = f.manager.Remove(context.Background(), c.ID().String())
	assert.True(t, types.IsCode(err, types.CodeNotFound))
}

func TestUnsafeEvalGrantOpensEval(t *testing.T) {
	f := newFixture(t, fakeGrants{PermissionUnsafeEval: true})
	c, err := f.manager.Load(context.Background(), notesManifest(), map[string][]byte{
		"main.js": []byte(`bridge.call("kv", "put", {key: "eval", value: eval("6 * 7")});`),
	})
	require.NoError(t, err)
	assert.True(t, c.Policy().UnsafeEval)
	v, _ := f.kv.get("eval")
	assert.Equal(t, float64(42), v)

	strict := newFixture(t, fakeGrants{})
	c, err = strict.manager.Load(context.Background(), notesManifest(), map[string][]byte{
		"main.js": []byte(`eval("6 * 7")`),
	})
	require.Error(t, err)
	assert.Equal(t, StateError, c.State())
}

const groupCallsMain = `
function outcome(r) { return r.ok ? "ok" : r.error.code; }
bridge.call("kv", "put", {key: "network", value: outcome(bridge.call("network", "fetch", {}))});
bridge.call("kv", "put", {key: "storage", value: outcome(bridge.call("storage", "getItem", {}))});
bridge.call("kv", "put", {key: "notify", value: outcome(bridge.call("system", "showNotification", {}))});
bridge.call("kv", "put", {key: "system", value: outcome(bridge.call("system", "getInfo", {}))});
`

func TestManifestSwitchesDisableGroups(t *testing.T) {
	f := newFixture(t, fakeGrants{})
	off := false
	manifest := notesManifest()
	manifest.Sandbox = &Switches{Storage: &off, Notifications: &off}

	c, err := f.manager.Load(context.Background(), manifest, map[string][]byte{"main.js": []byte(groupCallsMain)})
	require.NoError(t, err)

	for key, want := range map[string]string{
		"network": "ok",
		"storage": string(types.CodePermissionDenied),
		"notify":  string(types.CodePermissionDenied),
		"system":  "ok",
	} {
		got, _ := f.kv.get(key)
		assert.Equal(t, want, got, key)
	}
	assert.Equal(t, []string{GroupNotifications, GroupStorage}, c.Info().Disabled)

	err = f.manager.Allow("notes", "filesystem", "readFile")
	assert.True(t, types.IsCode(err, types.CodePermissionDenied), "filesystem follows the storage switch")
	assert.NoError(t, f.manager.Allow("notes", "kv", "put"))
	assert.NoError(t, f.manager.Allow("other", "storage", "getItem"), "apps without a live instance are not gated")

	require.NoError(t, f.manager.Stop(context.Background(), c.ID().String()))
	assert.NoError(t, f.manager.Allow("notes", "storage", "getItem"))
}

func TestRegisterPolicyValidates(t *testing.T) {
	f := newFixture(t, fakeGrants{})

	err := f.manager.RegisterPolicy(ResourcePolicy{Name: "bad name"})
	assert.True(t, types.IsCode(err, types.CodeValidation))
	err = f.manager.RegisterPolicy(ResourcePolicy{Name: "x", Restrictions: []string{"gpu"}})
	assert.True(t, types.IsCode(err, types.CodeValidation))
	err = f.manager.RegisterPolicy(ResourcePolicy{Name: "x", TimeoutMs: -1})
	assert.True(t, types.IsCode(err, types.CodeValidation))
	err = f.manager.RegisterPolicy(ResourcePolicy{Name: "x", Permissions: []string{"camera:front"}})
	assert.True(t, types.IsCode(err, types.CodeUnknownPermission))

	require.NoError(t, f.manager.RegisterPolicy(ResourcePolicy{Name: "reader", Permissions: []string{"storage.read"}}))
	var names []string
	for _, p := range f.manager.Policies() {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"constrained", "offline", "quiet", "reader"}, names)
}

func TestManifestPolicyAppliedAtLoad(t *testing.T) {
	f := newFixture(t, fakeGrants{})
	require.NoError(t, f.manager.RegisterPolicy(ResourcePolicy{
		Name:           "reader",
		Permissions:    []string{"storage.read", "network.fetch:api.example.com"},
		Restrictions:   []string{GroupSystem},
		TimeoutMs:      250,
		MaxMemoryBytes: 4096,
	}))
	manifest := notesManifest()
	manifest.Policy = "reader"

	c, err := f.manager.Load(context.Background(), manifest, map[string][]byte{"main.js": []byte(groupCallsMain)})
	require.NoError(t, err)

	assert.Equal(t, []string{"storage.read", "network.fetch:api.example.com"}, f.granter.get("notes", "reader"))
	info := c.Info()
	assert.Equal(t, "reader", info.ResourcePolicy)
	assert.Equal(t, []string{GroupSystem}, info.Disabled)

	c.mu.RLock()
	assert.Equal(t, 250*time.Millisecond, c.opts.ScriptTimeout)
	assert.Equal(t, uint64(4096), c.opts.MaxMemoryBytes)
	c.mu.RUnlock()

	got, _ := f.kv.get("system")
	assert.Equal(t, string(types.CodePermissionDenied), got)
	got, _ = f.kv.get("network")
	assert.Equal(t, "ok", got)
}

func TestUnknownManifestPolicyCreatesNothing(t *testing.T) {
	f := newFixture(t, fakeGrants{})
	manifest := notesManifest()
	manifest.Policy = "missing"

	_, err := f.manager.Load(context.Background(), manifest, map[string][]byte{"main.js": []byte("1")})
	assert.True(t, types.IsCode(err, types.CodeValidation))
	assert.Empty(t, f.manager.List())
}

func TestApplyPolicyToRunningInstance(t *testing.T) {
	f := newFixture(t, fakeGrants{})
	c, err := f.manager.Load(context.Background(), notesManifest(), map[string][]byte{"main.js": []byte(notesMain)})
	require.NoError(t, err)
	id := c.ID().String()

	require.NoError(t, f.manager.Allow("notes", "network", "fetch"))
	require.NoError(t, f.manager.ApplyPolicy(id, "offline"))
	assert.Equal(t, "offline", c.Info().ResourcePolicy)
	err = f.manager.Allow("notes", "network", "fetch")
	assert.True(t, types.IsCode(err, types.CodePermissionDenied))
	assert.Empty(t, f.granter.get("notes", "offline"), "offline carries no grants")

	require.NoError(t, f.manager.ApplyPolicy(id, "constrained"))
	assert.NoError(t, f.manager.Allow("notes", "network", "fetch"), "a new policy replaces the old restrictions")

	err = f.manager.ApplyPolicy(id, "missing")
	assert.True(t, types.IsCode(err, types.CodeNotFound))
	err = f.manager.ApplyPolicy("nope", "offline")
	assert.True(t, types.IsCode(err, types.CodeNotFound))

	require.NoError(t, f.manager.Stop(context.Background(), id))
	err = f.manager.ApplyPolicy(id, "offline")
	assert.True(t, types.IsCode(err, types.CodeValidation))
}

func TestDeclaredBoundsByLiveManifest(t *testing.T) {
	f := newFixture(t, fakeGrants{})

	_, limited := f.manager.Declared("notes", "storage.write")
	assert.False(t, limited, "no live instance means no manifest bound")

	manifest := notesManifest()
	manifest.Permissions = []string{"storage.read", "network.*"}
	c, err := f.manager.Load(context.Background(), manifest, map[string][]byte{"main.js": []byte(notesMain)})
	require.NoError(t, err)

	for permission, want := range map[string]bool{
		"storage.read":  true,
		"storage.write": false,
		"network.fetch": true,
		"networkx.open": false,
	} {
		declared, limited := f.manager.Declared("notes", permission)
		assert.True(t, limited)
		assert.Equal(t, want, declared, permission)
	}

	require.NoError(t, f.manager.Stop(context.Background(), c.ID().String()))
	_, limited = f.manager.Declared("notes", "storage.write")
	assert.False(t, limited)
}

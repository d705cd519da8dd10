package permission

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/emllm/port/internal/infrastructure/logging"
	"github.com/emllm/port/internal/infrastructure/monitoring"
	"github.com/emllm/port/internal/shared/id"
	"github.com/emllm/port/internal/shared/paths"
	"github.com/emllm/port/internal/shared/types"
)

// Options tunes the manager
type Options struct {
	RequestTimeout     time.Duration
	AutoGrantDuration  time.Duration
	MaxPendingRequests int
	CleanupInterval    time.Duration
	HistoryLimit       int
}

// DefaultOptions returns the default manager options
func DefaultOptions() Options {
	return Options{
		RequestTimeout:     60 * time.Second,
		AutoGrantDuration:  5 * time.Minute,
		MaxPendingRequests: 50,
		CleanupInterval:    30 * time.Second,
		HistoryLimit:       100,
	}
}

// EventType names a permission event
type EventType string

const (
	EventRequested EventType = "permission.requested"
	EventResolved  EventType = "permission.resolved"
	EventGranted   EventType = "permission.granted"
	EventRevoked   EventType = "permission.revoked"
	EventExpired   EventType = "permission.expired"
)

// Event is published to subscribers on every permission change
type Event struct {
	Type     EventType       `json:"type"`
	AppID    string          `json:"appId"`
	Key      string          `json:"key"`
	Source   Source          `json:"source,omitempty"`
	Request  *PendingRequest `json:"request,omitempty"`
	Decision *Decision       `json:"decision,omitempty"`
	At       time.Time       `json:"at"`
}

// appState is the per-app record; its lock serializes every grant mutation for the app
type appState struct {
	mu      sync.Mutex
	loaded  bool
	grants  map[string]Grant
	history []HistoryEntry
	timers  map[string]*time.Timer
}

// Manager implements the request/grant/deny/revoke workflow
type Manager struct {
	catalog *Catalog
	store   *Store
	audit   *AuditLog
	opts    Options
	logger  *logging.Logger
	metrics *monitoring.Metrics
	ceiling Ceiling

	appsMu sync.Mutex
	apps   map[string]*appState

	pendingMu sync.Mutex
	pending   map[string]*pending
	byKey     map[string]*pending

	autoMu    sync.Mutex
	autoCache map[string]time.Time

	subsMu  sync.RWMutex
	subs    map[uint64]chan Event
	nextSub uint64

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a manager and starts its cleanup loop
func NewManager(catalog *Catalog, store *Store, audit *AuditLog, opts Options, logger *logging.Logger) *Manager {
	def := DefaultOptions()
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = def.RequestTimeout
	}
	if opts.AutoGrantDuration <= 0 {
		opts.AutoGrantDuration = def.AutoGrantDuration
	}
	if opts.MaxPendingRequests <= 0 {
		opts.MaxPendingRequests = def.MaxPendingRequests
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = def.CleanupInterval
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = def.HistoryLimit
	}
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	m := &Manager{
		catalog:   catalog,
		store:     store,
		audit:     audit,
		opts:      opts,
		logger:    logger.Named("permissions"),
		apps:      make(map[string]*appState),
		pending:   make(map[string]*pending),
		byKey:     make(map[string]*pending),
		autoCache: make(map[string]time.Time),
		subs:      make(map[uint64]chan Event),
		stop:      make(chan struct{}),
	}

	m.wg.Add(1)
	go m.run()

	return m
}

// WithMetrics attaches a metrics collector
func (m *Manager) WithMetrics(metrics *monitoring.Metrics) *Manager {
	m.metrics = metrics
	return m
}

// Ceiling bounds what an app may ask for, usually from its manifest
type Ceiling interface {
	// Declared reports whether appID may request permission. limited is false
	// when nothing bounds the app.
	Declared(appID, permission string) (declared, limited bool)
}

// WithCeiling makes requests outside an app's declared set fail without a prompt.
// Call before serving requests.
func (m *Manager) WithCeiling(c Ceiling) *Manager {
	m.ceiling = c
	return m
}

// Catalog returns the capability catalogue
func (m *Manager) Catalog() *Catalog {
	return m.catalog
}

// Close stops the cleanup loop and all timers. Outstanding waiters are released with an error.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
	m.wg.Wait()

	m.appsMu.Lock()
	for _, st := range m.apps {
		st.mu.Lock()
		for key, t := range st.timers {
			t.Stop()
			delete(st.timers, key)
		}
		st.mu.Unlock()
	}
	m.appsMu.Unlock()

	m.pendingMu.Lock()
	var outstanding []*pending
	for pid, p := range m.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(m.pending, pid)
		delete(m.byKey, pendingKey(p.req.AppID, p.req.Key))
		outstanding = append(outstanding, p)
	}
	m.pendingMu.Unlock()

	for _, p := range outstanding {
		p.fail(types.NewError(types.CodeInternal, "permission manager closed"))
	}
}

// RequestPermission resolves a capability request, waiting for consent when required
func (m *Manager) RequestPermission(ctx context.Context, opts RequestOptions) (Decision, error) {
	tmpl, ok := m.catalog.Lookup(opts.Permission)
	if !ok {
		return Decision{}, types.Errorf(types.CodeUnknownPermission, "unknown permission: %s", opts.Permission).
			WithDetail("permission", opts.Permission)
	}
	key := Key(opts.Permission, opts.Resource)

	if m.ceiling != nil {
		if declared, limited := m.ceiling.Declared(opts.AppID, opts.Permission); limited && !declared {
			decision := Decision{Granted: false, Source: SourceUndeclared, Key: key}
			m.logger.Info("Permission outside declared set",
				zap.String("app_id", opts.AppID),
				zap.String("key", key),
			)
			m.recordOutcome(PendingRequest{
				AppID:      opts.AppID,
				Permission: opts.Permission,
				Resource:   opts.Resource,
				Key:        key,
			}, HistoryEntry{Action: ActionDenied, Key: key, Source: SourceUndeclared, Reason: "not declared by the app"})
			m.recordDecision(decision)
			return decision, nil
		}
	}

	var decision Decision
	decided := false
	err := m.withApp(opts.AppID, func(st *appState) error {
		now := time.Now()
		if m.hasLocked(st, opts.Permission, opts.Resource, now) {
			decision = Decision{Granted: true, Source: SourceAlreadyGranted, Key: key}
			decided = true
			return nil
		}
		if !tmpl.SilentlyGrantable() && !m.autoCached(opts.AppID, key, now) {
			return nil
		}
		_, err := m.grantLocked(st, opts.AppID, opts.Permission, opts.Resource, GrantOptions{
			Temporary: opts.Temporary,
			ExpiresAt: expiry(opts.Temporary, opts.Duration, now),
			Reason:    opts.Reason,
			Source:    SourceAutoGranted,
		})
		if err != nil {
			return err
		}
		decision = Decision{Granted: true, Source: SourceAutoGranted, Key: key}
		decided = true
		return nil
	})
	if err != nil {
		return Decision{}, err
	}
	if decided {
		m.recordDecision(decision)
		return decision, nil
	}

	p, err := m.enqueue(opts, tmpl, key)
	if err != nil {
		return Decision{}, err
	}

	select {
	case <-p.done:
		return p.decision, p.err
	case <-ctx.Done():
		return Decision{}, types.Errorf(types.CodeTimeout, "permission request %s abandoned: %v", p.req.ID, ctx.Err())
	}
}

// RespondToPermissionRequest resolves exactly one pending request
func (m *Manager) RespondToPermissionRequest(requestID string, resp Response) (Decision, error) {
	p := m.take(requestID)
	if p == nil {
		return Decision{}, types.Errorf(types.CodeNotFound, "no pending permission request %s", requestID)
	}
	req := p.req

	var decision Decision
	if resp.Granted {
		resource := req.Resource
		if resp.Resource != "" {
			resource = resp.Resource
		}
		reason := resp.Reason
		if reason == "" {
			reason = req.Reason
		}
		key := Key(req.Permission, resource)

		err := m.withApp(req.AppID, func(st *appState) error {
			_, err := m.grantLocked(st, req.AppID, req.Permission, resource, GrantOptions{
				Temporary: req.Temporary,
				ExpiresAt: expiry(req.Temporary, req.duration, time.Now()),
				Reason:    reason,
				Source:    SourceUserGranted,
				RequestID: req.ID,
			})
			return err
		})
		if err != nil {
			p.fail(err)
			return Decision{}, err
		}
		if resp.Remember && req.Template.AutoGrantable {
			m.seedAutoGrant(req.AppID, key)
		}
		decision = Decision{Granted: true, Source: SourceUserGranted, Key: key, RequestID: req.ID}
	} else {
		entry := HistoryEntry{Action: ActionDenied, Key: req.Key, Source: SourceDenied, Reason: resp.Reason, RequestID: req.ID}
		m.recordOutcome(req, entry)
		decision = Decision{Granted: false, Source: SourceDenied, Key: req.Key, RequestID: req.ID}
	}

	m.finish(p, decision)
	m.logger.Info("Permission request answered",
		zap.String("request_id", req.ID),
		zap.String("app_id", req.AppID),
		zap.String("key", decision.Key),
		zap.Bool("granted", decision.Granted),
	)
	return decision, nil
}

// GrantKeys grants each "permission" or "permission:resource" key on behalf
// of a named resource policy. Keys already held are left as they are.
func (m *Manager) GrantKeys(appID, policy string, keys []string) error {
	for _, key := range keys {
		permission, resource, _ := strings.Cut(key, ":")
		if m.HasPermission(appID, permission, resource) {
			continue
		}
		if _, err := m.GrantPermission(appID, permission, resource, GrantOptions{
			Source: SourcePolicy,
			Reason: "resource policy " + policy,
		}); err != nil {
			return err
		}
	}
	return nil
}

// GrantPermission adds a grant directly; granting an existing unexpired key is a no-op
func (m *Manager) GrantPermission(appID, permission, resource string, opts GrantOptions) (Grant, error) {
	if !m.catalog.Known(permission) {
		return Grant{}, types.Errorf(types.CodeUnknownPermission, "unknown permission: %s", permission)
	}
	if opts.Source == "" {
		opts.Source = SourceHost
	}

	var g Grant
	err := m.withApp(appID, func(st *appState) error {
		var err error
		g, err = m.grantLocked(st, appID, permission, resource, opts)
		return err
	})
	return g, err
}

// RevokePermission removes one grant
func (m *Manager) RevokePermission(appID, permission, resource string) error {
	key := Key(permission, resource)
	return m.withApp(appID, func(st *appState) error {
		if _, ok := st.grants[key]; !ok {
			return types.Errorf(types.CodeNotFound, "app %s holds no grant %s", appID, key)
		}
		return m.revokeLocked(st, appID, []string{key})
	})
}

// RevokeAllPermissions removes every grant of an app and returns how many were removed
func (m *Manager) RevokeAllPermissions(appID string) (int, error) {
	var n int
	err := m.withApp(appID, func(st *appState) error {
		keys := make([]string, 0, len(st.grants))
		for key := range st.grants {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		n = len(keys)
		if n == 0 {
			return nil
		}
		return m.revokeLocked(st, appID, keys)
	})
	return n, err
}

// HasPermission checks permission:resource, then permission, then category.*
func (m *Manager) HasPermission(appID, permission, resource string) bool {
	var ok bool
	err := m.withApp(appID, func(st *appState) error {
		ok = m.hasLocked(st, permission, resource, time.Now())
		return nil
	})
	if err != nil {
		m.logger.Warn("Permission check failed", zap.String("app_id", appID), zap.Error(err))
		return false
	}
	return ok
}

// ListGrants returns an app's unexpired grants sorted by key
func (m *Manager) ListGrants(appID string) ([]Grant, error) {
	var out []Grant
	err := m.withApp(appID, func(st *appState) error {
		now := time.Now()
		for _, g := range st.grants {
			if !g.Expired(now) {
				out = append(out, g)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, err
}

// History returns a copy of the app's in-memory history, oldest first
func (m *Manager) History(appID string) ([]HistoryEntry, error) {
	var out []HistoryEntry
	err := m.withApp(appID, func(st *appState) error {
		out = append([]HistoryEntry(nil), st.history...)
		return nil
	})
	return out, err
}

// Pending returns the requests awaiting consent, oldest first
func (m *Manager) Pending() []PendingRequest {
	m.pendingMu.Lock()
	out := make([]PendingRequest, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, p.req)
	}
	m.pendingMu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Audit returns the newest audit entries for an app
func (m *Manager) Audit(appID string, n int) ([]AuditEntry, error) {
	return m.audit.Tail(appID, n)
}

// Subscribe registers for permission events. Slow subscribers miss events rather than block.
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

func (m *Manager) publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	m.subsMu.RLock()
	defer m.subsMu.RUnlock()
	for _, ch := range m.subs {
		select {
		case ch <- e:
		default:
			m.logger.Debug("Dropping permission event for slow subscriber", zap.String("type", string(e.Type)))
		}
	}
}

// withApp runs fn holding the app's lock, loading its grants on first use
func (m *Manager) withApp(appID string, fn func(st *appState) error) error {
	if err := paths.ValidateAppID(appID); err != nil {
		return types.NewError(types.CodeValidation, err.Error())
	}

	m.appsMu.Lock()
	st, ok := m.apps[appID]
	if !ok {
		st = &appState{
			grants: make(map[string]Grant),
			timers: make(map[string]*time.Timer),
		}
		m.apps[appID] = st
	}
	m.appsMu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.loaded {
		if err := m.loadLocked(appID, st); err != nil {
			return err
		}
	}
	return fn(st)
}

func (m *Manager) loadLocked(appID string, st *appState) error {
	rec, err := m.store.Load(appID)
	if err != nil {
		return types.Errorf(types.CodeInternal, "load grants: %v", err)
	}

	now := time.Now()
	st.history = rec.History
	dirty := false
	for _, g := range rec.Granted {
		switch {
		case g.Expired(now):
			st.history = m.appendHistory(st.history, HistoryEntry{Action: ActionExpired, Key: g.Key, Source: g.Source, At: now.UTC()})
			m.writeAudit(appID, g.Permission, g.Resource, HistoryEntry{Action: ActionExpired, Key: g.Key, Source: g.Source, At: now.UTC()})
			dirty = true
		case g.Temporary && g.ExpiresAt == nil:
			// Temporary without expiry lasts until restart
			dirty = true
		default:
			st.grants[g.Key] = g
			if g.ExpiresAt != nil {
				m.scheduleExpiryLocked(st, appID, g)
			}
		}
	}
	st.loaded = true

	if dirty {
		if err := m.persistLocked(appID, st); err != nil {
			m.logger.Warn("Failed to persist pruned grants", zap.String("app_id", appID), zap.Error(err))
		}
	}
	return nil
}

func (m *Manager) hasLocked(st *appState, permission, resource string, now time.Time) bool {
	candidates := []string{permission, m.catalog.CategoryFor(permission) + ".*"}
	if resource != "" {
		candidates = append([]string{Key(permission, resource)}, candidates...)
	}
	for _, key := range candidates {
		if g, ok := st.grants[key]; ok && !g.Expired(now) {
			return true
		}
	}
	return false
}

func (m *Manager) grantLocked(st *appState, appID, permission, resource string, opts GrantOptions) (Grant, error) {
	now := time.Now()
	key := Key(permission, resource)
	if existing, ok := st.grants[key]; ok && !existing.Expired(now) {
		return existing, nil
	}

	g := Grant{
		AppID:      appID,
		Key:        key,
		Permission: permission,
		Resource:   resource,
		Temporary:  opts.Temporary || opts.ExpiresAt != nil,
		ExpiresAt:  opts.ExpiresAt,
		Source:     opts.Source,
		GrantedAt:  now.UTC(),
		Reason:     opts.Reason,
	}
	entry := HistoryEntry{
		Action:    ActionGranted,
		Key:       key,
		Source:    opts.Source,
		Reason:    opts.Reason,
		RequestID: opts.RequestID,
		At:        now.UTC(),
	}

	prev, had := st.grants[key]
	prevHistory := st.history
	st.grants[key] = g
	st.history = m.appendHistory(st.history, entry)

	if err := m.persistLocked(appID, st); err != nil {
		if had {
			st.grants[key] = prev
		} else {
			delete(st.grants, key)
		}
		st.history = prevHistory
		return Grant{}, types.Errorf(types.CodeInternal, "persist grant: %v", err)
	}

	if g.ExpiresAt != nil {
		m.scheduleExpiryLocked(st, appID, g)
	}
	m.writeAudit(appID, permission, resource, entry)
	m.publish(Event{Type: EventGranted, AppID: appID, Key: key, Source: opts.Source})
	m.logger.Info("Permission granted",
		zap.String("app_id", appID),
		zap.String("key", key),
		zap.String("source", string(opts.Source)),
		zap.Bool("temporary", g.Temporary),
	)
	return g, nil
}

func (m *Manager) revokeLocked(st *appState, appID string, keys []string) error {
	now := time.Now().UTC()
	removed := make(map[string]Grant, len(keys))
	prevHistory := st.history
	for _, key := range keys {
		removed[key] = st.grants[key]
		delete(st.grants, key)
		st.history = m.appendHistory(st.history, HistoryEntry{Action: ActionRevoked, Key: key, At: now})
	}

	if err := m.persistLocked(appID, st); err != nil {
		for key, g := range removed {
			st.grants[key] = g
		}
		st.history = prevHistory
		return types.Errorf(types.CodeInternal, "persist revocation: %v", err)
	}

	for _, key := range keys {
		if t, ok := st.timers[key]; ok {
			t.Stop()
			delete(st.timers, key)
		}
		g := removed[key]
		m.writeAudit(appID, g.Permission, g.Resource, HistoryEntry{Action: ActionRevoked, Key: key, At: now})
		m.publish(Event{Type: EventRevoked, AppID: appID, Key: key})
	}
	m.logger.Info("Permissions revoked", zap.String("app_id", appID), zap.Strings("keys", keys))
	return nil
}

func (m *Manager) scheduleExpiryLocked(st *appState, appID string, g Grant) {
	if t, ok := st.timers[g.Key]; ok {
		t.Stop()
	}
	expiresAt := *g.ExpiresAt
	key := g.Key
	st.timers[key] = time.AfterFunc(time.Until(expiresAt), func() {
		m.expireGrant(appID, key, expiresAt)
	})
}

func (m *Manager) expireGrant(appID, key string, expiresAt time.Time) {
	err := m.withApp(appID, func(st *appState) error {
		g, ok := st.grants[key]
		if !ok || g.ExpiresAt == nil || !g.ExpiresAt.Equal(expiresAt) {
			return nil
		}
		delete(st.grants, key)
		delete(st.timers, key)

		entry := HistoryEntry{Action: ActionExpired, Key: key, Source: g.Source, At: time.Now().UTC()}
		st.history = m.appendHistory(st.history, entry)
		if err := m.persistLocked(appID, st); err != nil {
			return err
		}
		m.writeAudit(appID, g.Permission, g.Resource, entry)
		m.publish(Event{Type: EventExpired, AppID: appID, Key: key})
		return nil
	})
	if err != nil {
		m.logger.Warn("Failed to expire grant", zap.String("app_id", appID), zap.String("key", key), zap.Error(err))
	}
}

func (m *Manager) persistLocked(appID string, st *appState) error {
	rec := &Record{
		AppID:   appID,
		Granted: make([]Grant, 0, len(st.grants)),
		History: st.history,
	}
	for _, g := range st.grants {
		rec.Granted = append(rec.Granted, g)
	}
	sort.Slice(rec.Granted, func(i, j int) bool { return rec.Granted[i].Key < rec.Granted[j].Key })
	return m.store.Save(rec)
}

func (m *Manager) appendHistory(history []HistoryEntry, e HistoryEntry) []HistoryEntry {
	history = append(history, e)
	if len(history) > m.opts.HistoryLimit {
		history = append([]HistoryEntry(nil), history[len(history)-m.opts.HistoryLimit:]...)
	}
	return history
}

func (m *Manager) writeAudit(appID, permission, resource string, e HistoryEntry) {
	err := m.audit.Append(AuditEntry{
		At:         e.At,
		AppID:      appID,
		Action:     e.Action,
		Key:        e.Key,
		Permission: permission,
		Resource:   resource,
		Source:     e.Source,
		Reason:     e.Reason,
		RequestID:  e.RequestID,
	})
	if err != nil {
		m.logger.Warn("Audit append failed", zap.String("app_id", appID), zap.Error(err))
	}
}

// enqueue creates or joins the pending request for (appId, key)
func (m *Manager) enqueue(opts RequestOptions, tmpl Template, key string) (*pending, error) {
	m.pendingMu.Lock()
	if p, ok := m.byKey[pendingKey(opts.AppID, key)]; ok {
		m.pendingMu.Unlock()
		return p, nil
	}
	if len(m.pending) >= m.opts.MaxPendingRequests {
		m.pendingMu.Unlock()
		return nil, types.Errorf(types.CodeTooManyPending, "too many pending permission requests (max %d)", m.opts.MaxPendingRequests)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.opts.RequestTimeout
	}
	now := time.Now().UTC()
	req := PendingRequest{
		ID:         id.NewPendingID().String(),
		AppID:      opts.AppID,
		Permission: opts.Permission,
		Resource:   opts.Resource,
		Key:        key,
		Reason:     opts.Reason,
		Template:   tmpl,
		Temporary:  opts.Temporary,
		CreatedAt:  now,
		TimeoutAt:  now.Add(timeout),
		duration:   opts.Duration,
	}
	p := newPending(req)
	m.pending[req.ID] = p
	m.byKey[pendingKey(req.AppID, key)] = p
	p.timer = time.AfterFunc(timeout, func() {
		m.expirePending(req.ID)
	})
	count := len(m.pending)
	m.pendingMu.Unlock()

	m.setPendingGauge(count)
	snapshot := req
	m.publish(Event{Type: EventRequested, AppID: req.AppID, Key: key, Request: &snapshot})
	m.logger.Info("Permission request pending",
		zap.String("request_id", req.ID),
		zap.String("app_id", req.AppID),
		zap.String("key", key),
		zap.String("risk", string(tmpl.RiskLevel)),
		zap.Duration("timeout", timeout),
	)
	return p, nil
}

// take removes a pending request; only the caller that takes it may resolve it
func (m *Manager) take(requestID string) *pending {
	m.pendingMu.Lock()
	p, ok := m.pending[requestID]
	if ok {
		delete(m.pending, requestID)
		delete(m.byKey, pendingKey(p.req.AppID, p.req.Key))
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	count := len(m.pending)
	m.pendingMu.Unlock()

	if !ok {
		return nil
	}
	m.setPendingGauge(count)
	return p
}

func (m *Manager) expirePending(requestID string) {
	p := m.take(requestID)
	if p == nil {
		return
	}
	req := p.req
	entry := HistoryEntry{Action: ActionTimeout, Key: req.Key, Source: SourceTimeout, Reason: "no consent response", RequestID: req.ID}
	m.recordOutcome(req, entry)
	m.finish(p, Decision{Granted: false, Source: SourceTimeout, Key: req.Key, RequestID: req.ID})
	m.logger.Info("Permission request timed out",
		zap.String("request_id", req.ID),
		zap.String("app_id", req.AppID),
		zap.String("key", req.Key),
	)
}

// recordOutcome appends a non-grant decision to history and the audit log
func (m *Manager) recordOutcome(req PendingRequest, entry HistoryEntry) {
	entry.At = time.Now().UTC()
	err := m.withApp(req.AppID, func(st *appState) error {
		st.history = m.appendHistory(st.history, entry)
		return m.persistLocked(req.AppID, st)
	})
	if err != nil {
		m.logger.Warn("Failed to persist permission history", zap.String("app_id", req.AppID), zap.Error(err))
	}
	m.writeAudit(req.AppID, req.Permission, req.Resource, entry)
}

func (m *Manager) finish(p *pending, d Decision) {
	if !p.resolve(d) {
		return
	}
	m.recordDecision(d)
	req := p.req
	m.publish(Event{Type: EventResolved, AppID: req.AppID, Key: d.Key, Source: d.Source, Request: &req, Decision: &d})
}

func (m *Manager) seedAutoGrant(appID, key string) {
	m.autoMu.Lock()
	m.autoCache[pendingKey(appID, key)] = time.Now().Add(m.opts.AutoGrantDuration)
	m.autoMu.Unlock()
}

func (m *Manager) autoCached(appID, key string, now time.Time) bool {
	m.autoMu.Lock()
	defer m.autoMu.Unlock()
	until, ok := m.autoCache[pendingKey(appID, key)]
	return ok && now.Before(until)
}

func (m *Manager) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.cleanup(now)
		}
	}
}

// cleanup evicts stale auto-grant entries and times out overdue pending requests
func (m *Manager) cleanup(now time.Time) {
	m.autoMu.Lock()
	for key, until := range m.autoCache {
		if !now.Before(until) {
			delete(m.autoCache, key)
		}
	}
	m.autoMu.Unlock()

	m.pendingMu.Lock()
	var overdue []string
	for pid, p := range m.pending {
		if !now.Before(p.req.TimeoutAt) {
			overdue = append(overdue, pid)
		}
	}
	m.pendingMu.Unlock()

	for _, pid := range overdue {
		m.expirePending(pid)
	}
}

func (m *Manager) recordDecision(d Decision) {
	if m.metrics != nil {
		m.metrics.RecordPermissionDecision(string(d.Source), d.Granted)
	}
}

func (m *Manager) setPendingGauge(count int) {
	if m.metrics != nil {
		m.metrics.SetPendingRequests(count)
	}
}

func expiry(temporary bool, d time.Duration, now time.Time) *time.Time {
	if !temporary || d <= 0 {
		return nil
	}
	t := now.Add(d).UTC()
	return &t
}

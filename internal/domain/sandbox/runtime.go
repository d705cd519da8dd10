package sandbox

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/dop251/goja"

	"github.com/emllm/port/internal/shared/types"
)

//go:embed client.js
var clientSource string

const maxConsoleEntries = 500

// Caller performs a bridge call on behalf of the script
type Caller func(protocol, method string, params map[string]interface{}) (map[string]interface{}, error)

// RuntimeConfig controls a JavaScript execution context
type RuntimeConfig struct {
	Timeout          time.Duration
	AllowEval        bool
	MaxCallStackSize int
}

// LogEntry is one console line
type LogEntry struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Result holds the outcome of running a script
type Result struct {
	Value    interface{}   `json:"value,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Delivery reports how an event reached script handlers
type Delivery struct {
	Delivered int      `json:"delivered"`
	Failures  []string `json:"failures,omitempty"`
}

// Runtime wraps a goja VM with the bridge client installed. Scripts and
// event handlers run one at a time.
type Runtime struct {
	mu      sync.Mutex
	vm      *goja.Runtime
	emit    goja.Callable
	closed  bool
	budget  *budget
	timeout atomic.Int64

	consoleMu sync.Mutex
	console   []LogEntry
}

// NewRuntime creates an execution context whose bridge calls go through call
func NewRuntime(cfg RuntimeConfig, call Caller) (*Runtime, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxCallStackSize <= 0 {
		cfg.MaxCallStackSize = 1024
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	vm.SetMaxCallStackSize(cfg.MaxCallStackSize)

	r := &Runtime{vm: vm}
	r.timeout.Store(int64(cfg.Timeout))
	if err := r.setupGlobals(); err != nil {
		return nil, err
	}
	if err := r.installClient(call); err != nil {
		return nil, err
	}
	if !cfg.AllowEval {
		if err := r.lockEval(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Runtime) setupGlobals() error {
	for _, name := range []string{"require", "process", "module", "exports"} {
		if err := r.vm.Set(name, goja.Undefined()); err != nil {
			return err
		}
	}

	console := r.vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		if err := console.Set(level, r.makeConsoleFunc(level)); err != nil {
			return err
		}
	}
	return r.vm.Set("console", console)
}

func (r *Runtime) installClient(call Caller) error {
	factory, err := r.vm.RunScript("bridge-client.js", clientSource)
	if err != nil {
		return fmt.Errorf("failed to load bridge client: %w", err)
	}
	install, ok := goja.AssertFunction(factory)
	if !ok {
		return errors.New("bridge client did not evaluate to a function")
	}
	emit, err := install(goja.Undefined(), r.vm.GlobalObject(), r.vm.ToValue(r.nativeCall(call)))
	if err != nil {
		return fmt.Errorf("failed to install bridge client: %w", err)
	}
	r.emit, ok = goja.AssertFunction(emit)
	if !ok {
		return errors.New("bridge client did not return an emitter")
	}
	return nil
}

// lockEval removes eval and the Function constructors
func (r *Runtime) lockEval() error {
	_, err := r.vm.RunString(`(function () {
  var blocked = function () { throw new EvalError("dynamic code evaluation is disabled"); };
  var ctors = [function () {}];
  try { ctors.push(eval("(function* () {})")); } catch (e) {}
  for (var i = 0; i < ctors.length; i++) {
    Object.defineProperty(Object.getPrototypeOf(ctors[i]), "constructor", { value: blocked });
  }
})()`)
	if err != nil {
		return fmt.Errorf("failed to lock eval: %w", err)
	}
	global := r.vm.GlobalObject()
	if err := global.Delete("eval"); err != nil {
		return err
	}
	return global.Set("Function", func(goja.FunctionCall) goja.Value {
		panic(r.vm.NewTypeError("dynamic code evaluation is disabled"))
	})
}

// nativeCall adapts a Caller to the reply shape the client expects
func (r *Runtime) nativeCall(call Caller) func(goja.FunctionCall) goja.Value {
	return func(fc goja.FunctionCall) goja.Value {
		protocol := fc.Argument(0).String()
		method := fc.Argument(1).String()

		// params reach handlers in the same JSON shape remote sessions produce
		var params map[string]interface{}
		if arg := fc.Argument(2); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
			exported, ok := arg.Export().(map[string]interface{})
			if !ok {
				return r.reply(nil, types.NewError(types.CodeValidation, "params must be an object"))
			}
			plain, err := toPlain(exported)
			if err != nil {
				return r.reply(nil, types.Errorf(types.CodeValidation, "params are not serializable: %v", err))
			}
			params, _ = plain.(map[string]interface{})
		}
		if params == nil {
			params = map[string]interface{}{}
		}

		// Consent prompts can outlast the script budget; only VM time counts
		r.budget.pause()
		result, err := call(protocol, method, params)
		r.budget.resume()
		return r.reply(result, err)
	}
}

func (r *Runtime) reply(result map[string]interface{}, err error) goja.Value {
	if err != nil {
		plain, perr := toPlain(types.AsError(err))
		if perr != nil {
			plain = map[string]interface{}{"code": string(types.CodeInternal), "message": perr.Error()}
		}
		return r.vm.ToValue(map[string]interface{}{"ok": false, "error": plain})
	}
	plain, perr := toPlain(result)
	if perr != nil {
		return r.reply(nil, fmt.Errorf("failed to encode result: %w", perr))
	}
	return r.vm.ToValue(map[string]interface{}{"ok": true, "result": plain})
}

// toPlain converts v to the JSON shape a remote client would receive
func toPlain(v interface{}) (interface{}, error) {
	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := sonic.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Runtime) makeConsoleFunc(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		r.log(level, strings.Join(parts, " "))
		return goja.Undefined()
	}
}

func (r *Runtime) log(level, message string) {
	r.consoleMu.Lock()
	defer r.consoleMu.Unlock()
	r.console = append(r.console, LogEntry{Level: level, Message: message, Time: time.Now()})
	if over := len(r.console) - maxConsoleEntries; over > 0 {
		r.console = append([]LogEntry(nil), r.console[over:]...)
	}
}

// Console returns a copy of the buffered console output
func (r *Runtime) Console() []LogEntry {
	r.consoleMu.Lock()
	defer r.consoleMu.Unlock()
	return append([]LogEntry{}, r.console...)
}

// Run executes a script under the configured timeout
func (r *Runtime) Run(ctx context.Context, name, script string) (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errRuntimeClosed
	}

	start := time.Now()
	stop := r.watch(ctx)
	val, err := r.vm.RunScript(name, script)
	stop()
	if err != nil {
		return nil, scriptError(name, err)
	}

	result := &Result{Duration: time.Since(start)}
	if val != nil && !goja.IsUndefined(val) && !goja.IsNull(val) {
		result.Value = val.Export()
	}
	return result, nil
}

// Emit delivers an event to handlers registered with bridge.on
func (r *Runtime) Emit(ctx context.Context, event string, payload interface{}) (*Delivery, error) {
	plain, err := toPlain(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", event, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errRuntimeClosed
	}

	stop := r.watch(ctx)
	val, err := r.emit(goja.Undefined(), r.vm.ToValue(event), r.vm.ToValue(plain))
	stop()
	if err != nil {
		return nil, scriptError(event, err)
	}

	d := delivery(val)
	for _, failure := range d.Failures {
		r.log("error", fmt.Sprintf("%s handler failed: %s", event, failure))
	}
	return d, nil
}

func delivery(val goja.Value) *Delivery {
	d := &Delivery{}
	m, ok := val.Export().(map[string]interface{})
	if !ok {
		return d
	}
	switch n := m["delivered"].(type) {
	case int64:
		d.Delivered = int(n)
	case float64:
		d.Delivered = int(n)
	}
	if failures, ok := m["failures"].([]interface{}); ok {
		for _, f := range failures {
			d.Failures = append(d.Failures, fmt.Sprint(f))
		}
	}
	return d
}

// budget is the execution time left to the running script. Time spent
// inside bridge calls is not charged.
type budget struct {
	mu        sync.Mutex
	timer     *time.Timer
	remaining time.Duration
	started   time.Time
	paused    bool
}

func (b *budget) pause() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.paused {
		return
	}
	b.paused = true
	if b.timer.Stop() {
		b.remaining -= time.Since(b.started)
	} else {
		b.remaining = 0
	}
}

func (b *budget) resume() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.paused {
		return
	}
	b.paused = false
	if b.remaining <= 0 {
		// expired before the call; the interrupt is already pending
		return
	}
	b.started = time.Now()
	b.timer.Reset(b.remaining)
}

// watch interrupts the VM when the budget or ctx expires. The returned stop
// function must be called once the VM is idle again.
func (r *Runtime) watch(ctx context.Context) func() {
	limit := time.Duration(r.timeout.Load())
	b := &budget{
		timer:     time.NewTimer(limit),
		remaining: limit,
		started:   time.Now(),
	}
	r.budget = b
	done := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)
		select {
		case <-b.timer.C:
			r.vm.Interrupt("execution timeout exceeded")
		case <-ctx.Done():
			r.vm.Interrupt("context cancelled")
		case <-done:
		}
	}()

	return func() {
		b.mu.Lock()
		b.timer.Stop()
		b.mu.Unlock()
		close(done)
		<-exited
		r.budget = nil
		r.vm.ClearInterrupt()
	}
}

// SetTimeout changes the budget for scripts started from now on
func (r *Runtime) SetTimeout(d time.Duration) {
	if d > 0 {
		r.timeout.Store(int64(d))
	}
}

// Interrupt aborts whatever script is running
func (r *Runtime) Interrupt(reason string) {
	r.vm.Interrupt(reason)
}

// Close interrupts running code and rejects further use
func (r *Runtime) Close() {
	r.vm.Interrupt("runtime closed")
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.vm.ClearInterrupt()
}

var errRuntimeClosed = errors.New("runtime is closed")

func scriptError(name string, err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return types.Errorf(types.CodeTimeout, "%s interrupted: %v", name, interrupted.Value()).
			WithDetail("script", name)
	}
	return types.Errorf(types.CodeValidation, "%s failed: %v", name, err).WithDetail("script", name)
}

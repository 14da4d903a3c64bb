// Package engine provides the sandboxed JavaScript execution runtime used by
// the script layer: a resource-limited wrapper around one goja runtime, a
// per-execution native-call bridge, a compiled-program cache, and a fixed-size
// engine pool.
package engine

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
)

// Default resource limits applied to every engine.
const (
	DefaultMemoryLimit  = 64 * 1024 * 1024
	DefaultMaxCallStack = 2048
	DefaultTimeout      = 5 * time.Second
)

// Errors surfaced by the runtime.
var (
	ErrTimeout     = errors.New("script execution timed out")
	ErrInterrupted = errors.New("script execution interrupted")
)

// Limits defines the resource constraints for a single engine.
type Limits struct {
	// MemoryLimit is the heap growth budget in bytes for one execution.
	MemoryLimit int64

	// MaxCallStack bounds the JavaScript call stack depth.
	MaxCallStack int

	// Timeout is the default execution timeout when the caller supplies none.
	Timeout time.Duration
}

// DefaultLimits returns the standard limits.
func DefaultLimits() Limits {
	return Limits{
		MemoryLimit:  DefaultMemoryLimit,
		MaxCallStack: DefaultMaxCallStack,
		Timeout:      DefaultTimeout,
	}
}

// Engine wraps a single goja runtime and keeps the state of the most recent
// execution: the top-level result value, the captured error and stack, the
// interrupt flag, and the names of globals installed for the current run.
//
// An Engine is not safe for concurrent use; the pool hands each one to a
// single execution at a time.
type Engine struct {
	vm     *goja.Runtime
	limits Limits

	jsonStringify goja.Callable
	jsonParse     goja.Callable
	jsonObj       goja.Value

	result goja.Value
	failed bool
	errMsg string
	stack  string

	interrupted atomic.Bool
	watchStop   chan struct{}
	startTime   time.Time

	// Globals installed for the current execution, removed on Reset so a
	// pooled engine never leaks script state into the next run.
	installed []string
}

// New creates an engine with a fresh runtime and the given limits.
func New(limits Limits) (*Engine, error) {
	if limits.MemoryLimit <= 0 {
		limits.MemoryLimit = DefaultMemoryLimit
	}
	if limits.MaxCallStack <= 0 {
		limits.MaxCallStack = DefaultMaxCallStack
	}
	if limits.Timeout <= 0 {
		limits.Timeout = DefaultTimeout
	}

	vm := goja.New()
	vm.SetMaxCallStackSize(limits.MaxCallStack)

	jsonObj := vm.Get("JSON").ToObject(vm)
	stringify, ok := goja.AssertFunction(jsonObj.Get("stringify"))
	if !ok {
		return nil, fmt.Errorf("runtime is missing JSON.stringify")
	}
	parse, ok := goja.AssertFunction(jsonObj.Get("parse"))
	if !ok {
		return nil, fmt.Errorf("runtime is missing JSON.parse")
	}

	return &Engine{
		vm:            vm,
		limits:        limits,
		jsonStringify: stringify,
		jsonParse:     parse,
		jsonObj:       jsonObj,
	}, nil
}

// Runtime exposes the underlying goja runtime to the bridge.
func (e *Engine) Runtime() *goja.Runtime {
	return e.vm
}

// WrapScript wraps user source so that the whole script body becomes the body
// of a single function taking params. The function is async so scripts can
// await native calls at top level; the call therefore yields a promise that
// the pump unwraps one level once it settles.
func WrapScript(source string) string {
	return "(async function(params){" + source + "})"
}

// Compile parses and compiles wrapped user source without executing it. The
// returned program is immutable and can be evaluated by any engine.
func Compile(source string) (*goja.Program, error) {
	prog, err := goja.Compile("<script>", WrapScript(source), false)
	if err != nil {
		return nil, fmt.Errorf("compile script: %w", err)
	}
	return prog, nil
}

// ExecuteSource evaluates raw source at global scope and stores the result as
// the engine's top-level value.
func (e *Engine) ExecuteSource(source string) error {
	val, err := e.vm.RunString(source)
	if err != nil {
		e.captureError(err)
		return err
	}
	e.setResult(val)
	return nil
}

// ExecuteProgram evaluates a compiled wrapped script to obtain its closure and
// calls the closure with params, storing the call result as the top-level
// value. Evaluation failure, a non-callable program value, and a throwing call
// are reported distinctly.
func (e *Engine) ExecuteProgram(prog *goja.Program, params goja.Value) error {
	fnVal, err := e.vm.RunProgram(prog)
	if err != nil {
		e.captureError(fmt.Errorf("evaluate compiled script: %w", err))
		return err
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		err := fmt.Errorf("compiled script did not evaluate to a function")
		e.failWith(err.Error(), "")
		return err
	}
	if params == nil {
		params = goja.Undefined()
	}
	res, err := fn(goja.Undefined(), params)
	if err != nil {
		e.captureError(err)
		return err
	}
	e.setResult(res)
	return nil
}

// SetGlobal installs a value as a named global and records it for Reset.
func (e *Engine) SetGlobal(name string, value goja.Value) error {
	if err := e.vm.Set(name, value); err != nil {
		return fmt.Errorf("set global %s: %w", name, err)
	}
	e.installed = append(e.installed, name)
	return nil
}

// SetGlobalJSON parses JSON text inside the runtime and installs the parsed
// value as a named global. A parse failure is recorded as the engine's error
// state and the global is not set.
func (e *Engine) SetGlobalJSON(name, jsonText string) error {
	val, err := e.ParseJSON(jsonText)
	if err != nil {
		e.captureError(err)
		return err
	}
	return e.SetGlobal(name, val)
}

// ParseJSON parses JSON text with the runtime's own JSON.parse.
func (e *Engine) ParseJSON(jsonText string) (goja.Value, error) {
	val, err := e.jsonParse(e.jsonObj, e.vm.ToValue(jsonText))
	if err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	return val, nil
}

// StringifyValue renders a runtime value as JSON text, returning the literal
// "null" for undefined values and on stringify failure.
func (e *Engine) StringifyValue(val goja.Value) string {
	if val == nil || goja.IsUndefined(val) {
		return "null"
	}
	out, err := e.jsonStringify(e.jsonObj, val)
	if err != nil || out == nil || goja.IsUndefined(out) {
		return "null"
	}
	return out.String()
}

// Result returns the top-level value as JSON text ("null" when unset).
func (e *Engine) Result() string {
	return e.StringifyValue(e.result)
}

// ResultValue returns the raw top-level value.
func (e *Engine) ResultValue() goja.Value {
	return e.result
}

func (e *Engine) setResult(val goja.Value) {
	e.result = val
}

// ReplaceResult swaps the top-level value, used when a settled promise is
// unwrapped to its resolution.
func (e *Engine) ReplaceResult(val goja.Value) {
	e.result = val
}

// Failed reports whether the engine holds a captured error.
func (e *Engine) Failed() bool {
	return e.failed
}

// Err returns the captured error message.
func (e *Engine) Err() string {
	return e.errMsg
}

// StackTrace returns the captured script stack, if any.
func (e *Engine) StackTrace() string {
	return e.stack
}

// failWith records an error state directly.
func (e *Engine) failWith(msg, stack string) {
	e.failed = true
	e.errMsg = msg
	e.stack = stack
}

// captureError classifies a goja error and records message and stack. The
// message is the string coercion of the thrown value; the stack is its stack
// property when present.
func (e *Engine) captureError(err error) {
	switch typed := err.(type) {
	case *goja.InterruptedError:
		msg := "script execution interrupted"
		if v := typed.Value(); v != nil {
			msg = fmt.Sprint(v)
		}
		e.failWith(msg, typed.String())
	case *goja.Exception:
		msg := typed.Error()
		stack := ""
		if val := typed.Value(); val != nil {
			msg = val.String()
			if obj, ok := val.(*goja.Object); ok {
				if s := obj.Get("stack"); s != nil && !goja.IsUndefined(s) {
					stack = s.String()
				}
			}
		}
		e.failWith(msg, stack)
	default:
		e.failWith(err.Error(), "")
	}
}

// ArmTimeout arms the execution deadline and starts the watchdog that
// interrupts the runtime when the deadline passes, the interrupt flag is
// raised, or the heap grows past the memory limit. goja polls the pending
// interrupt between instructions, so a tight loop is broken cooperatively.
func (e *Engine) ArmTimeout(d time.Duration) {
	if d <= 0 {
		d = e.limits.Timeout
	}
	e.DisarmTimeout()
	e.startTime = time.Now()
	deadline := e.startTime.Add(d)

	var baseline uint64
	if e.limits.MemoryLimit > 0 {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		baseline = ms.HeapAlloc
	}

	stop := make(chan struct{})
	e.watchStop = stop

	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		ticks := 0
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if e.interrupted.Load() {
					e.vm.Interrupt(ErrInterrupted)
					return
				}
				if time.Now().After(deadline) {
					e.vm.Interrupt(ErrTimeout)
					return
				}
				ticks++
				// Heap sampling is comparatively expensive, so check it at a
				// coarser interval than the deadline.
				if e.limits.MemoryLimit > 0 && ticks%20 == 0 {
					var ms runtime.MemStats
					runtime.ReadMemStats(&ms)
					if ms.HeapAlloc > baseline && ms.HeapAlloc-baseline > uint64(e.limits.MemoryLimit) {
						e.vm.Interrupt(fmt.Errorf("script exceeded memory limit of %d bytes", e.limits.MemoryLimit))
						return
					}
				}
			}
		}
	}()
}

// DisarmTimeout stops the watchdog if one is armed.
func (e *Engine) DisarmTimeout() {
	if e.watchStop != nil {
		close(e.watchStop)
		e.watchStop = nil
	}
}

// Interrupt raises the interrupt flag and aborts the current evaluation. Safe
// to call from any goroutine.
func (e *Engine) Interrupt() {
	e.interrupted.Store(true)
	e.vm.Interrupt(ErrInterrupted)
}

// Interrupted reports whether the interrupt flag is raised.
func (e *Engine) Interrupted() bool {
	return e.interrupted.Load()
}

// Reset returns the engine to a reusable state: the top-level value, error
// state, interrupt flag, watchdog, and every global installed for the last
// execution are cleared. The runtime itself is retained.
func (e *Engine) Reset() {
	e.DisarmTimeout()
	e.result = nil
	e.failed = false
	e.errMsg = ""
	e.stack = ""
	e.interrupted.Store(false)
	e.vm.ClearInterrupt()

	global := e.vm.GlobalObject()
	for _, name := range e.installed {
		_ = global.Delete(name)
	}
	e.installed = nil
}

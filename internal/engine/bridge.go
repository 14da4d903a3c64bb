package engine

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// PumpState describes the settlement of an execution after one pump cycle.
type PumpState int

const (
	// PumpPending means the top-level value has not settled: either native
	// calls are waiting for the host, or the result promise is unresolved.
	PumpPending PumpState = iota
	// PumpSettled means the top-level value is final.
	PumpSettled
	// PumpError means the execution failed and the error state is populated.
	PumpError
)

// PendingCall is a host-bound invocation synthesised by a script calling a
// native function stub. The host drains these in FIFO order and answers each
// one by call id.
type PendingCall struct {
	CallID   string `json:"call_id"`
	FuncName string `json:"func_name"`
	ArgsJSON string `json:"args_json"`
}

type promisePair struct {
	resolve func(interface{})
	reject  func(interface{})
}

// Execution is the per-run state attached to one engine: the pending-call
// queue, the promise registry, and the settlement state machine. Scripts see
// each registered native function as an async stub that enqueues a
// PendingCall and returns a promise; the host settles the promise through
// Resolve or Reject.
//
// Locking: vmu owns the runtime. Every entry into the runtime after Run has
// returned (Pump, Resolve, Reject) holds vmu, so settlements may arrive from
// any goroutine. qmu guards only the call queue and promise registry; native
// stubs fire from inside running script code and therefore touch nothing but
// qmu, which is never held across a runtime entry.
type Execution struct {
	id  string
	eng *Engine

	vmu sync.Mutex

	qmu      sync.Mutex
	calls    []PendingCall
	promises map[string]promisePair
	closed   bool

	state PumpState

	funcs  []string
	params goja.Value
	logs   []string

	// notify wakes the pump loop when a native call is enqueued or settled.
	notify chan struct{}
}

// NewExecution binds a fresh execution to an engine.
func NewExecution(id string, eng *Engine) *Execution {
	return &Execution{
		id:       id,
		eng:      eng,
		promises: make(map[string]promisePair),
		notify:   make(chan struct{}, 1),
	}
}

// ID returns the execution id.
func (x *Execution) ID() string {
	return x.id
}

// Engine returns the engine this execution is pinned to.
func (x *Execution) Engine() *Engine {
	return x.eng
}

// Notify returns the channel pulsed whenever host-visible progress is
// possible: a call was enqueued or a promise was settled.
func (x *Execution) Notify() <-chan struct{} {
	return x.notify
}

func (x *Execution) pulse() {
	select {
	case x.notify <- struct{}{}:
	default:
	}
}

// Setup prepares the engine for this run: globals are spread first, then
// params, then the native stubs, so params and registered native names win on
// name collision. A console object capturing log output is installed last.
func (x *Execution) Setup(paramsJSON, globalsJSON string, nativeFuncs []string) error {
	x.vmu.Lock()
	defer x.vmu.Unlock()

	if err := x.spreadGlobals(globalsJSON); err != nil {
		return err
	}

	params, err := x.eng.ParseJSON(paramsJSON)
	if err != nil {
		params = x.eng.Runtime().NewObject()
	}
	x.params = params
	if err := x.eng.SetGlobal("params", params); err != nil {
		return err
	}

	for i, name := range nativeFuncs {
		x.funcs = append(x.funcs, name)
		if err := x.eng.SetGlobal(name, x.eng.Runtime().ToValue(x.nativeStub(i))); err != nil {
			return err
		}
	}

	return x.attachConsole()
}

// spreadGlobals parses globals JSON and installs each top-level key as its
// own global. Anything that is not a JSON object is ignored.
func (x *Execution) spreadGlobals(globalsJSON string) error {
	if len(globalsJSON) <= 2 {
		return nil
	}
	val, err := x.eng.ParseJSON(globalsJSON)
	if err != nil {
		return nil
	}
	obj, ok := val.(*goja.Object)
	if !ok || obj.ClassName() == "Array" {
		return nil
	}
	for _, key := range obj.Keys() {
		if err := x.eng.SetGlobal(key, obj.Get(key)); err != nil {
			return err
		}
	}
	return nil
}

func (x *Execution) attachConsole() error {
	vm := x.eng.Runtime()
	console := vm.NewObject()
	logFn := func(call goja.FunctionCall) goja.Value {
		parts := make([]any, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.Export()
		}
		x.logs = append(x.logs, fmt.Sprint(parts...))
		return goja.Undefined()
	}
	for _, name := range []string{"log", "info", "warn", "error"} {
		if err := console.Set(name, logFn); err != nil {
			return err
		}
	}
	return x.eng.SetGlobal("console", console)
}

// Logs returns console output captured during the run.
func (x *Execution) Logs() []string {
	return x.logs
}

// nativeStub builds the trampoline for the native function at the given
// descriptor index. Invoked from inside running script code, it synthesises a
// call id, serialises the raw arguments with the runtime's JSON stringifier,
// enqueues a PendingCall, and returns a fresh promise whose resolvers are
// registered under the call id.
func (x *Execution) nativeStub(magic int) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		vm := x.eng.Runtime()
		if magic < 0 || magic >= len(x.funcs) {
			panic(vm.NewTypeError("invalid native function index %d", magic))
		}
		name := x.funcs[magic]
		callID := x.newCallID()

		argsJSON := "[]"
		items := make([]interface{}, len(call.Arguments))
		for i, arg := range call.Arguments {
			items[i] = arg
		}
		if out := x.eng.StringifyValue(vm.ToValue(vm.NewArray(items...))); out != "null" {
			argsJSON = out
		}

		promise, resolve, reject := vm.NewPromise()

		x.qmu.Lock()
		x.calls = append(x.calls, PendingCall{CallID: callID, FuncName: name, ArgsJSON: argsJSON})
		x.promises[callID] = promisePair{resolve: resolve, reject: reject}
		x.qmu.Unlock()
		x.pulse()

		return vm.ToValue(promise)
	}
}

// newCallID builds "<execution_id>:<hex of 8 random bytes>", falling back to
// clock bytes if the entropy source fails.
func (x *Execution) newCallID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		binary.BigEndian.PutUint64(buf[:], uint64(time.Now().UnixNano()))
	}
	return x.id + ":" + hex.EncodeToString(buf[:])
}

// Run executes the compiled script with the params value installed by Setup.
// A synchronous non-object result settles immediately; objects and promises
// are left for Pump to classify.
func (x *Execution) Run(prog *goja.Program) {
	x.vmu.Lock()
	defer x.vmu.Unlock()

	if err := x.eng.ExecuteProgram(prog, x.params); err != nil {
		x.state = PumpError
		return
	}
	if _, isObj := x.eng.ResultValue().(*goja.Object); !isObj {
		x.state = PumpSettled
	}
}

// Pump advances the execution one cycle: promise continuations run inside the
// settlement calls themselves, so the pump inspects the queue and the
// top-level value and reports the settlement state.
func (x *Execution) Pump() PumpState {
	x.vmu.Lock()
	defer x.vmu.Unlock()
	return x.pumpLocked()
}

func (x *Execution) pumpLocked() PumpState {
	if x.state != PumpPending {
		return x.state
	}
	if x.eng.Failed() {
		x.state = PumpError
		return x.state
	}

	x.qmu.Lock()
	waiting := len(x.calls) > 0
	x.qmu.Unlock()
	if waiting {
		return PumpPending
	}

	res := x.eng.ResultValue()
	obj, isObj := res.(*goja.Object)
	if res == nil || !isObj {
		x.state = PumpSettled
		return x.state
	}

	promise, isPromise := obj.Export().(*goja.Promise)
	if !isPromise {
		x.state = PumpSettled
		return x.state
	}

	switch promise.State() {
	case goja.PromiseStateFulfilled:
		x.eng.ReplaceResult(promise.Result())
		x.state = PumpSettled
	case goja.PromiseStateRejected:
		reason := promise.Result()
		msg := "promise rejected"
		stack := ""
		if reason != nil {
			msg = reason.String()
			if robj, ok := reason.(*goja.Object); ok {
				if s := robj.Get("stack"); s != nil && !goja.IsUndefined(s) {
					stack = s.String()
				}
			}
		}
		x.eng.failWith(msg, stack)
		x.state = PumpError
	default:
		return PumpPending
	}
	return x.state
}

// PollPendingCall dequeues one host-bound call in FIFO order, or nil.
func (x *Execution) PollPendingCall() *PendingCall {
	x.qmu.Lock()
	defer x.qmu.Unlock()
	if len(x.calls) == 0 {
		return nil
	}
	pc := x.calls[0]
	x.calls = x.calls[1:]
	return &pc
}

// Resolve settles the promise registered under callID with the parsed result
// JSON, substituting null when the payload does not parse. Unknown call ids
// are ignored; a second settlement of the same id is a no-op.
func (x *Execution) Resolve(callID, resultJSON string) {
	x.vmu.Lock()
	defer x.vmu.Unlock()

	pair, ok := x.takePromise(callID)
	if !ok {
		return
	}
	val, err := x.eng.ParseJSON(resultJSON)
	if err != nil {
		val = goja.Null()
	}
	pair.resolve(val)
	x.pulse()
}

// Reject settles the promise registered under callID with a script-level
// error carrying the given message. Unknown call ids are ignored.
func (x *Execution) Reject(callID, errorMessage string) {
	x.vmu.Lock()
	defer x.vmu.Unlock()

	pair, ok := x.takePromise(callID)
	if !ok {
		return
	}
	vm := x.eng.Runtime()
	if errorMessage == "" {
		errorMessage = "native function error"
	}
	errObj, err := vm.New(vm.Get("Error"), vm.ToValue(errorMessage))
	if err != nil {
		pair.reject(vm.ToValue(errorMessage))
	} else {
		pair.reject(errObj)
	}
	x.pulse()
}

func (x *Execution) takePromise(callID string) (promisePair, bool) {
	x.qmu.Lock()
	defer x.qmu.Unlock()
	if x.closed {
		return promisePair{}, false
	}
	pair, ok := x.promises[callID]
	if ok {
		delete(x.promises, callID)
	}
	return pair, ok
}

// Interrupt raises the engine's interrupt flag, aborting the current
// evaluation cooperatively. Safe to call from any goroutine.
func (x *Execution) Interrupt() {
	x.eng.Interrupt()
}

// Fail forces the execution into the error state with the given message.
func (x *Execution) Fail(msg string) {
	x.vmu.Lock()
	defer x.vmu.Unlock()
	if x.state == PumpPending {
		x.eng.failWith(msg, "")
		x.state = PumpError
	}
}

// State returns the current settlement state without advancing it.
func (x *Execution) State() PumpState {
	x.vmu.Lock()
	defer x.vmu.Unlock()
	return x.state
}

// FinalState is the snapshot the orchestrator builds its outcome from.
type FinalState struct {
	State   PumpState
	Failed  bool
	Result  string
	Message string
	Stack   string
	Logs    []string
}

// Finalize snapshots the settlement state and the engine's outputs under the
// runtime lock, so in-flight settlements complete before the outcome is read.
func (x *Execution) Finalize() FinalState {
	x.vmu.Lock()
	defer x.vmu.Unlock()
	return FinalState{
		State:   x.state,
		Failed:  x.eng.Failed(),
		Result:  x.eng.Result(),
		Message: x.eng.Err(),
		Stack:   x.eng.StackTrace(),
		Logs:    append([]string(nil), x.logs...),
	}
}

// Close tears the execution down: the queue is dropped and the promise
// registry cleared, so late settlements for this run become no-ops. Taking
// the runtime lock first lets a settlement already past the registry finish
// before the engine is handed back.
func (x *Execution) Close() {
	x.vmu.Lock()
	defer x.vmu.Unlock()
	x.qmu.Lock()
	defer x.qmu.Unlock()
	x.closed = true
	x.calls = nil
	x.promises = make(map[string]promisePair)
}

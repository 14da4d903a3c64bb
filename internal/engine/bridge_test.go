package engine

import (
	"strings"
	"testing"
)

// runScript compiles and starts a script on a fresh execution.
func runScript(t *testing.T, script, paramsJSON, globalsJSON string, natives []string) *Execution {
	t.Helper()

	eng, err := New(DefaultLimits())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	x := NewExecution("exec-test", eng)
	if err := x.Setup(paramsJSON, globalsJSON, natives); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	prog, err := Compile(script)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	x.Run(prog)
	return x
}

func pumpUntilDone(t *testing.T, x *Execution) PumpState {
	t.Helper()
	for i := 0; i < 100; i++ {
		if state := x.Pump(); state != PumpPending {
			return state
		}
		if x.PollPendingCall() != nil {
			t.Fatal("unexpected pending native call")
		}
	}
	t.Fatal("execution did not settle")
	return PumpError
}

func TestExecution_SimpleResult(t *testing.T) {
	x := runScript(t, "return 1+2;", "{}", "{}", nil)

	if state := pumpUntilDone(t, x); state != PumpSettled {
		t.Fatalf("expected settled, got %v (%s)", state, x.Engine().Err())
	}
	if got := x.Engine().Result(); got != "3" {
		t.Errorf("expected 3, got %s", got)
	}
}

func TestExecution_Params(t *testing.T) {
	x := runScript(t, "return params.x * 2;", `{"x":21}`, "{}", nil)

	if state := pumpUntilDone(t, x); state != PumpSettled {
		t.Fatalf("expected settled, got %v (%s)", state, x.Engine().Err())
	}
	if got := x.Engine().Result(); got != "42" {
		t.Errorf("expected 42, got %s", got)
	}
}

func TestExecution_ParamsParseFailure(t *testing.T) {
	// Unparseable params degrade to the empty object.
	x := runScript(t, "return typeof params;", "{not json", "{}", nil)

	if state := pumpUntilDone(t, x); state != PumpSettled {
		t.Fatalf("expected settled, got %v (%s)", state, x.Engine().Err())
	}
	if got := x.Engine().Result(); got != `"object"` {
		t.Errorf("expected object params fallback, got %s", got)
	}
}

func TestExecution_SpreadGlobals(t *testing.T) {
	x := runScript(t, "return storeName + ':' + taxRate;", "{}", `{"storeName":"main","taxRate":7}`, nil)

	if state := pumpUntilDone(t, x); state != PumpSettled {
		t.Fatalf("expected settled, got %v (%s)", state, x.Engine().Err())
	}
	if got := x.Engine().Result(); got != `"main:7"` {
		t.Errorf("expected globals spread, got %s", got)
	}
}

func TestExecution_GlobalsDoNotShadowParams(t *testing.T) {
	// A "params" key in globals loses to the params value.
	x := runScript(t, "return params.x;", `{"x":1}`, `{"params":"clobber"}`, nil)

	if state := pumpUntilDone(t, x); state != PumpSettled {
		t.Fatalf("expected settled, got %v (%s)", state, x.Engine().Err())
	}
	if got := x.Engine().Result(); got != "1" {
		t.Errorf("expected params to win the collision, got %s", got)
	}
}

func TestExecution_ThrownError(t *testing.T) {
	x := runScript(t, "throw new Error('kaput');", "{}", "{}", nil)

	if state := pumpUntilDone(t, x); state != PumpError {
		t.Fatalf("expected error, got %v", state)
	}
	if !strings.Contains(x.Engine().Err(), "kaput") {
		t.Errorf("expected message to contain kaput, got %q", x.Engine().Err())
	}
}

func TestExecution_RejectedPromiseResult(t *testing.T) {
	x := runScript(t, "return Promise.reject(new Error('nope'));", "{}", "{}", nil)

	if state := pumpUntilDone(t, x); state != PumpError {
		t.Fatalf("expected error, got %v", state)
	}
	if !strings.Contains(x.Engine().Err(), "nope") {
		t.Errorf("expected rejection reason, got %q", x.Engine().Err())
	}
}

func TestExecution_NativeCallFIFO(t *testing.T) {
	x := runScript(t, "hostA(1); hostB(2, 'x'); return 0;", "{}", "{}", []string{"hostA", "hostB"})

	first := x.PollPendingCall()
	if first == nil || first.FuncName != "hostA" {
		t.Fatalf("expected hostA first, got %+v", first)
	}
	if first.ArgsJSON != "[1]" {
		t.Errorf("expected [1], got %s", first.ArgsJSON)
	}

	second := x.PollPendingCall()
	if second == nil || second.FuncName != "hostB" {
		t.Fatalf("expected hostB second, got %+v", second)
	}
	if second.ArgsJSON != `[2,"x"]` {
		t.Errorf("expected [2,\"x\"], got %s", second.ArgsJSON)
	}

	if third := x.PollPendingCall(); third != nil {
		t.Fatalf("expected empty queue, got %+v", third)
	}

	if !strings.HasPrefix(first.CallID, "exec-test:") {
		t.Errorf("call id must carry the execution id: %s", first.CallID)
	}
	if first.CallID == second.CallID {
		t.Error("call ids must be unique")
	}
}

func TestExecution_ResolveRoundTrip(t *testing.T) {
	x := runScript(t, "return await hostAdd(2, 3);", "{}", "{}", []string{"hostAdd"})

	if state := x.Pump(); state != PumpPending {
		t.Fatalf("expected pending while call outstanding, got %v (%s)", state, x.Engine().Err())
	}

	pc := x.PollPendingCall()
	if pc == nil {
		t.Fatal("expected a pending call")
	}
	if pc.FuncName != "hostAdd" || pc.ArgsJSON != "[2,3]" {
		t.Fatalf("unexpected call: %+v", pc)
	}

	x.Resolve(pc.CallID, "5")

	if state := pumpUntilDone(t, x); state != PumpSettled {
		t.Fatalf("expected settled, got %v (%s)", state, x.Engine().Err())
	}
	if got := x.Engine().Result(); got != "5" {
		t.Errorf("expected 5, got %s", got)
	}
}

func TestExecution_RejectRoundTrip(t *testing.T) {
	x := runScript(t, "return await hostAdd(2, 3);", "{}", "{}", []string{"hostAdd"})

	pc := x.PollPendingCall()
	if pc == nil {
		t.Fatal("expected a pending call")
	}
	x.Reject(pc.CallID, "boom")

	if state := pumpUntilDone(t, x); state != PumpError {
		t.Fatalf("expected error, got %v", state)
	}
	if !strings.Contains(x.Engine().Err(), "boom") {
		t.Errorf("expected message to contain boom, got %q", x.Engine().Err())
	}
}

func TestExecution_ResolveParseFailureBecomesNull(t *testing.T) {
	x := runScript(t, "return await fetchTotal();", "{}", "{}", []string{"fetchTotal"})

	pc := x.PollPendingCall()
	if pc == nil {
		t.Fatal("expected a pending call")
	}
	x.Resolve(pc.CallID, "{broken")

	if state := pumpUntilDone(t, x); state != PumpSettled {
		t.Fatalf("expected settled, got %v (%s)", state, x.Engine().Err())
	}
	if got := x.Engine().Result(); got != "null" {
		t.Errorf("expected null substitution, got %s", got)
	}
}

func TestExecution_UnknownCallIDIsNoOp(t *testing.T) {
	x := runScript(t, "return await hostAdd(1);", "{}", "{}", []string{"hostAdd"})

	x.Resolve("exec-test:ffffffffffffffff", "1")
	x.Reject("exec-test:ffffffffffffffff", "nope")

	if state := x.Pump(); state != PumpPending {
		t.Fatalf("expected execution unaffected, got %v", state)
	}
}

func TestExecution_SecondSettleIsNoOp(t *testing.T) {
	x := runScript(t, "return await hostAdd(1);", "{}", "{}", []string{"hostAdd"})

	pc := x.PollPendingCall()
	if pc == nil {
		t.Fatal("expected a pending call")
	}
	x.Resolve(pc.CallID, "7")
	// Both a repeat resolve and a late reject must be ignored.
	x.Resolve(pc.CallID, "8")
	x.Reject(pc.CallID, "too late")

	if state := pumpUntilDone(t, x); state != PumpSettled {
		t.Fatalf("expected settled, got %v (%s)", state, x.Engine().Err())
	}
	if got := x.Engine().Result(); got != "7" {
		t.Errorf("expected first settlement to win, got %s", got)
	}
}

func TestExecution_CloseMakesLateSettlementsNoOps(t *testing.T) {
	x := runScript(t, "return await hostAdd(1);", "{}", "{}", []string{"hostAdd"})

	pc := x.PollPendingCall()
	if pc == nil {
		t.Fatal("expected a pending call")
	}
	x.Close()
	x.Resolve(pc.CallID, "7")

	if state := x.State(); state != PumpPending {
		t.Fatalf("expected state untouched by late settlement, got %v", state)
	}
}

func TestExecution_ArgsStringifyFailure(t *testing.T) {
	// Circular arguments cannot be serialised; the host still sees the call,
	// with an empty argument list.
	x := runScript(t, "var a = {}; a.self = a; hostLog(a); return 1;", "{}", "{}", []string{"hostLog"})

	pc := x.PollPendingCall()
	if pc == nil {
		t.Fatal("expected a pending call")
	}
	if pc.ArgsJSON != "[]" {
		t.Errorf("expected [] fallback, got %s", pc.ArgsJSON)
	}
}

func TestExecution_ConsoleCapture(t *testing.T) {
	x := runScript(t, "console.log('line one'); console.warn('line two'); return true;", "{}", "{}", nil)

	if state := pumpUntilDone(t, x); state != PumpSettled {
		t.Fatalf("expected settled, got %v (%s)", state, x.Engine().Err())
	}
	logs := x.Logs()
	if len(logs) != 2 || logs[0] != "line one" || logs[1] != "line two" {
		t.Errorf("unexpected console capture: %v", logs)
	}
}

func TestExecution_FailSticks(t *testing.T) {
	x := runScript(t, "return await hostAdd(1);", "{}", "{}", []string{"hostAdd"})

	x.Fail("script execution timed out")
	if state := x.Pump(); state != PumpError {
		t.Fatalf("expected error, got %v", state)
	}
	// A later settlement cannot resurrect the execution.
	if pc := x.PollPendingCall(); pc != nil {
		x.Resolve(pc.CallID, "1")
	}
	if state := x.Pump(); state != PumpError {
		t.Fatalf("expected error to stick, got %v", state)
	}
}

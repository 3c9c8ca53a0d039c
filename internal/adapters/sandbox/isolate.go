package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/metrics"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
)

// toolBinding is the global each compiled tool is assigned to before its
// value is read back and checked.
const toolBinding = "__lighthouse_tool"

const (
	heapMetric       = "/memory/classes/heap/objects:bytes"
	heapSamplePeriod = 10 * time.Millisecond
)

// isolate is one tenant's script environment. goja runtimes are not safe
// for concurrent use, so every touch of vm happens under mu.
type isolate struct {
	key string

	mu            sync.Mutex
	vm            *goja.Runtime
	tools         map[string]goja.Callable
	jsonParse     goja.Callable
	jsonStringify goja.Callable
	lastUsed      time.Time

	// pins counts registry callers holding this isolate; the idle sweeper
	// leaves pinned isolates alone.
	pins atomic.Int32

	timeout     time.Duration
	memoryLimit int64

	// active is shared by every isolate of a registry and counts guarded
	// calls in flight.
	active *atomic.Int64
}

func newIsolate(key string, cfg Config, active *atomic.Int64) (*isolate, error) {
	vm := goja.New()
	vm.SetMaxCallStackSize(cfg.MaxCallStackSize)

	jsonObj := vm.Get("JSON").ToObject(vm)
	parse, ok := goja.AssertFunction(jsonObj.Get("parse"))
	if !ok {
		return nil, errors.New("JSON.parse unavailable")
	}
	stringify, ok := goja.AssertFunction(jsonObj.Get("stringify"))
	if !ok {
		return nil, errors.New("JSON.stringify unavailable")
	}

	return &isolate{
		key:           key,
		vm:            vm,
		tools:         make(map[string]goja.Callable),
		jsonParse:     parse,
		jsonStringify: stringify,
		lastUsed:      time.Now(),
		timeout:       cfg.Timeout,
		memoryLimit:   cfg.MemoryLimit,
		active:        active,
	}, nil
}

// register compiles wrapped source, assigns it to the tool binding and
// stores the callable under name.
func (iso *isolate) register(ctx context.Context, name, wrapped string) error {
	prog, err := goja.Compile(name, toolBinding+" = "+wrapped+"\n;", false)
	if err != nil {
		return &CompileError{Message: err.Error(), WrappedCode: wrapped}
	}

	iso.mu.Lock()
	defer iso.mu.Unlock()
	iso.lastUsed = time.Now()
	defer iso.touch()

	stop := iso.guard(ctx)
	_, err = iso.vm.RunProgram(prog)
	stop()
	if err != nil {
		return iso.classify(name, err)
	}

	value := iso.vm.Get(toolBinding)
	fn, ok := goja.AssertFunction(value)
	if !ok {
		return &NotCallableError{Type: iso.typeOf(value), WrappedCode: wrapped}
	}
	iso.tools[name] = fn
	return nil
}

// invoke runs a registered tool. Input and result cross the boundary as
// JSON text so neither side holds a reference into the other's memory.
func (iso *isolate) invoke(ctx context.Context, name string, input any) (any, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("%w: input is not JSON serializable: %v", ErrInvalidTool, err)
	}

	iso.mu.Lock()
	defer iso.mu.Unlock()
	iso.lastUsed = time.Now()
	defer iso.touch()

	fn, ok := iso.tools[name]
	if !ok {
		return nil, ErrToolNotFound
	}

	stop := iso.guard(ctx)
	defer stop()

	arg, err := iso.jsonParse(goja.Undefined(), iso.vm.ToValue(string(payload)))
	if err != nil {
		return nil, iso.classify(name, err)
	}

	result, err := fn(goja.Undefined(), arg)
	if err != nil {
		return nil, iso.classify(name, err)
	}

	result, err = iso.settle(name, result)
	if err != nil {
		return nil, err
	}
	return iso.export(name, result)
}

// settle unwraps a promise returned by an async tool. Jobs queued by the
// tool have run by the time the call returns, so a pending promise can
// never resolve.
func (iso *isolate) settle(name string, v goja.Value) (goja.Value, error) {
	if v == nil {
		return goja.Undefined(), nil
	}
	p, ok := v.Export().(*goja.Promise)
	if !ok {
		return v, nil
	}
	switch p.State() {
	case goja.PromiseStateFulfilled:
		return p.Result(), nil
	case goja.PromiseStateRejected:
		return nil, &ToolError{Tool: name, Message: iso.message(p.Result())}
	default:
		return nil, &ToolError{Tool: name, Message: "returned promise never settled"}
	}
}

func (iso *isolate) export(name string, v goja.Value) (any, error) {
	if v == nil || goja.IsUndefined(v) {
		return nil, nil
	}
	text, err := iso.jsonStringify(goja.Undefined(), v)
	if err != nil {
		return nil, iso.classify(name, err)
	}
	if goja.IsUndefined(text) {
		// Functions and symbols have no JSON form.
		return nil, nil
	}
	var out any
	if err := json.Unmarshal([]byte(text.String()), &out); err != nil {
		return nil, fmt.Errorf("decode result of %s: %w", name, err)
	}
	return out, nil
}

// touch marks the isolate used. Callers hold mu.
func (iso *isolate) touch() {
	iso.lastUsed = time.Now()
}

// guard interrupts the runtime when the deadline passes, ctx ends, or the
// heap grows past the memory ceiling. The returned stop must be called
// before the runtime is used again; it leaves the runtime clear of any
// pending interrupt.
//
// Heap growth is process wide, so the ceiling is scaled by the number of
// guarded calls in flight: a call is only interrupted for growth it could
// not stay under if every other running call were charged its own ceiling.
func (iso *isolate) guard(ctx context.Context) (stop func()) {
	iso.vm.ClearInterrupt()
	iso.active.Add(1)
	done := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)
		timer := time.NewTimer(iso.timeout)
		defer timer.Stop()
		ticker := time.NewTicker(heapSamplePeriod)
		defer ticker.Stop()
		baseline := heapBytes()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				iso.vm.Interrupt(ctx.Err())
				return
			case <-timer.C:
				iso.vm.Interrupt(ErrTimeout)
				return
			case <-ticker.C:
				if iso.overLimit(heapBytes() - baseline) {
					iso.vm.Interrupt(ErrMemoryLimit)
					return
				}
			}
		}
	}()

	return func() {
		close(done)
		<-exited
		iso.active.Add(-1)
		iso.vm.ClearInterrupt()
	}
}

func (iso *isolate) overLimit(growth int64) bool {
	if iso.memoryLimit <= 0 {
		return false
	}
	return growth > iso.memoryLimit*max(iso.active.Load(), 1)
}

func (iso *isolate) classify(name string, err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cause, ok := interrupted.Value().(error); ok {
			return fmt.Errorf("tool %s: %w", name, cause)
		}
		return fmt.Errorf("tool %s: %w", name, ErrTimeout)
	}

	var exception *goja.Exception
	if errors.As(err, &exception) {
		return &ToolError{Tool: name, Message: iso.message(exception.Value())}
	}

	var overflow *goja.StackOverflowError
	if errors.As(err, &overflow) {
		return &ToolError{Tool: name, Message: "maximum call stack size exceeded"}
	}
	return &ToolError{Tool: name, Message: err.Error()}
}

// message extracts a readable message from a thrown value, preferring the
// message property of Error objects.
func (iso *isolate) message(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return "undefined"
	}
	if obj, ok := v.(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			if name := obj.Get("name"); name != nil && !goja.IsUndefined(name) {
				return name.String() + ": " + msg.String()
			}
			return msg.String()
		}
	}
	return v.String()
}

func (iso *isolate) typeOf(v goja.Value) string {
	switch {
	case v == nil || goja.IsUndefined(v):
		return "undefined"
	case goja.IsNull(v):
		return "object"
	}
	switch v.Export().(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case int64, float64:
		return "number"
	}
	if _, ok := v.(*goja.Object); ok {
		return "object"
	}
	return v.ExportType().String()
}

func (iso *isolate) toolNames() []string {
	iso.mu.Lock()
	defer iso.mu.Unlock()
	names := make([]string, 0, len(iso.tools))
	for name := range iso.tools {
		names = append(names, name)
	}
	return names
}

func heapBytes() int64 {
	sample := []metrics.Sample{{Name: heapMetric}}
	metrics.Read(sample)
	if sample[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return int64(sample[0].Value.Uint64())
}

package spindle

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// TaskId identifies a cached task. Ids are allocated monotonically, never
// reused while the task is cached, and permanently retired once the task is
// garbage-collected.
type TaskId uint32

// TaskKind describes how a task's body is obtained.
type TaskKind uint8

const (
	// KindRoot is an externally spawned task that re-executes on invalidation.
	KindRoot TaskKind = iota
	// KindOnce executes exactly one time and is never invalidated.
	KindOnce
	// KindNative is a cached call of a registered function with resolved arguments.
	KindNative
	// KindResolveNative is a wrapper task that resolves arguments before a native call.
	KindResolveNative
	// KindResolveTrait is a wrapper task that dispatches a trait method on the
	// receiver's concrete value type.
	KindResolveTrait
)

func (k TaskKind) String() string {
	switch k {
	case KindRoot:
		return "root"
	case KindOnce:
		return "once"
	case KindNative:
		return "native"
	case KindResolveNative:
		return "resolve"
	case KindResolveTrait:
		return "resolve trait"
	default:
		return "unknown"
	}
}

type taskState uint8

const (
	// stateDirty: needs execution but is not queued; scheduling happens on activation.
	stateDirty taskState = iota
	// stateScheduled: queued for execution.
	stateScheduled
	// stateExecuting: body currently running.
	stateExecuting
	// stateExecutingScheduled: body running with a coalesced re-run pending.
	stateExecutingScheduled
	stateDone
	stateErrored
)

// TaskBody is the body of a root or once task.
type TaskBody func(*TaskContext) (Reference, error)

type cacheEntry struct {
	cache *Cache[string, TaskId]
	key   string
}

type outputCell struct {
	ref        Reference
	err        error
	assigned   bool
	dependents map[TaskId]struct{}
}

// assignLocked commits a new output and reports whether dependents must be
// notified. Errors always count as changed; so does the first assignment.
func (o *outputCell) assignLocked(ref Reference, err error) (bool, []TaskId) {
	changed := !o.assigned || err != nil || o.err != nil || ref != o.ref
	o.ref, o.err, o.assigned = ref, err, true
	if !changed || len(o.dependents) == 0 {
		return changed, nil
	}
	notify := make([]TaskId, 0, len(o.dependents))
	for id := range o.dependents {
		notify = append(notify, id)
	}
	return changed, notify
}

type slotKey struct {
	vtype *ValueType
	index int
	name  string
}

// Task is one cached computation instance. Everything mutable is guarded by
// mu; the done event re-arms itself, so waiters always re-check state after
// waking.
type Task struct {
	id   TaskId
	kind TaskKind

	fn     *Function
	trait  *Trait
	method string
	args   []Input
	body   TaskBody

	entry *cacheEntry

	mu       sync.Mutex
	state    taskState
	done     *event
	output   outputCell
	slots    []*Slot
	slotKeys map[slotKey]int

	dependencies map[Reference]struct{}
	children     map[TaskId]struct{}

	root          bool
	activeParents int
	removed       bool
	// set while the creating call can still lose the cache race; hidden
	// from snapshots until confirmed.
	speculative bool

	executions    uint32
	totalDuration time.Duration
	lastDuration  time.Duration
	maxDuration   time.Duration
}

func newTask(id TaskId, kind TaskKind, state taskState) *Task {
	return &Task{
		id:           id,
		kind:         kind,
		state:        state,
		done:         newEvent(),
		output:       outputCell{dependents: make(map[TaskId]struct{})},
		slotKeys:     make(map[slotKey]int),
		dependencies: make(map[Reference]struct{}),
		children:     make(map[TaskId]struct{}),
	}
}

func newRootTask(id TaskId, body TaskBody) *Task {
	t := newTask(id, KindRoot, stateScheduled)
	t.body = body
	t.root = true
	return t
}

func newOnceTask(id TaskId, body TaskBody) *Task {
	t := newTask(id, KindOnce, stateScheduled)
	t.body = body
	t.root = true
	return t
}

func newNativeTask(id TaskId, fn *Function, args []Input) *Task {
	t := newTask(id, KindNative, stateDirty)
	t.fn = fn
	t.args = args
	return t
}

func newResolveNativeTask(id TaskId, fn *Function, args []Input) *Task {
	t := newTask(id, KindResolveNative, stateDirty)
	t.fn = fn
	t.args = args
	return t
}

func newResolveTraitTask(id TaskId, tr *Trait, method string, args []Input) *Task {
	t := newTask(id, KindResolveTrait, stateDirty)
	t.trait = tr
	t.method = method
	t.args = args
	return t
}

// Id returns the task's identity.
func (t *Task) Id() TaskId { return t.id }

// Kind returns what kind of computation the task caches.
func (t *Task) Kind() TaskKind { return t.kind }

// IsRoot reports whether the task is externally owned as a GC root.
func (t *Task) IsRoot() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root
}

// Executions returns how many times the task has run.
func (t *Task) Executions() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.executions
}

// Durations returns the total, last and maximum execution durations.
func (t *Task) Durations() (total, last, max time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalDuration, t.lastDuration, t.maxDuration
}

func (t *Task) String() string {
	switch t.kind {
	case KindNative:
		return t.fn.name
	case KindResolveNative:
		return "resolve " + t.fn.name
	case KindResolveTrait:
		return fmt.Sprintf("resolve trait %s::%s", t.trait.name, t.method)
	default:
		return t.kind.String()
	}
}

func (t *Task) isActiveLocked() bool {
	return t.root || t.activeParents > 0
}

// run executes the task's body according to its kind.
func (t *Task) run(ctx *TaskContext) (Reference, error) {
	switch t.kind {
	case KindRoot, KindOnce:
		return t.body(ctx)
	case KindNative:
		return t.fn.body(ctx, t.args)
	case KindResolveNative:
		resolved, err := ctx.resolveInputs(t.args)
		if err != nil {
			return Reference{}, err
		}
		return ctx.NativeCall(t.fn, resolved...)
	case KindResolveTrait:
		resolved, err := ctx.resolveInputs(t.args)
		if err != nil {
			return Reference{}, err
		}
		vt, err := ctx.inputValueType(resolved[0])
		if err != nil {
			return Reference{}, err
		}
		impl, ok := vt.traitMethod(t.trait, t.method)
		if !ok {
			return Reference{}, fmt.Errorf("no implementation of %s::%s for value type %s", t.trait.name, t.method, vt.name)
		}
		return ctx.NativeCall(impl, resolved...)
	default:
		return Reference{}, fmt.Errorf("unknown task kind %d", t.kind)
	}
}

// executionStarted moves the task into Executing. Returns false when the
// queued request was already satisfied (coalesced or completed).
func (t *Task) executionStarted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case stateScheduled, stateDirty:
		t.state = stateExecuting
		return true
	default:
		return false
	}
}

// executionResult stores the body's result as the task's output and enqueues
// output dependents for notification when the output changed.
func (t *Task) executionResult(ctx *TaskContext, ref Reference, err error) {
	if err != nil {
		var te *TaskError
		if !errors.As(err, &te) {
			err = &TaskError{Task: t.id, Kind: t.kind, Cause: err}
		}
	}
	t.mu.Lock()
	changed, notify := t.output.assignLocked(ref, err)
	t.mu.Unlock()
	if changed {
		ctx.scheduleNotify(notify)
	}
}

// executionCompleted commits the edges this execution touched (fully
// replacing the previous sets), updates counters, leaves the Executing state
// and wakes output waiters. A coalesced re-run request turns straight into a
// new scheduling.
func (t *Task) executionCompleted(m *Manager, ctx *TaskContext, failed bool, dur time.Duration) {
	t.mu.Lock()
	t.executions++
	t.totalDuration += dur
	t.lastDuration = dur
	if dur > t.maxDuration {
		t.maxDuration = dur
	}

	oldDeps := t.dependencies
	t.dependencies = ctx.depSet

	var removedChildren []TaskId
	for id := range t.children {
		if _, ok := ctx.childSet[id]; !ok {
			removedChildren = append(removedChildren, id)
		}
	}
	t.children = ctx.childSet

	rerun := false
	if t.state == stateExecutingScheduled && t.kind != KindOnce {
		t.state = stateScheduled
		rerun = true
	} else if failed {
		t.state = stateErrored
	} else {
		t.state = stateDone
	}
	t.mu.Unlock()
	t.done.notifyAll()

	for dep := range oldDeps {
		if _, ok := ctx.depSet[dep]; ok {
			continue
		}
		m.removeDependent(dep, t.id)
	}
	if len(removedChildren) > 0 {
		m.scheduleRemoveTasks(removedChildren)
	}
	if rerun {
		m.schedule(t.id)
	}
}

// makeDirty requests a re-execution. Requests against an Executing task
// coalesce into a single pending re-run; Once tasks and removed tasks are
// never re-executed. Inactive tasks park in Dirty until activated.
func (t *Task) makeDirty(m *Manager) {
	t.mu.Lock()
	if t.kind == KindOnce || t.removed {
		t.mu.Unlock()
		return
	}
	switch t.state {
	case stateExecuting:
		t.state = stateExecutingScheduled
		t.mu.Unlock()
	case stateDone, stateErrored:
		if t.isActiveLocked() {
			t.state = stateScheduled
			t.mu.Unlock()
			m.schedule(t.id)
		} else {
			t.state = stateDirty
			t.mu.Unlock()
		}
	default:
		t.mu.Unlock()
	}
}

// waitOutput blocks until the task reaches Done or Errored, then returns the
// current output reference or re-raises the stored execution error. When the
// waiting context tracks dependencies, the read is recorded as an output
// dependency edge.
func (t *Task) waitOutput(ctx *TaskContext) (Reference, error) {
	for {
		t.mu.Lock()
		switch t.state {
		case stateDone, stateErrored:
			if ctx.tracking {
				t.output.dependents[ctx.task.id] = struct{}{}
			}
			ref, err := t.output.ref, t.output.err
			t.mu.Unlock()
			if ctx.tracking {
				ctx.addDependency(outputRef(t.id))
			}
			if err != nil {
				return Reference{}, err
			}
			return ref, nil
		default:
			if t.id == ctx.task.id {
				t.mu.Unlock()
				return Reference{}, fmt.Errorf("task %d resolving its own output", t.id)
			}
			ch := t.done.listen()
			t.mu.Unlock()
			select {
			case <-ctx.Done():
				return Reference{}, ctx.Err()
			case <-ch:
			}
		}
	}
}

// findOrCreateSlot locates the slot for the logical write point identified
// by key, creating it on first reach. Caller holds t.mu.
func (t *Task) findOrCreateSlotLocked(key slotKey) (*Slot, int) {
	if idx, ok := t.slotKeys[key]; ok {
		return t.slots[idx], idx
	}
	idx := len(t.slots)
	s := newSlot()
	t.slots = append(t.slots, s)
	t.slotKeys[key] = idx
	return s, idx
}

// Invalidator lets an external event source request re-execution of the task
// that handed it out. Safe to call at any time, from any goroutine; calls
// after the task has been garbage-collected are no-ops, as are calls against
// Once tasks.
type Invalidator struct {
	m    *Manager
	task TaskId
}

// Invalidate schedules the bound task for re-execution.
func (i Invalidator) Invalidate() {
	if i.m == nil {
		return
	}
	if t, ok := i.m.tasks.Load(i.task); ok {
		t.makeDirty(i.m)
	}
}

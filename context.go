package spindle

import (
	"context"
	"fmt"
	"time"
)

type taskContextKey struct{}

// TaskContext is the execution-scoped context passed to every task body. It
// carries the manager and the currently executing task, records the
// dependency and child edges the execution touches, and implements
// context.Context so blocking operations stay cancellation-aware.
//
// A TaskContext belongs to a single execution and must not be shared across
// goroutines.
type TaskContext struct {
	m    *Manager
	task *Task
	ctx  context.Context

	// false for Once tasks: their reads never register dependency edges.
	tracking bool

	depSet     map[Reference]struct{}
	childSet   map[TaskId]struct{}
	typeCounts map[*ValueType]int

	toNotify  []TaskId
	notifySet map[TaskId]struct{}
}

func newTaskContext(m *Manager, t *Task) *TaskContext {
	c := &TaskContext{
		m:          m,
		task:       t,
		tracking:   t.kind != KindOnce,
		depSet:     make(map[Reference]struct{}),
		childSet:   make(map[TaskId]struct{}),
		typeCounts: make(map[*ValueType]int),
		notifySet:  make(map[TaskId]struct{}),
	}
	c.ctx = context.WithValue(m.baseCtx, taskContextKey{}, c)
	return c
}

// FromContext recovers the TaskContext carried by a stdlib context, for call
// sites that only hold a context.Context.
func FromContext(ctx context.Context) (*TaskContext, bool) {
	c, ok := ctx.Value(taskContextKey{}).(*TaskContext)
	return c, ok
}

// Deadline implements context.Context.
func (c *TaskContext) Deadline() (time.Time, bool) { return c.ctx.Deadline() }

// Done implements context.Context.
func (c *TaskContext) Done() <-chan struct{} { return c.ctx.Done() }

// Err implements context.Context.
func (c *TaskContext) Err() error { return c.ctx.Err() }

// Value implements context.Context.
func (c *TaskContext) Value(key any) any { return c.ctx.Value(key) }

// Manager returns the engine instance the task is running under.
func (c *TaskContext) Manager() *Manager { return c.m }

// TaskId returns the identity of the currently executing task.
func (c *TaskContext) TaskId() TaskId { return c.task.id }

// Invalidator returns a capability that lets an external event source
// request re-execution of the current task later.
func (c *TaskContext) Invalidator() Invalidator {
	return Invalidator{m: c.m, task: c.task.id}
}

func (c *TaskContext) addDependency(ref Reference) {
	c.depSet[ref] = struct{}{}
}

// scheduleNotify enqueues tasks whose dependencies changed. Notification is
// deferred and deduplicated; it flushes when the execution finishes or
// before the execution blocks on a read.
func (c *TaskContext) scheduleNotify(ids []TaskId) {
	for _, id := range ids {
		if _, ok := c.notifySet[id]; ok {
			continue
		}
		c.notifySet[id] = struct{}{}
		c.toNotify = append(c.toNotify, id)
	}
}

// flushNotify eagerly delivers all pending change notifications.
func (c *TaskContext) flushNotify() {
	if len(c.toNotify) == 0 {
		return
	}
	pending := c.toNotify
	c.toNotify = nil
	for _, id := range pending {
		delete(c.notifySet, id)
		if t, ok := c.m.tasks.Load(id); ok {
			t.makeDirty(c.m)
		}
	}
}

// connectChild attaches the calling task as a parent of child, keeping the
// active-parent count accurate for new edges.
func (c *TaskContext) connectChild(child TaskId) {
	if _, ok := c.childSet[child]; ok {
		return
	}
	c.childSet[child] = struct{}{}

	c.task.mu.Lock()
	_, existing := c.task.children[child]
	active := c.task.isActiveLocked()
	c.task.mu.Unlock()

	if !existing && active {
		c.m.incrementActiveParents(child)
	}
}

// NativeCall calls a registered function with fully resolved arguments,
// returning a reference to the cached task's output. Exactly one task exists
// per (function, arguments) key.
func (c *TaskContext) NativeCall(fn *Function, args ...Input) (Reference, error) {
	if err := validateCall(fn, args, true); err != nil {
		return Reference{}, err
	}
	key := "n:" + fn.name + ";" + argumentsKey(args)
	return c.m.cachedCall(c, c.m.nativeCache, key, func(id TaskId) *Task {
		return newNativeTask(id, fn, args)
	}), nil
}

// DynamicCall calls a registered function; arguments that still point at
// other tasks' outputs are resolved by a cached wrapper task so that
// identical unresolved call sites never re-resolve.
func (c *TaskContext) DynamicCall(fn *Function, args ...Input) (Reference, error) {
	if allResolved(args) {
		return c.NativeCall(fn, args...)
	}
	if err := validateCall(fn, args, false); err != nil {
		return Reference{}, err
	}
	key := "r:" + fn.name + ";" + argumentsKey(args)
	return c.m.cachedCall(c, c.m.resolveCache, key, func(id TaskId) *Task {
		return newResolveNativeTask(id, fn, args)
	}), nil
}

// TraitCall dispatches a trait method on the concrete value type of the
// receiver (the first argument), through a cached wrapper task.
func (c *TaskContext) TraitCall(tr *Trait, method string, args ...Input) (Reference, error) {
	if len(args) == 0 {
		return Reference{}, &CallError{Function: tr.name + "::" + method, Reason: "missing receiver argument"}
	}
	key := "t:" + tr.name + "::" + method + ";" + argumentsKey(args)
	return c.m.cachedCall(c, c.m.traitCache, key, func(id TaskId) *Task {
		return newResolveTraitTask(id, tr, method, args)
	}), nil
}

func validateCall(fn *Function, args []Input, requireResolved bool) error {
	if len(args) != fn.argCount {
		return &CallError{
			Function: fn.name,
			Reason:   fmt.Sprintf("expected %d arguments, got %d", fn.argCount, len(args)),
		}
	}
	if requireResolved && !allResolved(args) {
		return &CallError{Function: fn.name, Reason: "arguments must be resolved"}
	}
	return nil
}

// SlotOption selects the logical write point of a slot write.
type SlotOption func(*slotKey)

// WithSlotKey matches the slot by an explicit key instead of call order.
func WithSlotKey(name string) SlotOption {
	return func(k *slotKey) {
		k.name = name
		k.index = -1
	}
}

func (c *TaskContext) slotKeyFor(vt *ValueType, opts []SlotOption) slotKey {
	key := slotKey{vtype: vt}
	for _, opt := range opts {
		opt(&key)
	}
	if key.name == "" {
		key.index = c.typeCounts[vt]
		c.typeCounts[vt]++
	}
	return key
}

func (c *TaskContext) write(vt *ValueType, opts []SlotOption, assign func(*Slot) []TaskId) Reference {
	key := c.slotKeyFor(vt, opts)
	c.task.mu.Lock()
	slot, idx := c.task.findOrCreateSlotLocked(key)
	notify := assign(slot)
	c.task.mu.Unlock()
	c.scheduleNotify(notify)
	return directRef(c.task.id, idx)
}

// Write stores v into the current task's slot for this write point,
// unconditionally overwriting and always notifying dependents.
func (c *TaskContext) Write(vt *ValueType, v any, opts ...SlotOption) Reference {
	return c.write(vt, opts, func(s *Slot) []TaskId {
		return s.assign(vt, v)
	})
}

// WriteCompare stores v only when it differs from the slot's current value
// under the value type's registered equality. Unchanged values notify
// nobody, which is what keeps re-executions from cascading downstream.
func (c *TaskContext) WriteCompare(vt *ValueType, v any, opts ...SlotOption) Reference {
	return c.write(vt, opts, func(s *Slot) []TaskId {
		return s.compareAssign(vt, v)
	})
}

// WriteConditional stores v unless the caller-supplied predicate reports the
// slot's old value as equivalent.
func (c *TaskContext) WriteConditional(vt *ValueType, v any, unchanged func(old any) bool, opts ...SlotOption) Reference {
	return c.write(vt, opts, func(s *Slot) []TaskId {
		return s.conditionalAssign(vt, v, unchanged)
	})
}

// Resolve follows output references until it reaches a slot. Each hop waits
// for the target task to finish and reads its current output; upstream
// execution errors propagate through the chain.
func (c *TaskContext) Resolve(ref Reference) (Reference, error) {
	for ref.kind == refOutput {
		t, ok := c.m.tasks.Load(ref.task)
		if !ok {
			return Reference{}, fmt.Errorf("resolving %s: %w", ref, ErrTaskGone)
		}
		c.flushNotify()
		next, err := t.waitOutput(c)
		if err != nil {
			return Reference{}, err
		}
		ref = next
	}
	if ref.kind == refInvalid {
		return Reference{}, ErrInvalidReference
	}
	return ref, nil
}

// Read resolves ref and returns the value behind it, registering a
// dependency edge from the current task to the resolved slot.
func (c *TaskContext) Read(ref Reference) (any, error) {
	r, err := c.Resolve(ref)
	if err != nil {
		return nil, err
	}
	t, ok := c.m.tasks.Load(r.task)
	if !ok {
		return nil, fmt.Errorf("reading %s: %w", r, ErrTaskGone)
	}
	t.mu.Lock()
	if r.slot < 0 || r.slot >= len(t.slots) {
		t.mu.Unlock()
		return nil, fmt.Errorf("reading %s: slot out of range", r)
	}
	v, err := t.slots[r.slot].read(c.task.id, c.tracking)
	t.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", r, err)
	}
	if c.tracking {
		c.addDependency(r)
	}
	return v, nil
}

// ReadInput returns the value behind a call argument: concrete values are
// returned as-is, references are resolved and read.
func (c *TaskContext) ReadInput(in Input) (any, error) {
	if v, ok := in.Value(); ok {
		return v, nil
	}
	ref, _ := in.Reference()
	return c.Read(ref)
}

// ReadAs resolves and reads ref, asserting the value's Go type.
func ReadAs[T any](c *TaskContext, ref Reference) (T, error) {
	v, err := c.Read(ref)
	if err != nil {
		var zero T
		return zero, err
	}
	return SafeTypeAssertion[T](v)
}

// resolveInputs resolves every argument to a concrete value or slot
// reference. Used by wrapper tasks.
func (c *TaskContext) resolveInputs(args []Input) ([]Input, error) {
	resolved := make([]Input, len(args))
	for i, in := range args {
		if in.IsResolved() {
			resolved[i] = in
			continue
		}
		ref, _ := in.Reference()
		direct, err := c.Resolve(ref)
		if err != nil {
			return nil, err
		}
		resolved[i] = ReferenceInput(direct)
	}
	return resolved, nil
}

// inputValueType returns the concrete value type behind a resolved argument,
// used for trait dispatch on the receiver.
func (c *TaskContext) inputValueType(in Input) (*ValueType, error) {
	if vt, ok := in.ValueType(); ok {
		return vt, nil
	}
	ref, _ := in.Reference()
	r, err := c.Resolve(ref)
	if err != nil {
		return nil, err
	}
	t, ok := c.m.tasks.Load(r.task)
	if !ok {
		return nil, fmt.Errorf("dispatching on %s: %w", r, ErrTaskGone)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if r.slot < 0 || r.slot >= len(t.slots) || t.slots[r.slot].empty() {
		return nil, fmt.Errorf("dispatching on %s: %w", r, ErrEmptySlot)
	}
	return t.slots[r.slot].content.vtype, nil
}

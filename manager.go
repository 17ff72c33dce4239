package spindle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// onceValueType carries the result of RunOnce bodies through a slot.
var onceValueType = RegisterValueType("spindle.Once")

// Manager is the engine root: it owns the task table and the three call
// caches, allocates task identities, drives scheduling and batched
// invalidation notification, and signals global completion.
type Manager struct {
	baseCtx context.Context

	nextTaskId atomic.Uint32
	tasks      *Cache[TaskId, *Task]

	nativeCache  *Cache[string, TaskId]
	resolveCache *Cache[string, TaskId]
	traitCache   *Cache[string, TaskId]

	inFlight  atomic.Int32
	scheduled atomic.Uint32

	batchMu    sync.Mutex
	batchStart time.Time

	lastMu      sync.Mutex
	lastElapsed time.Duration
	lastCount   int

	quiesce *event

	extMu      sync.RWMutex
	extensions []Extension

	trace *Trace
}

// Option configures a Manager.
type Option func(*Manager)

// WithBaseContext sets the context all task executions derive from.
func WithBaseContext(ctx context.Context) Option {
	return func(m *Manager) {
		m.baseCtx = ctx
	}
}

// WithExtension registers an extension on the manager.
func WithExtension(ext Extension) Option {
	return func(m *Manager) {
		if err := m.UseExtension(ext); err != nil {
			panic(err)
		}
	}
}

// WithTraceLimit bounds how many completed executions the diagnostics trace
// retains.
func WithTraceLimit(n int) Option {
	return func(m *Manager) {
		m.trace = newTrace(n)
	}
}

// New creates a manager with optional configuration.
func New(opts ...Option) *Manager {
	m := &Manager{
		baseCtx:      context.Background(),
		tasks:        NewCache[TaskId, *Task](),
		nativeCache:  NewCache[string, TaskId](),
		resolveCache: NewCache[string, TaskId](),
		traitCache:   NewCache[string, TaskId](),
		quiesce:      newEvent(),
		trace:        newTrace(defaultTraceLimit),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// UseExtension registers an extension on the manager.
func (m *Manager) UseExtension(ext Extension) error {
	m.extMu.Lock()
	m.extensions = append(m.extensions, ext)
	sort.Slice(m.extensions, func(i, j int) bool {
		return m.extensions[i].Order() < m.extensions[j].Order()
	})
	m.extMu.Unlock()

	return ext.Init(m)
}

func (m *Manager) extensionList() []Extension {
	m.extMu.RLock()
	defer m.extMu.RUnlock()
	exts := make([]Extension, len(m.extensions))
	copy(exts, m.extensions)
	return exts
}

// Dispose shuts down the manager's extensions.
func (m *Manager) Dispose() error {
	for _, ext := range m.extensionList() {
		if err := ext.Dispose(m); err != nil {
			return fmt.Errorf("disposing extension %s: %w", ext.Name(), err)
		}
	}
	return nil
}

// Trace returns the bounded history of completed executions.
func (m *Manager) Trace() *Trace { return m.trace }

// SpawnRootTask creates and schedules a task that re-executes whenever its
// dependencies change. The caller owns the returned id as a GC root until it
// calls ReleaseRootTask.
func (m *Manager) SpawnRootTask(body TaskBody) TaskId {
	id := TaskId(m.nextTaskId.Add(1))
	m.tasks.Store(id, newRootTask(id, body))
	m.schedule(id)
	return id
}

// SpawnOnceTask creates and schedules a task that executes exactly one time
// and is never invalidated, regardless of what it reads.
func (m *Manager) SpawnOnceTask(body TaskBody) TaskId {
	id := TaskId(m.nextTaskId.Add(1))
	m.tasks.Store(id, newOnceTask(id, body))
	m.schedule(id)
	return id
}

// ReleaseRootTask drops the external GC root from a task spawned with
// SpawnRootTask or SpawnOnceTask, allowing its subgraph to be reclaimed.
// The root flag drops inside the gated background job: clearing it while
// the task is still executing would leave children it connects to parked
// Dirty, never scheduled, and the execution blocked on them forever.
func (m *Manager) ReleaseRootTask(id TaskId) {
	t, ok := m.tasks.Load(id)
	if !ok {
		return
	}
	m.scheduleBackgroundJob(func() {
		t.mu.Lock()
		t.root = false
		t.mu.Unlock()
		m.collect([]gcOp{{id: id}})
	})
}

// RunOnce executes body as a once task, blocks until its output resolves and
// returns the produced value, surfacing any execution error.
func RunOnce[T any](ctx context.Context, m *Manager, body func(*TaskContext) (T, error)) (T, error) {
	id := m.SpawnOnceTask(func(tc *TaskContext) (Reference, error) {
		v, err := body(tc)
		if err != nil {
			return Reference{}, err
		}
		return tc.Write(onceValueType, v), nil
	})
	defer m.ReleaseRootTask(id)

	v, err := m.ReadOutput(ctx, id)
	if err != nil {
		var zero T
		return zero, err
	}
	return SafeTypeAssertion[T](v)
}

// ReadOutput waits for the task's output to settle and returns the value
// behind it, without registering any dependency. Intended for external
// drivers and diagnostics; tasks should read through their TaskContext.
func (m *Manager) ReadOutput(ctx context.Context, id TaskId) (any, error) {
	ref := outputRef(id)
	for ref.kind == refOutput {
		t, ok := m.tasks.Load(ref.task)
		if !ok {
			return nil, fmt.Errorf("resolving %s: %w", ref, ErrTaskGone)
		}
		next, err := m.waitOutputUntracked(ctx, t)
		if err != nil {
			return nil, err
		}
		ref = next
	}
	t, ok := m.tasks.Load(ref.task)
	if !ok {
		return nil, fmt.Errorf("reading %s: %w", ref, ErrTaskGone)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if ref.slot < 0 || ref.slot >= len(t.slots) {
		return nil, fmt.Errorf("reading %s: slot out of range", ref)
	}
	return t.slots[ref.slot].read(0, false)
}

func (m *Manager) waitOutputUntracked(ctx context.Context, t *Task) (Reference, error) {
	for {
		t.mu.Lock()
		switch t.state {
		case stateDone, stateErrored:
			ref, err := t.output.ref, t.output.err
			t.mu.Unlock()
			if err != nil {
				return Reference{}, err
			}
			return ref, nil
		default:
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

// WaitDone blocks until the in-flight execution counter returns to zero and
// reports the elapsed time and number of executions of the batch that just
// settled. If nothing is in flight it returns immediately with the stats of
// the last settled batch.
func (m *Manager) WaitDone(ctx context.Context) (time.Duration, int, error) {
	ch := m.quiesce.listen()
	if m.inFlight.Load() > 0 {
		select {
		case <-ctx.Done():
			return 0, 0, ctx.Err()
		case <-ch:
		}
	}
	m.lastMu.Lock()
	defer m.lastMu.Unlock()
	return m.lastElapsed, m.lastCount, nil
}

// CachedTasks iterates a snapshot of all cached tasks, for diagnostics.
// Tasks that may still lose their creation race are not reported.
func (m *Manager) CachedTasks(fn func(*Task) bool) {
	m.tasks.Range(func(_ TaskId, t *Task) bool {
		t.mu.Lock()
		pending := t.speculative
		t.mu.Unlock()
		if pending {
			return true
		}
		return fn(t)
	})
}

// schedule queues the task for asynchronous execution, tracking the global
// in-flight counter that backs quiescence detection.
func (m *Manager) schedule(id TaskId) {
	if m.inFlight.Add(1) == 1 {
		m.batchMu.Lock()
		m.batchStart = time.Now()
		m.batchMu.Unlock()
	}
	m.scheduled.Add(1)
	go m.runTask(id)
}

func (m *Manager) runTask(id TaskId) {
	defer m.executionFinished()

	t, ok := m.tasks.Load(id)
	if !ok {
		return
	}
	if !t.executionStarted() {
		return
	}

	ctx := newTaskContext(m, t)
	exts := m.extensionList()

	next := func() (Reference, error) {
		return t.run(ctx)
	}
	for i := len(exts) - 1; i >= 0; i-- {
		ext := exts[i]
		currentNext := next
		next = func() (Reference, error) {
			return ext.WrapExecution(currentNext, t, m)
		}
	}

	start := time.Now()
	ref, err := next()
	dur := time.Since(start)

	if err != nil {
		for _, ext := range exts {
			ext.OnTaskError(t, err, m)
		}
	}

	t.executionResult(ctx, ref, err)
	ctx.flushNotify()
	t.executionCompleted(m, ctx, err != nil, dur)
	m.trace.record(t, dur, err)
}

func (m *Manager) executionFinished() {
	if m.inFlight.Add(-1) != 0 {
		return
	}
	total := int(m.scheduled.Swap(0))
	m.batchMu.Lock()
	elapsed := time.Since(m.batchStart)
	m.batchMu.Unlock()
	m.lastMu.Lock()
	m.lastElapsed, m.lastCount = elapsed, total
	m.lastMu.Unlock()
	m.quiesce.notifyAll()
	for _, ext := range m.extensionList() {
		ext.OnQuiesce(m, elapsed, total)
	}
}

// cachedCall implements the insert-if-absent discipline shared by the three
// call caches: exactly one task survives per key, the losing concurrent
// creator is discarded and its id never observed.
func (m *Manager) cachedCall(c *TaskContext, cache *Cache[string, TaskId], key string, create func(TaskId) *Task) Reference {
	if id, ok := cache.Load(key); ok {
		c.connectChild(id)
		return outputRef(id)
	}

	id := TaskId(m.nextTaskId.Add(1))
	t := create(id)
	t.entry = &cacheEntry{cache: cache, key: key}
	t.speculative = true
	m.tasks.Store(id, t)

	winner, raced := cache.LoadOrStore(key, id)
	if raced {
		m.tasks.Delete(id)
		id = winner
	} else {
		t.mu.Lock()
		t.speculative = false
		t.mu.Unlock()
	}
	c.connectChild(id)
	return outputRef(id)
}

// removeDependent drops reader from the dependent set behind ref. The target
// may already be garbage-collected.
func (m *Manager) removeDependent(ref Reference, reader TaskId) {
	t, ok := m.tasks.Load(ref.task)
	if !ok {
		return
	}
	t.mu.Lock()
	switch ref.kind {
	case refOutput:
		delete(t.output.dependents, reader)
	case refDirect:
		if ref.slot >= 0 && ref.slot < len(t.slots) {
			t.slots[ref.slot].removeDependent(reader)
		}
	}
	t.mu.Unlock()
}

// incrementActiveParents adds one active parent to the task, cascading the
// activation to its children and scheduling any task that was parked Dirty.
func (m *Manager) incrementActiveParents(id TaskId) {
	stack := []TaskId{id}
	var toSchedule []TaskId
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		t, ok := m.tasks.Load(id)
		if !ok {
			continue
		}
		t.mu.Lock()
		wasActive := t.isActiveLocked()
		t.activeParents++
		if !wasActive {
			if t.state == stateDirty {
				t.state = stateScheduled
				toSchedule = append(toSchedule, id)
			}
			for child := range t.children {
				stack = append(stack, child)
			}
		}
		t.mu.Unlock()
	}
	for _, id := range toSchedule {
		m.schedule(id)
	}
}

type gcOp struct {
	id        TaskId
	decrement bool
}

// scheduleRemoveTasks queues a background job that decreases each task's
// active-parent count by one and evicts whatever subgraph thereby becomes
// unreachable.
func (m *Manager) scheduleRemoveTasks(ids []TaskId) {
	ops := make([]gcOp, len(ids))
	for i, id := range ids {
		ops[i] = gcOp{id: id, decrement: true}
	}
	m.scheduleBackgroundJob(func() {
		m.collect(ops)
	})
}

// collect walks the liveness cascade: a task that ends up with no active
// parents and no root is removed from the task table and its call cache,
// unregistered from every dependency target, and each of its children loses
// one active parent in turn.
func (m *Manager) collect(ops []gcOp) {
	for len(ops) > 0 {
		op := ops[len(ops)-1]
		ops = ops[:len(ops)-1]

		t, ok := m.tasks.Load(op.id)
		if !ok {
			continue
		}
		t.mu.Lock()
		if op.decrement && t.activeParents > 0 {
			t.activeParents--
		}
		if t.removed || t.isActiveLocked() {
			t.mu.Unlock()
			continue
		}
		t.removed = true
		children := make([]TaskId, 0, len(t.children))
		for child := range t.children {
			children = append(children, child)
		}
		deps := make([]Reference, 0, len(t.dependencies))
		for dep := range t.dependencies {
			deps = append(deps, dep)
		}
		entry := t.entry
		t.mu.Unlock()

		m.tasks.Delete(op.id)
		if entry != nil {
			if cur, ok := entry.cache.Load(entry.key); ok && cur == op.id {
				entry.cache.Delete(entry.key)
			}
		}
		for _, dep := range deps {
			m.removeDependent(dep, op.id)
		}
		for _, child := range children {
			ops = append(ops, gcOp{id: child, decrement: true})
		}
	}
}

// scheduleBackgroundJob runs job once no task is in flight, so background
// maintenance never races live executions.
func (m *Manager) scheduleBackgroundJob(job func()) {
	go func() {
		for m.inFlight.Load() != 0 {
			ch := m.quiesce.listen()
			if m.inFlight.Load() == 0 {
				break
			}
			<-ch
		}
		job()
	}()
}

// Package spindle provides an incremental, memoized task-execution engine.
//
// # Overview
//
// Spindle organizes computation around three core concepts:
//
//  1. Functions: registered, memoizable units of computation
//  2. Tasks: cached instances of a call, keyed by (function, arguments)
//  3. References: resolvable handles to the values tasks produce
//
// Given a pure computation expressed as a graph of function calls, the
// engine caches results, tracks which cached values each execution read,
// and re-executes only the minimal set of tasks affected when an
// underlying input changes.
//
// # Registration
//
// Value types, functions and traits are registered once at process start,
// before any task runs:
//
//	intType := spindle.RegisterValueType("demo.Int",
//	    spindle.WithCompareOf[int](),
//	)
//
//	double := spindle.RegisterFunction("demo.double", 1,
//	    func(ctx *spindle.TaskContext, args []spindle.Input) (spindle.Reference, error) {
//	        v, err := ctx.ReadInput(args[0])
//	        if err != nil {
//	            return spindle.Reference{}, err
//	        }
//	        return ctx.WriteCompare(intType, v.(int)*2), nil
//	    },
//	)
//
// # Running
//
// A manager owns the task table and the call caches. Computation enters the
// engine through root tasks:
//
//	m := spindle.New()
//
//	id := m.SpawnRootTask(func(ctx *spindle.TaskContext) (spindle.Reference, error) {
//	    return ctx.DynamicCall(double, spindle.ValueInput(intType, 3))
//	})
//
//	elapsed, count, err := m.WaitDone(context.Background())
//
// Or, for one-shot use, through RunOnce, which blocks until the value is
// produced:
//
//	v, err := spindle.RunOnce(ctx, m, func(tc *spindle.TaskContext) (int, error) {
//	    ref, err := tc.DynamicCall(double, spindle.ValueInput(intType, 3))
//	    if err != nil {
//	        return 0, err
//	    }
//	    return spindle.ReadAs[int](tc, ref)
//	})
//
// # Slots and compare-on-write
//
// A task stores its results in slots, matched across re-executions by
// (value type, call order) or by an explicit key. WriteCompare only
// propagates invalidation when the new value actually differs from the
// old one, which is what turns "this function ran again" into "but
// nothing downstream needs to re-run":
//
//	ref := ctx.WriteCompare(intType, computed)
//	keyed := ctx.WriteCompare(intType, other, spindle.WithSlotKey("total"))
//
// # Invalidation
//
// A running task can hand out an Invalidator to an external event source
// (e.g. a file watcher); firing it re-schedules the task:
//
//	inv := ctx.Invalidator()
//	watcher.OnChange(func() { inv.Invalidate() })
//
// Once tasks (SpawnOnceTask, RunOnce) execute exactly one time and are
// never invalidated, regardless of what they read.
//
// # Garbage collection
//
// Tasks are liveness-counted: a task stays cached while it is reachable
// from a root task or from the caller that spawned it. Releasing the last
// root eventually evicts the whole unreachable subgraph:
//
//	m.ReleaseRootTask(id)
//
// # Diagnostics
//
// Stats aggregates execution counters per task bucket and arranges them
// into a displayable tree; the manager additionally keeps a bounded trace
// of recent executions:
//
//	stats := spindle.NewStats()
//	stats.AddAll(m)
//	stats.MergeResolve()
//	tree := stats.Treeify()
//
// # Thread safety
//
// Managers, references and invalidators can be used from multiple
// goroutines. A TaskContext belongs to a single execution and must not be
// shared across goroutines; spawn sibling tasks instead of sharing one
// context.
package spindle

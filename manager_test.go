package spindle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

var (
	testIntType    = RegisterValueType("test.Int", WithCompareOf[int]())
	testStringType = RegisterValueType("test.String", WithCompareOf[string]())
)

var doubleRuns atomic.Int32

var doubleFn = RegisterFunction("test.double", 1, func(ctx *TaskContext, args []Input) (Reference, error) {
	doubleRuns.Add(1)
	v, err := ctx.ReadInput(args[0])
	if err != nil {
		return Reference{}, err
	}
	return ctx.WriteCompare(testIntType, v.(int)*2), nil
})

func TestRunOnce(t *testing.T) {
	m := New()
	defer m.Dispose()

	v, err := RunOnce(context.Background(), m, func(ctx *TaskContext) (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if v != 42 {
		t.Errorf("expected 42, got %d", v)
	}
}

func TestRunOnceError(t *testing.T) {
	m := New()
	defer m.Dispose()

	boom := errors.New("boom")
	_, err := RunOnce(context.Background(), m, func(ctx *TaskContext) (int, error) {
		return 0, boom
	})
	if err == nil {
		t.Fatal("expected error")
	}
	var te *TaskError
	if !errors.As(err, &te) {
		t.Fatalf("expected TaskError, got %T", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("expected cause to unwrap to boom, got %v", err)
	}
	if te.Kind != KindOnce {
		t.Errorf("expected once kind, got %v", te.Kind)
	}
}

func TestCachedCallRunsOnce(t *testing.T) {
	m := New()
	defer m.Dispose()

	doubleRuns.Store(0)

	const callers = 16
	var wg sync.WaitGroup
	results := make([]int, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = RunOnce(context.Background(), m, func(ctx *TaskContext) (int, error) {
				ref, err := ctx.NativeCall(doubleFn, ValueInput(testIntType, 3))
				if err != nil {
					return 0, err
				}
				return ReadAs[int](ctx, ref)
			})
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: expected no error, got %v", i, errs[i])
		}
		if results[i] != 6 {
			t.Errorf("caller %d: expected 6, got %d", i, results[i])
		}
	}
	if runs := doubleRuns.Load(); runs != 1 {
		t.Errorf("expected exactly 1 execution, got %d", runs)
	}
}

func TestCachedCallSameReference(t *testing.T) {
	m := New()
	defer m.Dispose()

	_, err := RunOnce(context.Background(), m, func(ctx *TaskContext) (int, error) {
		ref1, err := ctx.NativeCall(doubleFn, ValueInput(testIntType, 21))
		if err != nil {
			return 0, err
		}
		ref2, err := ctx.NativeCall(doubleFn, ValueInput(testIntType, 21))
		if err != nil {
			return 0, err
		}
		if ref1 != ref2 {
			t.Errorf("expected identical references, got %s and %s", ref1, ref2)
		}
		ref3, err := ctx.NativeCall(doubleFn, ValueInput(testIntType, 22))
		if err != nil {
			return 0, err
		}
		if ref1 == ref3 {
			t.Error("expected different arguments to produce a different task")
		}
		return 0, nil
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestCallArityError(t *testing.T) {
	m := New()
	defer m.Dispose()

	_, err := RunOnce(context.Background(), m, func(ctx *TaskContext) (int, error) {
		_, err := ctx.NativeCall(doubleFn)
		return 0, err
	})
	var ce *CallError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CallError, got %v", err)
	}
	if ce.Function != "test.double" {
		t.Errorf("expected function name in error, got %q", ce.Function)
	}
}

func TestNativeCallRejectsUnresolvedArgs(t *testing.T) {
	m := New()
	defer m.Dispose()

	_, err := RunOnce(context.Background(), m, func(ctx *TaskContext) (int, error) {
		inner, err := ctx.NativeCall(doubleFn, ValueInput(testIntType, 1))
		if err != nil {
			return 0, err
		}
		_, err = ctx.NativeCall(doubleFn, ReferenceInput(inner))
		return 0, err
	})
	var ce *CallError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CallError, got %v", err)
	}
}

func TestDynamicCallResolvesArguments(t *testing.T) {
	m := New()
	defer m.Dispose()

	v, err := RunOnce(context.Background(), m, func(ctx *TaskContext) (int, error) {
		inner, err := ctx.NativeCall(doubleFn, ValueInput(testIntType, 5))
		if err != nil {
			return 0, err
		}
		outer, err := ctx.DynamicCall(doubleFn, ReferenceInput(inner))
		if err != nil {
			return 0, err
		}
		again, err := ctx.DynamicCall(doubleFn, ReferenceInput(inner))
		if err != nil {
			return 0, err
		}
		if outer != again {
			t.Errorf("expected the same unresolved call site to reuse its wrapper task, got %s and %s", outer, again)
		}
		return ReadAs[int](ctx, outer)
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if v != 20 {
		t.Errorf("expected 20, got %d", v)
	}
}

func TestWaitDoneAccounting(t *testing.T) {
	m := New()
	defer m.Dispose()

	const roots = 5
	start := make(chan struct{})
	ids := make([]TaskId, 0, roots)
	for i := 0; i < roots; i++ {
		ids = append(ids, m.SpawnRootTask(func(ctx *TaskContext) (Reference, error) {
			<-start
			return Completed(ctx), nil
		}))
	}
	close(start)

	elapsed, count, err := m.WaitDone(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if count != roots {
		t.Errorf("expected exactly %d executions in the batch, got %d", roots, count)
	}
	if elapsed <= 0 {
		t.Errorf("expected positive batch duration, got %v", elapsed)
	}

	for _, id := range ids {
		m.ReleaseRootTask(id)
	}
}

func TestWaitDoneIdle(t *testing.T) {
	m := New()
	defer m.Dispose()

	_, count, err := m.WaitDone(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 executions on an idle manager, got %d", count)
	}
}

func TestFromContext(t *testing.T) {
	m := New()
	defer m.Dispose()

	_, err := RunOnce(context.Background(), m, func(ctx *TaskContext) (int, error) {
		recovered, ok := FromContext(ctx)
		if !ok {
			t.Error("expected task context to be recoverable")
		}
		if recovered != ctx {
			t.Error("expected the same task context")
		}
		return 0, nil
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestReadOutputExternal(t *testing.T) {
	m := New()
	defer m.Dispose()

	id := m.SpawnRootTask(func(ctx *TaskContext) (Reference, error) {
		return ctx.NativeCall(doubleFn, ValueInput(testIntType, 8))
	})
	defer m.ReleaseRootTask(id)

	v, err := m.ReadOutput(context.Background(), id)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if v != 16 {
		t.Errorf("expected 16, got %v", v)
	}
}

func TestCachedTasksHideUnconfirmedTasks(t *testing.T) {
	m := New()
	defer m.Dispose()

	// A creation that has not yet won its cache race stays invisible.
	tk := newNativeTask(TaskId(m.nextTaskId.Add(1)), doubleFn, []Input{ValueInput(testIntType, 99)})
	tk.speculative = true
	m.tasks.Store(tk.id, tk)

	m.CachedTasks(func(*Task) bool {
		t.Error("expected no task to be reported")
		return true
	})

	tk.mu.Lock()
	tk.speculative = false
	tk.mu.Unlock()
	seen := 0
	m.CachedTasks(func(*Task) bool {
		seen++
		return true
	})
	if seen != 1 {
		t.Errorf("expected the confirmed task to be reported, got %d", seen)
	}
}

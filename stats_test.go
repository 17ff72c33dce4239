package spindle

import (
	"context"
	"testing"
)

var (
	statsLeafFn = RegisterFunction("test.stats.leaf", 1, func(ctx *TaskContext, args []Input) (Reference, error) {
		v, err := ctx.ReadInput(args[0])
		if err != nil {
			return Reference{}, err
		}
		return ctx.WriteCompare(testIntType, v.(int)), nil
	})

	statsSquareFn = RegisterFunction("test.stats.square", 1, func(ctx *TaskContext, args []Input) (Reference, error) {
		v, err := ctx.ReadInput(args[0])
		if err != nil {
			return Reference{}, err
		}
		return ctx.WriteCompare(testIntType, v.(int)*v.(int)), nil
	})
)

// statsGraph builds root -> leaf and root -> (resolve square) -> square.
func statsGraph(t *testing.T, m *Manager) TaskId {
	t.Helper()
	id := m.SpawnRootTask(func(ctx *TaskContext) (Reference, error) {
		leaf, err := ctx.NativeCall(statsLeafFn, ValueInput(testIntType, 7))
		if err != nil {
			return Reference{}, err
		}
		sq, err := ctx.DynamicCall(statsSquareFn, ReferenceInput(leaf))
		if err != nil {
			return Reference{}, err
		}
		if _, err := ctx.Read(sq); err != nil {
			return Reference{}, err
		}
		return Completed(ctx), nil
	})
	ctx := context.Background()
	if _, err := m.ReadOutput(ctx, id); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	// Edges are committed when the batch settles, not when the output lands.
	if _, _, err := m.WaitDone(ctx); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	return id
}

func TestStatsBuckets(t *testing.T) {
	m := New()
	defer m.Dispose()
	id := statsGraph(t, m)
	defer m.ReleaseRootTask(id)

	stats := NewStats()
	stats.AddAll(m)

	leaf, ok := stats.Get(BucketKey{Kind: KindNative, Fn: statsLeafFn})
	if !ok {
		t.Fatal("expected a bucket for the leaf function")
	}
	if leaf.Count != 1 || leaf.Executions != 1 {
		t.Errorf("expected count=1 executions=1, got count=%d executions=%d", leaf.Count, leaf.Executions)
	}

	if _, ok := stats.Get(BucketKey{Kind: KindResolveNative, Fn: statsSquareFn}); !ok {
		t.Error("expected a bucket for the resolve wrapper")
	}

	root, ok := stats.Get(BucketKey{Kind: KindRoot, Task: id})
	if !ok {
		t.Fatal("expected a bucket for the root task")
	}
	if root.Roots != 1 {
		t.Errorf("expected 1 root, got %d", root.Roots)
	}
	child := RefKey{Type: RefChild, Bucket: BucketKey{Kind: KindNative, Fn: statsLeafFn}}
	if rs, ok := root.References[child]; !ok || rs.Count != 1 {
		t.Errorf("expected 1 child reference to the leaf, got %+v", root.References)
	}
	if q := leaf.DurationAtQuantile(50); q < 0 {
		t.Errorf("expected non-negative duration quantile, got %v", q)
	}
}

func TestStatsMergeResolve(t *testing.T) {
	m := New()
	defer m.Dispose()
	id := statsGraph(t, m)
	defer m.ReleaseRootTask(id)

	stats := NewStats()
	stats.AddAll(m)
	stats.MergeResolve()

	for _, key := range stats.Buckets() {
		if key.Kind == KindResolveNative || key.Kind == KindResolveTrait {
			t.Errorf("expected wrapper buckets to be folded away, found %s", key)
		}
	}

	// The root's child edge is rewired through the removed wrapper.
	root, ok := stats.Get(BucketKey{Kind: KindRoot, Task: id})
	if !ok {
		t.Fatal("expected a bucket for the root task")
	}
	child := RefKey{Type: RefChild, Bucket: BucketKey{Kind: KindNative, Fn: statsSquareFn}}
	if _, ok := root.References[child]; !ok {
		t.Errorf("expected a rewired child reference to the square function, got %+v", root.References)
	}
}

func TestStatsTreeify(t *testing.T) {
	m := New()
	defer m.Dispose()
	id := statsGraph(t, m)
	defer m.ReleaseRootTask(id)

	stats := NewStats()
	stats.AddAll(m)
	stats.MergeResolve()
	tree := stats.Treeify()

	if tree.Primary != nil {
		t.Error("expected the top-level group to have no primary")
	}
	if len(tree.Children) != 1 {
		t.Fatalf("expected one top-level group, got %d", len(tree.Children))
	}
	group := tree.Children[0]
	if group.Primary == nil || group.Primary.Key.Kind != KindRoot {
		t.Fatalf("expected the root bucket as group primary, got %+v", group.Primary)
	}
	if got := len(group.TaskTypes); got != 2 {
		t.Errorf("expected the two leaf functions under the root, got %d", got)
	}
}

package spindle

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

func expectPanic(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	fn()
}

func TestDuplicateRegistrationsPanic(t *testing.T) {
	RegisterValueType("test.dup.value")
	expectPanic(t, func() { RegisterValueType("test.dup.value") })

	RegisterFunction("test.dup.fn", 0, nil)
	expectPanic(t, func() { RegisterFunction("test.dup.fn", 0, nil) })

	RegisterTrait("test.dup.trait")
	expectPanic(t, func() { RegisterTrait("test.dup.trait") })
}

func TestComparable(t *testing.T) {
	plain := RegisterValueType("test.plain")
	if plain.Comparable() {
		t.Error("expected no equality without WithCompare")
	}
	if !testIntType.Comparable() {
		t.Error("expected WithCompareOf to register an equality")
	}
}

var (
	describeTrait = RegisterTrait("test.Describe")
	catType       = RegisterValueType("test.Cat", WithCompareOf[string]())
	dogType       = RegisterValueType("test.Dog", WithCompareOf[string]())

	makeCatFn = RegisterFunction("test.makeCat", 1, func(ctx *TaskContext, args []Input) (Reference, error) {
		name, err := ctx.ReadInput(args[0])
		if err != nil {
			return Reference{}, err
		}
		return ctx.WriteCompare(catType, name.(string)), nil
	})

	catDescribeFn = RegisterFunction("test.cat.describe", 1, func(ctx *TaskContext, args []Input) (Reference, error) {
		name, err := ctx.ReadInput(args[0])
		if err != nil {
			return Reference{}, err
		}
		return ctx.WriteCompare(testStringType, "cat "+name.(string)), nil
	})
)

func init() {
	catType.RegisterTraitMethod(describeTrait, "describe", catDescribeFn)
}

func TestTraitDispatch(t *testing.T) {
	if !catType.Implements(describeTrait) {
		t.Error("expected cat to implement the trait")
	}
	if dogType.Implements(describeTrait) {
		t.Error("expected dog to not implement the trait")
	}

	m := New()
	defer m.Dispose()

	v, err := RunOnce(context.Background(), m, func(ctx *TaskContext) (string, error) {
		cat, err := ctx.NativeCall(makeCatFn, ValueInput(testStringType, "felix"))
		if err != nil {
			return "", err
		}
		ref, err := ctx.TraitCall(describeTrait, "describe", ReferenceInput(cat))
		if err != nil {
			return "", err
		}
		return ReadAs[string](ctx, ref)
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if v != "cat felix" {
		t.Errorf("expected %q, got %q", "cat felix", v)
	}
}

func TestTraitDispatchMissingImplementation(t *testing.T) {
	m := New()
	defer m.Dispose()

	_, err := RunOnce(context.Background(), m, func(ctx *TaskContext) (string, error) {
		ref, err := ctx.TraitCall(describeTrait, "describe", ValueInput(dogType, "rex"))
		if err != nil {
			return "", err
		}
		return ReadAs[string](ctx, ref)
	})
	if err == nil {
		t.Fatal("expected dispatch failure")
	}
	if !strings.Contains(err.Error(), "no implementation") {
		t.Errorf("expected a missing-implementation error, got %v", err)
	}
}

func TestTraitCallRequiresReceiver(t *testing.T) {
	m := New()
	defer m.Dispose()

	_, err := RunOnce(context.Background(), m, func(ctx *TaskContext) (string, error) {
		_, err := ctx.TraitCall(describeTrait, "describe")
		return "", err
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "missing receiver") {
		t.Errorf("expected a missing-receiver error, got %v", err)
	}
}

type keyedArg struct {
	id   int
	note string
}

func (a keyedArg) ArgumentKey() string { return fmt.Sprintf("id:%d", a.id) }

func TestArgumentKeyer(t *testing.T) {
	vt := RegisterValueType("test.Keyed")
	a := ValueInput(vt, keyedArg{id: 1, note: "first"})
	b := ValueInput(vt, keyedArg{id: 1, note: "second"})
	if a.cacheKey() != b.cacheKey() {
		t.Errorf("expected equal keys, got %q and %q", a.cacheKey(), b.cacheKey())
	}
	c := ValueInput(vt, keyedArg{id: 2})
	if a.cacheKey() == c.cacheKey() {
		t.Error("expected different ids to key differently")
	}
}

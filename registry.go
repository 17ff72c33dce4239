package spindle

import (
	"fmt"
	"sync"
)

// ValueType gives stable identity to a kind of value that tasks store in
// slots and pass as call arguments. Two value types are equal only if they
// are the same registration (pointer identity), never structurally.
type ValueType struct {
	name    string
	compare func(a, b any) bool
	hashKey func(v any) string
	methods map[traitMethodKey]*Function
	traits  map[*Trait]struct{}
}

type traitMethodKey struct {
	trait  *Trait
	method string
}

// Name returns the registered name of the value type.
func (vt *ValueType) Name() string { return vt.name }

// Comparable reports whether the value type registered an equality function,
// which compare-on-write slot updates require.
func (vt *ValueType) Comparable() bool { return vt.compare != nil }

// Implements reports whether the value type registered any method of the trait.
func (vt *ValueType) Implements(tr *Trait) bool {
	_, ok := vt.traits[tr]
	return ok
}

func (vt *ValueType) traitMethod(tr *Trait, method string) (*Function, bool) {
	fn, ok := vt.methods[traitMethodKey{trait: tr, method: method}]
	return fn, ok
}

// NativeBody is the callable unit behind a registered function. It runs as
// the body of a native task; args are guaranteed resolved.
type NativeBody func(ctx *TaskContext, args []Input) (Reference, error)

// Function describes a registered memoizable function. Identity equality.
type Function struct {
	name     string
	argCount int
	body     NativeBody
}

// Name returns the registered name of the function.
func (f *Function) Name() string { return f.name }

// ArgCount returns the number of arguments the function expects.
func (f *Function) ArgCount() int { return f.argCount }

// Trait describes a registered dispatch group. Implementations are attached
// per value type via RegisterTraitMethod. Identity equality.
type Trait struct {
	name string
}

// Name returns the registered name of the trait.
func (t *Trait) Name() string { return t.name }

type registryState struct {
	mu         sync.RWMutex
	valueTypes map[string]*ValueType
	functions  map[string]*Function
	traits     map[string]*Trait
}

// The registry is process-wide, like the function and value-type tables it
// backs. All registrations happen at startup, before any task runs; after
// that the tables are only read.
var registry = &registryState{
	valueTypes: make(map[string]*ValueType),
	functions:  make(map[string]*Function),
	traits:     make(map[string]*Trait),
}

// ValueTypeOption configures a value type at registration.
type ValueTypeOption func(*ValueType)

// WithCompare registers the equality function used by compare-on-write slot
// updates for this value type.
func WithCompare(eq func(a, b any) bool) ValueTypeOption {
	return func(vt *ValueType) {
		vt.compare = eq
	}
}

// WithCompareOf registers natural equality for a comparable Go type.
func WithCompareOf[T comparable]() ValueTypeOption {
	return WithCompare(func(a, b any) bool {
		av, aok := a.(T)
		bv, bok := b.(T)
		return aok && bok && av == bv
	})
}

// WithHashKey overrides how argument values of this type are rendered into
// call-cache keys. Values of types without a hash key must have a stable
// `%#v` representation or implement ArgumentKeyer.
func WithHashKey(fn func(v any) string) ValueTypeOption {
	return func(vt *ValueType) {
		vt.hashKey = fn
	}
}

// RegisterValueType registers a value type under a process-unique name.
// Duplicate names are a startup misconfiguration and panic.
func RegisterValueType(name string, opts ...ValueTypeOption) *ValueType {
	vt := &ValueType{
		name:    name,
		methods: make(map[traitMethodKey]*Function),
		traits:  make(map[*Trait]struct{}),
	}
	for _, opt := range opts {
		opt(vt)
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()
	if _, exists := registry.valueTypes[name]; exists {
		panic(fmt.Sprintf("spindle: value type %q registered twice", name))
	}
	registry.valueTypes[name] = vt
	return vt
}

// RegisterFunction registers a memoizable function under a process-unique
// name. Duplicate names panic.
func RegisterFunction(name string, argCount int, body NativeBody) *Function {
	fn := &Function{name: name, argCount: argCount, body: body}

	registry.mu.Lock()
	defer registry.mu.Unlock()
	if _, exists := registry.functions[name]; exists {
		panic(fmt.Sprintf("spindle: function %q registered twice", name))
	}
	registry.functions[name] = fn
	return fn
}

// RegisterTrait registers a trait under a process-unique name. Duplicate
// names panic.
func RegisterTrait(name string) *Trait {
	tr := &Trait{name: name}

	registry.mu.Lock()
	defer registry.mu.Unlock()
	if _, exists := registry.traits[name]; exists {
		panic(fmt.Sprintf("spindle: trait %q registered twice", name))
	}
	registry.traits[name] = tr
	return tr
}

// RegisterTraitMethod attaches fn as the implementation of tr's method for
// values of this type. Registering the same method twice panics.
func (vt *ValueType) RegisterTraitMethod(tr *Trait, method string, fn *Function) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	key := traitMethodKey{trait: tr, method: method}
	if _, exists := vt.methods[key]; exists {
		panic(fmt.Sprintf("spindle: trait method %s::%s registered twice on %s", tr.name, method, vt.name))
	}
	vt.methods[key] = fn
	vt.traits[tr] = struct{}{}
}

package spindle

import (
	"fmt"
	"strings"
)

type inputKind uint8

const (
	inputValue inputKind = iota
	inputOutput
	inputSlot
)

// Input is one call argument: either a concrete typed value, or a reference
// to another task's slot or output. A call is resolved when every argument
// is a concrete value or a slot reference; output references still require
// resolution through a wrapper task.
type Input struct {
	kind  inputKind
	vtype *ValueType
	value any
	task  TaskId
	slot  int
}

// ArgumentKeyer lets argument values control their call-cache key. Values
// without it are keyed by their `%#v` representation, which must be stable
// and equality-faithful for the type.
type ArgumentKeyer interface {
	ArgumentKey() string
}

// ValueInput wraps a concrete value as a call argument.
func ValueInput(vt *ValueType, v any) Input {
	return Input{kind: inputValue, vtype: vt, value: v}
}

// ReferenceInput wraps a reference as a call argument.
func ReferenceInput(ref Reference) Input {
	if ref.kind == refDirect {
		return Input{kind: inputSlot, task: ref.task, slot: ref.slot}
	}
	return Input{kind: inputOutput, task: ref.task}
}

// IsResolved reports whether the argument is a concrete value or already
// points at a specific slot.
func (in Input) IsResolved() bool {
	return in.kind != inputOutput
}

// Value returns the concrete value, if the input carries one.
func (in Input) Value() (any, bool) {
	if in.kind != inputValue {
		return nil, false
	}
	return in.value, true
}

// Reference returns the reference the input carries, if any.
func (in Input) Reference() (Reference, bool) {
	switch in.kind {
	case inputSlot:
		return directRef(in.task, in.slot), true
	case inputOutput:
		return outputRef(in.task), true
	default:
		return Reference{}, false
	}
}

// ValueType returns the type of a concrete value input.
func (in Input) ValueType() (*ValueType, bool) {
	if in.kind != inputValue {
		return nil, false
	}
	return in.vtype, true
}

func (in Input) cacheKey() string {
	switch in.kind {
	case inputValue:
		return "v:" + in.vtype.name + ":" + valueKey(in.vtype, in.value)
	case inputOutput:
		return fmt.Sprintf("o:%d", in.task)
	case inputSlot:
		return fmt.Sprintf("s:%d:%d", in.task, in.slot)
	default:
		return "?"
	}
}

func valueKey(vt *ValueType, v any) string {
	if vt != nil && vt.hashKey != nil {
		return vt.hashKey(v)
	}
	if k, ok := v.(ArgumentKeyer); ok {
		return k.ArgumentKey()
	}
	return fmt.Sprintf("%#v", v)
}

func argumentsKey(args []Input) string {
	var sb strings.Builder
	for i, in := range args {
		if i > 0 {
			sb.WriteByte('|')
		}
		sb.WriteString(in.cacheKey())
	}
	return sb.String()
}

func allResolved(args []Input) bool {
	for _, in := range args {
		if !in.IsResolved() {
			return false
		}
	}
	return true
}

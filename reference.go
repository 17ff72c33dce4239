package spindle

import "fmt"

type refKind uint8

const (
	refInvalid refKind = iota
	// refDirect points straight at a slot of a task.
	refDirect
	// refOutput points at the (possibly not yet produced) output of a task.
	refOutput
)

// Reference is a resolvable handle to a value: either directly a slot of a
// task, or the output of a task which itself resolves to another reference.
// References compare structurally with ==, without resolving; resolution is
// the explicit, separate operation TaskContext.Resolve.
type Reference struct {
	kind refKind
	task TaskId
	slot int
}

func directRef(task TaskId, slot int) Reference {
	return Reference{kind: refDirect, task: task, slot: slot}
}

func outputRef(task TaskId) Reference {
	return Reference{kind: refOutput, task: task}
}

// IsValid reports whether the reference points at anything. The zero
// Reference is invalid.
func (r Reference) IsValid() bool { return r.kind != refInvalid }

// IsDirect reports whether the reference points straight at a slot.
func (r Reference) IsDirect() bool { return r.kind == refDirect }

// Task returns the task the reference points into.
func (r Reference) Task() TaskId { return r.task }

func (r Reference) String() string {
	switch r.kind {
	case refDirect:
		return fmt.Sprintf("slot(%d, %d)", r.task, r.slot)
	case refOutput:
		return fmt.Sprintf("output(%d)", r.task)
	default:
		return "invalid"
	}
}

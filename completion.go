package spindle

// CompletionType is a built-in value type that is never equal to itself.
// Writing it produces a concrete reference that can be awaited in place of
// "no value", and re-invalidates every awaiting task each time the writing
// task executes, even under compare-on-write.
var CompletionType = RegisterValueType("spindle.Completion", WithCompare(func(a, b any) bool {
	return false
}))

type completion struct{}

// Completed writes a fresh completion marker into the current task, to be
// returned where a task has nothing but "this ran" to report.
func Completed(ctx *TaskContext) Reference {
	return ctx.Write(CompletionType, completion{})
}

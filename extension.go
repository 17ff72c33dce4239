package spindle

import "time"

// Extension provides hooks into the engine lifecycle for cross-cutting
// concerns (logging, metrics, diagnostics).
type Extension interface {
	// Name returns the extension's name
	Name() string

	// Order determines extension execution order (lower = earlier)
	Order() int

	// Init is called when the extension is registered to a manager
	Init(m *Manager) error

	// WrapExecution intercepts a task body execution (middleware pattern)
	WrapExecution(next func() (Reference, error), t *Task, m *Manager) (Reference, error)

	// OnTaskError is called when a task body fails
	OnTaskError(t *Task, err error, m *Manager)

	// OnQuiesce is called when the in-flight counter returns to zero,
	// with the duration and execution count of the batch that settled
	OnQuiesce(m *Manager, elapsed time.Duration, count int)

	// Dispose is called when the manager is disposed
	Dispose(m *Manager) error
}

// BaseExtension provides default implementations for Extension methods
type BaseExtension struct {
	name string
}

// NewBaseExtension creates a new base extension with the given name
func NewBaseExtension(name string) BaseExtension {
	return BaseExtension{name: name}
}

func (e *BaseExtension) Name() string {
	return e.name
}

func (e *BaseExtension) Order() int {
	return 100
}

func (e *BaseExtension) Init(m *Manager) error {
	return nil
}

func (e *BaseExtension) WrapExecution(next func() (Reference, error), t *Task, m *Manager) (Reference, error) {
	return next()
}

func (e *BaseExtension) OnTaskError(t *Task, err error, m *Manager) {
}

func (e *BaseExtension) OnQuiesce(m *Manager, elapsed time.Duration, count int) {
}

func (e *BaseExtension) Dispose(m *Manager) error {
	return nil
}

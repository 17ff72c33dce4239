package spindle

// slotContent is the committed value of a slot. An empty content (nil vtype)
// means the slot has been created but never written, which only happens
// transiently inside a single execution.
type slotContent struct {
	vtype *ValueType
	value any
}

// Slot is a single memo cell inside a task. It is written only by its owning
// task while that task is executing; other tasks read the committed value.
// All access happens under the owning task's lock, so the struct itself
// carries no synchronization.
type Slot struct {
	content    slotContent
	updates    uint32
	dependents map[TaskId]struct{}
}

func newSlot() *Slot {
	return &Slot{dependents: make(map[TaskId]struct{})}
}

func (s *Slot) empty() bool { return s.content.vtype == nil }

// assign unconditionally overwrites the slot and returns the dependents to
// notify.
func (s *Slot) assign(vt *ValueType, v any) []TaskId {
	s.content = slotContent{vtype: vt, value: v}
	s.updates++
	return s.takeDependentList()
}

// compareAssign overwrites only when the new value is unequal under the
// value type's registered equality. Types without a registered equality are
// treated as always changed. Returns the dependents to notify, nil when the
// value was unchanged.
func (s *Slot) compareAssign(vt *ValueType, v any) []TaskId {
	if !s.empty() && s.content.vtype == vt && vt.compare != nil && vt.compare(s.content.value, v) {
		return nil
	}
	return s.assign(vt, v)
}

// conditionalAssign overwrites only when the caller-supplied predicate
// reports the old value as different. An empty slot always changes.
func (s *Slot) conditionalAssign(vt *ValueType, v any, unchanged func(old any) bool) []TaskId {
	if !s.empty() && s.content.vtype == vt && unchanged(s.content.value) {
		return nil
	}
	return s.assign(vt, v)
}

// read returns the committed value, registering reader as a dependent when
// track is set.
func (s *Slot) read(reader TaskId, track bool) (any, error) {
	if s.empty() {
		return nil, ErrEmptySlot
	}
	if track {
		s.dependents[reader] = struct{}{}
	}
	return s.content.value, nil
}

func (s *Slot) removeDependent(id TaskId) {
	delete(s.dependents, id)
}

func (s *Slot) takeDependentList() []TaskId {
	if len(s.dependents) == 0 {
		return nil
	}
	list := make([]TaskId, 0, len(s.dependents))
	for id := range s.dependents {
		list = append(list, id)
	}
	return list
}

package spindle

import "sync"

// event is a reusable broadcast signal. Listeners grab the current channel
// and block on it; notifyAll closes that channel and installs a fresh one,
// waking every listener registered before the notification.
type event struct {
	mu sync.Mutex
	ch chan struct{}
}

func newEvent() *event {
	return &event{ch: make(chan struct{})}
}

// listen returns a channel that is closed by the next notifyAll.
func (e *event) listen() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ch
}

// notifyAll wakes all current listeners.
func (e *event) notifyAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	close(e.ch)
	e.ch = make(chan struct{})
}

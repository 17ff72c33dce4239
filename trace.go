package spindle

import (
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultTraceLimit = 1024

// TraceEntry records one completed task execution.
type TraceEntry struct {
	Seq      uint64
	Task     TaskId
	Name     string
	Kind     TaskKind
	Duration time.Duration
	Err      error
	When     time.Time
}

// Trace is a bounded history of completed executions, kept for diagnostics.
// Old entries are evicted once the limit is reached.
type Trace struct {
	mu      sync.Mutex
	seq     uint64
	entries *lru.Cache[uint64, *TraceEntry]
}

func newTrace(limit int) *Trace {
	if limit <= 0 {
		limit = defaultTraceLimit
	}
	entries, err := lru.New[uint64, *TraceEntry](limit)
	if err != nil {
		panic(err)
	}
	return &Trace{entries: entries}
}

func (tr *Trace) record(t *Task, dur time.Duration, err error) {
	tr.mu.Lock()
	tr.seq++
	seq := tr.seq
	tr.mu.Unlock()

	tr.entries.Add(seq, &TraceEntry{
		Seq:      seq,
		Task:     t.id,
		Name:     t.String(),
		Kind:     t.kind,
		Duration: dur,
		Err:      err,
		When:     time.Now(),
	})
}

// Len returns how many executions the trace currently retains.
func (tr *Trace) Len() int {
	return tr.entries.Len()
}

// Recent returns up to n retained entries, oldest first.
func (tr *Trace) Recent(n int) []*TraceEntry {
	keys := tr.entries.Keys()
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	if n > 0 && len(keys) > n {
		keys = keys[len(keys)-n:]
	}
	out := make([]*TraceEntry, 0, len(keys))
	for _, k := range keys {
		if e, ok := tr.entries.Peek(k); ok {
			out = append(out, e)
		}
	}
	return out
}

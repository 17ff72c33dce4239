package spindle

import (
	"fmt"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
)

// BucketKey identifies one stats bucket: tasks of the same kind backed by
// the same function or trait method aggregate together, while each root and
// once task forms its own bucket.
type BucketKey struct {
	Kind   TaskKind
	Task   TaskId
	Fn     *Function
	Trait  *Trait
	Method string
}

func (k BucketKey) String() string {
	switch k.Kind {
	case KindRoot:
		return "root"
	case KindOnce:
		return "once"
	case KindNative:
		return k.Fn.name
	case KindResolveNative:
		return "resolve " + k.Fn.name
	case KindResolveTrait:
		return fmt.Sprintf("resolve trait %s::%s", k.Trait.name, k.Method)
	default:
		return "unknown"
	}
}

// ReferenceType classifies an edge between stats buckets.
type ReferenceType uint8

const (
	// RefChild counts call edges (parent task created/connected child task).
	RefChild ReferenceType = iota
	// RefDependency counts data edges (task read another task's slot or output).
	RefDependency
	// RefInput counts argument edges (task received a reference as argument).
	RefInput
)

func (rt ReferenceType) String() string {
	switch rt {
	case RefChild:
		return "child"
	case RefDependency:
		return "dependency"
	case RefInput:
		return "input"
	default:
		return "unknown"
	}
}

// RefKey addresses the reference counter from one bucket towards another.
type RefKey struct {
	Type   ReferenceType
	Bucket BucketKey
}

// ReferenceStats counts references of one type towards one bucket.
type ReferenceStats struct {
	Count int
}

// TaskStats aggregates execution counters for one bucket.
type TaskStats struct {
	Count                int
	Executions           int
	Roots                int
	TotalDuration        time.Duration
	TotalCurrentDuration time.Duration
	TotalUpdateDuration  time.Duration
	MaxDuration          time.Duration
	Durations            *hdrhistogram.Histogram
	References           map[RefKey]*ReferenceStats
}

func newTaskStats() *TaskStats {
	return &TaskStats{
		// microsecond resolution up to one minute per execution
		Durations:  hdrhistogram.New(1, 60_000_000, 3),
		References: make(map[RefKey]*ReferenceStats),
	}
}

// DurationAtQuantile returns the recorded execution duration at quantile q
// (0-100).
func (s *TaskStats) DurationAtQuantile(q float64) time.Duration {
	return time.Duration(s.Durations.ValueAtQuantile(q)) * time.Microsecond
}

type statsRef struct {
	Type ReferenceType
	Task TaskId
}

func (t *Task) statsBucket() BucketKey {
	switch t.kind {
	case KindRoot, KindOnce:
		return BucketKey{Kind: t.kind, Task: t.id}
	case KindNative, KindResolveNative:
		return BucketKey{Kind: t.kind, Fn: t.fn}
	case KindResolveTrait:
		return BucketKey{Kind: t.kind, Trait: t.trait, Method: t.method}
	default:
		return BucketKey{Kind: t.kind}
	}
}

func (t *Task) statsInfo() (total, last time.Duration, executions uint32, root bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalDuration, t.lastDuration, t.executions, t.root
}

func (t *Task) statsReferences() []statsRef {
	t.mu.Lock()
	defer t.mu.Unlock()
	refs := make([]statsRef, 0, len(t.children)+len(t.dependencies)+len(t.args))
	for child := range t.children {
		refs = append(refs, statsRef{Type: RefChild, Task: child})
	}
	for dep := range t.dependencies {
		refs = append(refs, statsRef{Type: RefDependency, Task: dep.task})
	}
	for _, in := range t.args {
		if ref, ok := in.Reference(); ok {
			refs = append(refs, statsRef{Type: RefInput, Task: ref.task})
		}
	}
	return refs
}

// Stats aggregates task execution counters into displayable buckets. It is a
// read-only consumer of manager and task state snapshots.
type Stats struct {
	tasks map[BucketKey]*TaskStats
}

// NewStats creates an empty stats aggregation.
func NewStats() *Stats {
	return &Stats{tasks: make(map[BucketKey]*TaskStats)}
}

// Add folds one task into its bucket.
func (s *Stats) Add(m *Manager, t *Task) {
	key := t.statsBucket()
	stats, ok := s.tasks[key]
	if !ok {
		stats = newTaskStats()
		s.tasks[key] = stats
	}
	stats.Count++

	total, last, executions, root := t.statsInfo()
	stats.TotalDuration += total
	stats.TotalCurrentDuration += last
	if executions > 1 {
		stats.TotalUpdateDuration += last
	}
	if total > stats.MaxDuration {
		stats.MaxDuration = total
	}
	stats.Executions += int(executions)
	if root {
		stats.Roots++
	}
	if executions > 0 {
		us := last.Microseconds()
		if us < 1 {
			us = 1
		}
		_ = stats.Durations.RecordValue(us)
	}

	seen := make(map[statsRef]struct{})
	for _, ref := range t.statsReferences() {
		if _, dup := seen[ref]; dup {
			continue
		}
		seen[ref] = struct{}{}
		target, ok := m.tasks.Load(ref.Task)
		if !ok {
			continue
		}
		rk := RefKey{Type: ref.Type, Bucket: target.statsBucket()}
		rs, ok := stats.References[rk]
		if !ok {
			rs = &ReferenceStats{}
			stats.References[rk] = rs
		}
		rs.Count++
	}
}

// AddId folds the task with the given id into its bucket, if still cached.
func (s *Stats) AddId(m *Manager, id TaskId) {
	if t, ok := m.tasks.Load(id); ok {
		s.Add(m, t)
	}
}

// AddAll folds every currently cached task.
func (s *Stats) AddAll(m *Manager) {
	m.CachedTasks(func(t *Task) bool {
		s.Add(m, t)
		return true
	})
}

// Get returns the stats bucket for key, if present.
func (s *Stats) Get(key BucketKey) (*TaskStats, bool) {
	st, ok := s.tasks[key]
	return st, ok
}

// Buckets returns the bucket keys currently present.
func (s *Stats) Buckets() []BucketKey {
	keys := make([]BucketKey, 0, len(s.tasks))
	for k := range s.tasks {
		keys = append(keys, k)
	}
	return keys
}

// MergeResolve folds the resolve-wrapper buckets into their children, which
// is what a human-readable display usually wants.
func (s *Stats) MergeResolve() {
	s.Merge(func(key BucketKey, _ *TaskStats) bool {
		return key.Kind == KindResolveNative || key.Kind == KindResolveTrait
	})
}

// Merge removes every bucket selected by the predicate and rewires the
// remaining buckets' child references through the removed ones, so the
// display skips the merged layer.
func (s *Stats) Merge(selectFn func(BucketKey, *TaskStats) bool) {
	merged := make(map[BucketKey]*TaskStats)
	for key, stats := range s.tasks {
		if selectFn(key, stats) {
			merged[key] = stats
			delete(s.tasks, key)
		}
	}

	for _, stats := range s.tasks {
		stats.References = mergeRefs(stats.References, merged)
	}
}

func mergeRefs(refs map[RefKey]*ReferenceStats, merged map[BucketKey]*TaskStats) map[RefKey]*ReferenceStats {
	out := make(map[RefKey]*ReferenceStats, len(refs))
	for rk, rs := range refs {
		ms, isMerged := merged[rk.Bucket]
		if !isMerged {
			out[rk] = rs
			continue
		}
		if rk.Type != RefChild {
			continue
		}
		for childKey := range mergeRefs(ms.References, merged) {
			out[childKey] = &ReferenceStats{Count: rs.Count}
		}
	}
	return out
}

// GroupEntry pairs a bucket with its stats in a GroupTree.
type GroupEntry struct {
	Key   BucketKey
	Stats *TaskStats
}

// GroupTree arranges stats buckets hierarchically: each bucket is placed
// under the lowest common ancestor of all its callers over Child edges.
type GroupTree struct {
	Primary   *GroupEntry
	Children  []*GroupTree
	TaskTypes []GroupEntry
}

// Treeify computes the hierarchical arrangement of the current buckets.
func (s *Stats) Treeify() *GroupTree {
	roots := make(map[BucketKey]struct{}, len(s.tasks))
	for key := range s.tasks {
		roots[key] = struct{}{}
	}
	for _, stats := range s.tasks {
		for rk := range stats.References {
			if rk.Type == RefChild {
				delete(roots, rk.Bucket)
			}
		}
	}

	// placement[key] = parent bucket the key is displayed under (nil = top)
	placement := make(map[BucketKey]*BucketKey)
	placed := make(map[BucketKey]bool)

	type queueItem struct {
		key    BucketKey
		parent *BucketKey
	}
	queue := make([]queueItem, 0, len(roots))
	for key := range roots {
		queue = append(queue, queueItem{key: key})
	}

	path := func(key *BucketKey) []BucketKey {
		var p []BucketKey
		for key != nil {
			p = append([]BucketKey{*key}, p...)
			key = placement[*key]
		}
		return p
	}
	commonAncestor := func(p1, p2 []BucketKey) *BucketKey {
		i := len(p1)
		if len(p2) < i {
			i = len(p2)
		}
		for i > 0 {
			i--
			if p1[i] == p2[i] {
				k := p1[i]
				return &k
			}
		}
		return nil
	}

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]
		if placed[item.key] {
			current := placement[item.key]
			if !sameParent(current, item.parent) {
				placement[item.key] = commonAncestor(path(item.parent), path(current))
			}
			continue
		}
		placed[item.key] = true
		placement[item.key] = item.parent
		for rk := range s.tasks[item.key].References {
			if rk.Type == RefChild {
				if _, known := s.tasks[rk.Bucket]; known {
					parent := item.key
					queue = append(queue, queueItem{key: rk.Bucket, parent: &parent})
				}
			}
		}
	}

	children := make(map[BucketKey][]BucketKey)
	var topLevel []BucketKey
	for key := range placed {
		parent := placement[key]
		if parent == nil {
			topLevel = append(topLevel, key)
		} else {
			children[*parent] = append(children[*parent], key)
		}
	}

	var build func(primary *BucketKey, inner []BucketKey) *GroupTree
	build = func(primary *BucketKey, inner []BucketKey) *GroupTree {
		node := &GroupTree{}
		if primary != nil {
			node.Primary = &GroupEntry{Key: *primary, Stats: s.tasks[*primary]}
		}
		for _, key := range inner {
			if grandchildren, hasChildren := children[key]; hasChildren {
				k := key
				node.Children = append(node.Children, build(&k, grandchildren))
			} else {
				node.TaskTypes = append(node.TaskTypes, GroupEntry{Key: key, Stats: s.tasks[key]})
			}
		}
		return node
	}

	return build(nil, topLevel)
}

func sameParent(a, b *BucketKey) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

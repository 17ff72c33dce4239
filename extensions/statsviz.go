package extensions

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/m1gwings/treedrawer/tree"

	spindle "github.com/spindle-fn/spindle-go"
)

// RenderGroupTree draws a stats group tree as displayable text.
func RenderGroupTree(g *spindle.GroupTree) string {
	label := "tasks"
	if g.Primary != nil {
		label = formatEntry(*g.Primary)
	}
	t := tree.NewTree(tree.NodeString(label))
	fillGroup(t, g)
	return t.String()
}

func fillGroup(t *tree.Tree, g *spindle.GroupTree) {
	next := 0
	for _, entry := range g.TaskTypes {
		t.AddChild(tree.NodeString(formatEntry(entry)))
		next++
	}
	for _, group := range g.Children {
		label := "group"
		if group.Primary != nil {
			label = formatEntry(*group.Primary)
		}
		t.AddChild(tree.NodeString(label))
		child, err := t.Child(next)
		next++
		if err != nil {
			continue
		}
		fillGroup(child, group)
	}
}

func formatEntry(entry spindle.GroupEntry) string {
	s := entry.Stats
	return fmt.Sprintf("%s ×%d (%d runs, %s)", entry.Key, s.Count, s.Executions, s.TotalDuration.Round(time.Microsecond))
}

// StatsDebugExtension renders the aggregated stats tree after every settled
// batch and logs it at debug level.
type StatsDebugExtension struct {
	spindle.BaseExtension
	logger       *slog.Logger
	mergeResolve bool
}

// NewStatsDebugExtension creates a stats debug extension writing through the
// given slog handler. When mergeResolve is set, resolve-wrapper buckets are
// folded into their children before rendering.
func NewStatsDebugExtension(handler slog.Handler, mergeResolve bool) *StatsDebugExtension {
	return &StatsDebugExtension{
		BaseExtension: spindle.NewBaseExtension("stats-debug"),
		logger:        slog.New(handler),
		mergeResolve:  mergeResolve,
	}
}

func (e *StatsDebugExtension) OnQuiesce(m *spindle.Manager, elapsed time.Duration, count int) {
	stats := spindle.NewStats()
	stats.AddAll(m)
	if e.mergeResolve {
		stats.MergeResolve()
	}
	e.logger.Debug("task stats",
		"elapsed", elapsed,
		"executions", count,
		"tree", RenderGroupTree(stats.Treeify()),
	)
}

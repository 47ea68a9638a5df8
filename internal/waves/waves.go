// Package waves partitions a task dependency graph into ordered execution
// waves: layered Kahn's algorithm, where each layer is the set of tasks
// whose remaining dependencies are all in earlier layers. The functions are
// pure; callers persist the result.
package waves

import (
	"fmt"
	"sort"
	"strings"

	"waveline/internal/domain"
)

// CycleError reports an unsatisfiable dependency graph. It is fatal to wave
// computation; the controller must halt rather than guess an ordering.
type CycleError struct {
	Remaining []string // task ids stuck in the cycle, sorted
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle among tasks: %s", strings.Join(e.Remaining, ", "))
}

// Calculate partitions tasks into waves. In-degree counts only unresolved
// blocked_by entries whose ids exist in the input set, so dangling
// references to deleted tasks never block. Ties within a layer break by
// task id ascending, which makes output deterministic for identical input.
// Wave ids start at 1; the first wave is handed to execution immediately
// (status in_progress), the rest are pending.
func Calculate(tasks []domain.Task) ([]domain.Wave, error) {
	layers, err := layer(tasks)
	if err != nil {
		return nil, err
	}
	waves := make([]domain.Wave, 0, len(layers))
	for i, ids := range layers {
		w := domain.Wave{ID: i + 1, Status: domain.WavePending, Tasks: ids}
		if i == 0 {
			w.Status = domain.WaveInProgress
		}
		waves = append(waves, w)
	}
	return waves, nil
}

// Recalculate re-runs the layering over tasks while anchoring history:
// waves already verified or failed keep their id, membership and status
// untouched, and freshly layered waves are appended after the highest
// existing wave id. Tasks that already belong to an anchored wave are
// excluded from re-layering, but still count as satisfied dependencies
// once resolved.
func Recalculate(existing []domain.Wave, tasks []domain.Task) ([]domain.Wave, error) {
	anchored := make([]domain.Wave, 0, len(existing))
	anchoredIDs := make(map[string]bool)
	nextID := 0
	for _, w := range existing {
		if w.Status != domain.WaveVerified && w.Status != domain.WaveFailed {
			continue
		}
		anchored = append(anchored, w)
		for _, id := range w.Tasks {
			anchoredIDs[id] = true
		}
		if w.ID > nextID {
			nextID = w.ID
		}
	}

	var fresh []domain.Task
	for _, t := range tasks {
		if !anchoredIDs[t.ID] {
			fresh = append(fresh, t)
		}
	}
	layers, err := layer(fresh)
	if err != nil {
		return nil, err
	}
	waves := anchored
	for i, ids := range layers {
		w := domain.Wave{ID: nextID + i + 1, Status: domain.WavePending, Tasks: ids}
		if i == 0 {
			w.Status = domain.WaveInProgress
		}
		waves = append(waves, w)
	}
	return waves, nil
}

// layer implements the Kahn layering over the given task set.
func layer(tasks []domain.Task) ([][]string, error) {
	present := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		present[t.ID] = true
	}

	// Remaining in-degree per task: unresolved deps present in the set.
	indegree := make(map[string][]string, len(tasks))
	resolved := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if t.Status == domain.StatusResolved {
			resolved[t.ID] = true
		}
	}
	for _, t := range tasks {
		var deps []string
		for _, dep := range t.BlockedBy {
			if dep == t.ID {
				return nil, &CycleError{Remaining: []string{t.ID}}
			}
			if present[dep] && !resolved[dep] {
				deps = append(deps, dep)
			}
		}
		indegree[t.ID] = deps
	}

	remaining := make(map[string]bool, len(tasks))
	for id := range indegree {
		remaining[id] = true
	}

	var layers [][]string
	for len(remaining) > 0 {
		var ready []string
		for id := range remaining {
			free := true
			for _, dep := range indegree[id] {
				if remaining[dep] {
					free = false
					break
				}
			}
			if free {
				ready = append(ready, id)
			}
		}
		if len(ready) == 0 {
			stuck := make([]string, 0, len(remaining))
			for id := range remaining {
				stuck = append(stuck, id)
			}
			sort.Strings(stuck)
			return nil, &CycleError{Remaining: stuck}
		}
		sort.Strings(ready)
		for _, id := range ready {
			delete(remaining, id)
		}
		layers = append(layers, ready)
	}
	return layers, nil
}

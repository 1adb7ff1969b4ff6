package scheduler

import (
	"context"
	"fmt"

	"github.com/me/stageflow/internal/dag"
	"github.com/me/stageflow/pkg/model"
)

// plan decides which tasks must run. A task may be skipped when the store
// recorded it SUCCEEDED with the same command hash, its outputs are current
// and nothing upstream runs. The returned map holds the reason for every
// task that must run; tasks absent from it are already satisfied.
func (s *Scheduler) plan(ctx context.Context, d *dag.DAG) (map[model.TaskID]string, error) {
	mustRun := make(map[model.TaskID]string)
	removed := make(map[string]bool)

	for _, id := range d.Order {
		task := d.Task(id)
		if s.cfg.Force {
			mustRun[id] = "forced"
			continue
		}
		rec, err := s.store.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		switch {
		case rec == nil:
			mustRun[id] = "never run"
			continue
		case rec.State != model.TaskStateSucceeded:
			mustRun[id] = "previous state " + rec.State.String()
			continue
		case rec.CommandHash != task.CommandHash:
			mustRun[id] = "command changed"
			continue
		}

		// A deleted transient is judged by the marker recorded when it
		// was produced.
		recorded := make(map[string]model.Marker)
		for _, out := range task.Transient {
			a, err := s.store.GetArtifact(ctx, out)
			if err != nil {
				return nil, err
			}
			if a != nil && a.Removed {
				removed[out] = true
				recorded[out] = model.Marker{Path: out, Exists: true, ModTime: a.ModTime, Size: a.Size}
			}
		}
		lookup := func(p string) (model.Marker, bool) {
			m, ok := recorded[p]
			return m, ok
		}
		if ok, reason := s.fresh.Check(task.Outputs, task.Inputs, lookup); !ok {
			mustRun[id] = reason
		}
	}

	// Running a task invalidates everything downstream of it, and a task
	// that must run needs its deleted transient inputs produced again.
	for changed := true; changed; {
		changed = false
		for _, id := range d.Order {
			if _, ok := mustRun[id]; ok {
				continue
			}
			for _, p := range d.Predecessors(id) {
				if _, ok := mustRun[p]; ok {
					mustRun[id] = fmt.Sprintf("upstream %s runs", p)
					changed = true
					break
				}
			}
		}
		for i := len(d.Order) - 1; i >= 0; i-- {
			id := d.Order[i]
			if _, ok := mustRun[id]; !ok {
				continue
			}
			for _, in := range d.Task(id).Inputs {
				p, produced := d.Producer(in)
				if !produced || !removed[in] {
					continue
				}
				if _, ok := mustRun[p]; !ok {
					mustRun[p] = fmt.Sprintf("transient %s needed by %s", in, id)
					changed = true
				}
			}
		}
	}
	return mustRun, nil
}

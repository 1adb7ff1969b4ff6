package scheduler

import (
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/me/stageflow/pkg/model"
)

// Budget is the aggregate resource limit for concurrently running tasks.
// Zero MemoryBytes or Threads means unlimited.
type Budget struct {
	Jobs        int
	MemoryBytes uint64
	Threads     int
}

func (b Budget) String() string {
	mem := "unlimited"
	if b.MemoryBytes > 0 {
		mem = humanize.IBytes(b.MemoryBytes)
	}
	threads := "unlimited"
	if b.Threads > 0 {
		threads = fmt.Sprint(b.Threads)
	}
	return fmt.Sprintf("jobs=%d memory=%s threads=%s", b.Jobs, mem, threads)
}

// admits reports whether r could ever run under b, i.e. fits an idle budget.
func (b Budget) admits(r model.Resources) error {
	if b.MemoryBytes > 0 && r.MemoryBytes > b.MemoryBytes {
		return fmt.Errorf("%w: memory %s > %s", model.ErrResourceExceeded,
			humanize.IBytes(r.MemoryBytes), humanize.IBytes(b.MemoryBytes))
	}
	if b.Threads > 0 && r.EffectiveThreads() > b.Threads {
		return fmt.Errorf("%w: threads %d > %d", model.ErrResourceExceeded, r.EffectiveThreads(), b.Threads)
	}
	return nil
}

// usage tracks what running tasks hold. Only the coordinator touches it.
type usage struct {
	jobs    int
	memory  uint64
	threads int
}

func (u *usage) fits(b Budget, r model.Resources) bool {
	if b.Jobs > 0 && u.jobs+1 > b.Jobs {
		return false
	}
	if b.MemoryBytes > 0 && u.memory+r.MemoryBytes > b.MemoryBytes {
		return false
	}
	if b.Threads > 0 && u.threads+r.EffectiveThreads() > b.Threads {
		return false
	}
	return true
}

func (u *usage) take(r model.Resources) {
	u.jobs++
	u.memory += r.MemoryBytes
	u.threads += r.EffectiveThreads()
}

func (u *usage) give(r model.Resources) {
	u.jobs--
	u.memory -= r.MemoryBytes
	u.threads -= r.EffectiveThreads()
}

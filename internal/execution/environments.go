package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Environments hands out leases on isolation environments. Each reference
// is prepared once; concurrent tasks naming the same reference share it.
type Environments struct {
	host      Runtime
	container Runtime
	logger    *slog.Logger

	mu   sync.Mutex
	envs map[string]*environment
}

type environment struct {
	ready    chan struct{} // closed once preparation finished
	err      error
	refCount int
}

func (env *environment) failed() bool {
	select {
	case <-env.ready:
		return env.err != nil
	default:
		return false
	}
}

// Lease grants use of one environment until Release is called.
type Lease struct {
	Ref     string
	Runtime Runtime

	owner *Environments
	once  sync.Once
}

// NewEnvironments creates a provider. container may be nil, in which case
// only tasks without an environment reference can run.
func NewEnvironments(host, container Runtime, logger *slog.Logger) *Environments {
	if host == nil {
		host = &LocalRuntime{}
	}
	return &Environments{
		host:      host,
		container: container,
		logger:    logger.With("component", "environments"),
		envs:      make(map[string]*environment),
	}
}

// Acquire returns a lease on ref. An empty ref selects the host runtime
// and involves no preparation. The first Acquire of a reference prepares
// it; others wait for that preparation and share its outcome.
func (e *Environments) Acquire(ctx context.Context, ref string) (*Lease, error) {
	if ref == "" {
		return &Lease{Runtime: e.host}, nil
	}
	if e.container == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoContainerRuntime, ref)
	}

	e.mu.Lock()
	env, ok := e.envs[ref]
	if !ok {
		env = &environment{ready: make(chan struct{})}
		e.envs[ref] = env
	}
	env.refCount++
	e.mu.Unlock()

	if !ok {
		e.logger.Info("preparing environment", "ref", ref, "runtime", e.container.Name())
		env.err = e.container.Prepare(ctx, ref)
		if env.err != nil {
			e.logger.Error("environment preparation failed", "ref", ref, "error", env.err)
		}
		close(env.ready)
	}

	select {
	case <-env.ready:
	case <-ctx.Done():
		e.release(ref)
		return nil, ctx.Err()
	}
	if env.err != nil {
		e.release(ref)
		return nil, fmt.Errorf("acquire environment %s: %w", ref, env.err)
	}
	return &Lease{Ref: ref, Runtime: e.container, owner: e}, nil
}

// Release returns the lease. Calling it more than once is harmless.
func (l *Lease) Release() {
	if l == nil || l.owner == nil {
		return
	}
	l.once.Do(func() { l.owner.release(l.Ref) })
}

func (e *Environments) release(ref string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	env, ok := e.envs[ref]
	if !ok {
		return
	}
	env.refCount--
	// A failed preparation is forgotten once unused so a later run can retry.
	if env.refCount == 0 && env.failed() {
		delete(e.envs, ref)
	}
}

// InUse returns the number of outstanding leases on ref.
func (e *Environments) InUse(ref string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if env, ok := e.envs[ref]; ok {
		return env.refCount
	}
	return 0
}

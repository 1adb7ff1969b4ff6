package model

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// Resources is the uniform resource request attached to every stage,
// regardless of which external tool the stage wraps.
type Resources struct {
	MemoryBytes uint64        `json:"memory_bytes,omitempty"`
	Time        time.Duration `json:"time,omitempty"`
	Threads     int           `json:"threads,omitempty"`
	Placement   string        `json:"placement,omitempty"`
}

// EffectiveThreads returns the thread reservation; every task holds at least one.
func (r Resources) EffectiveThreads() int {
	if r.Threads < 1 {
		return 1
	}
	return r.Threads
}

// String renders the request for log lines, e.g. "8 threads, 16 GB, 2h0m0s".
func (r Resources) String() string {
	s := fmt.Sprintf("%d threads", r.EffectiveThreads())
	if r.MemoryBytes > 0 {
		s += ", " + humanize.Bytes(r.MemoryBytes)
	}
	if r.Time > 0 {
		s += ", " + r.Time.String()
	}
	if r.Placement != "" {
		s += ", " + r.Placement
	}
	return s
}

// StageTemplate is a parameterized unit of work not yet bound to a sample.
//
// Inputs and Outputs are path patterns (see internal/pattern). Each input
// must name either a sample/genome attribute or exactly one other
// template's output pattern.
type StageTemplate struct {
	Name    string   `json:"name" yaml:"name"`
	Inputs  []string `json:"inputs" yaml:"inputs"`
	Outputs []string `json:"outputs" yaml:"outputs"`

	// Transient lists output patterns that may be deleted once every
	// consumer has succeeded. Each entry must also appear in Outputs.
	Transient []string `json:"transient,omitempty" yaml:"transient,omitempty"`

	// Log is the per-task log pattern. Empty selects the default
	// location under the working directory.
	Log string `json:"log,omitempty" yaml:"log,omitempty"`

	Resources Resources `json:"resources" yaml:"-"`

	// Environment is an opaque isolation-environment reference. Empty
	// means the command runs directly on the host.
	Environment string `json:"environment,omitempty" yaml:"environment,omitempty"`

	// Command is a shell command with $(...) parameter references.
	Command string `json:"command" yaml:"command"`
}

// IsTransient reports whether the output pattern is declared transient.
func (t *StageTemplate) IsTransient(output string) bool {
	for _, p := range t.Transient {
		if p == output {
			return true
		}
	}
	return false
}

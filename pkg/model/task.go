package model

import (
	"strings"
	"time"
)

// TaskID identifies a Task: one stage template bound to one sample.
type TaskID struct {
	Template string `json:"template"`
	Sample   string `json:"sample"`
}

// String renders the ID as "<sample>.<template>". Ordering by this string
// is the deterministic tie-break among independent ready tasks.
func (id TaskID) String() string {
	return id.Sample + "." + id.Template
}

// ParseTaskID is the inverse of TaskID.String. Sample IDs may not contain
// dots, template names may.
func ParseTaskID(s string) (TaskID, bool) {
	sample, tmpl, ok := strings.Cut(s, ".")
	if !ok || sample == "" || tmpl == "" {
		return TaskID{}, false
	}
	return TaskID{Template: tmpl, Sample: sample}, true
}

// Task is a StageTemplate instantiated for one Sample, with every path and
// the command resolved.
type Task struct {
	ID          TaskID    `json:"id"`
	Inputs      []string  `json:"inputs"`
	Outputs     []string  `json:"outputs"`
	Transient   []string  `json:"transient,omitempty"`
	LogPath     string    `json:"log"`
	Resources   Resources `json:"resources"`
	Environment string    `json:"environment,omitempty"`

	// Command is the rendered command. Output references point at the
	// staging paths in StagedOutputs, never at the final paths.
	Command string `json:"command"`

	// CommandHash fingerprints the rendered command with final output
	// paths so that an edited template invalidates previous results.
	CommandHash string `json:"command_hash"`

	// StagedOutputs maps each final output path to its staging path.
	StagedOutputs map[string]string `json:"-"`

	State TaskState `json:"state"`
}

// IsTransient reports whether the concrete output path is transient.
func (t *Task) IsTransient(path string) bool {
	for _, p := range t.Transient {
		if p == path {
			return true
		}
	}
	return false
}

// TaskRecord is the persisted view of a Task in the state store.
type TaskRecord struct {
	ID          TaskID     `json:"id"`
	RunID       string     `json:"run_id"`
	State       TaskState  `json:"state"`
	CommandHash string     `json:"command_hash"`
	LogPath     string     `json:"log_path"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

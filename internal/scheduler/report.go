package scheduler

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/me/stageflow/internal/dag"
	"github.com/me/stageflow/pkg/model"
)

// Report summarizes one run per sample.
type Report struct {
	RunID     string          `json:"run_id"`
	Status    model.RunStatus `json:"status"`
	Executed  int             `json:"executed"`
	UpToDate  int             `json:"up_to_date"`
	Cancelled bool            `json:"cancelled,omitempty"`
	Duration  time.Duration   `json:"duration"`
	Samples   []*SampleReport `json:"samples"`

	bySample map[string]*SampleReport
}

// SampleReport lists what went wrong for one sample.
type SampleReport struct {
	Sample  string        `json:"sample"`
	Tasks   int           `json:"tasks"`
	Failed  []TaskFailure `json:"failed,omitempty"`
	Skipped []string      `json:"skipped,omitempty"`
}

// TaskFailure is one FAILED task.
type TaskFailure struct {
	Template string `json:"template"`
	Error    string `json:"error"`
	ExitCode int    `json:"exit_code,omitempty"`
	LogPath  string `json:"log"`
}

// OK reports whether the sample finished without failures.
func (s *SampleReport) OK() bool {
	return len(s.Failed) == 0 && len(s.Skipped) == 0
}

func newReport(runID string, d *dag.DAG) *Report {
	r := &Report{RunID: runID, bySample: make(map[string]*SampleReport)}
	for _, id := range d.Order {
		sr, ok := r.bySample[id.Sample]
		if !ok {
			sr = &SampleReport{Sample: id.Sample}
			r.bySample[id.Sample] = sr
			r.Samples = append(r.Samples, sr)
		}
		sr.Tasks++
	}
	sort.Slice(r.Samples, func(i, j int) bool { return r.Samples[i].Sample < r.Samples[j].Sample })
	return r
}

func (r *Report) addFailure(task *model.Task, err error) {
	f := TaskFailure{Template: task.ID.Template, Error: err.Error(), LogPath: task.LogPath}
	var te *model.TaskError
	if errors.As(err, &te) {
		f.ExitCode = te.ExitCode
	}
	sr := r.bySample[task.ID.Sample]
	sr.Failed = append(sr.Failed, f)
}

func (r *Report) addSkipped(id model.TaskID) {
	sr := r.bySample[id.Sample]
	sr.Skipped = append(sr.Skipped, id.Template)
}

// OK reports whether every task succeeded. It drives the exit status.
func (r *Report) OK() bool {
	if r.Cancelled {
		return false
	}
	for _, s := range r.Samples {
		if !s.OK() {
			return false
		}
	}
	return true
}

// FailedCount returns the number of FAILED tasks.
func (r *Report) FailedCount() int {
	n := 0
	for _, s := range r.Samples {
		n += len(s.Failed)
	}
	return n
}

// SkippedCount returns the number of FAILED_BY_PROPAGATION tasks.
func (r *Report) SkippedCount() int {
	n := 0
	for _, s := range r.Samples {
		n += len(s.Skipped)
	}
	return n
}

// Sample returns the report for one sample.
func (r *Report) Sample(id string) (*SampleReport, bool) {
	s, ok := r.bySample[id]
	return s, ok
}

// Write renders the report for humans.
func (r *Report) Write(w io.Writer) {
	fmt.Fprintf(w, "run %s: %s in %s (%s executed, %s up to date)\n",
		r.RunID, r.Status, r.Duration.Round(time.Millisecond),
		humanize.Comma(int64(r.Executed)), humanize.Comma(int64(r.UpToDate)))
	for _, s := range r.Samples {
		if s.OK() {
			fmt.Fprintf(w, "  %-20s ok (%d tasks)\n", s.Sample, s.Tasks)
			continue
		}
		fmt.Fprintf(w, "  %-20s FAILED\n", s.Sample)
		for _, f := range s.Failed {
			fmt.Fprintf(w, "    failed:  %s: %s (log: %s)\n", f.Template, f.Error, f.LogPath)
		}
		for _, skipped := range s.Skipped {
			fmt.Fprintf(w, "    skipped: %s\n", skipped)
		}
	}
	if r.Cancelled {
		fmt.Fprintln(w, "  run was cancelled; remaining tasks were not started")
	}
}

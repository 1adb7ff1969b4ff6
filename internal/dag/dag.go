// Package dag expands stage templates × samples into concrete tasks and
// wires dependency edges by exact resolved-path equality.
package dag

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/me/stageflow/internal/cmdexpr"
	"github.com/me/stageflow/internal/pattern"
	"github.com/me/stageflow/internal/registry"
	"github.com/me/stageflow/pkg/model"
)

// Edge P -> C means C consumes an output of P.
type Edge struct {
	From model.TaskID `json:"from"`
	To   model.TaskID `json:"to"`
}

// DAG is the task graph of one pipeline invocation.
type DAG struct {
	tasks map[model.TaskID]*model.Task

	// Order is a deterministic topological order (Kahn's algorithm,
	// ready tasks taken in TaskID string order).
	Order []model.TaskID

	preds     map[model.TaskID][]model.TaskID
	succs     map[model.TaskID][]model.TaskID
	producer  map[string]model.TaskID
	consumers map[string][]model.TaskID
	external  map[string]bool
}

// DefaultLogPattern is used for templates that declare no log pattern.
// It is relative to the working directory.
const DefaultLogPattern = ".stageflow/logs/{sample}/{template}.log"

// StagingPath returns the temporary path a task writes final to. It sits
// in the same directory so promotion is a rename within one filesystem.
func StagingPath(final string) string {
	return filepath.Join(filepath.Dir(final), "."+filepath.Base(final)+".partial")
}

// Build instantiates every template for every sample and wires edges.
//
// Errors: ErrUnsatisfiedInput for an input that is neither external nor
// produced by any task, ErrDuplicateOutput when two tasks resolve to the
// same output path, ErrInvalidCommand for a command that fails to render,
// ErrCycleDetected when the expanded graph has a cycle.
// Relative paths are anchored at workDir ("" means the current directory).
func Build(templates *registry.Templates, entities *registry.Entities, workDir string) (*DAG, error) {
	if workDir == "" {
		workDir = "."
	}
	workDir = filepath.Clean(workDir)

	d := &DAG{
		tasks:     make(map[model.TaskID]*model.Task),
		preds:     make(map[model.TaskID][]model.TaskID),
		succs:     make(map[model.TaskID][]model.TaskID),
		producer:  make(map[string]model.TaskID),
		consumers: make(map[string][]model.TaskID),
		external:  make(map[string]bool),
	}

	// externalInputs records, per task, which concrete inputs came from an
	// external pattern.
	externalInputs := make(map[model.TaskID]map[string]bool)

	for _, sample := range entities.Samples() {
		genome, _ := entities.Genome(sample.GenomeID)
		for _, c := range templates.Order() {
			task, ext, err := instantiate(c, sample, genome, workDir)
			if err != nil {
				return nil, err
			}
			for _, out := range task.Outputs {
				if other, dup := d.producer[out]; dup {
					return nil, model.NewDefinitionError(model.ErrDuplicateOutput, task.ID.String(),
						"output %s is also produced by %s", out, other)
				}
				d.producer[out] = task.ID
			}
			d.tasks[task.ID] = task
			externalInputs[task.ID] = ext
		}
	}

	ids := d.sortedIDs()
	for _, id := range ids {
		task := d.tasks[id]
		seen := make(map[model.TaskID]bool)
		for _, in := range task.Inputs {
			p, ok := d.producer[in]
			if !ok {
				if !externalInputs[id][in] {
					return nil, model.NewDefinitionError(model.ErrUnsatisfiedInput, id.String(),
						"input %s is not sample data and no task produces it", in)
				}
				d.external[in] = true
				continue
			}
			if p == id {
				return nil, model.NewDefinitionError(model.ErrCycleDetected, id.String(), "task consumes its own output %s", in)
			}
			d.consumers[in] = appendUnique(d.consumers[in], id)
			if seen[p] {
				continue
			}
			seen[p] = true
			d.preds[id] = append(d.preds[id], p)
			d.succs[p] = append(d.succs[p], id)
		}
	}
	for id := range d.preds {
		sortIDs(d.preds[id])
	}
	for id := range d.succs {
		sortIDs(d.succs[id])
	}

	order, err := topoSort(ids, d.preds, d.succs)
	if err != nil {
		return nil, err
	}
	d.Order = order
	return d, nil
}

func instantiate(c *registry.Compiled, sample *model.Sample, genome *model.Genome, workDir string) (*model.Task, map[string]bool, error) {
	t := c.Template
	id := model.TaskID{Template: t.Name, Sample: sample.ID}
	b := pattern.Binding{Sample: sample, Genome: genome, Template: t.Name}

	task := &model.Task{
		ID:            id,
		Resources:     t.Resources,
		Environment:   t.Environment,
		StagedOutputs: make(map[string]string, len(c.Outputs)),
		State:         model.TaskStatePending,
	}

	external := make(map[string]bool)
	for _, p := range c.Inputs {
		path, err := p.Resolve(b)
		if err != nil {
			return nil, nil, &model.DefinitionError{Kind: model.ErrUnsatisfiedInput, Subject: id.String(), Msg: err.Error()}
		}
		path = anchor(workDir, path)
		if p.IsExternal() {
			external[path] = true
		}
		task.Inputs = append(task.Inputs, path)
	}

	staged := make([]string, 0, len(c.Outputs))
	for _, p := range c.Outputs {
		path, err := p.Resolve(b)
		if err != nil {
			return nil, nil, &model.DefinitionError{Kind: model.ErrInvalidPattern, Subject: id.String(), Msg: err.Error()}
		}
		path = anchor(workDir, path)
		task.Outputs = append(task.Outputs, path)
		task.StagedOutputs[path] = StagingPath(path)
		staged = append(staged, StagingPath(path))
		if t.IsTransient(p.String()) {
			task.Transient = append(task.Transient, path)
		}
	}

	logPattern := c.Log
	if logPattern == nil {
		logPattern = pattern.MustParse(DefaultLogPattern)
	}
	logPath, err := logPattern.Resolve(b)
	if err != nil {
		return nil, nil, &model.DefinitionError{Kind: model.ErrInvalidPattern, Subject: id.String(), Msg: err.Error()}
	}
	task.LogPath = anchor(workDir, logPath)

	var genomeRes map[string]string
	if genome != nil {
		genomeRes = genome.Resources
	}
	cmd, err := cmdexpr.Render(t.Command, &cmdexpr.Context{
		SampleID:   sample.ID,
		SamplePath: sample.Path,
		GenomeID:   sample.GenomeID,
		Genome:     genomeRes,
		Inputs:     task.Inputs,
		Outputs:    staged,
		Log:        task.LogPath,
		Threads:    t.Resources.EffectiveThreads(),
		Memory:     t.Resources.MemoryBytes,
	})
	if err != nil {
		return nil, nil, &model.DefinitionError{Kind: model.ErrInvalidCommand, Subject: id.String(), Msg: err.Error()}
	}
	if strings.TrimSpace(cmd) == "" {
		return nil, nil, model.NewDefinitionError(model.ErrInvalidCommand, id.String(), "empty command")
	}
	task.Command = cmd
	task.CommandHash = hashCommand(task)
	return task, external, nil
}

// hashCommand fingerprints everything that determines what a task writes.
func hashCommand(t *model.Task) string {
	h := sha256.New()
	h.Write([]byte(t.Environment))
	h.Write([]byte{0})
	h.Write([]byte(t.Command))
	for _, out := range t.Outputs {
		h.Write([]byte{0})
		h.Write([]byte(out))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func anchor(workDir, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(workDir, path)
}

// topoSort is Kahn's algorithm with the ready queue kept in TaskID order.
func topoSort(ids []model.TaskID, preds, succs map[model.TaskID][]model.TaskID) ([]model.TaskID, error) {
	inDegree := make(map[model.TaskID]int, len(ids))
	var queue []model.TaskID
	for _, id := range ids {
		inDegree[id] = len(preds[id])
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	order := make([]model.TaskID, 0, len(ids))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)
		for _, succ := range succs[node] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
		sortIDs(queue)
	}

	if len(order) != len(ids) {
		var cycle []string
		for _, id := range ids {
			if inDegree[id] > 0 {
				cycle = append(cycle, id.String())
			}
		}
		return nil, model.NewDefinitionError(model.ErrCycleDetected, strings.Join(cycle, ", "), "tasks depend on each other")
	}
	return order, nil
}

func sortIDs(ids []model.TaskID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}

func appendUnique(ids []model.TaskID, id model.TaskID) []model.TaskID {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func (d *DAG) sortedIDs() []model.TaskID {
	ids := make([]model.TaskID, 0, len(d.tasks))
	for id := range d.tasks {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}

// Len returns the number of tasks.
func (d *DAG) Len() int { return len(d.tasks) }

// Task returns the task with the given ID, or nil.
func (d *DAG) Task(id model.TaskID) *model.Task { return d.tasks[id] }

// Tasks returns all tasks in topological order.
func (d *DAG) Tasks() []*model.Task {
	out := make([]*model.Task, len(d.Order))
	for i, id := range d.Order {
		out[i] = d.tasks[id]
	}
	return out
}

// Predecessors returns the tasks producing id's inputs, sorted.
func (d *DAG) Predecessors(id model.TaskID) []model.TaskID { return d.preds[id] }

// Successors returns the tasks consuming id's outputs, sorted.
func (d *DAG) Successors(id model.TaskID) []model.TaskID { return d.succs[id] }

// Producer returns the task producing path.
func (d *DAG) Producer(path string) (model.TaskID, bool) {
	id, ok := d.producer[path]
	return id, ok
}

// Consumers returns the tasks that read path.
func (d *DAG) Consumers(path string) []model.TaskID { return d.consumers[path] }

// IsExternal reports whether path is raw sample or genome data.
func (d *DAG) IsExternal(path string) bool { return d.external[path] }

// Descendants returns every task reachable from id, in topological order.
func (d *DAG) Descendants(id model.TaskID) []model.TaskID {
	reached := make(map[model.TaskID]bool)
	stack := append([]model.TaskID(nil), d.succs[id]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reached[n] {
			continue
		}
		reached[n] = true
		stack = append(stack, d.succs[n]...)
	}
	var out []model.TaskID
	for _, n := range d.Order {
		if reached[n] {
			out = append(out, n)
		}
	}
	return out
}

// Edges returns every edge sorted by (From, To).
func (d *DAG) Edges() []Edge {
	var edges []Edge
	for _, from := range d.sortedIDs() {
		for _, to := range d.succs[from] {
			edges = append(edges, Edge{From: from, To: to})
		}
	}
	return edges
}

// MarshalJSON renders tasks, edges and order for inspection.
func (d *DAG) MarshalJSON() ([]byte, error) {
	order := make([]string, len(d.Order))
	for i, id := range d.Order {
		order[i] = id.String()
	}
	type edge struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	edges := make([]edge, 0)
	for _, e := range d.Edges() {
		edges = append(edges, edge{From: e.From.String(), To: e.To.String()})
	}
	return json.Marshal(struct {
		Order []string      `json:"order"`
		Edges []edge        `json:"edges"`
		Tasks []*model.Task `json:"tasks"`
	}{order, edges, d.Tasks()})
}

// Check verifies the graph invariant: every task's predecessors are
// exactly the producers of its inputs.
func (d *DAG) Check() error {
	for id, t := range d.tasks {
		want := make(map[model.TaskID]bool)
		for _, in := range t.Inputs {
			if p, ok := d.producer[in]; ok {
				want[p] = true
			}
		}
		got := d.preds[id]
		if len(got) != len(want) {
			return fmt.Errorf("task %s: %d predecessors, want %d", id, len(got), len(want))
		}
		for _, p := range got {
			if !want[p] {
				return fmt.Errorf("task %s: unexpected predecessor %s", id, p)
			}
		}
	}
	return nil
}

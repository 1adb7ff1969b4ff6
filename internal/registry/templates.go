package registry

import (
	"sort"
	"strings"

	"github.com/me/stageflow/internal/pattern"
	"github.com/me/stageflow/pkg/model"
)

// Compiled is a registered template with its patterns parsed.
type Compiled struct {
	Template *model.StageTemplate
	Inputs   []*pattern.Pattern
	Outputs  []*pattern.Pattern
	Log      *pattern.Pattern // nil selects the default log location

	// Producers holds, per input, the name of the template producing it,
	// or "" for an external (sample/genome) input.
	Producers []string
}

// Templates holds declared stage templates in producer-first order.
type Templates struct {
	byName    map[string]*Compiled
	order     []*Compiled
	producers map[string]string // canonical output pattern -> template name
}

// NewTemplates creates an empty template registry.
func NewTemplates() *Templates {
	return &Templates{
		byName:    make(map[string]*Compiled),
		producers: make(map[string]string),
	}
}

// Register validates t against the templates registered so far and adds
// it. Every input must be an external attribute reference or equal an
// output pattern of exactly one already-registered template.
func (r *Templates) Register(t model.StageTemplate) error {
	c, err := compile(&t)
	if err != nil {
		return err
	}
	if _, dup := r.byName[t.Name]; dup {
		return model.NewDefinitionError(model.ErrDuplicateTemplate, t.Name, "already registered")
	}

	own := make(map[string]bool, len(c.Outputs))
	for _, out := range c.Outputs {
		key := out.Canonical()
		if other, dup := r.producers[key]; dup {
			return model.NewDefinitionError(model.ErrDuplicateOutput, t.Name, "output %q is already produced by %q", out, other)
		}
		if own[key] {
			return model.NewDefinitionError(model.ErrDuplicateOutput, t.Name, "output %q declared twice", out)
		}
		own[key] = true
	}

	c.Producers = make([]string, len(c.Inputs))
	for i, in := range c.Inputs {
		if in.IsExternal() {
			continue
		}
		key := in.Canonical()
		if own[key] {
			return model.NewDefinitionError(model.ErrTemplateCycle, t.Name, "input %q is its own output", in)
		}
		producer, ok := r.producers[key]
		if !ok {
			return model.NewDefinitionError(model.ErrUnresolvedInput, t.Name,
				"input %q matches no sample attribute and no registered template output", in)
		}
		c.Producers[i] = producer
	}

	for key := range own {
		r.producers[key] = t.Name
	}
	r.byName[t.Name] = c
	r.order = append(r.order, c)
	return nil
}

// RegisterAll registers templates in any declaration order. A pre-pass
// orders them producers-first; if no such order exists it fails with
// ErrTemplateCycle. Among independent templates declaration order is kept.
func (r *Templates) RegisterAll(ts []model.StageTemplate) error {
	order, err := templateOrder(ts)
	if err != nil {
		return err
	}
	for _, i := range order {
		if err := r.Register(ts[i]); err != nil {
			return err
		}
	}
	return nil
}

// templateOrder returns indexes into ts in producer-first order using
// Kahn's algorithm, with declaration index as the tie-break.
func templateOrder(ts []model.StageTemplate) ([]int, error) {
	producer := make(map[string]int)
	for i, t := range ts {
		for _, out := range t.Outputs {
			key := canonical(out)
			if _, dup := producer[key]; !dup {
				producer[key] = i
			}
		}
	}

	forward := make([][]int, len(ts))
	inDegree := make([]int, len(ts))
	for i, t := range ts {
		seen := make(map[int]bool)
		for _, in := range t.Inputs {
			p, ok := producer[canonical(in)]
			if !ok || seen[p] {
				continue
			}
			if p == i {
				return nil, model.NewDefinitionError(model.ErrTemplateCycle, t.Name, "input %q is its own output", in)
			}
			seen[p] = true
			forward[p] = append(forward[p], i)
			inDegree[i]++
		}
	}

	var queue []int
	for i := range ts {
		if inDegree[i] == 0 {
			queue = append(queue, i)
		}
	}

	order := make([]int, 0, len(ts))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)
		for _, succ := range forward[n] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
		sort.Ints(queue)
	}

	if len(order) != len(ts) {
		var names []string
		for i, deg := range inDegree {
			if deg > 0 {
				names = append(names, ts[i].Name)
			}
		}
		sort.Strings(names)
		return nil, model.NewDefinitionError(model.ErrTemplateCycle, strings.Join(names, ", "), "templates consume each other's outputs")
	}
	return order, nil
}

// canonical returns the canonical form of a raw pattern. Unparseable
// patterns are returned as written; Register reports them.
func canonical(raw string) string {
	p, err := pattern.Parse(raw)
	if err != nil {
		return raw
	}
	return p.Canonical()
}

func compile(t *model.StageTemplate) (*Compiled, error) {
	if strings.TrimSpace(t.Name) == "" {
		return nil, model.NewDefinitionError(model.ErrInvalidPattern, "<unnamed>", "template name is required")
	}
	if strings.ContainsAny(t.Name, "/\\") {
		return nil, model.NewDefinitionError(model.ErrInvalidPattern, t.Name, "template name may not contain path separators")
	}
	if len(t.Outputs) == 0 {
		return nil, model.NewDefinitionError(model.ErrInvalidPattern, t.Name, "template declares no outputs")
	}
	if t.Resources.Threads < 0 {
		return nil, model.NewDefinitionError(model.ErrInvalidPattern, t.Name, "negative thread count")
	}

	c := &Compiled{Template: t}
	for _, raw := range t.Inputs {
		p, err := pattern.Parse(raw)
		if err != nil {
			return nil, &model.DefinitionError{Kind: model.ErrInvalidPattern, Subject: t.Name, Msg: err.Error()}
		}
		c.Inputs = append(c.Inputs, p)
	}
	for _, raw := range t.Outputs {
		p, err := pattern.Parse(raw)
		if err != nil {
			return nil, &model.DefinitionError{Kind: model.ErrInvalidPattern, Subject: t.Name, Msg: err.Error()}
		}
		if p.IsExternal() {
			return nil, model.NewDefinitionError(model.ErrInvalidPattern, t.Name, "output %q points at sample or genome data", raw)
		}
		c.Outputs = append(c.Outputs, p)
	}
	for _, raw := range t.Transient {
		found := false
		for _, out := range t.Outputs {
			if out == raw {
				found = true
				break
			}
		}
		if !found {
			return nil, model.NewDefinitionError(model.ErrInvalidPattern, t.Name, "transient %q is not a declared output", raw)
		}
	}
	if t.Log != "" {
		p, err := pattern.Parse(t.Log)
		if err != nil {
			return nil, &model.DefinitionError{Kind: model.ErrInvalidPattern, Subject: t.Name, Msg: err.Error()}
		}
		c.Log = p
	}
	return c, nil
}

// Order returns the registered templates in producer-first order.
func (r *Templates) Order() []*Compiled {
	out := make([]*Compiled, len(r.order))
	copy(out, r.order)
	return out
}

// Get returns the registered template with the given name.
func (r *Templates) Get(name string) (*Compiled, bool) {
	c, ok := r.byName[name]
	return c, ok
}

// Len returns the number of registered templates.
func (r *Templates) Len() int { return len(r.order) }

// Package registry holds the loaded samples, genomes and stage templates
// that the DAG builder expands into tasks.
package registry

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/me/stageflow/pkg/model"
)

// sheetHeader is the optional first line of a sample sheet.
var sheetHeader = []string{"sample_id", "input_path", "genome_id"}

// Entities holds Sample and Genome records. It performs no I/O beyond
// reading the sheet and genome config themselves: the files a sample or
// genome points at are resolved lazily by the tasks that use them.
type Entities struct {
	samples map[string]*model.Sample
	genomes map[string]*model.Genome

	genomesLoaded bool
}

// NewEntities creates an empty registry.
func NewEntities() *Entities {
	return &Entities{
		samples: make(map[string]*model.Sample),
		genomes: make(map[string]*model.Genome),
	}
}

// LoadSampleFile opens path and calls LoadSamples.
func (e *Entities) LoadSampleFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open sample sheet: %w", err)
	}
	defer f.Close()
	if err := e.LoadSamples(f); err != nil {
		return fmt.Errorf("sample sheet %s: %w", path, err)
	}
	return nil
}

// LoadSamples parses comma-delimited sample_id,input_path,genome_id
// records. Blank lines and lines starting with '#' are ignored, as is a
// header line naming exactly those three columns.
//
// The load is all-or-nothing: on error no sample from r is kept.
func (e *Entities) LoadSamples(r io.Reader) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.Comment = '#'
	cr.TrimLeadingSpace = true

	loaded := make(map[string]*model.Sample)
	var order []string
	first := true
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				return &model.RecordError{Line: pe.Line, Reason: pe.Err.Error()}
			}
			return fmt.Errorf("read sample sheet: %w", err)
		}
		line, _ := cr.FieldPos(0)

		for i := range rec {
			rec[i] = strings.TrimSpace(rec[i])
		}
		if first {
			first = false
			if isHeader(rec) {
				continue
			}
		}

		s, err := parseSampleRecord(rec, line)
		if err != nil {
			return err
		}
		if _, dup := e.samples[s.ID]; dup {
			return &model.RecordError{Line: line, Reason: fmt.Sprintf("duplicate sample id %q", s.ID)}
		}
		if _, dup := loaded[s.ID]; dup {
			return &model.RecordError{Line: line, Reason: fmt.Sprintf("duplicate sample id %q", s.ID)}
		}
		loaded[s.ID] = s
		order = append(order, s.ID)
	}

	if e.genomesLoaded {
		for _, id := range order {
			s := loaded[id]
			if _, ok := e.genomes[s.GenomeID]; !ok {
				return &model.GenomeReferenceError{SampleID: s.ID, GenomeID: s.GenomeID}
			}
		}
	}
	for id, s := range loaded {
		e.samples[id] = s
	}
	return nil
}

func isHeader(rec []string) bool {
	if len(rec) != len(sheetHeader) {
		return false
	}
	for i := range rec {
		if !strings.EqualFold(rec[i], sheetHeader[i]) {
			return false
		}
	}
	return true
}

func parseSampleRecord(rec []string, line int) (*model.Sample, error) {
	if len(rec) != 3 {
		return nil, &model.RecordError{Line: line, Reason: fmt.Sprintf("expected 3 fields, got %d", len(rec))}
	}
	for i, name := range sheetHeader {
		if rec[i] == "" {
			return nil, &model.RecordError{Line: line, Reason: fmt.Sprintf("empty %s", name)}
		}
	}
	// Sample IDs become path components and the first half of task IDs.
	if strings.ContainsAny(rec[0], "./\\") {
		return nil, &model.RecordError{Line: line, Reason: fmt.Sprintf("sample id %q may not contain '.', '/' or '\\'", rec[0])}
	}
	return &model.Sample{ID: rec[0], Path: rec[1], GenomeID: rec[2]}, nil
}

// LoadGenomes builds the genome mapping. Every loaded sample must name a
// genome present in the mapping.
func (e *Entities) LoadGenomes(genomes map[string]map[string]string) error {
	built := make(map[string]*model.Genome, len(genomes))
	for id, resources := range genomes {
		if strings.TrimSpace(id) == "" {
			return errors.New("genome config: empty genome id")
		}
		res := make(map[string]string, len(resources))
		for role, path := range resources {
			res[role] = path
		}
		built[id] = &model.Genome{ID: id, Resources: res}
	}

	for _, s := range e.Samples() {
		if _, ok := built[s.GenomeID]; !ok {
			return &model.GenomeReferenceError{SampleID: s.ID, GenomeID: s.GenomeID}
		}
	}

	e.genomes = built
	e.genomesLoaded = true
	return nil
}

// Samples returns all samples sorted by ID.
func (e *Entities) Samples() []*model.Sample {
	out := make([]*model.Sample, 0, len(e.samples))
	for _, s := range e.samples {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Sample returns the sample with the given ID.
func (e *Entities) Sample(id string) (*model.Sample, bool) {
	s, ok := e.samples[id]
	return s, ok
}

// Genome returns the genome with the given ID.
func (e *Entities) Genome(id string) (*model.Genome, bool) {
	g, ok := e.genomes[id]
	return g, ok
}

// Select narrows the registry to the given sample IDs. Unknown IDs are an error.
func (e *Entities) Select(ids []string) (*Entities, error) {
	if len(ids) == 0 {
		return e, nil
	}
	sel := &Entities{
		samples:       make(map[string]*model.Sample, len(ids)),
		genomes:       e.genomes,
		genomesLoaded: e.genomesLoaded,
	}
	for _, id := range ids {
		s, ok := e.samples[id]
		if !ok {
			return nil, fmt.Errorf("unknown sample %q", id)
		}
		sel.samples[id] = s
	}
	return sel, nil
}

// Package parser loads pipeline and genome definition files.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/me/stageflow/pkg/model"
	"gopkg.in/yaml.v3"
)

// Parser converts pipeline and genome YAML documents into domain models.
type Parser struct {
	logger *slog.Logger
}

// New creates a Parser with the given logger.
func New(logger *slog.Logger) *Parser {
	return &Parser{logger: logger.With("component", "parser")}
}

type pipelineDoc struct {
	Templates []templateDoc `yaml:"templates"`
}

type templateDoc struct {
	Name        string       `yaml:"name"`
	Inputs      stringList   `yaml:"inputs"`
	Outputs     stringList   `yaml:"outputs"`
	Transient   stringList   `yaml:"transient"`
	Log         string       `yaml:"log"`
	Environment string       `yaml:"environment"`
	Resources   resourcesDoc `yaml:"resources"`
	Command     string       `yaml:"command"`
}

type resourcesDoc struct {
	Memory    string `yaml:"memory"`
	Time      string `yaml:"time"`
	Threads   int    `yaml:"threads"`
	Placement string `yaml:"placement"`
}

// stringList accepts either a scalar or a sequence of strings.
type stringList []string

func (l *stringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*l = stringList{node.Value}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	}
	return fmt.Errorf("line %d: expected string or list of strings", node.Line)
}

// LoadPipelineFile reads and parses a pipeline definition.
func (p *Parser) LoadPipelineFile(path string) ([]model.StageTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline: %w", err)
	}
	ts, err := p.ParsePipeline(data)
	if err != nil {
		return nil, fmt.Errorf("pipeline %s: %w", path, err)
	}
	return ts, nil
}

// ParsePipeline parses a pipeline document into stage templates, in
// declaration order. Unknown keys are rejected.
func (p *Parser) ParsePipeline(data []byte) ([]model.StageTemplate, error) {
	var doc pipelineDoc
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty pipeline document")
		}
		return nil, fmt.Errorf("YAML parse error: %w", err)
	}
	if len(doc.Templates) == 0 {
		return nil, errors.New("pipeline declares no templates")
	}

	templates := make([]model.StageTemplate, 0, len(doc.Templates))
	for i, td := range doc.Templates {
		res, err := parseResources(td.Resources)
		if err != nil {
			return nil, fmt.Errorf("templates[%d] (%s): %w", i, td.Name, err)
		}
		templates = append(templates, model.StageTemplate{
			Name:        strings.TrimSpace(td.Name),
			Inputs:      td.Inputs,
			Outputs:     td.Outputs,
			Transient:   td.Transient,
			Log:         td.Log,
			Resources:   res,
			Environment: strings.TrimSpace(td.Environment),
			Command:     strings.TrimRight(td.Command, "\n"),
		})
	}
	p.logger.Debug("pipeline parsed", "templates", len(templates))
	return templates, nil
}

func parseResources(rd resourcesDoc) (model.Resources, error) {
	res := model.Resources{Threads: rd.Threads, Placement: rd.Placement}
	if rd.Threads < 0 {
		return res, fmt.Errorf("resources.threads must not be negative")
	}
	if rd.Memory != "" {
		n, err := ParseMemory(rd.Memory)
		if err != nil {
			return res, err
		}
		res.MemoryBytes = n
	}
	if rd.Time != "" {
		d, err := time.ParseDuration(rd.Time)
		if err != nil {
			return res, fmt.Errorf("resources.time: %w", err)
		}
		res.Time = d
	}
	return res, nil
}

// ParseMemory parses sizes such as "16GB", "512 MiB" or "2000000".
// A bare number is a count of megabytes, the unit resource managers use.
func ParseMemory(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if isDigits(s) {
		s += "MB"
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("resources.memory: %w", err)
	}
	return n, nil
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return s != ""
}

type genomeDoc struct {
	Genomes map[string]map[string]string `yaml:"genomes"`
}

// LoadGenomeFile reads a genome config. Relative resource paths are
// resolved against the config file's directory.
func (p *Parser) LoadGenomeFile(path string) (map[string]map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genome config: %w", err)
	}
	absDir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("genome config dir: %w", err)
	}
	g, err := p.ParseGenomes(data, absDir)
	if err != nil {
		return nil, fmt.Errorf("genome config %s: %w", path, err)
	}
	return g, nil
}

// ParseGenomes parses a genome config document:
//
//	genomes:
//	  hg38:
//	    reference: ref/hg38.fa
//	    annotation: ref/hg38.gtf
//
// baseDir, when non-empty, is joined to relative paths.
func (p *Parser) ParseGenomes(data []byte, baseDir string) (map[string]map[string]string, error) {
	var doc genomeDoc
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return map[string]map[string]string{}, nil
		}
		return nil, fmt.Errorf("YAML parse error: %w", err)
	}

	out := make(map[string]map[string]string, len(doc.Genomes))
	for id, resources := range doc.Genomes {
		res := make(map[string]string, len(resources))
		for role, path := range resources {
			if strings.TrimSpace(path) == "" {
				return nil, fmt.Errorf("genome %s: empty path for %q", id, role)
			}
			if baseDir != "" && !filepath.IsAbs(path) {
				path = filepath.Join(baseDir, path)
			}
			res[role] = path
		}
		out[id] = res
	}
	p.logger.Debug("genomes parsed", "genomes", len(out))
	return out, nil
}

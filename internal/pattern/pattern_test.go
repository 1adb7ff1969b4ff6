package pattern

import (
	"errors"
	"strings"
	"testing"

	"github.com/me/stageflow/pkg/model"
)

func testBinding() Binding {
	return Binding{
		Sample: &model.Sample{ID: "S1", Path: "/data/S1.fastq.gz", GenomeID: "hg38"},
		Genome: &model.Genome{ID: "hg38", Resources: map[string]string{
			"reference":  "/ref/hg38.fa",
			"annotation": "/ref/hg38.gtf",
		}},
		Template: "align",
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		pattern string
		want    string
	}{
		{"results/{sample}/aligned.bam", "results/S1/aligned.bam"},
		{"results/{sample.id}/{template}.log", "results/S1/align.log"},
		{"{sample.path}", "/data/S1.fastq.gz"},
		{"{genome.reference}", "/ref/hg38.fa"},
		{"out/{sample.genome}/{sample}.txt", "out/hg38/S1.txt"},
		{"out//{sample}/./x", "out/S1/x"},
		{"lit{{eral}}/{sample}", "lit{eral}/S1"},
	}
	for _, tt := range tests {
		p, err := Parse(tt.pattern)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tt.pattern, err)
		}
		got, err := p.Resolve(testBinding())
		if err != nil {
			t.Fatalf("Resolve(%q): %v", tt.pattern, err)
		}
		if got != tt.want {
			t.Errorf("Resolve(%q) = %q, want %q", tt.pattern, got, tt.want)
		}
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, s := range []string{"", "  ", "out/{sample", "out/{bogus}/x", "out/}x", "{genome.}"} {
		_, err := Parse(s)
		if !errors.Is(err, model.ErrInvalidPattern) {
			t.Errorf("Parse(%q) error = %v, want ErrInvalidPattern", s, err)
		}
	}
}

func TestIsExternal(t *testing.T) {
	tests := []struct {
		pattern  string
		external bool
	}{
		{"{sample.path}", true},
		{"{genome.reference}", true},
		{"{sample}", false},
		{"{sample.path}.fai", false},
		{"results/{sample}/x.bam", false},
	}
	for _, tt := range tests {
		if got := MustParse(tt.pattern).IsExternal(); got != tt.external {
			t.Errorf("IsExternal(%q) = %v, want %v", tt.pattern, got, tt.external)
		}
	}
}

func TestResolve_MissingGenomeRole(t *testing.T) {
	_, err := MustParse("{genome.tracks}").Resolve(testBinding())
	if err == nil || !strings.Contains(err.Error(), `no resource "tracks"`) {
		t.Errorf("Resolve error = %v", err)
	}
}

func TestAttributes(t *testing.T) {
	got := MustParse("a/{sample}/{genome.reference}/b").Attributes()
	if len(got) != 2 || got[0] != "sample" || got[1] != "genome.reference" {
		t.Errorf("Attributes = %v", got)
	}
}

func TestCanonical(t *testing.T) {
	tests := []struct {
		a, b string
		same bool
	}{
		{"out/{sample}/x", "out/{sample.id}/x", true},
		{"out//{sample}/./x", "out/{sample}/x", true},
		{"lit{{eral}}/{sample}", "lit{{eral}}/{sample.id}", true},
		{"out/{sample}/x", "out/{sample.genome}/x", false},
		{"out/{sample}/x", "out/{sample}/y", false},
	}
	for _, tt := range tests {
		a, b := MustParse(tt.a), MustParse(tt.b)
		if got := a.Canonical() == b.Canonical(); got != tt.same {
			t.Errorf("Canonical(%q)=%q vs Canonical(%q)=%q: same=%v, want %v",
				tt.a, a.Canonical(), tt.b, b.Canonical(), got, tt.same)
		}
	}
}

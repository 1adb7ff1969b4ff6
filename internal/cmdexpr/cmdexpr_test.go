package cmdexpr

import (
	"strings"
	"testing"
)

func testContext() *Context {
	return &Context{
		SampleID:   "S1",
		SamplePath: "/data/S1.fq.gz",
		GenomeID:   "hg38",
		Genome:     map[string]string{"reference": "/ref/hg38.fa"},
		Inputs:     []string{"/data/S1.fq.gz", "/ref/hg38.fa"},
		Outputs:    []string{"/work/out/S1/.aligned.bam.partial"},
		Log:        "/work/logs/S1/align.log",
		Threads:    8,
		Memory:     16_000_000_000,
	}
}

func TestRender(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
		want string
	}{
		{"literal", "echo hello", "echo hello"},
		{"sample id", "echo $(sample.id)", "echo S1"},
		{"indexed inputs", "aln $(inputs[1]) $(inputs[0])", "aln /ref/hg38.fa /data/S1.fq.gz"},
		{"array joins", "cat $(inputs)", "cat /data/S1.fq.gz /ref/hg38.fa"},
		{"genome role", "$(genome.reference)", "/ref/hg38.fa"},
		{"numbers", "-t $(threads) -m $(memory_mb)M", "-t 8 -m 16000M"},
		{"arithmetic", "$(threads - 1)", "7"},
		{"nested parens", "$((threads * 2))", "16"},
		{"escaped", `echo \$(not evaluated)`, "echo $(not evaluated)"},
		{"quote helper", "$(q('a b'))", "'a b'"},
		{"js method", "$(sample.path.replace('.fq.gz', ''))", "/data/S1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.tmpl, testContext())
			if err != nil {
				t.Fatalf("Render(%q): %v", tt.tmpl, err)
			}
			if got != tt.want {
				t.Errorf("Render(%q) = %q, want %q", tt.tmpl, got, tt.want)
			}
		})
	}
}

func TestRender_Errors(t *testing.T) {
	for _, tmpl := range []string{"$(nope.x)", "$(sample.missing)", "$(inputs[9])", "$(syntax error here)"} {
		if _, err := Render(tmpl, testContext()); err == nil {
			t.Errorf("Render(%q) should fail", tmpl)
		}
	}
}

func TestShellQuote(t *testing.T) {
	tests := map[string]string{
		"":             "''",
		"/plain/path":  "/plain/path",
		"with space":   "'with space'",
		"it's":         `'it'\''s'`,
		"a;rm -rf /":   "'a;rm -rf /'",
	}
	for in, want := range tests {
		if got := ShellQuote(in); got != want {
			t.Errorf("ShellQuote(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRender_UnclosedExpressionIsLiteral(t *testing.T) {
	got, err := Render("echo $(sample.id", testContext())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "$(sample.id") {
		t.Errorf("got %q", got)
	}
}

func TestRender_SubstitutedValuesAreNotUnescaped(t *testing.T) {
	ctx := testContext()
	ctx.SamplePath = `/data/odd\$(name).fq`

	got, err := Render(`echo \$(literal) $(sample.path)`, ctx)
	if err != nil {
		t.Fatal(err)
	}
	if want := `echo $(literal) /data/odd\$(name).fq`; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

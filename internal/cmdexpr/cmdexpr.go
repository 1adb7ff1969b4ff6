// Package cmdexpr renders stage command templates. A template is shell
// text with $(...) parameter references evaluated as JavaScript (goja)
// against the task's resolved values:
//
//	sample.id, sample.path, sample.genome
//	genome.<role>
//	inputs[i], outputs[i], log
//	threads, memory (bytes), memory_mb
//	q(x)   shell-quotes a string
//
// Arrays render space-separated. \$( produces a literal $(.
package cmdexpr

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/dop251/goja"
)

// Context holds the values visible to a command template.
type Context struct {
	SampleID   string
	SamplePath string
	GenomeID   string
	Genome     map[string]string
	Inputs     []string
	Outputs    []string
	Log        string
	Threads    int
	Memory     uint64
}

// Render evaluates every $(...) reference in tmpl.
func Render(tmpl string, ctx *Context) (string, error) {
	matches := findExpressions(tmpl)
	if len(matches) == 0 {
		return unescape(tmpl), nil
	}

	vm, err := setupVM(ctx)
	if err != nil {
		return "", err
	}

	// Only template text is unescaped; substituted values are written as is.
	var b strings.Builder
	lastEnd := 0
	for _, m := range matches {
		b.WriteString(unescape(tmpl[lastEnd:m.start]))
		val, err := vm.RunString(m.expr)
		if err != nil {
			return "", fmt.Errorf("expression error in $(%s): %w", m.expr, err)
		}
		if goja.IsUndefined(val) || goja.IsNull(val) {
			return "", fmt.Errorf("expression $(%s) is undefined", m.expr)
		}
		b.WriteString(toString(val.Export()))
		lastEnd = m.end
	}
	b.WriteString(unescape(tmpl[lastEnd:]))
	return b.String(), nil
}

func setupVM(ctx *Context) (*goja.Runtime, error) {
	vm := goja.New()

	genome := make(map[string]any, len(ctx.Genome))
	for role, path := range ctx.Genome {
		genome[role] = path
	}
	vars := map[string]any{
		"sample": map[string]any{
			"id":     ctx.SampleID,
			"path":   ctx.SamplePath,
			"genome": ctx.GenomeID,
		},
		"genome":    genome,
		"inputs":    toAnySlice(ctx.Inputs),
		"outputs":   toAnySlice(ctx.Outputs),
		"log":       ctx.Log,
		"threads":   ctx.Threads,
		"memory":    ctx.Memory,
		"memory_mb": ctx.Memory / (1000 * 1000),
		"q":         ShellQuote,
	}
	for name, v := range vars {
		if err := vm.Set(name, v); err != nil {
			return nil, fmt.Errorf("set %s: %w", name, err)
		}
	}
	return vm, nil
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// ShellQuote quotes s for POSIX sh when it contains anything beyond a
// conservative set of safe characters.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, c := range s {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || strings.ContainsRune("-_./=:,+@%", c)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// exprMatch is one $(...) occurrence.
type exprMatch struct {
	start int    // index of "$("
	end   int    // index after the closing ")"
	expr  string // content between the parentheses
}

// findExpressions finds all unescaped $(expr) occurrences, handling nested
// parentheses.
func findExpressions(s string) []exprMatch {
	var matches []exprMatch
	i := 0
	for i < len(s)-1 {
		if s[i] == '$' && s[i+1] == '(' && (i == 0 || s[i-1] != '\\') {
			depth := 1
			j := i + 2
			for j < len(s) && depth > 0 {
				switch s[j] {
				case '(':
					depth++
				case ')':
					depth--
				}
				j++
			}
			if depth == 0 {
				matches = append(matches, exprMatch{start: i, end: j, expr: s[i+2 : j-1]})
				i = j
				continue
			}
		}
		i++
	}
	return matches
}

func unescape(s string) string {
	return strings.ReplaceAll(s, `\$(`, "$(")
}

// toString renders an exported JavaScript value as command text.
func toString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case []any:
		parts := make([]string, len(val))
		for i, e := range val {
			parts[i] = toString(e)
		}
		return strings.Join(parts, " ")
	case map[string]any:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", val)
	}
}

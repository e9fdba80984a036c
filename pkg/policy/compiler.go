package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/polisai/plan-lint/pkg/domain"
)

// PackageName is the Rego package emitted by Compile.
const PackageName = "planlint"

// Query is the decision path of a compiled policy.
const Query = "data." + PackageName

// Compile renders policy as a Rego v1 module with the same semantics as the
// built-in rule engine. The output depends only on the policy, so compiling
// the same policy twice yields identical text.
func Compile(p *domain.Policy) string {
	var b strings.Builder

	b.WriteString("# Code generated by plan-lint. DO NOT EDIT.\n")
	fmt.Fprintf(&b, "package %s\n\n", PackageName)

	b.WriteString("default allow := false\n\n")
	b.WriteString("allow if count(violations) == 0\n\n")

	writeAllowlist(&b, p.AllowTools())
	writeBounds(&b, p.Bounds())
	writeSecrets(&b, p.Patterns())
	writeMaxSteps(&b, p.MaxSteps())

	return b.String()
}

func writeAllowlist(b *strings.Builder, tools []string) {
	fmt.Fprintf(b, "allowed_tools := %s\n\n", stringArray(tools))
	b.WriteString("tool_allowed(tool) if tool in allowed_tools\n\n")
	fmt.Fprintf(b, "tool_allowed(_) if %s in allowed_tools\n\n", regoString(domain.WildcardTool))
	b.WriteString(`violations contains {"step": i, "code": "TOOL_DENY", "msg": msg} if {
	some i, step in input.steps
	not tool_allowed(step.tool)
	msg := sprintf("Tool '%s' is not allowed by policy", [step.tool])
}

`)
}

func writeBounds(b *strings.Builder, bounds []domain.Bound) {
	if len(bounds) == 0 {
		return
	}
	b.WriteString(`within_bounds(value, lo, hi) if {
	value >= lo
	value <= hi
}

`)
	for _, bound := range bounds {
		lo, hi := regoNumber(bound.Min), regoNumber(bound.Max)
		fmt.Fprintf(b, "# bounds: %s\n", sanitizeComment(bound.Key))
		b.WriteString(`violations contains {"step": i, "code": "BOUNDS_VIOLATION", "msg": msg} if {
	some i, step in input.steps
`)
		fmt.Fprintf(b, "\tstep.tool == %s\n", regoString(bound.Tool))
		fmt.Fprintf(b, "\tvalue := step.args[%s]\n", regoString(bound.Arg))
		b.WriteString("\tis_number(value)\n")
		fmt.Fprintf(b, "\tnot within_bounds(value, %s, %s)\n", lo, hi)
		fmt.Fprintf(b, "\tmsg := sprintf(\"Argument '%%s' value %%v outside bounds [%%v, %%v]\", [%s, value, %s, %s])\n",
			regoString(bound.Arg), lo, hi)
		b.WriteString("}\n\n")
	}
}

func writeSecrets(b *strings.Builder, patterns []domain.Pattern) {
	sources := make([]string, len(patterns))
	labels := make([]string, len(patterns))
	for i, pattern := range patterns {
		sources[i] = pattern.Source
		labels[i] = pattern.Label
	}
	fmt.Fprintf(b, "sensitive_patterns := %s\n\n", stringArray(sources))
	fmt.Fprintf(b, "pattern_labels := %s\n\n", stringArray(labels))
	b.WriteString(`violations contains {"step": i, "code": "RAW_SECRET", "msg": msg} if {
	some i, step in input.steps
	some k, pattern in sensitive_patterns
	walk(step.args, [_, value])
	is_string(value)
	regex.match(pattern, value)
	msg := sprintf("Potentially sensitive data matching pattern '%s' found in arguments", [pattern_labels[k]])
}

`)
}

func writeMaxSteps(b *strings.Builder, limit int) {
	if limit <= 0 {
		return
	}
	fmt.Fprintf(b, "max_steps := %d\n\n", limit)
	fmt.Fprintf(b, "step_count_ok if count(input.steps) <= %d\n\n", limit)
	b.WriteString(`violations contains {"step": null, "code": "MAX_STEPS_EXCEEDED", "msg": msg} if {
	not step_count_ok
	msg := sprintf("Plan has %d steps, exceeding the maximum of %d", [count(input.steps), max_steps])
}
`)
}

// regoString renders s as a Rego string literal. JSON string syntax is a
// subset of Rego's.
func regoString(s string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	return strings.TrimSuffix(buf.String(), "\n")
}

func stringArray(items []string) string {
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = regoString(item)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

// regoNumber uses the JSON rendering so literals compare and print exactly
// like plan arguments arriving through input.
func regoNumber(v float64) string {
	text, err := json.Marshal(v)
	if err != nil {
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	return string(text)
}

func sanitizeComment(s string) string {
	return strings.NewReplacer("\n", " ", "\r", " ").Replace(s)
}

package domain

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode"
)

const (
	// DefaultFailRiskThreshold is used when a policy does not set one.
	DefaultFailRiskThreshold = 0.8
	// DefaultFailureRisk is the risk assigned to evaluator failures.
	DefaultFailureRisk = 1.0
	// WildcardTool in allow_tools permits every tool.
	WildcardTool = "*"
)

// weightAliases maps legacy risk_weights keys onto kinds.
var weightAliases = map[string]ErrorKind{
	"loop": KindLoopDetected,
}

// PolicySpec is the serialised form of a policy as found in YAML or JSON
// policy files. It is only a construction input; validation happens in
// NewPolicy.
type PolicySpec struct {
	AllowTools        []string             `yaml:"allow_tools" json:"allow_tools"`
	Bounds            map[string][]float64 `yaml:"bounds" json:"bounds"`
	DenyTokensRegex   []string             `yaml:"deny_tokens_regex" json:"deny_tokens_regex"`
	MaxSteps          int                  `yaml:"max_steps" json:"max_steps"`
	RiskWeights       map[string]float64   `yaml:"risk_weights" json:"risk_weights"`
	FailRiskThreshold *float64             `yaml:"fail_risk_threshold" json:"fail_risk_threshold"`
	FailureRisk       *float64             `yaml:"failure_risk" json:"failure_risk"`
	Severities        map[string]string    `yaml:"severities" json:"severities"`
}

// Bound is a closed numeric interval applied to one argument of one tool.
type Bound struct {
	Key  string
	Tool string
	Arg  string
	Min  float64
	Max  float64
}

// Contains reports whether value lies within the closed interval.
func (b Bound) Contains(value float64) bool {
	return value >= b.Min && value <= b.Max
}

// Pattern is a compiled deny-token expression.
type Pattern struct {
	Source string
	// Label is what findings name: the source, or a positional reference
	// when the source looks like a literal credential.
	Label string
	expr  *regexp.Regexp
}

// MatchString reports whether s contains a match.
func (p Pattern) MatchString(s string) bool {
	return p.expr != nil && p.expr.MatchString(s)
}

// Policy is a validated, read-only policy. Construct it with NewPolicy.
type Policy struct {
	allowTools  []string
	allowSet    map[string]struct{}
	allowAll    bool
	bounds      []Bound
	patterns    []Pattern
	maxSteps    int
	weights     map[ErrorKind]float64
	threshold   float64
	failureRisk float64
	severities  map[ErrorKind]Severity
}

// NewPolicy validates spec and builds an immutable Policy.
func NewPolicy(spec PolicySpec) (*Policy, error) {
	p := &Policy{
		allowSet:    make(map[string]struct{}, len(spec.AllowTools)),
		weights:     make(map[ErrorKind]float64, len(spec.RiskWeights)),
		severities:  make(map[ErrorKind]Severity, len(spec.Severities)),
		threshold:   DefaultFailRiskThreshold,
		failureRisk: DefaultFailureRisk,
	}

	for i, tool := range spec.AllowTools {
		tool = strings.TrimSpace(tool)
		if tool == "" {
			return nil, policyError(fmt.Sprintf("allow_tools[%d]", i), "tool name is empty")
		}
		if _, dup := p.allowSet[tool]; dup {
			continue
		}
		p.allowSet[tool] = struct{}{}
		p.allowTools = append(p.allowTools, tool)
		if tool == WildcardTool {
			p.allowAll = true
		}
	}

	keys := make([]string, 0, len(spec.Bounds))
	for key := range spec.Bounds {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		interval := spec.Bounds[key]
		cut := strings.LastIndex(key, ".")
		if cut <= 0 || cut == len(key)-1 {
			return nil, policyError("bounds."+key, `key must have the form "<tool>.<arg>"`)
		}
		if len(interval) != 2 {
			return nil, policyError("bounds."+key, fmt.Sprintf("want [min, max], got %d values", len(interval)))
		}
		lo, hi := interval[0], interval[1]
		if !finite(lo) || !finite(hi) {
			return nil, policyError("bounds."+key, "bounds must be finite")
		}
		if lo > hi {
			return nil, policyError("bounds."+key, fmt.Sprintf("min %v exceeds max %v", lo, hi))
		}
		p.bounds = append(p.bounds, Bound{Key: key, Tool: key[:cut], Arg: key[cut+1:], Min: lo, Max: hi})
	}

	seenPatterns := make(map[string]struct{}, len(spec.DenyTokensRegex))
	for i, src := range spec.DenyTokensRegex {
		if src == "" {
			return nil, policyError(fmt.Sprintf("deny_tokens_regex[%d]", i), "pattern is empty")
		}
		if _, dup := seenPatterns[src]; dup {
			continue
		}
		seenPatterns[src] = struct{}{}
		expr, err := regexp.Compile(src)
		if err != nil {
			return nil, policyError(fmt.Sprintf("deny_tokens_regex[%d]", i), err.Error())
		}
		label := src
		if looksLikeCredential(src) {
			label = fmt.Sprintf("deny_tokens_regex[%d]", i)
		}
		p.patterns = append(p.patterns, Pattern{Source: src, Label: label, expr: expr})
	}

	if spec.MaxSteps < 0 {
		return nil, policyError("max_steps", "must not be negative")
	}
	p.maxSteps = spec.MaxSteps

	for key, weight := range spec.RiskWeights {
		kind, ok := resolveWeightKey(key)
		if !ok {
			return nil, policyError("risk_weights."+key, "unknown finding kind")
		}
		if !unitInterval(weight) {
			return nil, policyError("risk_weights."+key, fmt.Sprintf("weight %v outside [0, 1]", weight))
		}
		p.weights[kind] = weight
	}

	if spec.FailRiskThreshold != nil {
		if !unitInterval(*spec.FailRiskThreshold) {
			return nil, policyError("fail_risk_threshold", fmt.Sprintf("%v outside [0, 1]", *spec.FailRiskThreshold))
		}
		p.threshold = *spec.FailRiskThreshold
	}
	if spec.FailureRisk != nil {
		if !unitInterval(*spec.FailureRisk) {
			return nil, policyError("failure_risk", fmt.Sprintf("%v outside [0, 1]", *spec.FailureRisk))
		}
		p.failureRisk = *spec.FailureRisk
	}

	for key, name := range spec.Severities {
		kind, ok := resolveWeightKey(key)
		if !ok {
			return nil, policyError("severities."+key, "unknown finding kind")
		}
		severity, ok := ParseSeverity(name)
		if !ok {
			return nil, policyError("severities."+key, fmt.Sprintf("unknown severity %q", name))
		}
		if kind == KindSchemaInvalid && severity == SeverityWarning {
			return nil, policyError("severities."+key, "schema_invalid cannot be downgraded")
		}
		p.severities[kind] = severity
	}

	return p, nil
}

// MustPolicy is NewPolicy for statically known specs; it panics on error.
func MustPolicy(spec PolicySpec) *Policy {
	p, err := NewPolicy(spec)
	if err != nil {
		panic(err)
	}
	return p
}

// AllowTools returns the allowlist in declaration order.
func (p *Policy) AllowTools() []string {
	return append([]string(nil), p.allowTools...)
}

// Allows reports whether tool may be used. An empty allowlist denies all.
func (p *Policy) Allows(tool string) bool {
	if p.allowAll {
		return true
	}
	_, ok := p.allowSet[tool]
	return ok
}

// Bounds returns every bound sorted by key.
func (p *Policy) Bounds() []Bound {
	return append([]Bound(nil), p.bounds...)
}

// Patterns returns the deny-token patterns in declaration order.
func (p *Policy) Patterns() []Pattern {
	return append([]Pattern(nil), p.patterns...)
}

// MaxSteps returns the step ceiling; zero means unlimited.
func (p *Policy) MaxSteps() int { return p.maxSteps }

// Weight returns the configured risk weight of kind, or 0.
func (p *Policy) Weight(kind ErrorKind) float64 { return p.weights[kind] }

// FailRiskThreshold returns the risk at or above which a plan fails.
func (p *Policy) FailRiskThreshold() float64 { return p.threshold }

// FailureRisk returns the risk assigned when an evaluator cannot run.
func (p *Policy) FailureRisk() float64 { return p.failureRisk }

// SeverityOf returns the effective severity for kind.
func (p *Policy) SeverityOf(kind ErrorKind) Severity {
	if kind == KindSchemaInvalid {
		return SeverityError
	}
	if severity, ok := p.severities[kind]; ok {
		return severity
	}
	return SeverityError
}

func resolveWeightKey(key string) (ErrorKind, bool) {
	normalized := strings.ToLower(strings.TrimSpace(key))
	if kind, ok := weightAliases[normalized]; ok {
		return kind, true
	}
	return ParseErrorKind(normalized)
}

// looksLikeCredential flags patterns that are plain literals long enough and
// mixed enough to be a pasted secret rather than a token name.
func looksLikeCredential(src string) bool {
	if len(src) < 20 || regexp.QuoteMeta(src) != src {
		return false
	}
	var letters, digits bool
	for _, r := range src {
		switch {
		case unicode.IsLetter(r):
			letters = true
		case unicode.IsDigit(r):
			digits = true
		case r == '_' || r == '-' || r == '/' || r == '=':
		default:
			return false
		}
	}
	return letters && digits
}

func unitInterval(v float64) bool {
	return finite(v) && v >= 0 && v <= 1
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

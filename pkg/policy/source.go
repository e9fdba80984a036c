package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/open-policy-agent/opa/v1/ast"
)

var packageDecl = regexp.MustCompile(`^package\s+[A-Za-z_][A-Za-z0-9_.]*\s*(#.*)?$`)

// IsRegoSource guesses whether text is already Rego rather than a YAML or
// JSON policy document: the first statement must be a package declaration.
func IsRegoSource(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || trimmed[0] == '{' || trimmed[0] == '[' {
		return false
	}
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return packageDecl.MatchString(line)
	}
	return false
}

// Module is a parsed Rego policy ready for evaluation.
type Module struct {
	Name    string
	Source  string
	Query   string
	Version ast.RegoVersion
	Digest  string
	parsed  *ast.Module
}

// V0 reports whether the module only parses with pre-1.0 Rego syntax.
func (m Module) V0() bool {
	return m.Version == ast.RegoV0
}

// ParseModule parses source, preferring Rego v1 syntax and falling back to
// v0 for hand-written legacy policies. The query is the module's package
// path (data.planlint for compiled policies).
func ParseModule(name, source string) (Module, error) {
	if !IsRegoSource(source) {
		return Module{}, errors.New("policy source is not Rego: missing package declaration")
	}

	parsed, err := ast.ParseModuleWithOpts(name, source, ast.ParserOptions{RegoVersion: ast.RegoV1})
	version := ast.RegoV1
	if err != nil {
		legacy, legacyErr := ast.ParseModuleWithOpts(name, source, ast.ParserOptions{RegoVersion: ast.RegoV0})
		if legacyErr != nil {
			return Module{}, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		parsed, version = legacy, ast.RegoV0
	}
	if parsed == nil || parsed.Package == nil {
		return Module{}, fmt.Errorf("parse rego module %q: no package declaration", name)
	}

	sum := sha256.Sum256([]byte(source))
	return Module{
		Name:    name,
		Source:  source,
		Query:   parsed.Package.Path.String(),
		Version: version,
		Digest:  hex.EncodeToString(sum[:]),
		parsed:  parsed,
	}, nil
}

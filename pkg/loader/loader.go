// Package loader reads plans and policies from disk.
//
// Policies come in two shapes: a structured YAML or JSON document decoded
// into domain.PolicySpec, or Rego source text that is evaluated as-is by the
// OPA backends.
package loader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/polisai/plan-lint/pkg/domain"
	"github.com/polisai/plan-lint/pkg/policy"
)

// PolicyDocument is a loaded policy file.
type PolicyDocument struct {
	Path string
	// Policy is always set. For Rego files it carries the defaults that drive
	// risk aggregation.
	Policy *domain.Policy
	// Rego holds the source text when the file is a Rego module.
	Rego string
}

// IsRego reports whether the document is a Rego module.
func (d *PolicyDocument) IsRego() bool {
	return d.Rego != ""
}

// LoadPolicy reads the policy at path.
func LoadPolicy(path string) (*PolicyDocument, error) {
	// #nosec G304 -- policy path is supplied by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	doc, err := ParsePolicy(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("load policy %s: %w", path, err)
	}
	doc.Path = path
	return doc, nil
}

// ParsePolicy decodes policy bytes. ext is the file extension, used only to
// recognise Rego files that do not start with a package declaration.
func ParsePolicy(data []byte, ext string) (*PolicyDocument, error) {
	text := string(data)
	if strings.EqualFold(ext, ".rego") || policy.IsRegoSource(text) {
		if !policy.IsRegoSource(text) {
			return nil, fmt.Errorf("%w: Rego policy has no package declaration", domain.ErrPolicyInvalid)
		}
		pol, err := domain.NewPolicy(domain.PolicySpec{AllowTools: []string{domain.WildcardTool}})
		if err != nil {
			return nil, err
		}
		return &PolicyDocument{Policy: pol, Rego: text}, nil
	}

	spec, err := DecodePolicySpec(data)
	if err != nil {
		return nil, err
	}
	pol, err := domain.NewPolicy(spec)
	if err != nil {
		return nil, err
	}
	return &PolicyDocument{Policy: pol}, nil
}

// DecodePolicySpec decodes a YAML or JSON policy document. JSON is accepted
// through the YAML decoder.
func DecodePolicySpec(data []byte) (domain.PolicySpec, error) {
	var spec domain.PolicySpec
	if len(bytes.TrimSpace(data)) == 0 {
		return spec, fmt.Errorf("%w: policy document is empty", domain.ErrPolicyInvalid)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&spec); err != nil && !errors.Is(err, io.EOF) {
		return spec, fmt.Errorf("%w: %v", domain.ErrPolicyInvalid, err)
	}
	return spec, nil
}

// LoadPlan reads a JSON plan from path; "-" reads standard input.
func LoadPlan(path string) (*domain.Plan, error) {
	if path == "-" {
		return ReadPlan(os.Stdin)
	}
	// #nosec G304 -- plan path is supplied by the operator
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read plan %s: %w", path, err)
	}
	defer f.Close()

	plan, err := ReadPlan(f)
	if err != nil {
		return nil, fmt.Errorf("load plan %s: %w", path, err)
	}
	return plan, nil
}

// ReadPlan decodes a JSON plan from r.
func ReadPlan(r io.Reader) (*domain.Plan, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	return domain.ParsePlan(data)
}

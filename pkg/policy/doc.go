// Package policy bridges plan-lint policies and the Open Policy Agent (OPA)
// ecosystem.
//
// Compile renders a validated domain.Policy as a Rego v1 module whose
// violations set mirrors the findings of the built-in rule engine, so the
// same policy can be enforced by `opa eval`. IsRegoSource and ParseModule
// classify and parse hand-written Rego, and Engine evaluates modules
// in-process with the OPA SDK for callers that do not want a subprocess.
package policy

// Package domain defines the core types shared by every plan-lint backend.
//
// This package contains pure domain logic with ZERO external dependencies outside the
// Go standard library. All types in this package are:
//
// - Independent of infrastructure (no subprocess, HTTP, OPA, etc.)
// - Safe to share across goroutines once constructed
// - Testable in isolation without mocks
//
// Other packages (rules, risk, policy, bridge) implement the Evaluator interface
// defined here and depend on these types. The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
//
// Plans arrive as loosely typed JSON and are held as a tagged Value tree so
// that checks pattern-match on the argument shape explicitly. Policies are
// validated and compiled once by NewPolicy and are read-only afterwards.
package domain

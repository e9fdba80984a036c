// Package rules is the built-in plan evaluator. It runs a fixed battery of
// independent checks (tool allowlist, argument bounds, secret patterns, step
// count) over a plan and hands the findings to the risk aggregator.
//
// Every check is a pure function of the plan and policy, so an Engine may be
// shared freely across goroutines.
package rules

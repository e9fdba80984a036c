package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/plan-lint/pkg/domain"
)

func threshold(v float64) *float64 { return &v }

func TestResultScenario(t *testing.T) {
	policy := domain.MustPolicy(domain.PolicySpec{
		RiskWeights: map[string]float64{"tool_deny": 0.4, "raw_secret": 0.5},
	})
	findings := []domain.Finding{
		domain.StepFinding(0, domain.KindToolDeny, "deny"),
		domain.StepFinding(1, domain.KindRawSecret, "secret"),
	}

	score, status := Aggregate(findings, policy)
	assert.InDelta(t, 0.9, score, 1e-9)
	assert.Equal(t, domain.StatusError, status)
}

func TestResultClampsToOne(t *testing.T) {
	policy := domain.MustPolicy(domain.PolicySpec{RiskWeights: map[string]float64{"tool_deny": 0.6}})
	findings := []domain.Finding{
		domain.StepFinding(0, domain.KindToolDeny, "a"),
		domain.StepFinding(1, domain.KindToolDeny, "b"),
	}
	assert.Equal(t, 1.0, Score(findings, policy))
}

func TestResultThresholdAlone(t *testing.T) {
	policy := domain.MustPolicy(domain.PolicySpec{
		RiskWeights:       map[string]float64{"bounds_violation": 0.3},
		FailRiskThreshold: threshold(0.3),
		Severities:        map[string]string{"bounds_violation": "warning"},
	})
	findings := []domain.Finding{domain.StepFinding(0, domain.KindBoundsViolation, "b")}

	result := Result(findings, policy)
	assert.Empty(t, result.Errors)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, domain.StatusError, result.Status)
}

func TestResultWarningsPass(t *testing.T) {
	policy := domain.MustPolicy(domain.PolicySpec{
		RiskWeights: map[string]float64{"raw_secret": 0.2},
		Severities:  map[string]string{"raw_secret": "warning"},
	})
	result := Result([]domain.Finding{domain.StepFinding(0, domain.KindRawSecret, "s")}, policy)
	assert.Equal(t, domain.StatusPass, result.Status)
	assert.InDelta(t, 0.2, result.RiskScore, 1e-9)
	assert.Len(t, result.Warnings, 1)
}

func TestResultThresholdReachedByDecimalWeights(t *testing.T) {
	policy := domain.MustPolicy(domain.PolicySpec{
		RiskWeights:       map[string]float64{"raw_secret": 0.7, "bounds_violation": 0.1},
		FailRiskThreshold: threshold(0.8),
		Severities:        map[string]string{"raw_secret": "warning", "bounds_violation": "warning"},
	})
	findings := []domain.Finding{
		domain.StepFinding(0, domain.KindRawSecret, "s"),
		domain.StepFinding(0, domain.KindBoundsViolation, "b"),
	}

	result := Result(findings, policy)
	assert.Equal(t, 0.8, result.RiskScore)
	assert.Empty(t, result.Errors)
	assert.Len(t, result.Warnings, 2)
	assert.Equal(t, domain.StatusError, result.Status)
}

func TestScoreRoundsDecimalSums(t *testing.T) {
	policy := domain.MustPolicy(domain.PolicySpec{
		RiskWeights: map[string]float64{"tool_deny": 0.1, "raw_secret": 0.2},
	})
	findings := []domain.Finding{
		domain.StepFinding(0, domain.KindToolDeny, "t"),
		domain.StepFinding(1, domain.KindRawSecret, "s"),
	}
	assert.Equal(t, 0.3, Score(findings, policy))
}

func TestResultSchemaInvalidAlwaysFails(t *testing.T) {
	policy := domain.MustPolicy(domain.PolicySpec{})
	finding := domain.PlanFinding(domain.KindSchemaInvalid, "bad")
	finding.Severity = domain.SeverityWarning

	result := Result([]domain.Finding{finding}, policy)
	assert.Equal(t, domain.StatusError, result.Status)
	assert.Len(t, result.Errors, 1)
	assert.Zero(t, result.RiskScore)
}

func TestFailure(t *testing.T) {
	result := Failure(nil, "boom")
	assert.Equal(t, domain.StatusError, result.Status)
	assert.Equal(t, domain.DefaultFailureRisk, result.RiskScore)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, domain.KindSchemaInvalid, result.Errors[0].Kind)
	assert.Equal(t, "boom", result.Errors[0].Message)
	assert.NotNil(t, result.Warnings)

	custom := domain.MustPolicy(domain.PolicySpec{FailureRisk: threshold(0.5)})
	assert.Equal(t, 0.5, Failure(custom, "boom").RiskScore)
}

func TestScoreProperties(t *testing.T) {
	kinds := domain.Kinds()
	rapid.Check(t, func(t *rapid.T) {
		weights := make(map[string]float64, len(kinds))
		for _, kind := range kinds {
			weights[kind.WeightKey()] = rapid.Float64Range(0, 1).Draw(t, kind.WeightKey())
		}
		th := rapid.Float64Range(0, 1).Draw(t, "threshold")
		policy := domain.MustPolicy(domain.PolicySpec{RiskWeights: weights, FailRiskThreshold: &th})

		picked := rapid.SliceOfN(rapid.SampledFrom(kinds), 0, 12).Draw(t, "kinds")
		findings := make([]domain.Finding, len(picked))
		var sum float64
		for i, kind := range picked {
			findings[i] = domain.StepFinding(i, kind, "m")
			sum += policy.Weight(kind)
		}

		result := Result(findings, policy)
		assert.GreaterOrEqual(t, result.RiskScore, 0.0)
		assert.LessOrEqual(t, result.RiskScore, 1.0)
		assert.InDelta(t, min(sum, 1.0), result.RiskScore, 1e-9)
		assert.Len(t, result.Errors, len(findings))

		if len(findings) == 0 && result.RiskScore < th {
			assert.Equal(t, domain.StatusPass, result.Status)
		} else {
			assert.Equal(t, domain.StatusError, result.Status)
		}
	})
}

package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/plan-lint/pkg/domain"
	"github.com/polisai/plan-lint/pkg/loader"
	"github.com/polisai/plan-lint/pkg/telemetry"
	"github.com/polisai/plan-lint/pkg/validator"
)

func newTestServer(t *testing.T, doc *loader.PolicyDocument) (*httptest.Server, *telemetry.Metrics) {
	t.Helper()
	metrics := telemetry.NewMetrics()
	v, err := validator.New(validator.Options{Backend: validator.BackendBuiltin, Metrics: metrics})
	require.NoError(t, err)

	srv := New(Config{
		Validator:    v,
		Policies:     StaticPolicy{Doc: doc},
		Metrics:      metrics,
		MaxBodyBytes: 4096,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, metrics
}

func structuredDoc() *loader.PolicyDocument {
	return &loader.PolicyDocument{Policy: domain.MustPolicy(domain.PolicySpec{
		AllowTools:  []string{"sql.query_ro"},
		RiskWeights: map[string]float64{"tool_deny": 0.9},
	})}
}

func TestValidateEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, structuredDoc())

	body := `{"goal": "g", "steps": [{"id": "s1", "tool": "sql.exec", "args": {}}]}`
	resp, err := http.Post(ts.URL+"/v1/validate", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))

	var result struct {
		Status    string  `json:"status"`
		RiskScore float64 `json:"risk_score"`
		Errors    []struct {
			Step int    `json:"step"`
			Code string `json:"code"`
		} `json:"errors"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, "error", result.Status)
	assert.InDelta(t, 0.9, result.RiskScore, 1e-9)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "TOOL_DENY", result.Errors[0].Code)
}

func TestValidateEndpointKeepsCallerRequestID(t *testing.T) {
	ts, _ := newTestServer(t, structuredDoc())

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/validate", strings.NewReader(`{"steps": []}`))
	require.NoError(t, err)
	req.Header.Set(RequestIDHeader, "req-123")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "req-123", resp.Header.Get(RequestIDHeader))
}

func TestValidateEndpointMalformedPlan(t *testing.T) {
	ts, _ := newTestServer(t, structuredDoc())

	resp, err := http.Post(ts.URL+"/v1/validate", "application/json", strings.NewReader(`{"steps": [`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var errResp errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	assert.Contains(t, errResp.Error, "invalid plan")
	assert.NotEmpty(t, errResp.RequestID)
}

func TestValidateEndpointBodyLimit(t *testing.T) {
	ts, _ := newTestServer(t, structuredDoc())

	big := `{"goal": "` + strings.Repeat("x", 8192) + `", "steps": []}`
	resp, err := http.Post(ts.URL+"/v1/validate", "application/json", strings.NewReader(big))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestValidateEndpointRegoWithBuiltinEngine(t *testing.T) {
	doc := &loader.PolicyDocument{
		Policy: domain.MustPolicy(domain.PolicySpec{AllowTools: []string{"*"}}),
		Rego:   "package custom\n\nallow := true\n",
	}
	ts, _ := newTestServer(t, doc)

	resp, err := http.Post(ts.URL+"/v1/validate", "application/json", strings.NewReader(`{"steps": []}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	var result domain.ValidationResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, domain.StatusError, result.Status)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, domain.KindSchemaInvalid, result.Errors[0].Kind)
}

func TestValidateEndpointRegoOverride(t *testing.T) {
	v, err := validator.New(validator.Options{Backend: validator.BackendEmbedded})
	require.NoError(t, err)

	srv := New(Config{
		Validator: v,
		Policies:  StaticPolicy{Doc: structuredDoc()},
		Rego: `package custom

violations contains {"step": null, "code": "MAX_STEPS_EXCEEDED", "msg": "plans are capped at one step"} if count(input.steps) > 1
`,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	body := `{"steps": [{"id": "s1", "tool": "sql.exec", "args": {}}, {"id": "s2", "tool": "sql.exec", "args": {}}]}`
	resp, err := http.Post(ts.URL+"/v1/validate", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var result domain.ValidationResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.Len(t, result.Errors, 1, "the override replaces the compiled allowlist")
	assert.Equal(t, domain.KindMaxStepsExceeded, result.Errors[0].Kind)
	assert.Equal(t, "plans are capped at one step", result.Errors[0].Message)
}

func TestValidateEndpointMethodNotAllowed(t *testing.T) {
	ts, _ := newTestServer(t, structuredDoc())

	resp, err := http.Get(ts.URL + "/v1/validate")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	ts, _ := newTestServer(t, structuredDoc())

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	resp, err = http.Post(ts.URL+"/v1/validate", "application/json", strings.NewReader(`{"steps": []}`))
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `planlint_validations_total{backend="builtin",status="pass"} 1`)
	assert.Contains(t, string(body), "planlint_http_requests_total")
}

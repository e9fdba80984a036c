package bridge

import (
	"context"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// EnvPropagator copies the caller's trace context into a child process
// environment (TRACEPARENT, TRACESTATE, BAGGAGE).
type EnvPropagator struct {
	propagator propagation.TextMapPropagator
}

// NewEnvPropagator wraps propagator; nil selects the global propagator.
func NewEnvPropagator(propagator propagation.TextMapPropagator) *EnvPropagator {
	if propagator == nil {
		propagator = otel.GetTextMapPropagator()
	}
	return &EnvPropagator{propagator: propagator}
}

// InjectProcessEnv injects trace context into process environment variables
func (p *EnvPropagator) InjectProcessEnv(ctx context.Context, env []string) []string {
	envMap := make(map[string]string, len(env))
	for _, e := range env {
		if key, value, ok := strings.Cut(e, "="); ok {
			envMap[key] = value
		}
	}

	p.propagator.Inject(ctx, envMapCarrier(envMap))

	result := make([]string, 0, len(envMap))
	for k, v := range envMap {
		result = append(result, k+"="+v)
	}
	sort.Strings(result)
	return result
}

// envMapCarrier implements propagation.TextMapCarrier for environment variables
type envMapCarrier map[string]string

func (c envMapCarrier) Get(key string) string {
	return c[strings.ToUpper(key)]
}

func (c envMapCarrier) Set(key, value string) {
	c[strings.ToUpper(key)] = value
}

func (c envMapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

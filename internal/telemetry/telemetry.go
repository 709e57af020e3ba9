package telemetry

import (
	"cmp"
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// DefaultServiceName is reported on every span resource unless overridden.
const DefaultServiceName = "bitbucket-stats"

// Mode selects how much of the service is traced.
type Mode string

const (
	// ModeOff records nothing and skips span creation entirely.
	ModeOff Mode = "off"
	// ModeErrors keeps a thin ratio of server spans, never below 1%.
	ModeErrors Mode = "errors"
	// ModeSampled keeps server spans at the configured ratio.
	ModeSampled Mode = "sampled"
	// ModeDetailed keeps every span, including one per Bitbucket call.
	ModeDetailed Mode = "detailed"
)

const minErrorsRatio = 0.01

var currentMode atomic.Value

// ParseMode maps a config value onto a Mode. Blank and unknown values mean ModeSampled.
func ParseMode(raw string) Mode {
	switch mode := Mode(strings.ToLower(strings.TrimSpace(raw))); mode {
	case ModeOff, ModeErrors, ModeDetailed:
		return mode
	default:
		return ModeSampled
	}
}

// Sampler returns the span sampler for the mode at the given keep ratio.
func (m Mode) Sampler(ratio float64) sdktrace.Sampler {
	ratio = min(max(ratio, 0), 1)
	switch m {
	case ModeOff:
		return sdktrace.NeverSample()
	case ModeDetailed:
		return sdktrace.AlwaysSample()
	case ModeErrors:
		ratio = max(ratio, minErrorsRatio)
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// Config configures OpenTelemetry tracing setup.
type Config struct {
	Enabled          bool
	ServiceName      string
	TraceMode        string
	TraceSampleRatio float64
}

// Runtime contains initialized telemetry providers and lifecycle hooks.
type Runtime struct {
	TracerProvider *sdktrace.TracerProvider
	Shutdown       func(ctx context.Context) error
}

// Setup installs the global tracer provider and records the process-wide mode.
// Disabled telemetry always runs in ModeOff.
func Setup(cfg Config) (Runtime, error) {
	mode := ModeOff
	if cfg.Enabled {
		mode = ParseMode(cfg.TraceMode)
	}
	currentMode.Store(mode)

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(semconv.ServiceNameKey.String(cmp.Or(strings.TrimSpace(cfg.ServiceName), DefaultServiceName))),
	)
	if err != nil {
		return Runtime{}, fmt.Errorf("build telemetry resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(mode.Sampler(cfg.TraceSampleRatio)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	return Runtime{TracerProvider: provider, Shutdown: provider.Shutdown}, nil
}

// CurrentMode reports the mode recorded by Setup, ModeOff before Setup runs.
func CurrentMode() Mode {
	mode, _ := currentMode.Load().(Mode)
	if mode == "" {
		return ModeOff
	}
	return mode
}

// ShouldTraceDependencies reports whether each Bitbucket call gets its own span.
func ShouldTraceDependencies() bool {
	return CurrentMode() == ModeDetailed
}

// Tracer returns a tracer scoped to one internal package, e.g. Tracer("bitbucket").
func Tracer(scope string) trace.Tracer {
	name := DefaultServiceName
	if trimmed := strings.Trim(strings.TrimSpace(scope), "/"); trimmed != "" {
		name += "/internal/" + trimmed
	}
	return otel.Tracer(name)
}

// Package instrumentation provides OpenTelemetry metrics and tracing for the
// access control core. When disabled it installs no-op providers, so all
// recording paths are zero-overhead and never need nil checks.
package instrumentation

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultServiceName is used when no service name is configured
	DefaultServiceName = "accesscore"

	// DefaultServiceVersion is used when no version is configured
	DefaultServiceVersion = "unknown"

	scopePrefix = "github.com/tradegate/accesscore/"
)

// Config holds instrumentation configuration.
type Config struct {
	// ServiceName identifies this service in observability backends
	ServiceName string

	// ServiceVersion is the running version of the service
	ServiceVersion string

	// Enabled controls whether instrumentation is active. When false, no-op
	// providers are installed and recording costs nothing.
	Enabled bool

	// MeterProvider overrides the default meter provider (e.g. an SDK
	// provider wired to an exporter). Nil with Enabled=true keeps the no-op
	// provider; callers that want export must supply one.
	MeterProvider metric.MeterProvider

	// TracerProvider overrides the default tracer provider
	TracerProvider trace.TracerProvider

	// Resource allows custom resource attributes. If nil, a default resource
	// with service name and version is created.
	Resource *resource.Resource
}

// Instrumentation provides OpenTelemetry components for the module.
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	metrics *Metrics

	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates a new instrumentation instance.
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}

	res := config.Resource
	if res == nil {
		var err error
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:   config,
		resource: res,
	}

	if config.Enabled && config.MeterProvider != nil {
		inst.meterProvider = config.MeterProvider
	} else {
		inst.meterProvider = noop.NewMeterProvider()
	}
	if config.Enabled && config.TracerProvider != nil {
		inst.tracerProvider = config.TracerProvider
	} else {
		inst.tracerProvider = tracenoop.NewTracerProvider()
	}

	var err error
	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return inst, nil
}

// Meter returns a named meter for the given scope (e.g. "security",
// "storage", "service").
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(scopePrefix + scope)
}

// Tracer returns a named tracer for the given scope.
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(scopePrefix + scope)
}

// Metrics returns the metrics holder for recording metric values.
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// Resource returns the configured resource.
func (i *Instrumentation) Resource() *resource.Resource {
	return i.resource
}

// RegisterShutdown registers a function called during Shutdown. Must be
// called during initialization only; not safe after the instance is shared.
func (i *Instrumentation) RegisterShutdown(fn func(context.Context) error) {
	i.shutdownFuncs = append(i.shutdownFuncs, fn)
}

// Shutdown gracefully shuts down all registered components. Safe to call
// multiple times.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var shutdownErr error
	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil && shutdownErr == nil {
				shutdownErr = err
			}
		}
	})
	return shutdownErr
}

// GaugeCallback returns the current value of one observed gauge.
type GaugeCallback func() int64

// RegisterGaugeCallbacks registers the observable gauges that expose live
// store sizes: active sessions, blocked IPs, tracked rate-limit keys, and
// keys currently in the blocked state. Nil callbacks are skipped.
func (i *Instrumentation) RegisterGaugeCallbacks(activeSessions, blockedIPs, trackedKeys, activeBlocks GaugeCallback) error {
	meter := i.Meter("service")

	_, err := meter.RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			if activeSessions != nil {
				observer.ObserveInt64(i.metrics.ActiveSessions, activeSessions())
			}
			if blockedIPs != nil {
				observer.ObserveInt64(i.metrics.BlockedIPs, blockedIPs())
			}
			if trackedKeys != nil {
				observer.ObserveInt64(i.metrics.RateLimitTrackedKeys, trackedKeys())
			}
			if activeBlocks != nil {
				observer.ObserveInt64(i.metrics.RateLimitActiveBlocks, activeBlocks())
			}
			return nil
		},
		i.metrics.ActiveSessions,
		i.metrics.BlockedIPs,
		i.metrics.RateLimitTrackedKeys,
		i.metrics.RateLimitActiveBlocks,
	)
	return err
}

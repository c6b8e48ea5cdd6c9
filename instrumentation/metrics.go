package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the access control core.
type Metrics struct {
	// Rate limiting
	RateLimitChecks       metric.Int64Counter
	RateLimitDenied       metric.Int64Counter
	RateLimitBlocks       metric.Int64Counter
	RateLimitTrackedKeys  metric.Int64ObservableGauge
	RateLimitActiveBlocks metric.Int64ObservableGauge

	// Sessions
	SessionsCreated     metric.Int64Counter
	SessionsEvicted     metric.Int64Counter
	SessionsInvalidated metric.Int64Counter
	ActiveSessions      metric.Int64ObservableGauge

	// IP blocking
	IPBlocks   metric.Int64Counter
	BlockedIPs metric.Int64ObservableGauge

	// Policy validation
	PolicyViolations metric.Int64Counter

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram

	// Audit
	AuditEventsTotal metric.Int64Counter
}

// newMetrics creates and registers all metric instruments.
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	securityMeter := inst.Meter("security")
	serviceMeter := inst.Meter("service")
	storageMeter := inst.Meter("storage")

	var err error
	m.RateLimitChecks, err = securityMeter.Int64Counter(
		"accesscore.ratelimit.checks",
		metric.WithDescription("Total rate-limit checks performed"),
		metric.WithUnit("{check}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ratelimit.checks counter: %w", err)
	}

	m.RateLimitDenied, err = securityMeter.Int64Counter(
		"accesscore.ratelimit.denied",
		metric.WithDescription("Rate-limit checks denied"),
		metric.WithUnit("{check}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ratelimit.denied counter: %w", err)
	}

	m.RateLimitBlocks, err = securityMeter.Int64Counter(
		"accesscore.ratelimit.blocks",
		metric.WithDescription("Block-state transitions of rate-limit keys"),
		metric.WithUnit("{block}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ratelimit.blocks counter: %w", err)
	}

	m.RateLimitTrackedKeys, err = serviceMeter.Int64ObservableGauge(
		"accesscore.ratelimit.tracked_keys",
		metric.WithDescription("Rate-limit keys currently tracked"),
		metric.WithUnit("{key}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ratelimit.tracked_keys gauge: %w", err)
	}

	m.RateLimitActiveBlocks, err = serviceMeter.Int64ObservableGauge(
		"accesscore.ratelimit.active_blocks",
		metric.WithDescription("Rate-limit keys currently in the blocked state"),
		metric.WithUnit("{key}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ratelimit.active_blocks gauge: %w", err)
	}

	m.SessionsCreated, err = serviceMeter.Int64Counter(
		"accesscore.sessions.created",
		metric.WithDescription("Sessions created"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions.created counter: %w", err)
	}

	m.SessionsEvicted, err = serviceMeter.Int64Counter(
		"accesscore.sessions.evicted",
		metric.WithDescription("Sessions evicted by the concurrent-session cap"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions.evicted counter: %w", err)
	}

	m.SessionsInvalidated, err = serviceMeter.Int64Counter(
		"accesscore.sessions.invalidated",
		metric.WithDescription("Sessions explicitly invalidated"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions.invalidated counter: %w", err)
	}

	m.ActiveSessions, err = serviceMeter.Int64ObservableGauge(
		"accesscore.sessions.active",
		metric.WithDescription("Currently active sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions.active gauge: %w", err)
	}

	m.IPBlocks, err = securityMeter.Int64Counter(
		"accesscore.ipblocks.created",
		metric.WithDescription("IP blocks created"),
		metric.WithUnit("{block}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ipblocks.created counter: %w", err)
	}

	m.BlockedIPs, err = serviceMeter.Int64ObservableGauge(
		"accesscore.ipblocks.active",
		metric.WithDescription("Currently blocked IP addresses"),
		metric.WithUnit("{address}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ipblocks.active gauge: %w", err)
	}

	m.PolicyViolations, err = securityMeter.Int64Counter(
		"accesscore.policy.violations",
		metric.WithDescription("Security policy validation failures"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy.violations counter: %w", err)
	}

	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"accesscore.storage.operations",
		metric.WithDescription("Session store operations by result"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operations counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"accesscore.storage.operation.duration",
		metric.WithDescription("Session store operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.AuditEventsTotal, err = securityMeter.Int64Counter(
		"accesscore.audit.events",
		metric.WithDescription("Audit events emitted"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit.events counter: %w", err)
	}

	return m, nil
}

// RecordRateLimitCheck records one rate-limit check and its outcome.
func (m *Metrics) RecordRateLimitCheck(ctx context.Context, userType, action string, allowed bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("user_type", userType),
		attribute.String("action", action),
	)
	m.RateLimitChecks.Add(ctx, 1, attrs)
	if !allowed {
		m.RateLimitDenied.Add(ctx, 1, attrs)
	}
}

// RecordRateLimitBlock records a key transitioning into the blocked state.
func (m *Metrics) RecordRateLimitBlock(ctx context.Context, userType, action string) {
	if m == nil {
		return
	}
	m.RateLimitBlocks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("user_type", userType),
		attribute.String("action", action),
	))
}

// RecordSessionCreated records a session creation.
func (m *Metrics) RecordSessionCreated(ctx context.Context, userType string) {
	if m == nil {
		return
	}
	m.SessionsCreated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("user_type", userType),
	))
}

// RecordSessionsEvicted records sessions evicted by the concurrency cap.
func (m *Metrics) RecordSessionsEvicted(ctx context.Context, userType string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.SessionsEvicted.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("user_type", userType),
	))
}

// RecordSessionsInvalidated records explicit session invalidations.
func (m *Metrics) RecordSessionsInvalidated(ctx context.Context, reason string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.SessionsInvalidated.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordIPBlocked records an IP block creation.
func (m *Metrics) RecordIPBlocked(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.IPBlocks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordPolicyViolations records failed policy validations.
func (m *Metrics) RecordPolicyViolations(ctx context.Context, userType string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.PolicyViolations.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("user_type", userType),
	))
}

// RecordStorageOperation records a session store operation and its duration.
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	)
	m.StorageOperationTotal.Add(ctx, 1, attrs)
	m.StorageOperationDuration.Record(ctx, durationMs, attrs)
}

// RecordAuditEvent records one emitted audit event.
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

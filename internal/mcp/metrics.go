package mcp

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/fyrsmithlabs/scratchsync/internal/catalog"
	"github.com/fyrsmithlabs/scratchsync/internal/logging"
	"github.com/fyrsmithlabs/scratchsync/internal/persister"
	"github.com/fyrsmithlabs/scratchsync/internal/registry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/scratchsync/internal/mcp"

// Metrics holds the tool invocation instruments.
type Metrics struct {
	logger         *logging.Logger
	invocations    metric.Int64Counter
	duration       metric.Float64Histogram
	errors         metric.Int64Counter
	activeRequests metric.Int64UpDownCounter
}

// NewMetrics creates Metrics on meter, or on the global meter when nil.
func NewMetrics(meter metric.Meter, logger *logging.Logger) *Metrics {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	m := &Metrics{logger: logger}
	m.init(meter)
	return m
}

func (m *Metrics) init(meter metric.Meter) {
	var errs [4]error
	m.invocations, errs[0] = meter.Int64Counter("scratchsync.mcp.tool.invocations_total",
		metric.WithDescription("MCP tool calls"),
		metric.WithUnit("{invocation}"))
	m.duration, errs[1] = meter.Float64Histogram("scratchsync.mcp.tool.duration_seconds",
		metric.WithDescription("MCP tool call duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60))
	m.errors, errs[2] = meter.Int64Counter("scratchsync.mcp.tool.errors_total",
		metric.WithDescription("MCP tool calls that returned an error"),
		metric.WithUnit("{error}"))
	m.activeRequests, errs[3] = meter.Int64UpDownCounter("scratchsync.mcp.tool.active_requests",
		metric.WithDescription("MCP tool calls in flight"),
		metric.WithUnit("{request}"))
	if err := errors.Join(errs[:]...); err != nil {
		m.logger.Warn(context.Background(), "some mcp instruments unavailable", zap.Error(err))
	}
}

// RecordInvocation records one finished tool call.
func (m *Metrics) RecordInvocation(ctx context.Context, toolName string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{attribute.String("tool", toolName)}

	if m.invocations != nil {
		m.invocations.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if m.duration != nil {
		m.duration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	}
	if err != nil && m.errors != nil {
		errorAttrs := append(attrs, attribute.String("reason", categorizeError(err)))
		m.errors.Add(ctx, 1, metric.WithAttributes(errorAttrs...))
	}
}

// IncrementActive marks a call to toolName as started.
func (m *Metrics) IncrementActive(ctx context.Context, toolName string) { m.active(ctx, toolName, 1) }

// DecrementActive marks a call to toolName as finished.
func (m *Metrics) DecrementActive(ctx context.Context, toolName string) { m.active(ctx, toolName, -1) }

func (m *Metrics) active(ctx context.Context, toolName string, delta int64) {
	if m.activeRequests != nil {
		m.activeRequests.Add(ctx, delta, metric.WithAttributes(attribute.String("tool", toolName)))
	}
}

// categorizeError maps an error to a low-cardinality reason label.
func categorizeError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, persister.ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, persister.ErrNotFound):
		return "not_found"
	case errors.Is(err, registry.ErrInvalidArgument):
		return "validation_error"
	case errors.Is(err, persister.ErrSaveFailed),
		errors.Is(err, persister.ErrDeleteFailed),
		errors.Is(err, catalog.ErrListFailed),
		errors.Is(err, catalog.ErrLoadFailed):
		return "backend_error"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "invalid") || strings.Contains(errStr, "required"):
		return "validation_error"
	case strings.Contains(errStr, "unauthorized") || strings.Contains(errStr, "not signed in"):
		return "auth_error"
	default:
		return "internal_error"
	}
}

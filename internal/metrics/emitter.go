// Package metrics provides a fire-and-forget observability sink. Emission
// failures are logged and never propagate to callers.
package metrics

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/redis/rueidis"
	"go.uber.org/zap"
)

// Dimension is a name/value label attached to a metric.
type Dimension struct {
	Name  string
	Value string
}

// Dim builds a Dimension.
func Dim(name, value string) Dimension {
	return Dimension{Name: name, Value: value}
}

// Emitter records metric observations. Implementations must never return
// or panic on sink failures.
type Emitter interface {
	// Count adds value to a running counter.
	Count(ctx context.Context, name string, value float64, dims ...Dimension)
	// Gauge records the latest observed value.
	Gauge(ctx context.Context, name string, value float64, dims ...Dimension)
}

// RedisEmitter stores counters and gauges in Redis.
type RedisEmitter struct {
	client rueidis.Client
	logger *zap.Logger
}

// NewRedisEmitter creates an emitter backed by the given Redis client.
func NewRedisEmitter(client rueidis.Client, logger *zap.Logger) *RedisEmitter {
	return &RedisEmitter{
		client: client,
		logger: logger.Named("metrics"),
	}
}

// Count adds value to a running counter.
func (e *RedisEmitter) Count(ctx context.Context, name string, value float64, dims ...Dimension) {
	key := metricKey("counter", name, dims)

	err := e.client.Do(ctx, e.client.B().Incrbyfloat().Key(key).Increment(value).Build()).Error()
	if err != nil {
		e.logger.Warn("Failed to emit counter",
			zap.String("metric", name),
			zap.Error(err))
	}
}

// Gauge records the latest observed value.
func (e *RedisEmitter) Gauge(ctx context.Context, name string, value float64, dims ...Dimension) {
	key := metricKey("gauge", name, dims)
	formatted := strconv.FormatFloat(value, 'f', -1, 64)

	err := e.client.Do(ctx, e.client.B().Set().Key(key).Value(formatted).Build()).Error()
	if err != nil {
		e.logger.Warn("Failed to emit gauge",
			zap.String("metric", name),
			zap.Error(err))
	}
}

// metricKey builds a stable key of the form
// "metric:<kind>:<name>{dim=value,...}" with dimensions sorted by name.
func metricKey(kind, name string, dims []Dimension) string {
	var b strings.Builder

	b.WriteString("metric:")
	b.WriteString(kind)
	b.WriteString(":")
	b.WriteString(name)

	if len(dims) > 0 {
		sorted := make([]Dimension, len(dims))
		copy(sorted, dims)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

		b.WriteString("{")

		for i, dim := range sorted {
			if i > 0 {
				b.WriteString(",")
			}

			b.WriteString(dim.Name)
			b.WriteString("=")
			b.WriteString(dim.Value)
		}

		b.WriteString("}")
	}

	return b.String()
}

// NoopEmitter discards all observations.
type NoopEmitter struct{}

// NewNoopEmitter creates an emitter that discards everything.
func NewNoopEmitter() *NoopEmitter {
	return &NoopEmitter{}
}

// Count discards the observation.
func (NoopEmitter) Count(context.Context, string, float64, ...Dimension) {}

// Gauge discards the observation.
func (NoopEmitter) Gauge(context.Context, string, float64, ...Dimension) {}

package metrics_test

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/rueidis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wardenhq/warden/internal/metrics"
	"go.uber.org/zap"
)

func setupTest(t *testing.T) (*metrics.RedisEmitter, *miniredis.Miniredis, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  []string{mr.Addr()},
		DisableCache: true,
	})
	require.NoError(t, err)

	logger := zap.NewNop()
	emitter := metrics.NewRedisEmitter(client, logger)

	cleanup := func() {
		client.Close()
		mr.Close()
	}

	return emitter, mr, cleanup
}

func TestCount(t *testing.T) {
	emitter, mr, cleanup := setupTest(t)
	defer cleanup()

	ctx := t.Context()

	emitter.Count(ctx, "sweep.granted", 3)
	emitter.Count(ctx, "sweep.granted", 2)

	value, err := mr.Get("metric:counter:sweep.granted")
	require.NoError(t, err)
	assert.Equal(t, "5", value)
}

func TestCountWithDimensions(t *testing.T) {
	emitter, mr, cleanup := setupTest(t)
	defer cleanup()

	ctx := t.Context()

	// Dimension order must not affect the key.
	emitter.Count(ctx, "sweep.failures", 1,
		metrics.Dim("service", "auto_member"), metrics.Dim("stage", "create"))
	emitter.Count(ctx, "sweep.failures", 1,
		metrics.Dim("stage", "create"), metrics.Dim("service", "auto_member"))

	value, err := mr.Get("metric:counter:sweep.failures{service=auto_member,stage=create}")
	require.NoError(t, err)
	assert.Equal(t, "2", value)
}

func TestGauge(t *testing.T) {
	emitter, mr, cleanup := setupTest(t)
	defer cleanup()

	ctx := t.Context()

	emitter.Gauge(ctx, "sweep.runtime_ms", 1250)
	emitter.Gauge(ctx, "sweep.runtime_ms", 900)

	value, err := mr.Get("metric:gauge:sweep.runtime_ms")
	require.NoError(t, err)
	assert.Equal(t, "900", value)
}

func TestEmitterSurvivesSinkFailure(t *testing.T) {
	emitter, mr, cleanup := setupTest(t)
	defer cleanup()

	mr.Close()

	// Must not panic or block once the sink is gone.
	emitter.Count(t.Context(), "sweep.granted", 1)
	emitter.Gauge(t.Context(), "sweep.runtime_ms", 10)
}

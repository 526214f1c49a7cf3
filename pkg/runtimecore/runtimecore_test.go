package runtimecore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mekann2904/mekann-sub020/internal/runtimeconfig"
	"github.com/Mekann2904/mekann-sub020/pkg/executor"
)

func executorRequest() executor.TaskRequest {
	return executor.TaskRequest{
		Prompt:   "do it",
		Requires: executor.Requires{Requests: 1, LLM: 1},
	}
}

func TestNewWiresEveryComponentAndStartsScheduler(t *testing.T) {
	cfg := runtimeconfig.Default()
	core, err := New(context.Background(), cfg, Options{RuntimeDir: t.TempDir()})
	require.NoError(t, err)
	defer core.Shutdown(context.Background())

	require.NotNil(t, core.Gate)
	require.NotNil(t, core.Breaker)
	require.NotNil(t, core.Retry)
	require.NotNil(t, core.Coordinator)
	require.NotNil(t, core.Adaptive)
	require.NotNil(t, core.Scheduler)
	require.NotNil(t, core.Executor)
	require.NotNil(t, core.MCP)

	snap := core.Scheduler.Snapshot()
	assert.Equal(t, cfg.MaxTotalRequests, snap.MaxTotalActiveRequests)
}

func TestRunTaskThroughFullyWiredCore(t *testing.T) {
	cfg := runtimeconfig.Default()
	core, err := New(context.Background(), cfg, Options{RuntimeDir: t.TempDir()})
	require.NoError(t, err)
	defer core.Shutdown(context.Background())

	res, err := core.Executor.RunTask(context.Background(), executorRequest(), func(ctx context.Context, prompt string, attempt int) (string, *int, error) {
		return "SUMMARY: ok\nRESULT: done\n", nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", res.Parsed.Result)
}

func TestShutdownIsIdempotentAcrossBothSubsystems(t *testing.T) {
	cfg := runtimeconfig.Default()
	core, err := New(context.Background(), cfg, Options{RuntimeDir: t.TempDir()})
	require.NoError(t, err)

	require.NoError(t, core.Shutdown(context.Background()))
	require.NoError(t, core.Shutdown(context.Background()))
}

func TestReloadLimitsAppliesImmediately(t *testing.T) {
	cfg := runtimeconfig.Default()
	core, err := New(context.Background(), cfg, Options{RuntimeDir: t.TempDir()})
	require.NoError(t, err)
	defer core.Shutdown(context.Background())

	next := *cfg
	next.MaxTotalLLM = 1
	core.ReloadLimits(context.Background(), &next)

	snap := core.Scheduler.Snapshot()
	assert.Equal(t, 1, snap.MaxTotalActiveLLM)
}

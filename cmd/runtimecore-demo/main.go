// Command runtimecore-demo wires the full Runtime Orchestration Core and
// runs a handful of tasks through it, printing the resulting structured
// output. It exists to exercise New/RunTask/Shutdown end to end the way a
// real caller would, not as a production entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/Mekann2904/mekann-sub020/internal/corelog"
	"github.com/Mekann2904/mekann-sub020/internal/runtimeconfig"
	"github.com/Mekann2904/mekann-sub020/pkg/executor"
	"github.com/Mekann2904/mekann-sub020/pkg/runtimecore"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init:", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := runtimeconfig.LoadFile(".pi/runtime-config.yaml")
	if err != nil {
		log.Warn("runtime config file not applied, using environment defaults", zap.Error(err))
		cfg = runtimeconfig.Default()
	}

	otel.SetLogger(corelog.ToLogr(log))

	traceExporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		log.Fatal("trace exporter init failed", zap.Error(err))
	}
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExporter))
	defer tracerProvider.Shutdown(ctx)
	otel.SetTracerProvider(tracerProvider)

	registry := prometheus.NewRegistry()
	meterProvider := metric.NewMeterProvider()
	defer meterProvider.Shutdown(ctx)

	core, err := runtimecore.New(ctx, cfg, runtimecore.Options{
		RuntimeDir:   runtimeDir(),
		Logger:       log,
		PromRegistry: registry,
		Meter:        meterProvider.Meter("runtimecore-demo"),
	})
	if err != nil {
		log.Fatal("wiring runtime core failed", zap.Error(err))
	}
	defer core.Shutdown(context.Background())

	echoLLM := func(ctx context.Context, prompt string, attempt int) (string, *int, error) {
		tokens := len(prompt) / 4
		return "SUMMARY: demo task complete\nRESULT: ok\n", &tokens, nil
	}

	for i := 0; i < 3; i++ {
		res, err := core.Executor.RunTask(ctx, executor.TaskRequest{
			Prompt:       fmt.Sprintf("demo prompt #%d", i),
			Model:        "demo-model",
			TimeoutMs:    5 * time.Second,
			Requires:     executor.Requires{Requests: 1, LLM: 1},
			RateLimitKey: "demo-model",
		}, echoLLM)
		if err != nil {
			log.Error("task failed", zap.Int("task", i), zap.Error(err))
			continue
		}
		log.Info("task completed",
			zap.Int("task", i),
			zap.String("result", res.Parsed.Result),
			zap.Int64("latencyMs", res.LatencyMs),
		)
	}
}

func runtimeDir() string {
	if dir := os.Getenv("PI_RUNTIME_DIR"); dir != "" {
		return dir
	}
	return os.TempDir() + "/runtimecore-demo"
}

// Package telemetry provides observability instrumentation for shipyard runs.
//
// The telemetry package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing behind the small
// interfaces the engine depends on (engine.Metrics, engine.Tracer and
// engine.EventPublisher). The engine works without any of them.
//
// # Usage
//
// Initialize telemetry at startup and hand it to the engine:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	eng := engine.New(append(tel.EngineOptions(), engine.WithDialer(dialer))...)
//
// # Structured Logging
//
// The logger wraps zerolog with run, host and task fields:
//
//	logger := tel.Logger.NewComponentLogger("engine")
//	logger = logger.WithRunID(report.RunID).WithHost("web1").WithTask("deploy:symlink")
//	logger.Info("task started")
//	logger.WithError(err).Error("task failed")
//
// Components that take a zerolog.Logger receive tel.Logger.Zerolog().
//
// # Distributed Tracing
//
// The engine opens one span per run, per host sequence and per task through
// Tracer.Start. Spans carry run.id, run.entry, host.name and task.name
// attributes and record engine error class and code on failure.
//
// Supported exporters: "otlp" (OTLP over gRPC), "stdout" (pretty printed to
// stderr) and "none".
//
// # Metrics
//
// Key metrics exposed, prefixed with the configured namespace:
//
//   - shipyard_runs_total{status}
//   - shipyard_run_duration_seconds{status}
//   - shipyard_host_runs_total{host,status}
//   - shipyard_tasks_executed_total{task,status}
//   - shipyard_task_duration_seconds{task}
//   - shipyard_commands_total{host,exit_code}
//   - shipyard_command_duration_seconds{host}
//   - shipyard_lock_contention_total{host}
//   - shipyard_errors_by_class_total{class}
//   - shipyard_errors_by_code_total{code}
//
// Metrics are exposed via HTTP at /metrics (default: :9090/metrics) while the
// process runs.
//
// # Event Publishing
//
// EventPublisher fans engine events out to sinks, such as the run journal,
// and to subscribers, such as CLI progress output. Events are delivered in
// publish order:
//
//	tel.Events.AddSink(journal)
//	tel.Events.Subscribe(func(event engine.Event) {
//	    fmt.Printf("%s %s\n", event.Host, event.Message)
//	}, telemetry.FilterByLevel("warning"))
//
// Event filters: FilterByLevel, FilterByType, FilterByRunID, FilterByHost
//
// # Graceful Shutdown
//
// Shutdown drains buffered events, flushes pending spans and stops the
// metrics server:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
//	defer cancel()
//	if err := tel.Shutdown(ctx); err != nil {
//	    log.Warn().Err(err).Msg("telemetry shutdown")
//	}
package telemetry

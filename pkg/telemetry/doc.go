// Package telemetry provides observability for regionctl.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and an in-process event publisher.
//
// # Setup
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
//	ctx = tel.WithContext(ctx)
//
// # Engine integration
//
// Observer implements engine.Observer. Pass tel.Observer in the coordinator,
// executor and approval gate configuration to get:
//
//   - a region.<operation> span per region with outcome, workspace status and
//     error class attributes
//   - regionctl_region_runs_total and regionctl_region_run_duration_seconds
//     by operation and outcome
//   - regionctl_workspace_status per region
//   - regionctl_lock_contention_total per region
//   - regionctl_approval_decisions_total and regionctl_approval_wait_seconds
//   - regionctl_errors_by_class_total and regionctl_errors_by_code_total
//
// Observer also implements engine.BootstrapNotifier; RegionApplied publishes a
// region.applied event that a bootstrap process can subscribe to.
//
// # Events
//
// EventPublisher delivers events to subscribers in publish order, either
// synchronously or from a buffered goroutine:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    notify(e.Region, e.Message)
//	}, telemetry.FilterByType(telemetry.EventTypeRegionApplied))
//
// # Metrics endpoint
//
// Metrics.Handler serves the registry. The API server mounts it at /metrics;
// StartMetricsServer serves it standalone when a listen address is set.
package telemetry

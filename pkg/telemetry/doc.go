// Package telemetry provides observability for the deployment update service.
//
// It bundles structured logging (zerolog), distributed tracing
// (OpenTelemetry), Prometheus metrics and a lifecycle event publisher behind
// a single Telemetry value that the orchestrator and the workflow handlers
// receive at construction.
//
// # Usage
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
//	go tel.Metrics.Serve(ctx, tel.Logger)
//
// NewNop returns telemetry that records nothing; components fall back to it
// when given nil.
//
// # Logging
//
// Every update log line carries the deployment and update ids:
//
//	logger := tel.Logger.WithComponent("deployupdate").
//	    WithDeploymentID(u.DeploymentID).
//	    WithUpdateID(u.ID)
//	logger.Info("update committed")
//
// Levels: trace, debug, info, warn, error, fatal. Formats: json, console.
//
// # Tracing
//
// Stage, step creation, commit, finalize and dispatch each run in a span
// named deployment_update.<operation>:
//
//	ctx, span := tel.Tracer.StartUpdateSpan(ctx, "commit", deploymentID, updateID)
//	defer func() { telemetry.EndSpan(span, err) }()
//
// Exporters: otlp (gRPC), stdout, none.
//
// # Metrics
//
//   - depup_updates_staged_total
//   - depup_steps_created_total{action, entity_type}
//   - depup_commits_total{status}, depup_commit_duration_seconds
//   - depup_finalizes_total{status}
//   - depup_node_instances_applied_total{category}
//   - depup_node_instance_version_conflicts_total
//   - depup_workflow_dispatches_total{workflow, status}
//   - depup_executions_ended_total{workflow, status}
//   - depup_errors_by_class_total{class}, depup_errors_by_code_total{code}
//   - depup_active_updates
//
// # Events
//
// The EventPublisher fans lifecycle events (update.staged, update.committed,
// policy.violation, execution.ended, ...) out to subscribers, synchronously
// or from a buffered goroutine when EnableAsync is set:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    audit.Record(e)
//	}, telemetry.FilterByUpdateID(updateID))
package telemetry

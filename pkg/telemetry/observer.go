package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/regionctl/pkg/engine"
)

// Observer feeds engine lifecycle notifications into metrics, traces and
// events. It also serves as the bootstrap hand-off: RegionApplied publishes
// a region.applied event for whatever bootstraps clusters.
type Observer struct {
	tracer  *Tracer
	metrics *Metrics
	events  *EventPublisher
	logger  zerolog.Logger
}

var (
	_ engine.Observer          = (*Observer)(nil)
	_ engine.BootstrapNotifier = (*Observer)(nil)
)

// NewObserver creates an observer. Any of tracer, metrics or events may be nil.
func NewObserver(tracer *Tracer, metrics *Metrics, events *EventPublisher, logger zerolog.Logger) *Observer {
	return &Observer{
		tracer:  tracer,
		metrics: metrics,
		events:  events,
		logger:  logger.With().Str("component", "observer").Logger(),
	}
}

// RegionStarted opens the region span and returns the context carrying it.
func (o *Observer) RegionStarted(ctx context.Context, op string, region engine.Region) context.Context {
	if o.tracer != nil {
		ctx, _ = o.tracer.StartRegionSpan(ctx, op, string(region))
	}
	if o.metrics != nil {
		o.metrics.RegionStarted()
	}
	o.publish(func(ep *EventPublisher) error {
		return ep.PublishRegionStarted(op, string(region))
	})
	return ctx
}

// RegionFinished closes the region span and records the outcome.
func (o *Observer) RegionFinished(ctx context.Context, op string, result *engine.RunResult) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		AttrOutcome.String(string(result.Outcome)),
		AttrStatus.String(string(result.Status)),
	)
	if result.ChangeSetHash != "" {
		span.SetAttributes(AttrChangeSetHash.String(result.ChangeSetHash))
	}
	if err := resultError(result); err != nil {
		span.SetAttributes(
			AttrErrorClass.String(string(result.ErrorClass)),
			AttrErrorCode.String(result.ErrorCode),
		)
		RecordError(span, err)
	} else {
		RecordSuccess(span)
	}
	span.End()

	if o.metrics != nil {
		o.metrics.RecordRegionResult(op, string(result.Outcome), result.Duration)
		o.metrics.SetWorkspaceStatus(string(result.Region), string(result.Status))
		if result.Outcome == engine.OutcomeFailed {
			o.metrics.RecordError(string(result.ErrorClass), result.ErrorCode)
		}
	}

	o.publish(func(ep *EventPublisher) error {
		return ep.PublishRegionFinished(op, string(result.Region), string(result.Outcome),
			string(result.Status), result.Error, result.Duration)
	})
}

// LockContended records a refused lock acquisition.
func (o *Observer) LockContended(region engine.Region) {
	if o.metrics != nil {
		o.metrics.RecordLockContention(string(region))
	}
	o.publish(func(ep *EventPublisher) error {
		return ep.PublishLockContended(string(region))
	})
}

// ApprovalDecided records a terminal approval decision.
func (o *Observer) ApprovalDecided(rec *engine.ApprovalRecord, waited time.Duration) {
	if o.metrics != nil {
		o.metrics.RecordApproval(string(rec.Decision), waited)
	}
	o.publish(func(ep *EventPublisher) error {
		return ep.PublishApprovalDecided(string(rec.Region), rec.PendingID, string(rec.Decision), rec.Actor, waited)
	})
}

// RegionApplied announces that a region's infrastructure is ready for
// cluster bootstrap.
func (o *Observer) RegionApplied(_ context.Context, ws *engine.Workspace) error {
	o.logger.Info().
		Str("region", string(ws.Region)).
		Str("partition_key", ws.PartitionKey).
		Int64("state_version", ws.StateVersion).
		Msg("Region ready for bootstrap")

	if o.events == nil {
		return nil
	}
	return o.events.PublishRegionApplied(string(ws.Region), ws.PartitionKey, ws.StateVersion)
}

// resultError returns the result's error, or one rebuilt from its message
// for results decoded from storage.
func resultError(result *engine.RunResult) error {
	if err := result.Err(); err != nil {
		return err
	}
	if result.Error != "" {
		return errors.New(result.Error)
	}
	return nil
}

// publish sends an event, logging rather than failing when it is dropped.
func (o *Observer) publish(fn func(*EventPublisher) error) {
	if o.events == nil {
		return
	}
	if err := fn(o.events); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to publish event")
	}
}

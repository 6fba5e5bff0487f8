package observer

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
)

// TurnObserver returns a per-turn metrics callback for
// rondo.WithTurnObserver. It records turn count and duration broken down
// by classified intent and complexity, and emits a log record per turn.
// Turn spans come from rondo.WithTracer(observer.NewTracer()); this
// callback covers the aggregate view.
func TurnObserver(inst *Instruments) func(intent, complexity string, d time.Duration, err error) {
	return func(intent, complexity string, d time.Duration, err error) {
		status := "ok"
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			status = "cancelled"
		case err != nil:
			status = "error"
		}

		// The turn has ended; instruments get a fresh context.
		ctx := context.Background()
		durationMs := float64(d.Milliseconds())

		inst.TurnCount.Add(ctx, 1, metric.WithAttributes(
			AttrTurnIntent.String(intent),
			AttrTurnComplexity.String(complexity),
			attribute.String("status", status),
		))
		inst.TurnDuration.Record(ctx, durationMs, metric.WithAttributes(
			AttrTurnIntent.String(intent),
			AttrTurnComplexity.String(complexity),
		))

		var rec otellog.Record
		rec.SetSeverity(otellog.SeverityInfo)
		if status == "error" {
			rec.SetSeverity(otellog.SeverityError)
		}
		rec.SetBody(otellog.StringValue("turn completed"))
		attrs := []otellog.KeyValue{
			otellog.String("turn.intent", intent),
			otellog.String("turn.complexity", complexity),
			otellog.String("turn.status", status),
			otellog.Float64("turn.duration_ms", durationMs),
		}
		if err != nil {
			attrs = append(attrs, otellog.String("error", err.Error()))
		}
		rec.AddAttributes(attrs...)
		inst.Logger.Emit(ctx, rec)
	}
}

package lending

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type instruments struct {
	operations metric.Int64Counter
	failures   metric.Int64Counter
	transfers  metric.Int64Counter
	skipped    metric.Int64Counter
}

func newInstruments() instruments {
	meter := otel.Meter("bookworm/lending")
	return instruments{
		operations: counter(meter, "lending.operations", "Completed lending operations by type"),
		failures:   counter(meter, "lending.failures", "Failed lending operations by type and kind"),
		transfers:  counter(meter, "lending.hold_transfers", "Returned copies handed to the head of a hold queue"),
		skipped:    counter(meter, "lending.hold_skips", "Queue heads dropped because they could not receive a copy"),
	}
}

func counter(meter metric.Meter, name, description string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		return noop.Int64Counter{}
	}
	return c
}

func (m instruments) observe(ctx context.Context, op string, err error) {
	if err == nil {
		m.operations.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", op)))
		return
	}
	m.failures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("kind", string(KindOf(err))),
	))
}

package telemetry

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/vinayprograms/fleetconf/bus"
)

// MetricsSubjectPrefix is the subject prefix for published batches.
const MetricsSubjectPrefix = "metrics."

var subjectReplacer = strings.NewReplacer(" ", "_", "*", "_", ">", "_", ".", "_")

// MetricsSubject returns the bus subject for a namespace.
// Characters with special meaning in subjects are replaced by "_".
func MetricsSubject(namespace string) string {
	return MetricsSubjectPrefix + subjectReplacer.Replace(namespace)
}

// BusSink publishes each batch on metrics.<namespace>, carrying the trace
// context of the publishing span so consumers can continue the trace.
type BusSink struct {
	bus bus.MessageBus
}

// NewBusSink creates a sink that publishes on b.
func NewBusSink(b bus.MessageBus) *BusSink {
	return &BusSink{bus: b}
}

func (s *BusSink) PublishBatch(ctx context.Context, namespace string, records []Datum) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	carrier := MapCarrier{}
	InjectContext(ctx, carrier)

	data, err := json.Marshal(batchPayload{Namespace: namespace, Records: records, Trace: carrier})
	if err != nil {
		return err
	}
	return s.bus.Publish(MetricsSubject(namespace), data)
}

// Close does not close the bus; it is shared with the heartbeat listener.
func (s *BusSink) Close() error { return nil }

// DecodeBatch parses a message published by BusSink. The returned context
// carries the remote span context, if any.
func DecodeBatch(ctx context.Context, msg *bus.Message) (context.Context, string, []Datum, error) {
	var p batchPayload
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		return ctx, "", nil, err
	}
	if len(p.Trace) > 0 {
		ctx = ExtractContext(ctx, MapCarrier(p.Trace))
	}
	return ctx, p.Namespace, p.Records, nil
}

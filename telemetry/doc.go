// Package telemetry publishes heartbeat counts as metrics and carries the
// server's own observability: OpenTelemetry tracing and Prometheus metrics.
//
// # Publishing
//
// The Publisher implements heartbeat.Recorder. Every heartbeat increments a
// per-client counter; once per interval the counters are drained atomically,
// turned into one Datum per client (metric "Heartbeats", dimension "Client",
// unit Count) and handed to a Sink in batches of at most 20 records.
//
//	sink, _ := telemetry.NewSink(ctx, telemetry.SinkConfig{Kind: "cloudwatch", Region: "eu-west-1"})
//	pub, _ := telemetry.NewPublisher(telemetry.PublisherConfig{
//	    Enabled:   true,
//	    Namespace: "fleet/heartbeats",
//	}, sink, telemetry.WithLogger(logger))
//	pub.Start(ctx)
//
// A failed batch is logged and dropped; the rest of the tick goes on.
// Publishing is best effort and never blocks heartbeat handling.
//
// # Sinks
//
//   - cloudwatch: PutMetricData through the AWS SDK
//   - http: JSON POST to an endpoint
//   - file: JSON lines appended to a file
//   - bus: JSON on metrics.<namespace> through the message bus
//   - noop: discards everything
//
// # Tracing
//
// InitProvider installs an OTLP exporter (gRPC or HTTP). Ticks, batches and
// API requests get spans; trace context crosses HTTP and bus hops.
package telemetry

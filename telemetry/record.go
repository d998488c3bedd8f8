package telemetry

import (
	"time"

	"github.com/vinayprograms/fleetconf/heartbeat"
)

// Unit is the unit of a metric value.
type Unit string

// UnitCount is the only unit the publisher emits.
const UnitCount Unit = "Count"

// Dimension is a name/value pair that qualifies a metric.
type Dimension struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Datum is one metric record handed to a Sink.
type Datum struct {
	MetricName string      `json:"metric_name"`
	Dimensions []Dimension `json:"dimensions"`
	Timestamp  time.Time   `json:"timestamp"`
	Unit       Unit        `json:"unit"`
	Value      float64     `json:"value"`
}

// Dimension returns the value of the named dimension, or "".
func (d Datum) Dimension(name string) string {
	for _, dim := range d.Dimensions {
		if dim.Name == name {
			return dim.Value
		}
	}
	return ""
}

// BuildRecords turns drained heartbeat counts into one record per client,
// ordered by client ID, all stamped with ts.
func BuildRecords(counts map[string]int64, metricName, dimension string, ts time.Time) []Datum {
	records := make([]Datum, 0, len(counts))
	for _, clientID := range heartbeat.Clients(counts) {
		records = append(records, Datum{
			MetricName: metricName,
			Dimensions: []Dimension{{Name: dimension, Value: clientID}},
			Timestamp:  ts,
			Unit:       UnitCount,
			Value:      float64(counts[clientID]),
		})
	}
	return records
}

// Partition splits records into consecutive batches of at most size records,
// preserving order. The last batch holds the remainder.
// Batches share the backing array of records.
func Partition(records []Datum, size int) [][]Datum {
	if size <= 0 {
		size = DefaultBatchSize
	}
	batches := make([][]Datum, 0, (len(records)+size-1)/size)
	for start := 0; start < len(records); start += size {
		end := start + size
		if end > len(records) {
			end = len(records)
		}
		batches = append(batches, records[start:end:end])
	}
	return batches
}

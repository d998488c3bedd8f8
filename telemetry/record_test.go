package telemetry

import (
	"testing"
	"time"
)

func makeRecords(n int) []Datum {
	records := make([]Datum, n)
	for i := range records {
		records[i] = Datum{MetricName: DefaultMetricName, Value: float64(i)}
	}
	return records
}

// --- Unit Tests ---

func TestBuildRecords(t *testing.T) {
	ts := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	counts := map[string]int64{"client-2": 2, "client-1": 5}

	records := BuildRecords(counts, "Heartbeats", "Client", ts)
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}

	want := []struct {
		client string
		value  float64
	}{
		{"client-1", 5},
		{"client-2", 2},
	}
	for i, w := range want {
		r := records[i]
		if r.Dimension("Client") != w.client {
			t.Errorf("records[%d] client = %q, want %q", i, r.Dimension("Client"), w.client)
		}
		if r.Value != w.value {
			t.Errorf("records[%d] value = %v, want %v", i, r.Value, w.value)
		}
		if r.MetricName != "Heartbeats" || r.Unit != UnitCount {
			t.Errorf("records[%d] = %+v", i, r)
		}
		if !r.Timestamp.Equal(ts) {
			t.Errorf("records[%d] timestamp = %v, want %v", i, r.Timestamp, ts)
		}
	}
}

func TestBuildRecords_Empty(t *testing.T) {
	if got := BuildRecords(map[string]int64{}, "Heartbeats", "Client", time.Now()); len(got) != 0 {
		t.Errorf("BuildRecords(empty) = %v", got)
	}
}

func TestDatum_DimensionMissing(t *testing.T) {
	d := Datum{Dimensions: []Dimension{{Name: "Client", Value: "a"}}}
	if got := d.Dimension("Host"); got != "" {
		t.Errorf("Dimension(Host) = %q, want empty", got)
	}
}

func TestPartition(t *testing.T) {
	tests := []struct {
		name  string
		n     int
		size  int
		sizes []int
	}{
		{"empty", 0, 20, nil},
		{"one", 1, 20, []int{1}},
		{"exact", 20, 20, []int{20}},
		{"one over", 21, 20, []int{20, 1}},
		{"forty five", 45, 20, []int{20, 20, 5}},
		{"default size", 45, 0, []int{20, 20, 5}},
		{"size one", 3, 1, []int{1, 1, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records := makeRecords(tt.n)
			batches := Partition(records, tt.size)

			if len(batches) != len(tt.sizes) {
				t.Fatalf("len(batches) = %d, want %d", len(batches), len(tt.sizes))
			}
			next := 0.0
			for i, b := range batches {
				if len(b) != tt.sizes[i] {
					t.Errorf("batch %d size = %d, want %d", i, len(b), tt.sizes[i])
				}
				// Concatenation reproduces the input order.
				for _, r := range b {
					if r.Value != next {
						t.Fatalf("record out of order: got %v, want %v", r.Value, next)
					}
					next++
				}
			}
		})
	}
}

func TestPartition_BatchesDoNotOverlap(t *testing.T) {
	batches := Partition(makeRecords(3), 2)
	// Appending to the first batch must not clobber the second.
	_ = append(batches[0], Datum{Value: 99})
	if batches[1][0].Value != 2 {
		t.Errorf("second batch modified: %v", batches[1][0].Value)
	}
}

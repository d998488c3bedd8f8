package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// FileSink appends each batch to a file as one JSON line.
type FileSink struct {
	file *os.File
	mu   sync.Mutex
}

// NewFileSink opens (or creates) path for appending.
func NewFileSink(path string) (*FileSink, error) {
	if path == "" {
		return nil, fmt.Errorf("file sink: path is required")
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open metrics file: %w", err)
	}
	return &FileSink{file: file}, nil
}

func (s *FileSink) PublishBatch(ctx context.Context, namespace string, records []Datum) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(batchPayload{Namespace: namespace, Records: records})
	if err != nil {
		return err
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.file.Write(data)
	return err
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.file.Sync()
	return s.file.Close()
}

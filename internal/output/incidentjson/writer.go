package incidentjson

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"accessguard/internal/logger"
	"accessguard/pkg/models"
)

// Writer outputs incidents to a JSON lines file.
type Writer struct {
	file    *os.File
	encoder *json.Encoder
	mu      sync.Mutex
}

// NewWriter opens path for appending incidents, one JSON object per line.
func NewWriter(path string) (*Writer, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open output file: %w", err)
	}

	logger.Infof("Incident JSON writer initialized: %s", path)
	return &Writer{
		file:    f,
		encoder: json.NewEncoder(f),
	}, nil
}

// WriteIncidents writes a batch of incidents.
func (w *Writer) WriteIncidents(incidents []*models.Incident) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, inc := range incidents {
		if err := w.encoder.Encode(inc); err != nil {
			return fmt.Errorf("failed to encode incident: %w", err)
		}
	}
	return nil
}

// Close closes the output file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		err := w.file.Close()
		w.file = nil
		return err
	}
	return nil
}

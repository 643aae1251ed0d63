// Package alerthttp posts operator alerts (partial reconciliations and
// severe incidents) to an HTTP endpoint.
package alerthttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"accessguard/internal/errs"
	"accessguard/pkg/models"
)

// Alert kinds.
const (
	KindPartial  = "partial_reconciliation"
	KindIncident = "incident"
)

// Alert is the body posted for every notification.
type Alert struct {
	Kind      string           `json:"kind"`
	At        time.Time        `json:"at"`
	Retryable bool             `json:"retryable,omitempty"`
	DeviceID  string           `json:"device_id,omitempty"`
	Address   string           `json:"address,omitempty"`
	Status    string           `json:"status,omitempty"`
	Step      string           `json:"step,omitempty"`
	Error     string           `json:"error,omitempty"`
	Incident  *models.Incident `json:"incident,omitempty"`
}

// Writer sends alerts to a remote HTTP endpoint.
type Writer struct {
	url         string
	headers     map[string]string
	client      *http.Client
	minSeverity models.Severity
	now         func() time.Time
}

// Config configures the HTTP writer. Incidents below MinSeverity are not
// sent; it defaults to high.
type Config struct {
	URL         string
	Timeout     time.Duration
	Headers     map[string]string
	MinSeverity models.Severity
}

// NewWriter creates an HTTP writer.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("http alert URL is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	minSeverity := cfg.MinSeverity
	if minSeverity == "" {
		minSeverity = models.SeverityHigh
	}
	return &Writer{
		url:         cfg.URL,
		headers:     cfg.Headers,
		client:      &http.Client{Timeout: timeout},
		minSeverity: minSeverity,
		now:         time.Now,
	}, nil
}

// ReportPartial posts a partial reconciliation.
func (w *Writer) ReportPartial(ctx context.Context, p *errs.PartialReconciliation) error {
	if p == nil {
		return nil
	}
	a := Alert{
		Kind:      KindPartial,
		At:        w.now().UTC(),
		Retryable: true,
		DeviceID:  p.DeviceID,
		Address:   p.Address,
		Status:    p.Status,
		Step:      p.Step,
	}
	if p.Err != nil {
		a.Error = p.Err.Error()
	}
	return w.post(ctx, []Alert{a})
}

// WriteIncidents posts the incidents at or above the configured severity.
func (w *Writer) WriteIncidents(incidents []*models.Incident) error {
	var alerts []Alert
	for _, inc := range incidents {
		if severityRank(inc.Severity) < severityRank(w.minSeverity) {
			continue
		}
		alerts = append(alerts, Alert{Kind: KindIncident, At: w.now().UTC(), Address: inc.DeviceAddress, Incident: inc})
	}
	if len(alerts) == 0 {
		return nil
	}
	return w.post(context.Background(), alerts)
}

func (w *Writer) post(ctx context.Context, alerts []Alert) error {
	body, err := json.Marshal(alerts)
	if err != nil {
		return fmt.Errorf("failed to marshal alerts: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("http request failed with status %s", resp.Status)
	}

	return nil
}

// Close releases HTTP resources.
func (w *Writer) Close() error {
	return nil
}

func severityRank(s models.Severity) int {
	for i, sev := range models.Severities {
		if sev == s {
			return i
		}
	}
	return -1
}

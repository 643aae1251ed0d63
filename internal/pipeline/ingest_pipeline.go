package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"accessguard/internal/input/file"
	"accessguard/internal/logger"
	"accessguard/internal/transform/zeek"
	"accessguard/pkg/models"
)

// LineSource yields raw sensor log lines. A nil line with a nil error means
// nothing arrived before the source's poll timeout.
type LineSource interface {
	Next(ctx context.Context) (*file.Line, error)
	Close() error
}

// IngestPipeline reads log lines, decodes them, turns notices into incidents
// and writes incidents in batches.
type IngestPipeline struct {
	source        LineSource
	processor     *Processor
	writer        IncidentWriter
	workers       int
	batchSize     int
	flushInterval time.Duration
}

// NewIngestPipeline creates an ingest pipeline. writer may be nil.
func NewIngestPipeline(source LineSource, processor *Processor, writer IncidentWriter, workers, batchSize int, flushInterval time.Duration) *IngestPipeline {
	return &IngestPipeline{
		source:        source,
		processor:     processor,
		writer:        writer,
		workers:       workers,
		batchSize:     batchSize,
		flushInterval: flushInterval,
	}
}

// Run starts the pipeline loop. It returns when ctx is cancelled or the
// source is exhausted.
func (p *IngestPipeline) Run(ctx context.Context) error {
	logger.Infof("Ingest pipeline started")

	if p.workers <= 0 {
		p.workers = 4
	}
	if p.batchSize <= 0 {
		p.batchSize = 100
	}
	if p.flushInterval <= 0 {
		p.flushInterval = 2 * time.Second
	}

	recCh := make(chan *models.LogRecord, p.workers*4)
	incCh := make(chan *models.Incident, p.workers*4)

	var workers sync.WaitGroup
	var writer sync.WaitGroup

	go func() {
		p.readLoop(ctx, recCh)
		close(recCh)
	}()

	for i := 0; i < p.workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			p.workerLoop(ctx, recCh, incCh)
		}()
	}

	writer.Add(1)
	go func() {
		defer writer.Done()
		p.writeLoop(ctx, incCh)
	}()

	workers.Wait()
	close(incCh)
	writer.Wait()

	stats := p.processor.Stats()
	logger.Infof("Ingest pipeline stopped: records=%d incidents=%d duplicates=%d auto_blocked=%d",
		stats.Records, stats.Incidents, stats.Duplicates, stats.AutoBlocked)
	return ctx.Err()
}

// Close releases pipeline resources.
func (p *IngestPipeline) Close() error {
	if p.writer != nil {
		if err := p.writer.Close(); err != nil {
			logger.Errorf("Failed to close incident writer: %v", err)
		}
	}
	if p.source != nil {
		return p.source.Close()
	}
	return nil
}

// readLoop decodes lines in arrival order. Each log source keeps its own
// decoder so header state never crosses sources.
func (p *IngestPipeline) readLoop(ctx context.Context, out chan<- *models.LogRecord) {
	decoders := make(map[string]*zeek.Decoder)
	for {
		line, err := p.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			logger.Errorf("Failed to read log line: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		if line == nil {
			continue
		}

		dec, ok := decoders[line.Source]
		if !ok {
			dec = zeek.NewDecoder(line.Source)
			decoders[line.Source] = dec
		}
		rec, err := dec.Feed(line.Text)
		if err != nil {
			logger.Warnf("Dropped %s line: %v", line.Source, err)
			continue
		}
		if rec == nil {
			continue
		}
		select {
		case out <- rec:
		case <-ctx.Done():
			return
		}
	}
}

func (p *IngestPipeline) workerLoop(ctx context.Context, in <-chan *models.LogRecord, out chan<- *models.Incident) {
	for rec := range in {
		inc, err := p.processor.Process(ctx, rec)
		if err != nil {
			logger.Errorf("Failed to process %s record: %v", rec.Source, err)
			continue
		}
		if inc != nil {
			out <- inc
		}
	}
}

func (p *IngestPipeline) writeLoop(ctx context.Context, in <-chan *models.Incident) {
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	var batch []*models.Incident

	flush := func() {
		if p.writer == nil || len(batch) == 0 {
			batch = nil
			return
		}
		for {
			if err := p.writer.WriteIncidents(batch); err != nil {
				logger.Errorf("Failed to write incidents: %v", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(1 * time.Second):
				}
				continue
			}
			batch = nil
			break
		}
	}

	for {
		select {
		case <-ticker.C:
			flush()
		case inc, ok := <-in:
			if !ok {
				flush()
				return
			}
			batch = append(batch, inc)
			if len(batch) >= p.batchSize {
				flush()
			}
		}
	}
}

// ProcessRecords runs already decoded records through the processor and
// writer synchronously and returns the new incidents.
func (p *Processor) ProcessRecords(ctx context.Context, records []*models.LogRecord, writer IncidentWriter) ([]*models.Incident, error) {
	var out []*models.Incident
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		inc, err := p.Process(ctx, rec)
		if err != nil {
			return out, err
		}
		if inc != nil {
			out = append(out, inc)
		}
	}
	if writer != nil && len(out) > 0 {
		if err := writer.WriteIncidents(out); err != nil {
			return out, err
		}
	}
	return out, nil
}

package pipeline

import (
	"errors"

	"accessguard/pkg/models"
)

// IncidentWriter writes incident outputs.
type IncidentWriter interface {
	WriteIncidents(incidents []*models.Incident) error
	Close() error
}

// MultiWriter fans incidents out to several writers.
type MultiWriter []IncidentWriter

// WriteIncidents writes to every writer and joins their errors.
func (m MultiWriter) WriteIncidents(incidents []*models.Incident) error {
	var errList []error
	for _, w := range m {
		if err := w.WriteIncidents(incidents); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// Close closes every writer.
func (m MultiWriter) Close() error {
	var errList []error
	for _, w := range m {
		if err := w.Close(); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

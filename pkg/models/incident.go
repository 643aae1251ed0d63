package models

import (
	"strings"
	"time"
)

// Severity grades an incident.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Severities lists all severities from lowest to highest.
var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// ParseSeverity maps a free-form token to a Severity, ignoring case and
// surrounding space.
func ParseSeverity(token string) (Severity, bool) {
	switch Severity(strings.ToLower(strings.TrimSpace(token))) {
	case SeverityLow:
		return SeverityLow, true
	case SeverityMedium:
		return SeverityMedium, true
	case SeverityHigh:
		return SeverityHigh, true
	case SeverityCritical:
		return SeverityCritical, true
	}
	return "", false
}

// Incident is a security event attributed to a device address.
type Incident struct {
	ID            string    `json:"id"`
	DeviceAddress string    `json:"device_address"`
	DeviceName    string    `json:"device_name,omitempty"`
	NoteType      string    `json:"note_type"`
	Severity      Severity  `json:"severity"`
	Description   string    `json:"description"`
	DetectedAt    time.Time `json:"detected_at"`
	LogType       string    `json:"log_type,omitempty"`
	RawSource     string    `json:"raw_source,omitempty"`
}

// IncidentStats summarizes incidents detected within a window.
type IncidentStats struct {
	Since      time.Time          `json:"since"`
	Total      int                `json:"total"`
	BySeverity map[Severity]int   `json:"by_severity"`
	TopAddress []AddressIncidents `json:"top_addresses"`
}

// AddressIncidents is an incident count for one address.
type AddressIncidents struct {
	Address string `json:"address"`
	Count   int    `json:"count"`
}

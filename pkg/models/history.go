package models

import (
	"strings"
	"time"
)

// AdminBlockTag prefixes the feedback text of administrative block entries.
const AdminBlockTag = "Administrative block"

// legacyAdminBlockTag is the tag written by earlier deployments.
const legacyAdminBlockTag = "Bloqueio administrativo"

// BlockHistoryEntry is one entry of a device's blocking history.
type BlockHistoryEntry struct {
	ID         int64     `json:"id"`
	DeviceID   string    `json:"device_id"`
	Feedback   string    `json:"feedback"`
	AdminNotes string    `json:"admin_notes,omitempty"`
	By         string    `json:"by,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// IsAdministrativeBlock reports whether the entry records an administrative block.
func (e BlockHistoryEntry) IsAdministrativeBlock() bool {
	return strings.Contains(e.Feedback, AdminBlockTag) || strings.Contains(e.Feedback, legacyAdminBlockTag)
}

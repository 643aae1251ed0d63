package models

import (
	"strings"
	"time"
)

// AccessKind is the kind of addresses an access set holds.
type AccessKind string

const (
	AccessKindHost    AccessKind = "host"
	AccessKindNetwork AccessKind = "network"
)

// AccessEntry is one address of an access set.
type AccessEntry struct {
	Address string `json:"address"`
	Detail  string `json:"detail,omitempty"`
}

// AccessSet is a named, firewall-enforced address collection.
type AccessSet struct {
	Name        string        `json:"name"`
	Kind        AccessKind    `json:"kind"`
	Description string        `json:"description,omitempty"`
	Entries     []AccessEntry `json:"entries"`
}

// Contains reports whether address is a member of the set.
func (s *AccessSet) Contains(address string) bool {
	if s == nil {
		return false
	}
	for _, e := range s.Entries {
		if e.Address == address {
			return true
		}
	}
	return false
}

// AccessStatus is the enforcement state of a device.
type AccessStatus string

const (
	StatusAllowed AccessStatus = "ALLOWED"
	StatusBlocked AccessStatus = "BLOCKED"
	StatusPending AccessStatus = "PENDING"
)

// Device identifies a registered device.
type Device struct {
	ID       string `json:"id"`
	Address  string `json:"address"`
	MAC      string `json:"mac,omitempty"`
	Hostname string `json:"hostname,omitempty"`
}

// DeviceAccessRecord is the authoritative local access record of a device.
type DeviceAccessRecord struct {
	DeviceID  string       `json:"device_id"`
	Address   string       `json:"address"`
	MAC       string       `json:"mac,omitempty"`
	Hostname  string       `json:"hostname,omitempty"`
	Status    AccessStatus `json:"status"`
	Reason    string       `json:"reason,omitempty"`
	BlockedAt *time.Time   `json:"blocked_at,omitempty"`
	BlockedBy string       `json:"blocked_by,omitempty"`
	Strikes   int          `json:"strikes"`
	UpdatedAt time.Time    `json:"updated_at,omitempty"`
}

// Device returns the identity part of the record.
func (r *DeviceAccessRecord) Device() Device {
	return Device{ID: r.DeviceID, Address: r.Address, MAC: r.MAC, Hostname: r.Hostname}
}

// AccessState is a status transition written to the device store.
type AccessState struct {
	Status AccessStatus
	Reason string
	Actor  string
	At     time.Time
}

// Action is a firewall rule verdict.
type Action string

const (
	ActionPass  Action = "PASS"
	ActionBlock Action = "BLOCK"
)

// ParseAction maps firewall rule types such as "pass" or "block" to an Action.
func ParseAction(raw string) (Action, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pass":
		return ActionPass, true
	case "block", "reject":
		return ActionBlock, true
	}
	return "", false
}

// FirewallRule is the subset of a firewall rule the engine reasons about.
type FirewallRule struct {
	ID                int      `json:"id"`
	Action            Action   `json:"action"`
	Interface         string   `json:"interface,omitempty"`
	SourceTokens      []string `json:"source_tokens"`
	DestinationTokens []string `json:"destination_tokens"`
	Description       string   `json:"description,omitempty"`
	Disabled          bool     `json:"disabled,omitempty"`
}

// SplitTokens splits a comma separated rule address field into tokens.
func SplitTokens(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Lease is the liveness view of a device as reported by the DHCP server.
type Lease struct {
	Address  string `json:"ip"`
	MAC      string `json:"mac"`
	Hostname string `json:"hostname,omitempty"`
	Online   bool   `json:"online"`
	Active   bool   `json:"active"`
}

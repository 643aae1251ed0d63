// Package warning derives escalation (strike) state for a device from
// operator annotations, block history or the structured strike counter.
package warning

import (
	"regexp"
	"strconv"

	"accessguard/pkg/models"
)

// DefaultBudget is the number of strikes before a permanent block.
const DefaultBudget = 3

// Classification is the escalation stage of a device.
type Classification string

const (
	Warned             Classification = "warned"
	FinalWarning       Classification = "final warning"
	BlockedPermanently Classification = "blocked permanently"
)

// Source records where a State was derived from.
type Source string

const (
	SourceAnnotation Source = "annotation"
	SourceHistory    Source = "history"
	SourceCounter    Source = "counter"
)

// State is a derived strike counter. It is never used to enforce access.
type State struct {
	Current   int            `json:"current"`
	Total     int            `json:"total"`
	Remaining int            `json:"remaining"`
	Stage     Classification `json:"classification"`
	Source    Source         `json:"source"`
}

func newState(current, total int, src Source) *State {
	s := &State{Current: current, Total: total, Remaining: total - current, Source: src}
	s.Stage = Classify(s.Remaining)
	return s
}

// Classify maps remaining strikes onto an escalation stage.
func Classify(remaining int) Classification {
	switch {
	case remaining <= 0:
		return BlockedPermanently
	case remaining == 1:
		return FinalWarning
	default:
		return Warned
	}
}

// Patterns are tried in order; the first match wins. Each has two groups:
// the current strike and the total.
var Patterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)advert[êe]ncia\s*(\d+)\s*de\s*(\d+)`),
	regexp.MustCompile(`(?i)(\d+)[ªº]\s*advert[êe]ncia\s*de\s*(\d+)`),
	regexp.MustCompile(`(?i)(\d+)\s*advert[êe]ncia\s*de\s*(\d+)`),
	regexp.MustCompile(`(?i)essa\s*é\s*sua\s*(\d+)[ªº]?\s*advert[êe]ncia\s*de\s*(\d+)`),
	regexp.MustCompile(`(?i)warning\s*#?(\d+)\s*(?:of|/)\s*(\d+)`),
	regexp.MustCompile(`(?i)(\d+)(?:st|nd|rd|th)?\s*warning\s*(?:of|out\s+of)\s*(\d+)`),
	regexp.MustCompile(`(?i)strike\s*(\d+)\s*(?:of|/)\s*(\d+)`),
	regexp.MustCompile(`(?i)advertencia\s*(\d+)\s*de\s*(\d+)`),
	regexp.MustCompile(`(?i)advert[êe]ncia.*?(\d+).*?de\s*(\d+)`),
	regexp.MustCompile(`(?i)(\d+).*?advert[êe]ncia.*?de\s*(\d+)`),
}

// Parse extracts a strike counter from annotation text.
func Parse(annotation string) (*State, bool) {
	if annotation == "" {
		return nil, false
	}
	for _, re := range Patterns {
		m := re.FindStringSubmatch(annotation)
		if m == nil {
			continue
		}
		current, err1 := strconv.Atoi(m[1])
		total, err2 := strconv.Atoi(m[2])
		if err1 != nil || err2 != nil {
			continue
		}
		return newState(current, total, SourceAnnotation), true
	}
	return nil, false
}

// CountAdministrativeBlocks counts history entries tagged as administrative blocks.
func CountAdministrativeBlocks(history []models.BlockHistoryEntry) int {
	n := 0
	for _, e := range history {
		if e.IsAdministrativeBlock() {
			n++
		}
	}
	return n
}

// Derive resolves the warning state of a device: the annotation text first,
// then the count of prior administrative blocks against DefaultBudget.
// It returns false when the device has not been escalated.
func Derive(annotation string, history []models.BlockHistoryEntry) (*State, bool) {
	if s, ok := Parse(annotation); ok {
		return s, true
	}
	if n := CountAdministrativeBlocks(history); n > 0 {
		return newState(n, DefaultBudget, SourceHistory), true
	}
	return nil, false
}

// FromCounter builds the state from the structured strike counter kept on
// the device record.
func FromCounter(strikes, budget int) (*State, bool) {
	if strikes <= 0 {
		return nil, false
	}
	if budget <= 0 {
		budget = DefaultBudget
	}
	return newState(strikes, budget, SourceCounter), true
}

// ForDevice prefers the structured counter and falls back to Derive over the
// most recent annotated history entry.
func ForDevice(rec *models.DeviceAccessRecord, history []models.BlockHistoryEntry, budget int) (*State, bool) {
	if rec != nil {
		if s, ok := FromCounter(rec.Strikes, budget); ok {
			return s, true
		}
	}
	for i := len(history) - 1; i >= 0; i-- {
		if s, ok := Parse(history[i].AdminNotes); ok {
			return s, true
		}
	}
	return Derive("", history)
}

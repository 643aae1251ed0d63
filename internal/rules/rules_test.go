package rules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"accessguard/pkg/models"
)

const portScanRule = `title: Zeek port scan notice
id: 7e1b2a10-0000-4000-8000-000000000001
status: test
level: high
tags:
  - attack.discovery
  - attack.t1046
logsource:
  product: zeek
  service: notice
detection:
  selection:
    note|contains: Port_Scan
  condition: selection
`

const windowsRule = `title: Windows only
level: low
logsource:
  product: windows
  service: sysmon
detection:
  selection:
    Image|endswith: '\cmd.exe'
  condition: selection
`

const aggregationRule = `title: Too many DNS queries
level: medium
logsource:
  product: zeek
  service: dns
detection:
  selection:
    qtype_name: A
  timeframe: 1m
  condition: selection | count() > 100
`

func writeRules(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range map[string]string{
		"port_scan.yml":   portScanRule,
		"windows.yaml":    windowsRule,
		"aggregation.yml": aggregationRule,
		"broken.yml":      "title: [unclosed",
		"README.md":       "not a rule",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0644))
	}
	return dir
}

func noticeRecord(note string) *models.LogRecord {
	return &models.LogRecord{
		Source: "notice.log",
		Fields: []models.Field{
			{Name: "ts", Value: models.TimeValue(1700000000)},
			{Name: "id.orig_h", Value: models.StringValue("10.0.0.5")},
			{Name: "note", Value: models.StringValue(note)},
		},
	}
}

func TestSigmaEngineLoadsZeekRules(t *testing.T) {
	engine, stats, err := NewSigmaEngine(writeRules(t))
	require.NoError(t, err)
	require.Equal(t, 4, stats.TotalFiles)
	require.Equal(t, 1, stats.Loaded)
	require.Equal(t, 1, stats.SkippedDatasource)
	require.Equal(t, 1, engine.Len())
	require.Equal(t, 2, stats.SkippedComplex+stats.SkippedInvalid)
}

func TestSigmaEngineAppliesByService(t *testing.T) {
	engine, _, err := NewSigmaEngine(writeRules(t))
	require.NoError(t, err)

	matches := engine.Apply(noticeRecord("Scan::Port_Scan"))
	require.Len(t, matches, 1)
	require.Equal(t, models.SeverityHigh, matches[0].Level)
	require.Equal(t, "Zeek port scan notice", matches[0].Title)
	require.Equal(t, "discovery", matches[0].Tactic)
	require.Equal(t, "T1046", matches[0].Technique)

	require.Empty(t, engine.Apply(noticeRecord("SSH::Password_Guessing")))

	other := noticeRecord("Scan::Port_Scan")
	other.Source = "weird.log"
	require.Empty(t, engine.Apply(other))
}

func TestAnnotatePicksMostSevereMatch(t *testing.T) {
	rec := &models.LogRecord{Source: "conn.log", Fields: []models.Field{
		{Name: "id.orig_h", Value: models.StringValue("10.0.0.5")},
	}}
	ok := Annotate(rec, []Match{
		{Title: "Odd port", Level: models.SeverityLow},
		{Title: "Telnet outbound", Level: models.SeverityCritical},
		{Title: "Long session", Level: models.SeverityMedium},
	})
	require.True(t, ok)

	level, _ := rec.Get("rule.level")
	require.Equal(t, "critical", level.String())
	note, _ := rec.Get("note")
	require.Equal(t, "Sigma::Telnet outbound", note.String())
	msg, _ := rec.Get("msg")
	require.Equal(t, "Telnet outbound", msg.String())

	require.False(t, Annotate(rec, nil))
}

func TestAnnotateKeepsExistingNote(t *testing.T) {
	rec := noticeRecord("Scan::Port_Scan")
	Annotate(rec, []Match{{Title: "Port scan", Level: models.SeverityHigh}})
	note, _ := rec.Get("note")
	require.Equal(t, "Scan::Port_Scan", note.String())
	_, hasMsg := rec.Get("msg")
	require.False(t, hasMsg)
}

func TestServiceOf(t *testing.T) {
	require.Equal(t, "notice", serviceOf("notice.log"))
	require.Equal(t, "conn", serviceOf("/var/log/zeek/current/CONN.log"))
}

package incidentjson

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"accessguard/pkg/models"
)

func TestWriterAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "incidents.jsonl")
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for _, id := range []string{"a", "b"} {
		w, err := NewWriter(path)
		require.NoError(t, err)
		require.NoError(t, w.WriteIncidents([]*models.Incident{{ID: id, DeviceAddress: "10.0.0.5", NoteType: "Scan::Port_Scan", Severity: models.SeverityHigh, DetectedAt: at}}))
		require.NoError(t, w.Close())
		require.NoError(t, w.Close())
	}

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var ids []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var inc models.Incident
		require.NoError(t, json.Unmarshal(sc.Bytes(), &inc))
		require.Equal(t, at, inc.DetectedAt)
		ids = append(ids, inc.ID)
	}
	require.Equal(t, []string{"a", "b"}, ids)
}

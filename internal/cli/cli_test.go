package cli

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"accessguard/config"
	"accessguard/internal/devicestate"
	"accessguard/internal/pipeline"
	"accessguard/pkg/models"
)

func TestCommandsAreRegistered(t *testing.T) {
	var names []string
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"serve", "ingest", "register", "grant", "revoke", "sync", "warnings"} {
		require.Contains(t, names, want)
	}
	require.NotNil(t, syncCmd.Flags().Lookup("heal"))
	require.NotNil(t, revokeCmd.Flags().Lookup("reason"))
}

func TestDeviceFromFlagsOverlaysStoredIdentity(t *testing.T) {
	t.Cleanup(func() { deviceAddress, deviceMAC, deviceHostname = "", "", "" })

	rec := &models.DeviceAccessRecord{DeviceID: "dev-1", Address: "10.0.0.5", Hostname: "laptop"}
	require.Equal(t, models.Device{ID: "dev-1", Address: "10.0.0.5", Hostname: "laptop"}, deviceFromFlags("dev-1", rec))

	deviceAddress = "10.0.0.9"
	require.Equal(t, models.Device{ID: "dev-1", Address: "10.0.0.9", Hostname: "laptop"}, deviceFromFlags("dev-1", rec))
}

func TestResolveDeviceNeedsAddressForUnknownDevice(t *testing.T) {
	t.Cleanup(func() { deviceAddress = "" })
	a := &app{devices: devicestate.NewMemoryStore()}

	_, err := a.resolveDevice(context.Background(), "ghost")
	require.ErrorIs(t, err, devicestate.ErrNotFound)

	deviceAddress = "10.0.0.7"
	d, err := a.resolveDevice(context.Background(), "ghost")
	require.NoError(t, err)
	require.Equal(t, models.Device{ID: "ghost", Address: "10.0.0.7"}, d)
}

func TestNewAppWithMemoryBackend(t *testing.T) {
	c := &config.Config{}
	c.AccessGuard.Firewall.URL = "https://fw.example/api/v2"
	c.AccessGuard.Incidents.SQLitePath = filepath.Join(t.TempDir(), "ag.db")
	c.AccessGuard.Incidents.Output.File.Path = filepath.Join(t.TempDir(), "incidents.jsonl")
	config.ApplyDefaults(c)

	a, err := newApp(c)
	require.NoError(t, err)
	defer a.Close()
	require.Equal(t, "Blocked", a.engine.Options().BlockedSet)

	w, err := a.incidentWriter()
	require.NoError(t, err)
	require.Len(t, w.(pipeline.MultiWriter), 1)
	require.NoError(t, w.Close())

	c.AccessGuard.Incidents.Output.Mode = "kafka"
	a.cfg = c.AccessGuard
	_, err = a.incidentWriter()
	require.ErrorContains(t, err, "unknown incident output mode")
}

func TestNewAppRejectsUnknownBackend(t *testing.T) {
	c := &config.Config{}
	c.AccessGuard.Firewall.URL = "https://fw.example/api/v2"
	c.AccessGuard.Devices.Backend = "etcd"
	config.ApplyDefaults(c)

	_, err := newApp(c)
	require.ErrorContains(t, err, "unknown device backend")
}

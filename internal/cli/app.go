package cli

import (
	"context"
	"fmt"
	"strings"

	"accessguard/config"
	"accessguard/internal/devicestate"
	"accessguard/internal/input/file"
	inputredis "accessguard/internal/input/redis"
	"accessguard/internal/logger"
	"accessguard/internal/metrics"
	"accessguard/internal/output/alerthttp"
	"accessguard/internal/output/incidentclickhouse"
	"accessguard/internal/output/incidentjson"
	"accessguard/internal/pfsense"
	"accessguard/internal/pipeline"
	"accessguard/internal/reconcile"
	"accessguard/internal/rules"
	"accessguard/internal/store/sqlite"
	"accessguard/pkg/models"
)

// deviceBackend is what the commands need from a device record store.
type deviceBackend interface {
	reconcile.DeviceStore
	Register(ctx context.Context, device models.Device) error
	LookupAddress(ctx context.Context, address string) (*models.DeviceAccessRecord, error)
	Close() error
}

// app holds the wired components shared by the commands.
type app struct {
	cfg      config.AccessGuardConfig
	firewall *pfsense.Client
	devices  deviceBackend
	store    *sqlite.Store
	alerts   *alerthttp.Writer
	metrics  *metrics.Metrics
	engine   *reconcile.Engine
}

func newApp(c *config.Config) (*app, error) {
	a := &app{cfg: c.AccessGuard, metrics: metrics.New()}
	ac := a.cfg

	fw, err := pfsense.NewClient(pfsense.Config{
		URL:                ac.Firewall.URL,
		APIKey:             ac.Firewall.APIKey,
		Timeout:            ac.Firewall.Timeout,
		RateLimit:          ac.Firewall.RateLimit,
		Burst:              ac.Firewall.Burst,
		ApplyChanges:       ac.Firewall.ApplyChanges,
		InsecureSkipVerify: ac.Firewall.InsecureSkipVerify,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create firewall client: %w", err)
	}
	a.firewall = fw

	switch strings.ToLower(ac.Devices.Backend) {
	case "redis":
		rs, err := devicestate.NewRedisStore(devicestate.RedisConfig{
			Addr:      ac.Devices.Redis.Addr,
			Password:  ac.Devices.Redis.Password,
			DB:        ac.Devices.Redis.DB,
			KeyPrefix: ac.Devices.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open device store: %w", err)
		}
		a.devices = rs
	case "memory":
		logger.Warnf("Using in-memory device store; records are lost on exit")
		a.devices = devicestate.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown device backend %q", ac.Devices.Backend)
	}

	store, err := sqlite.Open(sqlite.Config{Path: ac.Incidents.SQLitePath, DuplicateWindow: ac.Incidents.DuplicateWindow})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open incident store: %w", err)
	}
	a.store = store

	deps := reconcile.Deps{
		Sets:     fw,
		Rules:    fw,
		Devices:  a.devices,
		History:  store,
		Observer: a.metrics,
	}
	if ac.Alerts.HTTP.URL != "" {
		sev, _ := models.ParseSeverity(ac.Alerts.HTTP.MinSeverity)
		w, err := alerthttp.NewWriter(alerthttp.Config{
			URL:         ac.Alerts.HTTP.URL,
			Timeout:     ac.Alerts.HTTP.Timeout,
			Headers:     ac.Alerts.HTTP.Headers,
			MinSeverity: sev,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create alert channel: %w", err)
		}
		a.alerts = w
		deps.Reporter = w
	}

	a.engine = reconcile.NewEngine(deps, reconcile.Options{
		AuthorizedSet:   ac.Firewall.AuthorizedAlias,
		BlockedSet:      ac.Firewall.BlockedAlias,
		CallTimeout:     ac.Enforcement.CallTimeout,
		MinReasonLength: ac.Enforcement.MinReasonLength,
	})
	return a, nil
}

// processor wires the incident processor, loading Sigma rules when a rule
// path is configured.
func (a *app) processor() (*pipeline.Processor, error) {
	var engine rules.Engine = &rules.NoopEngine{}
	if path := a.cfg.Sensor.RulesPath; path != "" {
		se, stats, err := rules.NewSigmaEngine(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load rules: %w", err)
		}
		logger.Infof("Sigma rules loaded: files=%d loaded=%d skipped_complex=%d skipped_datasource=%d skipped_invalid=%d",
			stats.TotalFiles, stats.Loaded, stats.SkippedComplex, stats.SkippedDatasource, stats.SkippedInvalid)
		engine = se
	}
	return pipeline.NewProcessor(pipeline.ProcessorConfig{
		Engine:    engine,
		Store:     a.store,
		Devices:   a.devices,
		Blocker:   a.engine,
		AutoBlock: a.cfg.Enforcement.AutoBlockAttackers,
	}), nil
}

// incidentWriter builds the configured incident sinks. High severity
// incidents also go to the alert channel when one is configured.
func (a *app) incidentWriter() (pipeline.IncidentWriter, error) {
	var out pipeline.MultiWriter
	oc := a.cfg.Incidents.Output
	switch strings.ToLower(oc.Mode) {
	case "file":
		w, err := incidentjson.NewWriter(oc.File.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to create incident file writer: %w", err)
		}
		out = append(out, w)
	case "clickhouse":
		w, err := incidentclickhouse.NewWriter(incidentclickhouse.Config{
			URL:      oc.ClickHouse.URL,
			Database: oc.ClickHouse.Database,
			Table:    oc.ClickHouse.Table,
			Username: oc.ClickHouse.Username,
			Password: oc.ClickHouse.Password,
			Timeout:  oc.ClickHouse.Timeout,
			Headers:  oc.ClickHouse.Headers,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create clickhouse writer: %w", err)
		}
		out = append(out, w)
	case "none":
	default:
		return nil, fmt.Errorf("unknown incident output mode %q", oc.Mode)
	}
	if a.alerts != nil {
		out = append(out, alertSink{a.alerts})
	}
	return out, nil
}

// alertSink forwards incidents to the alert channel without closing it; the
// app owns the channel.
type alertSink struct{ w *alerthttp.Writer }

func (s alertSink) WriteIncidents(incidents []*models.Incident) error {
	return s.w.WriteIncidents(incidents)
}

func (s alertSink) Close() error { return nil }

// lineSource opens the configured streaming sensor input.
func (a *app) lineSource(ctx context.Context) (pipeline.LineSource, error) {
	sc := a.cfg.Sensor
	switch strings.ToLower(sc.Source) {
	case "redis":
		consumer, err := inputredis.NewConsumer(inputredis.Config{
			Addr:         sc.Redis.Addr,
			Password:     sc.Redis.Password,
			DB:           sc.Redis.DB,
			Key:          sc.Redis.Key,
			BlockTimeout: sc.Redis.BlockTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis consumer: %w", err)
		}
		return consumer, nil
	case "file":
		src, err := a.spool()
		if err != nil {
			return nil, err
		}
		t := file.NewTailer(src, sc.FromStart)
		if err := t.Start(ctx); err != nil {
			return nil, err
		}
		return t, nil
	}
	return nil, fmt.Errorf("unknown sensor source %q", sc.Source)
}

func (a *app) spool() (*file.Source, error) {
	src, err := file.NewSource(a.cfg.Sensor.SpoolDir, a.cfg.Sensor.AllowedLogs)
	if err != nil {
		return nil, fmt.Errorf("failed to open sensor spool: %w", err)
	}
	return src, nil
}

// Close releases every opened component.
func (a *app) Close() {
	if a.alerts != nil {
		_ = a.alerts.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Errorf("Failed to close incident store: %v", err)
		}
	}
	if a.devices != nil {
		if err := a.devices.Close(); err != nil {
			logger.Errorf("Failed to close device store: %v", err)
		}
	}
}

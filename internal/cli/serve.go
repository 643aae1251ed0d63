package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"accessguard/internal/logger"
	"accessguard/internal/metrics"
	"accessguard/internal/pipeline"
	"accessguard/internal/server"
	"accessguard/internal/status"
)

var (
	serveListen   string
	serveNoIngest bool
	serveNoStatus bool
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "HTTP listen address (overrides server.listen)")
	serveCmd.Flags().BoolVar(&serveNoIngest, "no-ingest", false, "Do not run the sensor ingest pipeline")
	serveCmd.Flags().BoolVar(&serveNoStatus, "no-status", false, "Do not poll DHCP lease status")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the ingest pipeline and the status monitor",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Infof("AccessGuard starting")
	var wg sync.WaitGroup

	var monitor *status.Monitor
	if !serveNoStatus {
		monitor = status.NewMonitor(a.firewall, a.cfg.Status.Interval)
		a.metrics.RegisterOnline(func() int { return len(monitor.Snapshot().Online()) })
		wg.Add(1)
		go func() {
			defer wg.Done()
			monitor.Run(ctx)
		}()
	}

	if !serveNoIngest {
		p, err := a.ingestPipeline(ctx)
		if err != nil {
			stop()
			wg.Wait()
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Errorf("Ingest pipeline stopped: %v", err)
			}
			if err := p.Close(); err != nil {
				logger.Errorf("Failed to close ingest pipeline: %v", err)
			}
		}()
	}

	listen := a.cfg.Server.Listen
	if serveListen != "" {
		listen = serveListen
	}
	scfg := server.Config{
		Addr:         listen,
		Engine:       a.engine,
		Devices:      a.devices,
		Incidents:    a.store,
		Metrics:      a.metrics,
		StrikeBudget: a.cfg.Enforcement.StrikeBudget,
	}
	if monitor != nil {
		scfg.Status = monitor
	}
	srvErr := server.New(scfg).ListenAndServe(ctx)

	stop()
	wg.Wait()
	logger.Infof("AccessGuard stopped")
	if srvErr != nil {
		return fmt.Errorf("http server: %w", srvErr)
	}
	return nil
}

// ingestPipeline wires the streaming pipeline and exposes its counters.
func (a *app) ingestPipeline(ctx context.Context) (*pipeline.IngestPipeline, error) {
	proc, err := a.processor()
	if err != nil {
		return nil, err
	}
	writer, err := a.incidentWriter()
	if err != nil {
		return nil, err
	}
	source, err := a.lineSource(ctx)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	a.metrics.RegisterPipeline(func() metrics.PipelineStats {
		s := proc.Stats()
		return metrics.PipelineStats(s)
	})
	pc := a.cfg.Pipeline
	return pipeline.NewIngestPipeline(source, proc, writer, pc.Workers, pc.BatchSize, pc.FlushInterval), nil
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"accessguard/internal/errs"
	"accessguard/internal/logger"
)

var (
	ingestMaxLines int
	ingestFollow   bool
)

func init() {
	rootCmd.AddCommand(ingestCmd)
	ingestCmd.Flags().IntVarP(&ingestMaxLines, "max-lines", "n", 0, "Maximum records to read (default sensor.max_lines)")
	ingestCmd.Flags().BoolVarP(&ingestFollow, "follow", "f", false, "Stream the configured sensor source until interrupted")
}

var ingestCmd = &cobra.Command{
	Use:   "ingest [log-name]",
	Short: "Turn sensor notices into incidents",
	Long:  "Reads a whitelisted sensor log (e.g. notice.log) from the spool directory,\nstores new incidents and prints them. With --follow, streams the configured\nsensor source instead.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runIngest,
}

func runIngest(cmd *cobra.Command, args []string) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if ingestFollow {
		p, err := a.ingestPipeline(ctx)
		if err != nil {
			return err
		}
		defer p.Close()
		if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}

	name := "notice.log"
	if len(args) == 1 {
		name = args[0]
	}
	src, err := a.spool()
	if err != nil {
		return err
	}
	maxLines := a.cfg.Sensor.MaxLines
	if cmd.Flags().Changed("max-lines") {
		maxLines = ingestMaxLines
	}
	records, err := src.ReadLog(name, maxLines)
	var fe *errs.FormatError
	if errors.As(err, &fe) {
		logger.Warnf("Some %s lines could not be decoded: %v", name, err)
	} else if err != nil {
		return err
	}

	proc, err := a.processor()
	if err != nil {
		return err
	}
	writer, err := a.incidentWriter()
	if err != nil {
		return err
	}
	defer writer.Close()

	incidents, err := proc.ProcessRecords(ctx, records, writer)
	if err != nil {
		return fmt.Errorf("process %s: %w", name, err)
	}
	stats := proc.Stats()
	logger.Infof("Ingested %s: records=%d incidents=%d duplicates=%d auto_blocked=%d",
		name, stats.Records, stats.Incidents, stats.Duplicates, stats.AutoBlocked)
	return printJSON(incidents)
}

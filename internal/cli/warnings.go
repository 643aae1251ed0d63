package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"accessguard/internal/devicestate"
	"accessguard/internal/warning"
	"accessguard/pkg/models"
)

var warningAnnotation string

func init() {
	rootCmd.AddCommand(warningsCmd)
	warningsCmd.Flags().StringVar(&warningAnnotation, "annotation", "", "Parse this annotation text instead of a device's records")
}

var warningsCmd = &cobra.Command{
	Use:   "warnings [device-id]",
	Short: "Show the warning (strike) state of a device",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if warningAnnotation != "" {
			st, ok := warning.Parse(warningAnnotation)
			if !ok {
				return printJSON(nil)
			}
			return printJSON(st)
		}
		if len(args) == 0 {
			return cmd.Usage()
		}

		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := context.Background()
		rec, err := a.devices.Get(ctx, args[0])
		if err != nil && !errors.Is(err, devicestate.ErrNotFound) {
			return err
		}
		history, err := a.store.BlockHistory(ctx, args[0])
		if err != nil {
			return err
		}
		out := struct {
			DeviceID string                     `json:"device_id"`
			Warning  *warning.State             `json:"warning"`
			History  []models.BlockHistoryEntry `json:"history"`
		}{DeviceID: args[0], History: history}
		if st, ok := warning.ForDevice(rec, history, a.cfg.Enforcement.StrikeBudget); ok {
			out.Warning = st
		}
		return printJSON(out)
	},
}

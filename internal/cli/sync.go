package cli

import (
	"context"

	"github.com/spf13/cobra"
)

var syncHeal bool

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().BoolVar(&syncHeal, "heal", false, "Re-apply the access sets implied by every device record before reporting")
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Report the firewall action of every managed alias and device",
	Long:  "Derives the action of each alias referenced by the firewall rules and of each\naddress in the managed sets. Read-only unless --heal is given.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		run := a.engine.Sync
		if syncHeal {
			run = a.engine.Heal
		}
		report, err := run(context.Background())
		if err != nil {
			return err
		}
		return printJSON(report)
	},
}

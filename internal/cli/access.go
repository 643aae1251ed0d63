package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"accessguard/internal/devicestate"
	"accessguard/pkg/models"
)

var (
	deviceAddress  string
	deviceMAC      string
	deviceHostname string
	revokeReason   string
	revokeActor    string
)

func init() {
	for _, c := range []*cobra.Command{registerCmd, grantCmd, revokeCmd} {
		c.Flags().StringVar(&deviceAddress, "address", "", "Device IP address")
		c.Flags().StringVar(&deviceMAC, "mac", "", "Device MAC address")
		c.Flags().StringVar(&deviceHostname, "hostname", "", "Device hostname")
		rootCmd.AddCommand(c)
	}
	revokeCmd.Flags().StringVarP(&revokeReason, "reason", "r", "", "Reason for the block (required)")
	revokeCmd.Flags().StringVar(&revokeActor, "actor", "", "Who is blocking the device")
	_ = revokeCmd.MarkFlagRequired("reason")
}

var registerCmd = &cobra.Command{
	Use:   "register <device-id>",
	Short: "Register a device with PENDING status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := context.Background()
		d := deviceFromFlags(args[0], nil)
		if err := a.devices.Register(ctx, d); err != nil {
			return err
		}
		rec, err := a.devices.Get(ctx, d.ID)
		if err != nil {
			return err
		}
		return printJSON(rec)
	},
}

var grantCmd = &cobra.Command{
	Use:   "grant <device-id>",
	Short: "Allow a device network access",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := context.Background()
		d, err := a.resolveDevice(ctx, args[0])
		if err != nil {
			return err
		}
		res, err := a.engine.GrantAccess(ctx, d)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var revokeCmd = &cobra.Command{
	Use:   "revoke <device-id>",
	Short: "Block a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		if _, err := a.engine.ValidateReason(revokeReason); err != nil {
			return err
		}
		ctx := context.Background()
		d, err := a.resolveDevice(ctx, args[0])
		if err != nil {
			return err
		}
		res, err := a.engine.RevokeAccess(ctx, d, revokeReason, revokeActor)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

// resolveDevice loads the stored identity of id, overlaid with the identity
// flags. An unknown device needs --address.
func (a *app) resolveDevice(ctx context.Context, id string) (models.Device, error) {
	rec, err := a.devices.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, devicestate.ErrNotFound) || deviceAddress == "" {
			return models.Device{}, err
		}
	}
	return deviceFromFlags(id, rec), nil
}

func deviceFromFlags(id string, rec *models.DeviceAccessRecord) models.Device {
	d := models.Device{ID: id}
	if rec != nil {
		d = rec.Device()
	}
	if deviceAddress != "" {
		d.Address = deviceAddress
	}
	if deviceMAC != "" {
		d.MAC = deviceMAC
	}
	if deviceHostname != "" {
		d.Hostname = deviceHostname
	}
	return d
}

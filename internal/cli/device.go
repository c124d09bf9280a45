package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/punchsync/internal/punch"
	"github.com/roach88/punchsync/internal/store"
)

// NewDeviceCommand creates the device command group.
func NewDeviceCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Manage the device registry",
	}
	cmd.AddCommand(newDeviceRegisterCommand(rootOpts))
	cmd.AddCommand(newDeviceListCommand(rootOpts))
	cmd.AddCommand(newDeviceUpdateCommand(rootOpts))
	cmd.AddCommand(newDeviceDeleteCommand(rootOpts))
	return cmd
}

func newDeviceRegisterCommand(rootOpts *RootOptions) *cobra.Command {
	var dev punch.Device
	var mode string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a device and print its API key",
		Long: `Register a biometric terminal. A push device authenticates with the
generated API key in the X-Device-Key header; poll and stream devices are
reached by the device workers of "punchsync serve".

Examples:
  punchsync device register --org acme --name "Front door"
  punchsync device register --org acme --mode poll --address 10.0.0.9 --port 4370
  punchsync device register --org acme --mode stream --serial CKJX2045`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dev.Mode = punch.DeviceMode(mode)
			if !punch.ValidModes[dev.Mode] {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid mode %q: must be push, poll or stream", mode))
			}

			e, err := setup(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			ctx := cmd.Context()
			if _, err := e.store.GetOrganization(ctx, dev.OrgID); err != nil {
				return WrapExitError(ExitFailure, "unknown organization", err)
			}
			created, err := e.store.CreateDevice(ctx, dev)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to register device", err)
			}
			return render(rootOpts, cmd, created, func(w io.Writer) {
				fmt.Fprintf(w, "Device %s registered (%s mode)\n", created.ID, created.Mode)
				fmt.Fprintf(w, "API key: %s\n", created.APIKey)
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&dev.OrgID, "org", "", "organization id (required)")
	_ = cmd.MarkFlagRequired("org")
	f.StringVar(&dev.ID, "id", "", "device id (generated when empty)")
	f.StringVar(&dev.Name, "name", "", "display name")
	f.StringVar(&dev.Brand, "brand", punch.DefaultBrand, "device brand, selects punch-code classification")
	f.StringVar(&dev.Model, "model", "", "device model")
	f.StringVar(&dev.Serial, "serial", "", "serial number, used as the stream topic key")
	f.StringVar(&mode, "mode", string(punch.ModePush), "connection mode (push|poll|stream)")
	f.StringVar(&dev.Address, "address", "", "relay address for poll devices")
	f.IntVar(&dev.Port, "port", punch.DefaultPort, "relay port for poll devices")
	f.StringVar(&dev.CommKey, "comm-key", "", "relay passcode")
	f.StringVar(&dev.SigningSecret, "signing-secret", "", "HMAC secret for signed pushes")
	f.StringVar(&dev.Timezone, "timezone", "", "zone of naive device timestamps (defaults to the organization's)")
	return cmd
}

func newDeviceListCommand(rootOpts *RootOptions) *cobra.Command {
	var orgID string

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List registered devices",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			list, err := e.store.ListDevices(cmd.Context(), orgID)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list devices", err)
			}
			return render(rootOpts, cmd, list, func(w io.Writer) {
				writeDeviceTable(w, list)
			})
		},
	}

	cmd.Flags().StringVar(&orgID, "org", "", "only devices of this organization")
	return cmd
}

func writeDeviceTable(w io.Writer, list []punch.Device) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tORG\tNAME\tMODE\tADDRESS\tACTIVE\tLAST SEEN")
	for _, d := range list {
		active := "yes"
		if !d.Active {
			active = "no (" + d.DeactivatedBy + ")"
		}
		lastSeen := "never"
		if d.LastSeen != nil {
			lastSeen = d.LastSeen.Format(time.RFC3339)
		}
		address := d.Address
		if address != "" {
			address = fmt.Sprintf("%s:%d", d.Address, d.Port)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", d.ID, d.OrgID, d.Name, d.Mode, address, active, lastSeen)
	}
	tw.Flush()
}

func newDeviceUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		name, address, commKey, secret, timezone, mode string
		port                                           int
		active, rotate                                 bool
	)

	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a registered device",
		Long: `Update a registered device. Only flags given on the command line change.
--active=false deactivates the device; only --active=true reverses that.

Example:
  punchsync device update D1 --address 10.0.0.12 --signing-secret s3cret
  punchsync device update D1 --active=false`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var u store.DeviceUpdate
			flags := cmd.Flags()
			if flags.Changed("name") {
				u.Name = &name
			}
			if flags.Changed("address") {
				u.Address = &address
			}
			if flags.Changed("port") {
				u.Port = &port
			}
			if flags.Changed("comm-key") {
				u.CommKey = &commKey
			}
			if flags.Changed("signing-secret") {
				u.SigningSecret = &secret
			}
			if flags.Changed("timezone") {
				u.Timezone = &timezone
			}
			if flags.Changed("mode") {
				m := punch.DeviceMode(mode)
				u.Mode = &m
			}
			if flags.Changed("active") {
				u.Active = &active
			}
			u.RotateAPIKey = rotate

			e, err := setup(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			dev, err := e.store.UpdateDevice(cmd.Context(), args[0], u)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to update device", err)
			}
			return render(rootOpts, cmd, dev, func(w io.Writer) {
				fmt.Fprintf(w, "Device %s updated\n", dev.ID)
				if rotate {
					fmt.Fprintf(w, "API key: %s\n", dev.APIKey)
				}
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&name, "name", "", "display name")
	f.StringVar(&address, "address", "", "relay address")
	f.IntVar(&port, "port", punch.DefaultPort, "relay port")
	f.StringVar(&commKey, "comm-key", "", "relay passcode")
	f.StringVar(&secret, "signing-secret", "", "HMAC secret for signed pushes (empty clears)")
	f.StringVar(&timezone, "timezone", "", "zone of naive device timestamps")
	f.StringVar(&mode, "mode", "", "connection mode (push|poll|stream)")
	f.BoolVar(&active, "active", true, "activate or deactivate the device")
	f.BoolVar(&rotate, "rotate-key", false, "issue a new API key")
	return cmd
}

func newDeviceDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a device",
		Long: `Delete a device from the registry. Its identity mappings are detached
and stored punches lose their device reference; punches and attendance
are never deleted.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.store.DeleteDevice(cmd.Context(), args[0]); err != nil {
				return WrapExitError(ExitFailure, "failed to delete device", err)
			}
			return render(rootOpts, cmd, map[string]string{"deleted": args[0]}, func(w io.Writer) {
				fmt.Fprintf(w, "Device %s deleted\n", args[0])
			})
		},
	}
}

package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

// NewPollCommand creates the poll command.
func NewPollCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "poll <device-id>",
		Short: "Run one poll cycle against a device",
		Long: `Connect to a poll device, fetch every punch since its pull cursor and
ingest them, the same cycle a device worker of "punchsync serve" runs on
its schedule. For a stream device the connection is only probed.

Example:
  punchsync poll D2
  punchsync poll D2 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			mgr := newManager(e.cfg, e, e.newPipeline(nil), nil)
			res, err := mgr.PollOnce(cmd.Context(), args[0])
			if err != nil {
				f := formatter(rootOpts, cmd)
				_ = f.Error(ErrCodeDeviceUnreachable, err.Error(), map[string]string{"device_id": args[0]})
				return WrapExitError(ExitFailure, "poll failed", err)
			}
			return render(rootOpts, cmd, res, func(w io.Writer) {
				fmt.Fprintf(w, "Polled %s via %s: %d fetched, %d accepted, %d duplicate, %d skipped\n",
					res.DeviceID, res.Transport, res.Fetched, res.Accepted, res.Duplicates, res.Skipped)
				if !res.Cursor.IsZero() {
					fmt.Fprintf(w, "Cursor: %s\n", res.Cursor.Format(time.RFC3339))
				}
			})
		},
	}
	return cmd
}

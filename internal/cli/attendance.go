package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/punchsync/internal/punch"
	"github.com/roach88/punchsync/internal/reconcile"
	"github.com/roach88/punchsync/internal/store"
)

// NewAttendanceCommand creates the attendance command group.
func NewAttendanceCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attendance",
		Short: "Inspect and amend daily attendance",
	}
	cmd.AddCommand(newAttendanceListCommand(rootOpts))
	cmd.AddCommand(newAttendanceEditCommand(rootOpts))
	return cmd
}

func newAttendanceListCommand(rootOpts *RootOptions) *cobra.Command {
	var f store.AttendanceFilter

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List attendance records",
		Long: `List attendance records, ordered by date then employee. Dates are
organization-local calendar dates (YYYY-MM-DD), bounds inclusive.

Example:
  punchsync attendance list --org acme --from 2025-03-01 --to 2025-03-07`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, d := range []string{f.From, f.To} {
				if d == "" {
					continue
				}
				if _, err := time.Parse(punch.DateLayout, d); err != nil {
					return WrapExitError(ExitCommandError, "invalid date", err)
				}
			}

			e, err := setup(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			list, err := e.store.ListAttendance(cmd.Context(), f)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list attendance", err)
			}
			return render(rootOpts, cmd, list, func(w io.Writer) {
				writeAttendanceTable(w, list)
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.OrgID, "org", "", "only employees of this organization")
	flags.StringVar(&f.EmployeeID, "employee", "", "only this employee")
	flags.StringVar(&f.From, "from", "", "first date (YYYY-MM-DD)")
	flags.StringVar(&f.To, "to", "", "last date (YYYY-MM-DD)")
	return cmd
}

func writeAttendanceTable(w io.Writer, list []punch.AttendanceRecord) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DATE\tEMPLOYEE\tIN\tOUT\tBREAK\tHOURS\tSTATUS")
	for _, r := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%.2f\t%s\n",
			r.Date, r.EmployeeID, clock(r.ClockIn), clock(r.ClockOut), r.BreakMinutes, r.TotalHours, r.Status)
	}
	tw.Flush()
}

func clock(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func newAttendanceEditCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		breakMinutes int
		status       string
		notes        string
	)

	cmd := &cobra.Command{
		Use:   "edit <employee-id> <date>",
		Short: "Amend an employee's attendance for a day",
		Long: `Amend break minutes, status or notes of an employee's day. Only the
flags given change. Total hours are recomputed; clock-in and clock-out
stay under the control of the punches.

Example:
  punchsync attendance edit e1 2025-03-01 --break 45 --notes "long lunch"
  punchsync attendance edit e2 2025-03-01 --status half_day`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var a reconcile.AttendanceAmendment
			flags := cmd.Flags()
			if flags.Changed("break") {
				a.BreakMinutes = &breakMinutes
			}
			if flags.Changed("status") {
				s := punch.Status(status)
				a.Status = &s
			}
			if flags.Changed("notes") {
				a.Notes = &notes
			}
			if a.BreakMinutes == nil && a.Status == nil && a.Notes == nil {
				return NewExitError(ExitCommandError, "nothing to change: pass --break, --status or --notes")
			}

			e, err := setup(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			rec, err := e.newPipeline(nil).Reconciler().Amend(cmd.Context(), args[0], args[1], a)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to amend attendance", err)
			}
			return render(rootOpts, cmd, rec, func(w io.Writer) {
				writeAttendanceTable(w, []punch.AttendanceRecord{rec})
			})
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&breakMinutes, "break", 0, "break minutes")
	flags.StringVar(&status, "status", "", "status (present|absent|late|half_day)")
	flags.StringVar(&notes, "notes", "", "free-form notes")
	return cmd
}

package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/punchsync/internal/punch"
)

// NewOrgCommand creates the org command group.
func NewOrgCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "org",
		Short: "Manage organizations",
	}
	cmd.AddCommand(newOrgSetCommand(rootOpts))
	cmd.AddCommand(newOrgListCommand(rootOpts))
	return cmd
}

func newOrgSetCommand(rootOpts *RootOptions) *cobra.Command {
	var org punch.Organization

	cmd := &cobra.Command{
		Use:   "set <id>",
		Short: "Create or update an organization",
		Long: `Create or update an organization. The time zone decides which local
date a punch counts towards.

Example:
  punchsync org set acme --name "Acme Ltd" --timezone Africa/Nairobi`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			org.ID = args[0]
			if _, err := time.LoadLocation(org.Timezone); err != nil {
				return WrapExitError(ExitCommandError, "invalid timezone", err)
			}

			e, err := setup(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.store.UpsertOrganization(cmd.Context(), org); err != nil {
				return WrapExitError(ExitFailure, "failed to save organization", err)
			}
			return render(rootOpts, cmd, org, func(w io.Writer) {
				fmt.Fprintf(w, "Organization %s saved (%s)\n", org.ID, org.Timezone)
			})
		},
	}

	cmd.Flags().StringVar(&org.Name, "name", "", "display name")
	cmd.Flags().StringVar(&org.Timezone, "timezone", "UTC", "IANA time zone")
	return cmd
}

func newOrgListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List organizations",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			orgs, err := e.store.ListOrganizations(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list organizations", err)
			}
			return render(rootOpts, cmd, orgs, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tTIMEZONE")
				for _, o := range orgs {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", o.ID, o.Name, o.Timezone)
				}
				tw.Flush()
			})
		},
	}
}

// NewEmployeeCommand creates the employee command group. Employees are
// owned by an external directory; this mirrors them locally.
func NewEmployeeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "employee",
		Short: "Mirror employees from the HR directory",
	}
	cmd.AddCommand(newEmployeeSetCommand(rootOpts))
	cmd.AddCommand(newEmployeeListCommand(rootOpts))
	return cmd
}

func newEmployeeSetCommand(rootOpts *RootOptions) *cobra.Command {
	var emp punch.Employee
	var inactive bool

	cmd := &cobra.Command{
		Use:   "set <id>",
		Short: "Create or update an employee",
		Long: `Create or update an employee. The employee code is the fallback
identifier punches resolve to when no identity mapping exists.

Example:
  punchsync employee set e1 --org acme --code EMP-1 --name "Ada"`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			emp.ID = args[0]
			emp.Active = !inactive

			e, err := setup(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.store.UpsertEmployee(cmd.Context(), emp); err != nil {
				return WrapExitError(ExitFailure, "failed to save employee", err)
			}
			return render(rootOpts, cmd, emp, func(w io.Writer) {
				fmt.Fprintf(w, "Employee %s saved (org %s, code %s)\n", emp.ID, emp.OrgID, emp.Code)
			})
		},
	}

	cmd.Flags().StringVar(&emp.OrgID, "org", "", "organization id (required)")
	_ = cmd.MarkFlagRequired("org")
	cmd.Flags().StringVar(&emp.Code, "code", "", "employee code (required)")
	_ = cmd.MarkFlagRequired("code")
	cmd.Flags().StringVar(&emp.Name, "name", "", "display name")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "mark the employee inactive")
	return cmd
}

func newEmployeeListCommand(rootOpts *RootOptions) *cobra.Command {
	var orgID string

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List employees of an organization",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			emps, err := e.store.ListEmployees(cmd.Context(), orgID)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list employees", err)
			}
			return render(rootOpts, cmd, emps, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tCODE\tNAME\tACTIVE")
				for _, emp := range emps {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", emp.ID, emp.Code, emp.Name, emp.Active)
				}
				tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&orgID, "org", "", "organization id (required)")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

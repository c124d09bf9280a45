package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/punchsync/internal/punch"
)

// NewMappingCommand creates the mapping command group.
func NewMappingCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mapping",
		Short: "Manage identity mappings",
	}
	cmd.AddCommand(newMappingSetCommand(rootOpts))
	cmd.AddCommand(newMappingListCommand(rootOpts))
	return cmd
}

func newMappingSetCommand(rootOpts *RootOptions) *cobra.Command {
	var m punch.IdentityMapping

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Map a device user or global user to an employee",
		Long: `Map a device-local user id (--device with --device-user) or an
organization-wide global id (--global-user) to an employee. A device-local
mapping wins over a global one for the same punch.

Punches that could not be resolved before are re-resolved right away.

Examples:
  punchsync mapping set --org acme --employee e1 --device D1 --device-user 7
  punchsync mapping set --org acme --employee e2 --global-user badge-0042`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			ctx := cmd.Context()
			saved, err := e.store.UpsertMapping(ctx, m)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to save mapping", err)
			}
			resolved, err := e.newPipeline(nil).Reresolve(ctx, saved.OrgID)
			if err != nil {
				return WrapExitError(ExitFailure, "mapping saved but re-resolution failed", err)
			}

			result := struct {
				Mapping  punch.IdentityMapping `json:"mapping"`
				Resolved int                   `json:"resolved"`
			}{saved, resolved}
			return render(rootOpts, cmd, result, func(w io.Writer) {
				fmt.Fprintf(w, "Mapping %d saved: %s -> %s\n", saved.ID, mappingSubject(saved), saved.EmployeeID)
				if resolved > 0 {
					fmt.Fprintf(w, "Resolved %d pending punch(es)\n", resolved)
				}
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&m.OrgID, "org", "", "organization id (required)")
	f.StringVar(&m.EmployeeID, "employee", "", "employee id (required)")
	f.StringVar(&m.DeviceID, "device", "", "device id of a device-local mapping")
	f.StringVar(&m.DeviceUserID, "device-user", "", "user id enrolled on the device")
	f.StringVar(&m.GlobalUserID, "global-user", "", "organization-wide user id")
	_ = cmd.MarkFlagRequired("org")
	_ = cmd.MarkFlagRequired("employee")
	cmd.MarkFlagsRequiredTogether("device", "device-user")
	cmd.MarkFlagsMutuallyExclusive("device", "global-user")
	cmd.MarkFlagsOneRequired("device-user", "global-user")
	return cmd
}

func mappingSubject(m punch.IdentityMapping) string {
	if m.GlobalUserID != "" {
		return "global " + m.GlobalUserID
	}
	return m.DeviceID + "/" + m.DeviceUserID
}

func newMappingListCommand(rootOpts *RootOptions) *cobra.Command {
	var orgID string

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List identity mappings of an organization",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			list, err := e.store.ListMappings(cmd.Context(), orgID)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list mappings", err)
			}
			return render(rootOpts, cmd, list, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSUBJECT\tEMPLOYEE")
				for _, m := range list {
					fmt.Fprintf(tw, "%d\t%s\t%s\n", m.ID, mappingSubject(m), m.EmployeeID)
				}
				tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&orgID, "org", "", "organization id (required)")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	var orgID string

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Re-resolve unprocessed punches of an organization",
		Long: `Re-run identity resolution and reconciliation over every punch of an
organization that has not been attributed to an employee yet, oldest
first. Safe to run repeatedly.

Example:
  punchsync resolve --org acme`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			ctx := cmd.Context()
			if _, err := e.store.GetOrganization(ctx, orgID); err != nil {
				return WrapExitError(ExitFailure, "unknown organization", err)
			}
			n, err := e.newPipeline(nil).Reresolve(ctx, orgID)
			if err != nil {
				return WrapExitError(ExitFailure, "re-resolution failed", err)
			}
			result := map[string]any{"org_id": orgID, "resolved": n}
			return render(rootOpts, cmd, result, func(w io.Writer) {
				fmt.Fprintf(w, "Resolved %d punch(es) for %s\n", n, orgID)
			})
		},
	}

	cmd.Flags().StringVar(&orgID, "org", "", "organization id (required)")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

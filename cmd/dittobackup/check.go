package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/marmos91/dittobackup/pkg/backup"
	"github.com/marmos91/dittobackup/pkg/check"
	"github.com/spf13/cobra"
)

func newCheckCmd(a *app) *cobra.Command {
	var fix, quiet bool

	cmd := &cobra.Command{
		Use:   "check <account>",
		Short: "Check the consistency of an account",
		Long: `Checks every object of an account: directory structure, version flags,
diff chains, reference counts and the StoreInfo totals.

Without --fix nothing is written. With --fix the account is locked, problems
are repaired and unreachable objects are moved to lost+found.

Exits with status 1 when errors were found and not fixed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, err := parseAccountID(args[0])
			if err != nil {
				return err
			}
			quiet = quiet || a.cfg.Check.Quiet

			ctx := context.Background()
			backend, err := a.openBackend(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = backend.Close() }()

			fs, err := backend.FileSystem(accountID)
			if err != nil {
				return err
			}
			result, err := check.Run(ctx, fs, check.Options{
				Fix:       fix,
				Quiet:     quiet,
				SoftLimit: a.cfg.Limits.SoftLimit,
				HardLimit: a.cfg.Limits.HardLimit,
				Metrics:   a.metrics.Check,
			})
			if err != nil {
				if check.IsLocked(err) {
					return fmt.Errorf("account %08x is in use; try again later", accountID)
				}
				return err
			}

			out := cmd.OutOrStdout()
			if !quiet && len(result.Repairs) > 0 {
				t := table.NewWriter()
				t.SetOutputMirror(out)
				t.SetStyle(table.StyleLight)
				t.AppendHeader(table.Row{"Kind", "Object", "Problem"})
				for _, r := range result.Repairs {
					t.AppendRow(table.Row{r.Kind.String(), backup.FormatObjectID(r.ObjectID), r.Message})
				}
				t.Render()
			}
			if result.LostAndFoundID != backup.NoObject {
				fmt.Fprintf(out, "Unattached objects were moved to lost+found (%s)\n", backup.FormatObjectID(result.LostAndFoundID))
			}
			fmt.Fprintln(out, result.Summary())

			if result.ErrorsFound > 0 && !result.Fixed {
				return &exitError{code: 1, msg: fmt.Sprintf("%d errors found", result.ErrorsFound)}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&fix, "fix", false, "Repair the problems found")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Only print the summary")

	return cmd
}

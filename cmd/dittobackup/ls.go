package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/marmos91/dittobackup/pkg/backup"
	"github.com/marmos91/dittobackup/pkg/session"
	"github.com/spf13/cobra"
)

func newLsCmd(a *app) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "ls <account> [directory-id]",
		Short: "List a directory of an account (read-only)",
		Long:  "Lists the entries of a directory, the root by default. Old and deleted versions are hidden unless --all is given.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, err := parseAccountID(args[0])
			if err != nil {
				return err
			}
			dirID := backup.RootDirectoryID
			if len(args) == 2 {
				if dirID, err = parseObjectID(args[1]); err != nil {
					return err
				}
			}

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
			c, err := session.New(session.Config{
				FileSystem:         fs,
				DirectoryCacheSize: a.cfg.Session.DirectoryCacheSize,
				Metrics:            a.metrics.Session,
				ConnectionDetails:  "cli",
			})
			if err != nil {
				return err
			}
			defer func() { _ = c.CleanUp(ctx) }()

			if err := c.Version(session.ProtocolVersion); err != nil {
				return err
			}
			if err := c.Login(ctx, accountID, true); err != nil {
				return err
			}

			mustNotHave := backup.FlagsExcludeNothing
			if !all {
				mustNotHave = backup.FlagOldVersion | backup.FlagDeleted
			}
			dir, err := c.ListDirectory(ctx, dirID, backup.FlagsIncludeEverything, mustNotHave)
			if err != nil {
				return err
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"ID", "Name", "Flags", "Blocks", "Modified", "Diff of", "Base of"})
			for _, e := range dir.Entries(backup.FlagsIncludeEverything, backup.FlagsExcludeNothing) {
				t.AppendRow(table.Row{
					backup.FormatObjectID(e.ObjectID),
					e.Name.String(),
					e.Flags.String(),
					e.SizeInBlocks,
					formatModTime(e.ModificationTime),
					formatDependency(e.DependsNewer),
					formatDependency(e.DependsOlder),
				})
			}
			t.AppendFooter(table.Row{"", fmt.Sprintf("%d entries", dir.Len()), "", dir.BlocksUsed(backup.FlagsIncludeEverything, backup.FlagsExcludeNothing)})
			t.Render()
			return nil
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include old and deleted versions")

	return cmd
}

// formatModTime renders a modification time in microseconds since the epoch.
func formatModTime(us int64) string {
	if us == 0 {
		return "-"
	}
	return time.UnixMicro(us).UTC().Format("2006-01-02 15:04:05")
}

func formatDependency(id int64) string {
	if id == backup.NoObject {
		return ""
	}
	return backup.FormatObjectID(id)
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/marmos91/dittobackup/pkg/backup"
	"github.com/marmos91/dittobackup/pkg/store"
	"github.com/spf13/cobra"
)

func newCreateCmd(a *app) *cobra.Command {
	var softLimit, hardLimit int64

	cmd := &cobra.Command{
		Use:   "create <account> <name>",
		Short: "Create an empty account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, err := parseAccountID(args[0])
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("soft") {
				softLimit = a.cfg.Limits.SoftLimit
			}
			if !cmd.Flags().Changed("hard") {
				hardLimit = a.cfg.Limits.HardLimit
			}
			if hardLimit < softLimit {
				return fmt.Errorf("hard limit %d is below soft limit %d", hardLimit, softLimit)
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
			info, err := store.CreateAccount(ctx, fs, args[1], softLimit, hardLimit)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Account %08x (%s) created: soft limit %d, hard limit %d blocks\n",
				info.AccountID, info.AccountName, info.BlocksSoftLimit, info.BlocksHardLimit)
			return nil
		},
	}

	cmd.Flags().Int64Var(&softLimit, "soft", 0, "Soft limit in blocks (default from config)")
	cmd.Flags().Int64Var(&hardLimit, "hard", 0, "Hard limit in blocks (default from config)")

	return cmd
}

func newInfoCmd(a *app) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "info <account>",
		Short: "Show account usage and limits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, err := parseAccountID(args[0])
			if err != nil {
				return err
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
			info, err := fs.LoadInfo(ctx)
			if err != nil {
				return err
			}

			switch format {
			case "json":
				return outputInfoJSON(cmd.OutOrStdout(), info, fs.BlockSize())
			case "table":
				outputInfoTable(cmd.OutOrStdout(), info, fs.BlockSize())
				return nil
			default:
				return fmt.Errorf("invalid format: %s (valid values: table, json)", format)
			}
		},
	}

	cmd.Flags().StringVar(&format, "format", "table", "Output format: table or json")

	return cmd
}

type infoOutput struct {
	AccountID            string `json:"accountId"`
	AccountName          string `json:"accountName"`
	BlockSize            int64  `json:"blockSize"`
	BlocksUsed           int64  `json:"blocksUsed"`
	BlocksInOldFiles     int64  `json:"blocksInOldFiles"`
	BlocksInDeletedFiles int64  `json:"blocksInDeletedFiles"`
	BlocksInDirectories  int64  `json:"blocksInDirectories"`
	BlocksSoftLimit      int64  `json:"blocksSoftLimit"`
	BlocksHardLimit      int64  `json:"blocksHardLimit"`
	NumFiles             int64  `json:"numFiles"`
	NumOldFiles          int64  `json:"numOldFiles"`
	NumDeletedFiles      int64  `json:"numDeletedFiles"`
	NumDirectories       int64  `json:"numDirectories"`
	LastObjectIDUsed     int64  `json:"lastObjectIdUsed"`
	ClientStoreMarker    int64  `json:"clientStoreMarker"`
}

func outputInfoJSON(w io.Writer, info *backup.StoreInfo, blockSize int64) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(infoOutput{
		AccountID:            fmt.Sprintf("%08x", info.AccountID),
		AccountName:          info.AccountName,
		BlockSize:            blockSize,
		BlocksUsed:           info.BlocksUsed,
		BlocksInOldFiles:     info.BlocksInOldFiles,
		BlocksInDeletedFiles: info.BlocksInDeletedFiles,
		BlocksInDirectories:  info.BlocksInDirectories,
		BlocksSoftLimit:      info.BlocksSoftLimit,
		BlocksHardLimit:      info.BlocksHardLimit,
		NumFiles:             info.NumFiles,
		NumOldFiles:          info.NumOldFiles,
		NumDeletedFiles:      info.NumDeletedFiles,
		NumDirectories:       info.NumDirectories,
		LastObjectIDUsed:     info.LastObjectIDUsed,
		ClientStoreMarker:    info.ClientStoreMarker,
	})
}

func outputInfoTable(w io.Writer, info *backup.StoreInfo, blockSize int64) {
	fmt.Fprintf(w, "Account:     %08x (%s)\n", info.AccountID, info.AccountName)
	fmt.Fprintf(w, "Last object: %s\n", backup.FormatObjectID(info.LastObjectIDUsed))
	fmt.Fprintf(w, "Marker:      %d\n\n", info.ClientStoreMarker)

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"", "Blocks", "Size", "% of soft limit", "Count"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight},
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
	})

	row := func(label string, blocks int64, count any) table.Row {
		return table.Row{label, blocks, humanSize(blocks * blockSize), percentOf(blocks, info.BlocksSoftLimit), count}
	}
	t.AppendRow(row("Used", info.BlocksUsed, ""))
	t.AppendRow(row("Current files", info.BlocksUsed-info.BlocksInOldFiles-info.BlocksInDeletedFiles-info.BlocksInDirectories,
		info.NumFiles-info.NumOldFiles-info.NumDeletedFiles))
	t.AppendRow(row("Old files", info.BlocksInOldFiles, info.NumOldFiles))
	t.AppendRow(row("Deleted files", info.BlocksInDeletedFiles, info.NumDeletedFiles))
	t.AppendRow(row("Directories", info.BlocksInDirectories, info.NumDirectories))
	t.AppendSeparator()
	t.AppendRow(row("Soft limit", info.BlocksSoftLimit, ""))
	t.AppendRow(row("Hard limit", info.BlocksHardLimit, ""))
	t.Render()
}

func percentOf(n, of int64) string {
	if of <= 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", float64(n)*100/float64(of))
}

func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

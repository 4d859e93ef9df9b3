package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dalbodeule/hop-record/internal/logging"
)

func newListCommand(cc *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cataloged recordings, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cc.loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg, logging.Nop())
			if err != nil {
				return err
			}
			defer st.Close()

			recs, err := st.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(recs) == 0 {
				fmt.Fprintln(out, "No recordings")
				return nil
			}

			rows := make([][]string, 0, len(recs))
			for _, rec := range recs {
				rows = append(rows, []string{
					rec.ID,
					rec.Name,
					rec.Encoding,
					formatBytes(rec.Size),
					strconv.Itoa(rec.Chunks),
					rec.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"ID", "Name", "Encoding", "Size", "Chunks", "Created"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
			))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of recordings to show")
	return cmd
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

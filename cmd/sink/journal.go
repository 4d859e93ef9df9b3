package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dalbodeule/hop-record/internal/protocol"
	"github.com/dalbodeule/hop-record/internal/sink"
)

func newJournalCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "journal <file>",
		Short: "Print the control messages recorded for a WebSocket session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open journal: %w", err)
			}
			defer f.Close()

			var rows [][]string
			err = sink.ReadJournal(f, func(m *protocol.Message) error {
				rows = append(rows, journalRow(len(rows)+1, m))
				return nil
			})
			if err != nil {
				return fmt.Errorf("read journal: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"#", "Type", "ID", "Detail"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignRight, alignLeft},
			))
			return nil
		},
	}
}

func journalRow(n int, m *protocol.Message) []string {
	id := ""
	if v, ok := m.StreamID(); ok {
		id = strconv.FormatUint(v, 10)
	}
	detail := m.Data.URL
	switch m.Type {
	case protocol.MsgTypeInitReq:
		detail = m.Data.Encoding
	case protocol.MsgTypeError:
		detail = m.Data.Error
	}
	return []string{strconv.Itoa(n), string(m.Type), id, detail}
}

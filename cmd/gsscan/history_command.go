package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"gsscan/internal/journal"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var limit int
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "history [model]",
		Short: "Show journaled lifecycle events for a model, or the most recent events",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if !cfg.Journal.Enabled {
				return errors.New("journal is disabled (set [journal] enabled = true)")
			}
			store, err := journal.Open(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			var entries []journal.Entry
			if len(args) == 1 {
				ref := args[0]
				if models, err := ctx.loadModels(cmd.Context()); err == nil {
					if model, err := resolveModel(models, ref); err == nil {
						ref = model.ID
					}
				}
				entries, err = store.History(cmd.Context(), ref)
			} else {
				entries, err = store.Recent(cmd.Context(), limit)
			}
			if err != nil {
				return err
			}

			if jsonOutput {
				return writeJSONList(cmd, entries)
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "No journal entries.")
				return nil
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				change := string(e.To)
				if e.From != "" && e.From != e.To {
					change = fmt.Sprintf("%s -> %s", e.From, e.To)
				}
				detail := e.Stage
				if e.ErrorMessage != "" {
					detail = e.ErrorMessage
				} else if e.PlyPath != "" {
					detail = e.PlyPath
				}
				rows = append(rows, []string{
					e.At.Local().Format(time.DateTime),
					e.Name,
					string(e.Kind),
					change,
					detail,
				})
			}
			fmt.Fprintln(out, renderTable(tableSpec{
				headers:     []string{"When", "Name", "Event", "Status", "Detail"},
				colorColumn: -1,
			}, rows))
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of recent events to show when no model is given")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

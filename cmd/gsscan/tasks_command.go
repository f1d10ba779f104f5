package main

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/spf13/cobra"
)

func newTasksCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List the jobs the server currently knows about",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			tasks, err := client.ListTasks(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd, tasks)
			}

			out := cmd.OutOrStdout()
			if len(tasks) == 0 {
				fmt.Fprintln(out, "Server has no tasks.")
				return nil
			}
			ids := make([]string, 0, len(tasks))
			for id := range tasks {
				ids = append(ids, id)
			}
			slices.Sort(ids)

			rows := make([][]string, 0, len(ids))
			for _, id := range ids {
				job := tasks[id]
				rows = append(rows, []string{
					id,
					string(job.Status),
					job.StageText(),
					strconv.Itoa(job.Progress) + "%",
					job.UpdatedAt,
				})
			}
			fmt.Fprintln(out, renderTable(tableSpec{
				headers:     []string{"Task", "Status", "Stage", "Progress", "Updated"},
				aligns:      []columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
				colorColumn: 1,
				colorize:    shouldColorize(out),
			}, rows))
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"gsscan/internal/queue"
	"gsscan/internal/workflow"
)

const listTimeLayout = "2006-01-02 15:04"

func newListCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool
	var statusFilters []string

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List local models, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			models, err := ctx.loadModels(cmd.Context())
			if err != nil {
				return err
			}
			models, err = filterModels(models, statusFilters)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSONList(cmd, models)
			}
			out := cmd.OutOrStdout()
			if len(models) == 0 {
				fmt.Fprintln(out, "No models yet. Submit media with `gsscan submit`.")
				return nil
			}
			fmt.Fprint(out, renderModelTable(models, shouldColorize(out)))
			fmt.Fprintln(out)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().StringSliceVarP(&statusFilters, "status", "s", nil, "Filter by status (repeatable)")
	return cmd
}

func filterModels(models []queue.Model, filters []string) ([]queue.Model, error) {
	if len(filters) == 0 {
		return models, nil
	}
	wanted := make(map[queue.Status]bool, len(filters))
	for _, raw := range filters {
		status, ok := queue.ParseStatus(raw)
		if !ok {
			return nil, fmt.Errorf("unknown status %q", raw)
		}
		wanted[status] = true
	}
	var filtered []queue.Model
	for _, model := range models {
		if wanted[model.Status] {
			filtered = append(filtered, model)
		}
	}
	return filtered, nil
}

func renderModelTable(models []queue.Model, colorize bool) string {
	rows := make([][]string, 0, len(models))
	for _, model := range models {
		rows = append(rows, []string{
			shortID(model.ID),
			model.Name,
			string(model.Type),
			string(model.Status),
			model.Stage,
			model.Timestamp.Local().Format(listTimeLayout),
		})
	}
	return renderTable(tableSpec{
		headers:     []string{"ID", "Name", "Type", "Status", "Stage", "Created"},
		colorColumn: 3,
		colorize:    colorize,
	}, rows)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show <model>",
		Short: "Show details for a model (id, id prefix, or task id)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			models, err := ctx.loadModels(cmd.Context())
			if err != nil {
				return err
			}
			model, err := resolveModel(models, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd, model)
			}
			printModel(cmd.OutOrStdout(), model)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func printModel(out io.Writer, model queue.Model) {
	fmt.Fprintf(out, "Model:    %s\n", model.ID)
	fmt.Fprintf(out, "Name:     %s\n", model.Name)
	fmt.Fprintf(out, "Task:     %s\n", model.TaskID)
	fmt.Fprintf(out, "Type:     %s\n", model.Type)
	fmt.Fprintf(out, "Status:   %s\n", model.Status)
	if model.Stage != "" {
		fmt.Fprintf(out, "Stage:    %s\n", model.Stage)
	}
	fmt.Fprintf(out, "Created:  %s\n", model.Timestamp.Local().Format(time.RFC3339))
	if model.ErrorMessage != "" {
		fmt.Fprintf(out, "Error:    %s\n", model.ErrorMessage)
	}
	switch {
	case model.PlyPath != "":
		fmt.Fprintf(out, "Artifact: %s\n", model.PlyPath)
	case model.Status == queue.StatusCompleted:
		fmt.Fprintln(out, "Artifact: pending download")
	}
}

func newPathCommand(ctx *commandContext) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "path <model>",
		Short: "Print the artifact path of a completed model, downloading it if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := ctx.openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			model, err := resolveModel(s.registry.List(), args[0])
			if err != nil {
				return err
			}
			selected, err := s.registry.Select(model.ID)
			if errors.Is(err, workflow.ErrModelNotReady) && model.Status == queue.StatusCompleted {
				waitCtx, cancel := context.WithTimeout(cmd.Context(), timeout)
				defer cancel()
				if selected, err = waitForModel(waitCtx, s.registry, model.ID); err == nil && !selected.Ready() {
					err = fmt.Errorf("%w: artifact download for %s failed; try again later", workflow.ErrModelNotReady, model.Name)
				}
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), selected.PlyPath)
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "Maximum time to wait for a pending download")
	return cmd
}

func newDeleteCommand(ctx *commandContext) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:     "delete <model>...",
		Aliases: []string{"rm"},
		Short:   "Delete models locally and on the server",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := ctx.openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			out := cmd.OutOrStdout()
			var failed []string
			for _, ref := range args {
				model, err := resolveModel(s.registry.List(), ref)
				if err != nil {
					fmt.Fprintf(out, "  %s: %v\n", ref, err)
					failed = append(failed, ref)
					continue
				}
				if !yes && !model.IsTerminal() {
					fmt.Fprintf(out, "  %s: still %s; pass --yes to delete anyway\n", model.Name, model.Status)
					failed = append(failed, ref)
					continue
				}
				if err := s.registry.Delete(cmd.Context(), model.ID); err != nil {
					fmt.Fprintf(out, "  %s: %v\n", model.Name, err)
					failed = append(failed, ref)
					continue
				}
				fmt.Fprintf(out, "Deleted %s (%s)\n", model.Name, shortID(model.ID))
			}
			if len(failed) > 0 {
				return fmt.Errorf("failed to delete: %s", strings.Join(failed, ", "))
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Delete models that are still queued or processing")
	return cmd
}

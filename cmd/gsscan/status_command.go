package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"gsscan/internal/preflight"
	"gsscan/internal/queue"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server reachability, directory checks, and model counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			client, err := ctx.client()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)

			lines := renderSectionHeader("System", colorize)
			lines = append(lines, renderStatusLine("Config", statusInfo, ctx.configPath, colorize))
			for _, result := range preflight.RunAll(cmd.Context(), cfg, client) {
				kind := statusOK
				if !result.Passed {
					kind = statusWarn
				}
				lines = append(lines, renderStatusLine(result.Name, kind, result.Detail, colorize))
			}
			lines = append(lines, renderStatusLine("Journal", statusInfo, enabledLabel(cfg.Journal.Enabled, cfg.Paths.JournalFile), colorize))
			lines = append(lines, renderStatusLine("Notifications", statusInfo, enabledLabel(cfg.Notifications.NtfyTopic != "", cfg.Notifications.NtfyTopic), colorize))

			lines = append(lines, "")
			lines = append(lines, renderSectionHeader("Models", colorize)...)
			models, err := ctx.loadModels(cmd.Context())
			if err != nil {
				lines = append(lines, renderStatusLine("Registry", statusError, err.Error(), colorize))
			} else {
				counts := make(map[queue.Status]int)
				for _, model := range models {
					counts[model.Status]++
				}
				for _, status := range queue.AllStatuses() {
					kind := statusInfo
					switch {
					case status == queue.StatusFailed && counts[status] > 0:
						kind = statusWarn
					case status == queue.StatusCompleted && counts[status] > 0:
						kind = statusOK
					}
					lines = append(lines, renderStatusLine(capitalize(string(status)), kind, fmt.Sprintf("%d", counts[status]), colorize))
				}
			}

			fmt.Fprintln(out, strings.Join(lines, "\n"))
			return nil
		},
	}
}

func enabledLabel(enabled bool, detail string) string {
	if !enabled {
		return "disabled"
	}
	if detail == "" {
		return "enabled"
	}
	return detail
}

func capitalize(value string) string {
	if value == "" {
		return value
	}
	return strings.ToUpper(value[:1]) + value[1:]
}

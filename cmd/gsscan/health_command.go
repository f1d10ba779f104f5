package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newHealthCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check whether the reconstruction server is online",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			healthy, health, err := client.HealthCheck(cmd.Context())
			if jsonOutput {
				payload := map[string]any{
					"server":  client.BaseURL(),
					"healthy": healthy,
					"status":  health.Status,
					"message": health.Message,
				}
				if err != nil {
					payload["error"] = err.Error()
				}
				return writeJSON(cmd, payload)
			}

			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			switch {
			case err != nil:
				fmt.Fprintln(out, renderStatusLine("Server", statusError, fmt.Sprintf("%s unreachable (%v)", client.BaseURL(), err), colorize))
			case !healthy:
				detail := health.Message
				if detail == "" {
					detail = "not ready"
				}
				fmt.Fprintln(out, renderStatusLine("Server", statusWarn, fmt.Sprintf("%s offline (%s)", client.BaseURL(), detail), colorize))
			default:
				fmt.Fprintln(out, renderStatusLine("Server", statusOK, fmt.Sprintf("%s online", client.BaseURL()), colorize))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

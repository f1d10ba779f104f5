package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"gsscan/internal/preflight"
)

func newWatchCommand(ctx *commandContext) *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll every pending model until it settles",
		Long: "Resume polling for every queued or processing model, download finished\n" +
			"artifacts, and exit once nothing is pending. With --follow, keep running\n" +
			"until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			base := cmd.Context()
			if base == nil {
				base = context.Background()
			}
			sigCtx, stop := signal.NotifyContext(base, os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := &syncWriter{w: cmd.OutOrStdout()}
			s, err := ctx.openSession(sigCtx, progressPrinter(out))
			if err != nil {
				return err
			}
			defer s.Close()

			colorize := shouldColorize(cmd.OutOrStdout())
			for _, result := range preflight.RunAll(sigCtx, cfg, s.client) {
				kind := statusOK
				if !result.Passed {
					kind = statusWarn
				}
				fmt.Fprintln(out, renderStatusLine(result.Name, kind, result.Detail, colorize))
			}

			polls, downloads := s.registry.Pending()
			fmt.Fprintf(out, "Watching %d job(s), %d download(s) in flight\n", polls, downloads)

			if follow {
				<-sigCtx.Done()
				return nil
			}
			if err := s.registry.Wait(sigCtx); err != nil {
				if sigCtx.Err() != nil {
					fmt.Fprintln(out, "Interrupted; pending jobs resume on the next watch.")
					return nil
				}
				return err
			}
			fmt.Fprintln(out, "All models settled.")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep running until interrupted")
	return cmd
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"gsscan/internal/config"
	"gsscan/internal/queue"
	"gsscan/internal/upload"
	"gsscan/internal/workflow"
)

type submitOptions struct {
	wait       bool
	iterations int
	resolution int
	noFast     bool
	jsonOutput bool
}

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	opts := &submitOptions{}

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Upload media for reconstruction",
	}
	cmd.PersistentFlags().BoolVarP(&opts.wait, "wait", "w", false, "Follow the job until it completes or fails")
	cmd.PersistentFlags().IntVar(&opts.iterations, "iterations", 0, "Training iterations (default from config)")
	cmd.PersistentFlags().IntVar(&opts.resolution, "resolution", 0, "Resolution tier (default from config)")
	cmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "Output the resulting model as JSON")

	video := &cobra.Command{
		Use:   "video <file>",
		Short: "Submit a single video",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(cmd, ctx, opts, upload.KindVideo, args)
		},
	}
	video.Flags().BoolVar(&opts.noFast, "no-fast", false, "Disable the server's fast pipeline")

	images := &cobra.Command{
		Use:   "images <file>...",
		Short: fmt.Sprintf("Submit a photo burst of at least %d images", upload.MinBurstImages),
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(cmd, ctx, opts, upload.KindImages, args)
		},
	}

	cmd.AddCommand(video, images)
	return cmd
}

func submitParams(cfg *config.Config, opts *submitOptions) upload.Params {
	params := upload.Params{
		Iterations: cfg.Upload.Iterations,
		Resolution: cfg.Upload.Resolution,
		Fast:       cfg.Upload.Fast && !opts.noFast,
	}
	if opts.iterations > 0 {
		params.Iterations = opts.iterations
	}
	if opts.resolution > 0 {
		params.Resolution = opts.resolution
	}
	return params
}

func runSubmit(cmd *cobra.Command, ctx *commandContext, opts *submitOptions, kind upload.Kind, files []string) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return err
	}
	out := &syncWriter{w: cmd.OutOrStdout()}

	var extra []workflow.Observer
	if opts.wait && !opts.jsonOutput {
		extra = append(extra, progressPrinter(out))
	}

	base := cmd.Context()
	if base == nil {
		base = context.Background()
	}
	sigCtx, stop := signal.NotifyContext(base, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := ctx.openSession(sigCtx, extra...)
	if err != nil {
		return err
	}
	defer s.Close()

	model, err := s.registry.Submit(sigCtx, workflow.SubmitRequest{
		Kind:   kind,
		Files:  files,
		Params: submitParams(cfg, opts),
	})
	if err != nil {
		return fmt.Errorf("submit %s: %w", kind, err)
	}
	if !opts.jsonOutput {
		fmt.Fprintf(out, "Submitted %s (model %s, task %s)\n", model.Name, model.ID, model.TaskID)
	}

	if opts.wait {
		model, err = waitForModel(sigCtx, s.registry, model.ID)
		if err != nil {
			return err
		}
		if !opts.jsonOutput {
			printOutcome(out, model)
		}
	} else if !opts.jsonOutput {
		fmt.Fprintln(out, "Run `gsscan watch` to follow progress.")
	}

	if opts.jsonOutput {
		return writeJSON(cmd, model)
	}
	return nil
}

// waitForModel blocks until the model fails, has its artifact on disk, or
// completed with no download left in flight.
func waitForModel(ctx context.Context, registry *workflow.Registry, modelID string) (queue.Model, error) {
	for {
		changes := registry.Changes()
		model, err := registry.Get(modelID)
		if err != nil {
			return queue.Model{}, err
		}
		if model.Status == queue.StatusFailed || model.Ready() {
			return model, nil
		}
		if model.Status == queue.StatusCompleted {
			if _, downloads := registry.Pending(); downloads == 0 {
				return model, nil
			}
		}
		select {
		case <-changes:
		case <-ctx.Done():
			return model, ctx.Err()
		}
	}
}

func progressPrinter(out io.Writer) workflow.Observer {
	return workflow.ObserverFunc(func(_ context.Context, event queue.Event) error {
		model := event.Model
		switch event.Kind {
		case queue.EventStatusChanged:
			if model.Stage != "" {
				fmt.Fprintf(out, "  %s: %s (%s)\n", model.Name, model.Status, model.Stage)
			} else {
				fmt.Fprintf(out, "  %s: %s\n", model.Name, model.Status)
			}
		case queue.EventArtifactReady:
			fmt.Fprintf(out, "  %s: artifact saved to %s\n", model.Name, model.PlyPath)
		}
		return nil
	})
}

func printOutcome(out io.Writer, model queue.Model) {
	switch {
	case model.Ready():
		fmt.Fprintf(out, "Model ready: %s\n", model.PlyPath)
	case model.Status == queue.StatusFailed:
		fmt.Fprintf(out, "Reconstruction failed: %s\n", model.ErrorMessage)
	default:
		fmt.Fprintf(out, "Model %s completed but the artifact is not downloaded yet; run `gsscan path %s` to retry.\n", model.Name, model.ID)
	}
}

// syncWriter serializes writes from observer goroutines and the command.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

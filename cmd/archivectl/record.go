package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/INLOpen/nexusarchive/control"
	"github.com/INLOpen/nexusarchive/recorder"
	"github.com/spf13/cobra"
)

func newRecordCommand(a *app) *cobra.Command {
	var (
		segmentPath string
		patterns    []string
		resume      bool
		duration    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record updates matching the patterns into a segment until interrupted",
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			svc, closeSvc, err := a.service()
			if err != nil {
				return err
			}
			defer closeSvc()
			a.startMonitoring()

			session, err := svc.StartRecording(ctx, control.StartRecordingRequest{
				Path:     segmentPath,
				Patterns: patterns,
				Resume:   resume,
			})
			if err != nil {
				return err
			}
			rec, err := svc.Recording(segmentPath)
			if err != nil {
				return err
			}
			a.logger.Info("Recording", "segment", rec.Path(), "session", session, "patterns", rec.Patterns())

			select {
			case <-ctx.Done():
				err = svc.StopRecording(segmentPath)
			case <-rec.Done():
				err = rec.Err()
			}
			printRecordingStats(a, cmd, rec.Path(), rec.Stats())
			return err
		}),
	}
	cmd.Flags().StringVar(&segmentPath, "segment", "", "Segment name or path; relative names resolve under archive.dir")
	cmd.Flags().StringArrayVar(&patterns, "pattern", nil, "Path pattern to record; repeatable. Defaults to every path")
	cmd.Flags().BoolVar(&resume, "resume", false, "Append to an existing segment instead of creating a new one")
	cmd.Flags().DurationVar(&duration, "duration", 0, "Stop after this long; zero records until interrupted")
	_ = cmd.MarkFlagRequired("segment")
	return cmd
}

func printRecordingStats(a *app, cmd *cobra.Command, path string, st recorder.Stats) {
	a.printf(cmd, "segment:  %s\n", path)
	a.printf(cmd, "records:  %d\n", st.Records)
	a.printf(cmd, "batches:  %d\n", st.Batches)
	a.printf(cmd, "bytes:    %d\n", st.Bytes)
	if st.Clamped > 0 || st.Vetoed > 0 || st.Retries > 0 {
		a.printf(cmd, "clamped:  %d\nvetoed:   %d\nretries:  %d\n", st.Clamped, st.Vetoed, st.Retries)
	}
	a.printf(cmd, "duration: %s\n", st.Duration.Round(time.Millisecond))
}

package main

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/INLOpen/nexusarchive/control"
	"github.com/INLOpen/nexusarchive/core"
	"github.com/INLOpen/nexusarchive/playback"
	"github.com/spf13/cobra"
)

func newPlayCommand(a *app) *cobra.Command {
	var (
		segmentPath string
		name        string
		from        string
		rate        float64
		follow      bool
	)
	cmd := &cobra.Command{
		Use:   "play",
		Short: "Publish the records of a segment with their recorded pacing",
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, _ []string) error {
			fromTs, err := parseTimestamp(from, playback.FromStart)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("rate") {
				rate = a.cfg.Playback.Rate
			}
			if !cmd.Flags().Changed("follow") {
				follow = a.cfg.Playback.Follow
			}
			if name == "" {
				name = core.SegmentName(segmentPath)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, closeSvc, err := a.service()
			if err != nil {
				return err
			}
			defer closeSvc()
			a.startMonitoring()

			err = svc.Play(ctx, control.PlayRequest{
				Name:   name,
				Path:   segmentPath,
				From:   fromTs,
				Rate:   rate,
				Follow: follow,
			})
			if err != nil {
				return err
			}
			p, err := svc.Player(name)
			if err != nil {
				return err
			}
			a.logger.Info("Playing", "player", name, "segment", p.Path(), "rate", rate, "follow", follow)

			select {
			case <-ctx.Done():
				if err := svc.StopPlayback(name); err != nil && !errors.Is(err, core.ErrNotPlaying) {
					return err
				}
			case <-p.Done():
			}
			st := p.Stats()
			a.printf(cmd, "player:    %s\n", name)
			a.printf(cmd, "segment:   %s\n", p.Path())
			a.printf(cmd, "published: %d\n", st.Published)
			if st.Skipped > 0 {
				a.printf(cmd, "skipped:   %d\n", st.Skipped)
			}
			if st.Published > 0 {
				a.printf(cmd, "last:      %s\n", formatTimestamp(st.LastTs))
			}
			return p.Err()
		}),
	}
	cmd.Flags().StringVar(&segmentPath, "segment", "", "Segment name or path; relative names resolve under archive.dir")
	cmd.Flags().StringVar(&name, "name", "", "Player name; defaults to the segment name")
	cmd.Flags().StringVar(&from, "from", "", "First timestamp to play, RFC3339 or Unix nanoseconds; empty plays from the start")
	cmd.Flags().Float64Var(&rate, "rate", 1, "Playback rate; 0 publishes as fast as possible")
	cmd.Flags().BoolVar(&follow, "follow", false, "Keep playing records appended after the end is reached")
	_ = cmd.MarkFlagRequired("segment")
	return cmd
}

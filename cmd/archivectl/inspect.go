package main

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/INLOpen/nexusarchive/core"
	"github.com/INLOpen/nexusarchive/cursor"
	"github.com/INLOpen/nexusarchive/pubsub"
	"github.com/INLOpen/nexusarchive/segment"
	"github.com/spf13/cobra"
)

// resolve maps a segment argument the way the control service does.
func (a *app) resolve(p string) string {
	if !strings.HasSuffix(p, core.SegmentFileSuffix) {
		p += core.SegmentFileSuffix
	}
	if !filepath.IsAbs(p) && a.cfg.Archive.Dir != "" {
		p = filepath.Join(a.cfg.Archive.Dir, p)
	}
	return filepath.Clean(p)
}

func newInspectCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect SEGMENT...",
		Short: "Summarize segment files",
		Args:  cobra.MinimumNArgs(1),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			opts, err := a.segmentOptions()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out(cmd), 0, 4, 2, ' ', 0)
			defer tw.Flush()
			var errs []error
			for i, arg := range args {
				info, err := segment.Inspect(a.resolve(arg), opts)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				if i > 0 {
					fmt.Fprintln(tw)
				}
				printInfo(tw, info)
				if info.Err != nil {
					errs = append(errs, info.Err)
				}
			}
			return errors.Join(errs...)
		}),
	}
}

func printInfo(tw *tabwriter.Writer, info segment.Info) {
	fmt.Fprintf(tw, "segment:\t%s\n", info.Path)
	fmt.Fprintf(tw, "session:\t%s\n", info.Header.SessionID)
	fmt.Fprintf(tw, "created:\t%s\n", formatTimestamp(info.Header.CreatedAt))
	fmt.Fprintf(tw, "version:\t%d\n", info.Header.Version)
	fmt.Fprintf(tw, "file size:\t%d\n", info.FileSize)
	fmt.Fprintf(tw, "committed:\t%d\n", info.CommittedEnd)
	fmt.Fprintf(tw, "batches:\t%d\n", info.Batches)
	fmt.Fprintf(tw, "records:\t%d\n", info.Records)
	if info.Batches > 0 {
		fmt.Fprintf(tw, "first:\t%s\n", formatTimestamp(info.MinTs))
		fmt.Fprintf(tw, "last:\t%s\n", formatTimestamp(info.MaxTs))
	}
	types := make([]core.CompressionType, 0, len(info.Compression))
	for c := range info.Compression {
		types = append(types, c)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	for _, c := range types {
		fmt.Fprintf(tw, "compression %s:\t%d batches\n", c, info.Compression[c])
	}
	if info.Err != nil {
		fmt.Fprintf(tw, "corrupt:\t%v\n", info.Err)
	}
}

func newDumpCommand(a *app) *cobra.Command {
	var (
		from, to string
		pattern  string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "dump SEGMENT",
		Short: "Print the records of a segment in timestamp order",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			fromTs, err := parseTimestamp(from, math.MinInt64)
			if err != nil {
				return err
			}
			toTs, err := parseTimestamp(to, math.MaxInt64)
			if err != nil {
				return err
			}
			match, err := pubsub.CompilePattern(pattern)
			if err != nil {
				return err
			}
			segOpts, err := a.segmentOptions()
			if err != nil {
				return err
			}
			c, err := cursor.Open(a.resolve(args[0]), cursor.Options{Logger: a.logger, Segment: segOpts})
			if err != nil {
				return err
			}
			defer c.Close()
			if fromTs != math.MinInt64 {
				if err := c.Seek(fromTs); err != nil {
					return err
				}
			}

			tw := tabwriter.NewWriter(out(cmd), 0, 4, 2, ' ', 0)
			n := 0
			for limit <= 0 || n < limit {
				rec, ok := c.Next()
				if !ok || rec.Timestamp > toTs {
					break
				}
				if !match.Match(rec.Path) {
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", formatTimestamp(rec.Timestamp), rec.Path, rec.Value)
				n++
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if err := c.Err(); err != nil {
				return fmt.Errorf("%d readable records before corruption: %w", c.Recovered(), err)
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&from, "from", "", "First timestamp, RFC3339 or Unix nanoseconds")
	cmd.Flags().StringVar(&to, "to", "", "Last timestamp, inclusive")
	cmd.Flags().StringVar(&pattern, "path", "**", "Only print records whose path matches this pattern")
	cmd.Flags().IntVar(&limit, "limit", 0, "Stop after this many records; zero prints all")
	return cmd
}

func newReindexCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex SEGMENT",
		Short: "Rebuild the time index sidecar of a segment from a full scan",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			opts, err := a.segmentOptions()
			if err != nil {
				return err
			}
			path := a.resolve(args[0])
			idx, err := segment.Reindex(path, opts)
			if idx != nil {
				a.printf(cmd, "%s: indexed %d batches\n", path, idx.Len())
			}
			return err
		}),
	}
}

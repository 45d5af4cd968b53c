package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"chrootsdk/service"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newStatusCommand() *cobra.Command {
	var (
		format string
		runs   int
	)

	c := &cobra.Command{
		Use:   "status",
		Short: "Show the state of the chroot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := openService()
			if err != nil {
				return err
			}
			defer svc.Close()

			st, err := svc.Status(cmd.Context(), service.StatusOptions{RecentRuns: runs})
			if err != nil {
				return err
			}
			return writeStatus(cmd.OutOrStdout(), st, format)
		},
	}
	c.Flags().StringVar(&format, "format", "text", "Output format: text or yaml")
	c.Flags().IntVar(&runs, "runs", 5, "Number of recent runs to show")
	return c
}

func writeStatus(w io.Writer, st *service.StatusResult, format string) error {
	switch strings.ToLower(format) {
	case "text":
		renderStatusText(w, st)
		return nil
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(st); err != nil {
			return fmt.Errorf("failed to encode status: %w", err)
		}
		return enc.Close()
	default:
		return fmt.Errorf("invalid --format %q (expected text|yaml)", format)
	}
}

func renderStatusText(w io.Writer, st *service.StatusResult) {
	fmt.Fprintln(w, "=== Chroot Status ===")
	fmt.Fprintf(w, "Path:          %s\n", st.Path)

	if st.ImageExists {
		fmt.Fprintf(w, "Image:         %s (%s, %s allocated)\n", st.Image,
			units.BytesSize(float64(st.ImageSize)), units.BytesSize(float64(st.ImageAllocated)))
	} else {
		fmt.Fprintf(w, "Image:         %s (missing)\n", st.Image)
	}

	switch {
	case st.Mounted && st.VG != "":
		fmt.Fprintf(w, "Mounted:       yes (%s, vg %s)\n", st.MountSource, st.VG)
	case st.Mounted:
		fmt.Fprintf(w, "Mounted:       yes (%s, not a chroot volume)\n", st.MountSource)
	default:
		fmt.Fprintln(w, "Mounted:       no")
	}

	if st.HasVersion {
		fmt.Fprintf(w, "Version:       %d\n", st.Version)
	} else {
		fmt.Fprintln(w, "Version:       unknown")
	}

	if st.HooksError != "" {
		fmt.Fprintf(w, "Hooks:         %s\n", st.HooksError)
	} else {
		fmt.Fprintf(w, "Hooks:         versions %d-%d, %d pending\n",
			st.EarliestVersion, st.LatestVersion, st.PendingUpdates)
	}

	if st.ActiveRun != nil {
		fmt.Fprintf(w, "Active run:    %s %s since %s\n", st.ActiveRun.ID[:8], st.ActiveRun.Op,
			st.ActiveRun.StartTime.Format("2006-01-02 15:04:05"))
	}

	if len(st.Runs) == 0 {
		return
	}
	fmt.Fprintln(w, "\nRecent runs:")
	for _, r := range st.Runs {
		fmt.Fprintf(w, "  %s  %-8s %-8s %s  %s", r.ID[:8], r.Op, r.Status,
			r.Started.Format("2006-01-02 15:04:05"), r.Duration.Round(time.Millisecond))
		if r.Error != "" {
			fmt.Fprintf(w, "  %s", r.Error)
		}
		fmt.Fprintln(w)
	}
}

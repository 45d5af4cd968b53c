package cmd

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"chrootsdk/log"
	"chrootsdk/service"
	"chrootsdk/util"

	"github.com/spf13/cobra"
)

func newMountCommand() *cobra.Command {
	var create bool

	c := &cobra.Command{
		Use:   "mount",
		Short: "Mount the chroot from its image",
		Long: `Mount attaches the chroot image to a loop device, activates its volume
group and mounts the thin volume at the chroot path. With --create a
missing image and storage stack are created first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := openService()
			if err != nil {
				return err
			}
			defer svc.Close()

			res, err := svc.Mount(cmd.Context(), service.MountOptions{Create: create})
			if err != nil {
				return mountFailure(res.Path, err)
			}
			printMount(cmd.OutOrStdout(), res)
			return nil
		},
	}
	c.Flags().BoolVar(&create, "create", false, "Create the image and storage stack if missing")
	return c
}

func newUpdateCommand() *cobra.Command {
	var allowUninitialized bool

	c := &cobra.Command{
		Use:   "update",
		Short: "Run pending version hooks inside the chroot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := openService()
			if err != nil {
				return err
			}
			defer svc.Close()

			res, err := svc.Update(cmd.Context(), service.UpdateOptions{
				AllowUninitialized: allowUninitialized,
				Output:             cmd.OutOrStdout(),
			})
			printUpdate(cmd.OutOrStdout(), res, err)
			return err
		},
	}
	c.Flags().BoolVar(&allowUninitialized, "allow-uninitialized", false, "Treat a missing version file as version 0")
	return c
}

func newEnsureCommand() *cobra.Command {
	var (
		create             bool
		allowUninitialized bool
	)

	c := &cobra.Command{
		Use:   "ensure",
		Short: "Mount the chroot and bring it up to date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := openService()
			if err != nil {
				return err
			}
			defer svc.Close()

			res, err := svc.Ensure(cmd.Context(), service.EnsureOptions{
				Create:             create,
				AllowUninitialized: allowUninitialized,
				Output:             cmd.OutOrStdout(),
			})
			if res.Update == nil {
				if err != nil {
					return mountFailure(res.Mount.Path, err)
				}
				return nil
			}
			printMount(cmd.OutOrStdout(), res.Mount)
			printUpdate(cmd.OutOrStdout(), res.Update, err)
			return err
		},
	}
	c.Flags().BoolVar(&create, "create", true, "Create the image and storage stack if missing")
	c.Flags().BoolVar(&allowUninitialized, "allow-uninitialized", false, "Treat a missing version file as version 0")
	return c
}

func newCleanupCommand() *cobra.Command {
	var deleteImage bool

	c := &cobra.Command{
		Use:   "cleanup",
		Short: "Unmount the chroot and release its devices",
		Long: `Cleanup unmounts the chroot, deactivates its volume group and detaches
its loop devices. With --delete the image and the mountpoint are removed
as well.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			if deleteImage && !cfg.YesAll {
				if !util.AskYN(fmt.Sprintf("Delete %s and %s?", cfg.ImagePath(), cfg.ChrootPath), false) {
					fmt.Fprintln(cmd.OutOrStdout(), "Cleanup cancelled")
					return nil
				}
			}

			svc, err := openService()
			if err != nil {
				return err
			}
			defer svc.Close()

			res, err := svc.Cleanup(cmd.Context(), service.CleanupOptions{DeleteImage: deleteImage})
			if err != nil {
				return fmt.Errorf("cleanup of %s failed (see %s): %w",
					res.Path, filepath.Join(cfg.LogsPath, log.MainLogName), err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✓ Cleaned up %s (%s)\n", res.Path, res.Duration.Round(time.Millisecond))
			if res.ImageDeleted {
				fmt.Fprintf(out, "  Image deleted\n")
			}
			return nil
		},
	}
	c.Flags().BoolVar(&deleteImage, "delete", false, "Also delete the image and the mountpoint")
	return c
}

func mountFailure(path string, err error) error {
	if errors.Is(err, service.ErrMountRefused) {
		return fmt.Errorf("%s was not mounted: no image (use --create) or something else is mounted there", path)
	}
	return err
}

func printMount(w io.Writer, res *service.MountResult) {
	if res.VG != "" {
		fmt.Fprintf(w, "✓ Mounted %s from %s (%s)\n", res.Path, res.Source, res.Duration.Round(time.Millisecond))
		return
	}
	fmt.Fprintf(w, "✓ Mounted %s (%s)\n", res.Path, res.Duration.Round(time.Millisecond))
}

// printUpdate lists the hooks that ran. The version line is left out when
// the update failed before any hook ran.
func printUpdate(w io.Writer, res *service.UpdateResult, err error) {
	if res == nil || (err != nil && len(res.Applied) == 0) {
		return
	}
	for _, h := range res.Applied {
		mark := "✓"
		if h.Err != nil {
			mark = "✗"
		}
		fmt.Fprintf(w, "  %s %s (%s)\n", mark, filepath.Base(h.Hook), h.Duration.Round(time.Millisecond))
	}
	if res.From == res.To {
		fmt.Fprintf(w, "Chroot is at version %d\n", res.To)
		return
	}
	fmt.Fprintf(w, "Chroot updated from version %d to %d\n", res.From, res.To)
}

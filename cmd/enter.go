package cmd

import (
	"fmt"
	"os"

	"chrootsdk/service"

	"github.com/spf13/cobra"
)

func newEnterCommand() *cobra.Command {
	var workDir string

	c := &cobra.Command{
		Use:   "enter [flags] -- COMMAND [ARGS...]",
		Short: "Run a command inside the chroot",
		Long: `Enter runs a command inside the chroot and exits with its status.
Inside the chroot the command runs directly; from the host it goes
through the configured entry point, or chroot(8) when none is set.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService()
			if err != nil {
				return err
			}
			defer svc.Close()

			code, err := svc.Enter(cmd.Context(), service.EnterOptions{
				Args:    args,
				WorkDir: workDir,
				Stdin:   os.Stdin,
				Stdout:  cmd.OutOrStdout(),
				Stderr:  cmd.ErrOrStderr(),
			})
			if err != nil {
				return err
			}
			if code != 0 {
				return &exitCodeError{code: code}
			}
			return nil
		},
	}
	c.Flags().StringVarP(&workDir, "workdir", "w", "", "Working directory inside the chroot")
	return c
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the chrootsdk version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chrootsdk version %s\n", Version)
		},
	}
}

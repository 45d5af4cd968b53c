package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"chrootsdk/config"
	"chrootsdk/log"
	"chrootsdk/service"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

// Global flags
var (
	configDir string
	profile   string
	debug     bool
	yesAll    bool
)

// exitCodeError carries the exit status of a command run inside the
// chroot back to Execute without printing anything.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "chrootsdk",
		Short: "Manage a loopback-backed build chroot",
		Long: `chrootsdk keeps a build chroot mounted from a sparse image through a
loop device and an LVM thin volume, and keeps it up to date by running
numbered version hooks inside it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configDir, "config-dir", "C", "", "Config base directory (default /etc/chrootsdk)")
	root.PersistentFlags().StringVarP(&profile, "profile", "p", "default", "Profile to use")
	root.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Echo debug output to the console")
	root.PersistentFlags().BoolVarP(&yesAll, "yes", "y", false, "Answer yes to all prompts")

	root.AddCommand(
		newMountCommand(),
		newUpdateCommand(),
		newEnsureCommand(),
		newCleanupCommand(),
		newStatusCommand(),
		newEnterCommand(),
		newVersionCommand(),
	)
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	err := NewRootCommand().ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	var exit *exitCodeError
	if errors.As(err, &exit) {
		return exit.code
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return 1
}

// loadConfig reads the configuration and applies command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configDir, profile)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	if debug {
		cfg.Debug = true
	}
	if yesAll {
		cfg.YesAll = true
	}
	config.SetConfig(cfg)
	return cfg, nil
}

// openService loads the configuration and opens the service with the
// console echo the flags ask for.
func openService() (*service.Service, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	var console log.LibraryLogger = log.NoOpLogger{}
	if cfg.Debug {
		console = log.StdoutLogger{Verbose: true}
	}

	svc, err := service.NewService(cfg, service.WithConsole(console))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize: %w", err)
	}
	return svc, nil
}

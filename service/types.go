package service

import (
	"io"
	"time"

	"chrootsdk/migration"
	"chrootsdk/statedb"
)

// MountOptions contains options for the Mount service.
type MountOptions struct {
	Create bool // Create the image and storage stack if missing
}

// MountResult contains the results of a mount operation.
type MountResult struct {
	RunID    string
	Path     string
	Source   string // Mapper device mounted at Path, if it follows the naming convention
	VG       string
	Duration time.Duration
}

// UpdateOptions contains options for the Update service.
type UpdateOptions struct {
	AllowUninitialized bool      // Treat a missing version file as version 0
	Output             io.Writer // Receives hook output; nil discards it
}

// UpdateResult contains the results of an update operation.
type UpdateResult struct {
	RunID   string
	From    int
	To      int
	Applied []migration.HookResult
}

// EnsureOptions contains options for the Ensure service.
type EnsureOptions struct {
	Create             bool
	AllowUninitialized bool
	Output             io.Writer
}

// EnsureResult contains the results of mounting then updating the chroot.
type EnsureResult struct {
	Mount  *MountResult
	Update *UpdateResult
}

// CleanupOptions contains options for the Cleanup service.
type CleanupOptions struct {
	DeleteImage bool // Remove the image file and the mountpoint too
}

// CleanupResult contains the results of a cleanup operation.
type CleanupResult struct {
	RunID        string
	Path         string
	ImageDeleted bool
	Duration     time.Duration
}

// StatusOptions contains options for the Status service.
type StatusOptions struct {
	RecentRuns int // Number of recent runs to include (0 = none)
}

// StatusResult describes the chroot as currently seen on the host.
type StatusResult struct {
	Path            string                `yaml:"path"`
	Image           string                `yaml:"image"`
	ImageExists     bool                  `yaml:"image_exists"`
	ImageSize       int64                 `yaml:"image_size"`
	ImageAllocated  int64                 `yaml:"image_allocated"`
	Mounted         bool                  `yaml:"mounted"`
	MountSource     string                `yaml:"mount_source,omitempty"`
	VG              string                `yaml:"vg,omitempty"`
	Version         int                   `yaml:"version"`
	HasVersion      bool                  `yaml:"has_version"`
	LatestVersion   int                   `yaml:"latest_version"`
	EarliestVersion int                   `yaml:"earliest_version"`
	PendingUpdates  int                   `yaml:"pending_updates"`
	HooksError      string                `yaml:"hooks_error,omitempty"`
	Record          *statedb.ChrootRecord `yaml:"-"`
	ActiveRun       *statedb.RunRecord    `yaml:"-"`
	Runs            []RunSummary          `yaml:"runs,omitempty"`
}

// RunSummary is a run as shown by status.
type RunSummary struct {
	ID       string        `yaml:"id"`
	Op       string        `yaml:"op"`
	Status   string        `yaml:"status"`
	Started  time.Time     `yaml:"started"`
	Duration time.Duration `yaml:"duration"`
	Error    string        `yaml:"error,omitempty"`
}

// EnterOptions contains options for the Enter service.
type EnterOptions struct {
	Args    []string // Command and arguments to run inside the chroot
	WorkDir string
	Env     map[string]string
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
}

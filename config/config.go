package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"gopkg.in/ini.v1"
)

// Default sizes for the loopback stack. The logical volume advertises more
// space than the thin pool physically commits.
const (
	DefaultImageSize    = 500 << 30
	DefaultThinPoolSize = 499 << 30
	DefaultVolumeSize   = 500 << 30

	DefaultCleanupTimeout = 600 * time.Second

	// DefaultVersionFile is the version marker, relative to the chroot root.
	DefaultVersionFile = "etc/cros_chroot_version"

	// DefaultHooksPath is on the host. Hooks outside the chroot root are
	// streamed into the chroot rather than run by path.
	DefaultHooksPath = "/usr/share/chrootsdk/chroot_version_hooks.d"
)

// Config holds chrootsdk configuration
type Config struct {
	Profile string

	ChrootPath string
	HooksPath  string
	StatePath  string
	LogsPath   string

	// VersionFile is relative to ChrootPath.
	VersionFile string

	// ProcMounts overrides the mount table source (mountinfo format).
	// Empty means /proc/self/mountinfo.
	ProcMounts string

	// EnterCommand is the entry point used to run commands inside the
	// chroot from the outside. Empty means "chroot <ChrootPath>".
	EnterCommand []string

	ImageSize    int64
	ThinPoolSize int64
	VolumeSize   int64

	CleanupTimeout time.Duration

	AllowUninitialized bool

	Debug  bool
	Force  bool
	YesAll bool

	// Database settings
	Database struct {
		Path string // Default: ${StatePath}/chrootsdk.db
	}
}

// ConfigError reports an invalid configuration value.
type ConfigError struct {
	Key string
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Key, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

var globalConfig *Config

// GetConfig returns the global configuration
func GetConfig() *Config {
	return globalConfig
}

// SetConfig sets the global configuration
func SetConfig(cfg *Config) {
	globalConfig = cfg
}

// LoadConfig loads configuration from <configDir>/chrootsdk.ini.
//
// The profile section is chosen by the profile argument, or, when that is
// empty or "default", by the profile_selected key of the global section.
// Values missing from the profile are filled from the global section, and
// anything still unset gets a built-in default. A missing file is not an
// error: the defaults are returned with a warning on stderr.
func LoadConfig(configDir, profile string) (*Config, error) {
	cfg := &Config{
		Profile: profile,
	}

	configFile := "/etc/chrootsdk/chrootsdk.ini"
	if configDir != "" {
		configFile = filepath.Join(configDir, "chrootsdk.ini")
	}

	if _, err := os.Stat(configFile); err == nil {
		iniFile, err := ini.Load(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}

		globalSec := globalSection(iniFile)

		if cfg.Profile == "" || cfg.Profile == "default" {
			if globalSec != nil && globalSec.HasKey("profile_selected") {
				cfg.Profile = globalSec.Key("profile_selected").String()
			}
		}

		if cfg.Profile != "" && cfg.Profile != "default" {
			if iniFile.HasSection(cfg.Profile) {
				if err := cfg.loadFromSection(iniFile.Section(cfg.Profile)); err != nil {
					return nil, err
				}
			} else {
				return nil, &ConfigError{Key: "profile", Err: fmt.Errorf("section %q not found in %s", cfg.Profile, configFile)}
			}
		}

		if globalSec != nil {
			if err := cfg.loadFromSection(globalSec); err != nil {
				return nil, err
			}
		}
	} else {
		fmt.Fprintf(os.Stderr, "Warning: No config file found at %s, using defaults\n", configFile)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// globalSection returns the global section under any of its accepted names.
func globalSection(f *ini.File) *ini.Section {
	for _, name := range []string{"Global Configuration", "global configuration", "Global"} {
		if f.HasSection(name) {
			return f.Section(name)
		}
	}
	return nil
}

func (cfg *Config) ApplyDefaults() {
	if cfg.ChrootPath == "" {
		cfg.ChrootPath = "/var/lib/chrootsdk/chroot"
	}
	if cfg.HooksPath == "" {
		cfg.HooksPath = DefaultHooksPath
	}
	if cfg.StatePath == "" {
		cfg.StatePath = "/var/lib/chrootsdk"
	}
	if cfg.LogsPath == "" {
		cfg.LogsPath = filepath.Join(cfg.StatePath, "logs")
	}
	if cfg.VersionFile == "" {
		cfg.VersionFile = DefaultVersionFile
	}
	if cfg.ImageSize == 0 {
		cfg.ImageSize = DefaultImageSize
	}
	if cfg.ThinPoolSize == 0 {
		cfg.ThinPoolSize = DefaultThinPoolSize
	}
	if cfg.VolumeSize == 0 {
		cfg.VolumeSize = DefaultVolumeSize
	}
	if cfg.CleanupTimeout == 0 {
		cfg.CleanupTimeout = DefaultCleanupTimeout
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = filepath.Join(cfg.StatePath, "chrootsdk.db")
	}
}

// Validate checks invariants the lifecycle code relies on.
func (cfg *Config) Validate() error {
	if !filepath.IsAbs(cfg.ChrootPath) {
		return &ConfigError{Key: "Directory_chroot", Err: fmt.Errorf("path %q is not absolute", cfg.ChrootPath)}
	}
	if filepath.IsAbs(cfg.VersionFile) {
		return &ConfigError{Key: "Version_file", Err: fmt.Errorf("path %q must be relative to the chroot", cfg.VersionFile)}
	}
	if cfg.ThinPoolSize >= cfg.VolumeSize {
		return &ConfigError{Key: "Thinpool_size", Err: fmt.Errorf("thin pool (%s) must be smaller than the volume (%s)",
			units.BytesSize(float64(cfg.ThinPoolSize)), units.BytesSize(float64(cfg.VolumeSize)))}
	}
	if cfg.ThinPoolSize >= cfg.ImageSize {
		return &ConfigError{Key: "Thinpool_size", Err: fmt.Errorf("thin pool (%s) does not fit in the image (%s)",
			units.BytesSize(float64(cfg.ThinPoolSize)), units.BytesSize(float64(cfg.ImageSize)))}
	}
	if cfg.CleanupTimeout <= 0 {
		return &ConfigError{Key: "Cleanup_timeout", Err: fmt.Errorf("must be positive, got %s", cfg.CleanupTimeout)}
	}
	return nil
}

// ImagePath returns the backing image file of the chroot.
func (cfg *Config) ImagePath() string {
	return cfg.ChrootPath + ".img"
}

// VersionFilePath returns the absolute path of the version marker.
func (cfg *Config) VersionFilePath() string {
	return filepath.Join(cfg.ChrootPath, cfg.VersionFile)
}

// loadFromSection loads config values from an INI section. Values already
// set (by a more specific section) are kept.
func (cfg *Config) loadFromSection(sec *ini.Section) error {
	if sec == nil {
		return nil
	}

	setString := func(key string, dst *string) {
		if *dst == "" && sec.HasKey(key) {
			*dst = sec.Key(key).String()
		}
	}

	setString("Directory_chroot", &cfg.ChrootPath)
	setString("Directory_hooks", &cfg.HooksPath)
	setString("Directory_state", &cfg.StatePath)
	setString("Directory_logs", &cfg.LogsPath)
	setString("Version_file", &cfg.VersionFile)
	setString("Proc_mounts", &cfg.ProcMounts)
	setString("Database_path", &cfg.Database.Path)

	if len(cfg.EnterCommand) == 0 && sec.HasKey("Enter_command") {
		cfg.EnterCommand = strings.Fields(sec.Key("Enter_command").String())
	}

	sizes := []struct {
		key string
		dst *int64
	}{
		{"Image_size", &cfg.ImageSize},
		{"Thinpool_size", &cfg.ThinPoolSize},
		{"Volume_size", &cfg.VolumeSize},
	}
	for _, s := range sizes {
		if *s.dst != 0 || !sec.HasKey(s.key) {
			continue
		}
		n, err := units.RAMInBytes(sec.Key(s.key).String())
		if err != nil {
			return &ConfigError{Key: s.key, Err: err}
		}
		*s.dst = n
	}

	if cfg.CleanupTimeout == 0 && sec.HasKey("Cleanup_timeout") {
		d, err := time.ParseDuration(sec.Key("Cleanup_timeout").String())
		if err != nil {
			return &ConfigError{Key: "Cleanup_timeout", Err: err}
		}
		cfg.CleanupTimeout = d
	}

	if sec.HasKey("Allow_uninitialized") {
		cfg.AllowUninitialized = cfg.AllowUninitialized || parseBool(sec.Key("Allow_uninitialized").String())
	}
	if sec.HasKey("Debug") {
		cfg.Debug = cfg.Debug || parseBool(sec.Key("Debug").String())
	}

	return nil
}

func parseBool(s string) bool {
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	switch strings.ToLower(s) {
	case "yes", "on":
		return true
	}
	return false
}

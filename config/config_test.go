package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "chrootsdk.ini"), []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return dir
}

func TestParseBool(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected bool
	}{
		{"true lowercase", "true", true},
		{"false lowercase", "false", false},
		{"yes lowercase", "yes", true},
		{"YES uppercase", "YES", true},
		{"no lowercase", "no", false},
		{"1 as string", "1", true},
		{"0 as string", "0", false},
		{"On capitalized", "On", true},
		{"off lowercase", "off", false},
		{"random string", "random", false},
		{"empty string", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := parseBool(tt.input); result != tt.expected {
				t.Errorf("parseBool(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestConfig_DefaultValues(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir(), "")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.ChrootPath != "/var/lib/chrootsdk/chroot" {
		t.Errorf("ChrootPath = %q, want /var/lib/chrootsdk/chroot", cfg.ChrootPath)
	}
	if cfg.ImagePath() != "/var/lib/chrootsdk/chroot.img" {
		t.Errorf("ImagePath() = %q, want /var/lib/chrootsdk/chroot.img", cfg.ImagePath())
	}
	if cfg.VersionFilePath() != "/var/lib/chrootsdk/chroot/etc/cros_chroot_version" {
		t.Errorf("VersionFilePath() = %q", cfg.VersionFilePath())
	}
	if cfg.ImageSize != 500<<30 {
		t.Errorf("ImageSize = %d, want %d", cfg.ImageSize, int64(500<<30))
	}
	if cfg.ThinPoolSize != 499<<30 {
		t.Errorf("ThinPoolSize = %d, want %d", cfg.ThinPoolSize, int64(499<<30))
	}
	if cfg.VolumeSize <= cfg.ThinPoolSize {
		t.Errorf("VolumeSize %d must exceed ThinPoolSize %d", cfg.VolumeSize, cfg.ThinPoolSize)
	}
	if cfg.CleanupTimeout != 600*time.Second {
		t.Errorf("CleanupTimeout = %s, want 10m0s", cfg.CleanupTimeout)
	}
	if cfg.Database.Path != "/var/lib/chrootsdk/chrootsdk.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
}

func TestLoadConfig_ProfileSelection(t *testing.T) {
	dir := writeConfig(t, `
[Global Configuration]
profile_selected = work
Directory_hooks = /global/hooks
Image_size = 100G

[work]
Directory_chroot = /work/chroot
Image_size = 200G
Thinpool_size = 150G
Volume_size = 200G
Cleanup_timeout = 30s
Enter_command = /usr/bin/enter_chroot --quiet
`)

	cfg, err := LoadConfig(dir, "")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Profile != "work" {
		t.Errorf("Profile = %q, want work", cfg.Profile)
	}
	if cfg.ChrootPath != "/work/chroot" {
		t.Errorf("ChrootPath = %q, want /work/chroot", cfg.ChrootPath)
	}
	if cfg.HooksPath != "/global/hooks" {
		t.Errorf("HooksPath = %q, want value from global section", cfg.HooksPath)
	}
	if cfg.ImageSize != 200<<30 {
		t.Errorf("ImageSize = %d, profile value should win", cfg.ImageSize)
	}
	if cfg.CleanupTimeout != 30*time.Second {
		t.Errorf("CleanupTimeout = %s, want 30s", cfg.CleanupTimeout)
	}
	if len(cfg.EnterCommand) != 2 || cfg.EnterCommand[0] != "/usr/bin/enter_chroot" {
		t.Errorf("EnterCommand = %v", cfg.EnterCommand)
	}
}

func TestLoadConfig_MissingProfile(t *testing.T) {
	dir := writeConfig(t, "[Global Configuration]\nDirectory_chroot = /x\n")

	_, err := LoadConfig(dir, "nope")
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("LoadConfig error = %v, want *ConfigError", err)
	}
}

func TestLoadConfig_BadSize(t *testing.T) {
	dir := writeConfig(t, "[Global Configuration]\nImage_size = lots\n")

	_, err := LoadConfig(dir, "")
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Key != "Image_size" {
		t.Fatalf("LoadConfig error = %v, want ConfigError for Image_size", err)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := &Config{ChrootPath: "/c"}
		cfg.ApplyDefaults()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantKey string
	}{
		{"defaults", func(*Config) {}, ""},
		{"relative chroot", func(c *Config) { c.ChrootPath = "chroot" }, "Directory_chroot"},
		{"absolute version file", func(c *Config) { c.VersionFile = "/etc/v" }, "Version_file"},
		{"pool not thin", func(c *Config) { c.ThinPoolSize = c.VolumeSize }, "Thinpool_size"},
		{"pool larger than image", func(c *Config) { c.ImageSize = 10 << 30 }, "Thinpool_size"},
		{"zero timeout", func(c *Config) { c.CleanupTimeout = -1 }, "Cleanup_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantKey == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) || cfgErr.Key != tt.wantKey {
				t.Fatalf("Validate() = %v, want ConfigError for %s", err, tt.wantKey)
			}
		})
	}
}

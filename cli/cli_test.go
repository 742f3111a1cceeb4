package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFirstOf(t *testing.T) {
	tests := []struct {
		name   string
		values []string
		want   string
	}{
		{name: "flag wins", values: []string{"/flag", "/file", "/default"}, want: "/flag"},
		{name: "file fills blank flag", values: []string{"", "/file", "/default"}, want: "/file"},
		{name: "default as last resort", values: []string{"", "", "/default"}, want: "/default"},
		{name: "all empty", values: []string{"", ""}, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := firstOf(tt.values...); got != tt.want {
				t.Errorf("firstOf(%v) = %q, want %q", tt.values, got, tt.want)
			}
		})
	}
}

func TestSetupLogging(t *testing.T) {
	for _, level := range []string{"error", "warn", "info", "debug", "DEBUG", "bogus", ""} {
		if logger := setupLogging(level); logger == nil {
			t.Errorf("setupLogging(%q) returned nil", level)
		}
	}
}

func TestLoadConfigFile(t *testing.T) {
	t.Run("absent file yields zero config", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", t.TempDir())
		cfg, path, err := loadConfigFile()
		require.NoError(t, err)
		require.Empty(t, path)
		require.Empty(t, cfg.Config)
	})

	t.Run("values round-trip", func(t *testing.T) {
		base := t.TempDir()
		t.Setenv("XDG_CONFIG_HOME", base)
		dir := filepath.Join(base, "nsvlan")
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(
			"config: /etc/nsvlan-lab.conf\nmode: l3\nlog_level: debug\ncommand: [\"/bin/zsh\", \"-l\"]\n",
		), 0o644))

		cfg, path, err := loadConfigFile()
		require.NoError(t, err)
		require.Equal(t, filepath.Join(dir, "config.yaml"), path)
		require.Equal(t, "/etc/nsvlan-lab.conf", cfg.Config)
		require.Equal(t, "l3", cfg.Mode)
		require.Equal(t, "debug", cfg.LogLevel)
		require.Equal(t, []string{"/bin/zsh", "-l"}, cfg.Command)
	})

	t.Run("malformed yaml is an error", func(t *testing.T) {
		base := t.TempDir()
		t.Setenv("XDG_CONFIG_HOME", base)
		dir := filepath.Join(base, "nsvlan")
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("config: [unclosed"), 0o644))

		_, _, err := loadConfigFile()
		require.Error(t, err)
	})
}

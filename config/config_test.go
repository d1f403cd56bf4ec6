package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-to-mbox/filter"
)

func newCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	cmd := &cobra.Command{Use: "test"}
	if err := RegisterConnectionFlags(cmd); err != nil {
		t.Fatalf("RegisterConnectionFlags() error = %v", err)
	}
	if err := RegisterFlags(cmd); err != nil {
		t.Fatalf("RegisterFlags() error = %v", err)
	}
	if err := cmd.ParseFlags(args); err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}
	return cmd
}

func TestLoadConfigFlagsAndEnv(t *testing.T) {
	cmd := newCommand(t, "--imap-host=mail.example.org", "--imap-user=me", "--folder=INBOX", "--folder=Sent", "--exclude-from=@spam")
	t.Setenv("IMAP_PASS", "from-env")
	t.Setenv("IMAP_TO_MBOX_LOG_LEVEL", "WARNING")

	cfg, err := LoadConfig(cmd)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.IMAPHost != "mail.example.org" || cfg.IMAPUser != "me" || cfg.IMAPPass != "from-env" {
		t.Errorf("connection = %s/%s/%s", cfg.IMAPHost, cfg.IMAPUser, cfg.IMAPPass)
	}
	if len(cfg.Folders) != 2 || cfg.Folders[1] != "Sent" {
		t.Errorf("Folders = %v", cfg.Folders)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.LogLevel)
	}
	if len(cfg.Filter.ExcludeFrom) != 1 || cfg.Filter.ExcludeFrom[0] != "@spam" {
		t.Errorf("ExcludeFrom = %v", cfg.Filter.ExcludeFrom)
	}
	if cfg.Port() != 993 || cfg.Auth != "login" {
		t.Errorf("Port() = %d, Auth = %q", cfg.Port(), cfg.Auth)
	}
	if !strings.HasSuffix(cfg.ArchiveDir, filepath.Join(".imap-to-mbox", "archive")) {
		t.Errorf("ArchiveDir = %q", cfg.ArchiveDir)
	}
}

func TestLoadConfigDefaultFolder(t *testing.T) {
	cmd := newCommand(t, "--imap-host=h", "--imap-user=u", "--imap-pass=p")
	cfg, err := LoadConfig(cmd)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if len(cfg.Folders) != 1 || cfg.Folders[0] != "INBOX" {
		t.Errorf("Folders = %v, want [INBOX]", cfg.Folders)
	}

	cmd = newCommand(t, "--imap-host=h", "--imap-user=u", "--imap-pass=p", "--all-folders")
	cfg, err = LoadConfig(cmd)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if len(cfg.Folders) != 0 || !cfg.AllFolders {
		t.Errorf("Folders = %v, AllFolders = %v", cfg.Folders, cfg.AllFolders)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "imap-host: file.example.org\nimap-user: filer\nimap-pass: secret\nuse-tls: false\nkeepalive: 1m\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cmd := newCommand(t, "--config="+path, "--imap-user=flag-wins")
	cfg, err := LoadConfig(cmd)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.IMAPHost != "file.example.org" || cfg.IMAPUser != "flag-wins" || cfg.IMAPPass != "secret" {
		t.Errorf("config = %s/%s/%s", cfg.IMAPHost, cfg.IMAPUser, cfg.IMAPPass)
	}
	if cfg.UseTLS || cfg.Port() != 143 {
		t.Errorf("UseTLS = %v, Port() = %d", cfg.UseTLS, cfg.Port())
	}
	if cfg.Keepalive.Minutes() != 1 {
		t.Errorf("Keepalive = %v", cfg.Keepalive)
	}

	missing := newCommand(t, "--config="+filepath.Join(t.TempDir(), "nope.yaml"))
	if _, err := Load(missing); err == nil {
		t.Error("Load() error = nil for a missing explicit config file")
	}
}

func TestLoadLocal(t *testing.T) {
	cmd := newCommand(t)
	cfg, err := LoadLocal(cmd)
	if err != nil {
		t.Fatalf("LoadLocal() error = %v", err)
	}
	if cfg.StateDir == "" {
		t.Error("StateDir is empty")
	}
}

func TestValidate(t *testing.T) {
	valid := Config{IMAPHost: "h", IMAPUser: "u", IMAPPass: "p", StateDir: "/tmp/s", Auth: "login", LogLevel: "info"}
	if err := Validate(valid); err != nil {
		t.Fatalf("Validate(valid) error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing host", func(c *Config) { c.IMAPHost = "" }},
		{"missing user", func(c *Config) { c.IMAPUser = "" }},
		{"missing password", func(c *Config) { c.IMAPPass = "" }},
		{"bad port", func(c *Config) { c.IMAPPort = 70000 }},
		{"missing state dir", func(c *Config) { c.StateDir = "" }},
		{"bad auth", func(c *Config) { c.Auth = "cram-md5" }},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }},
		{"mixed filters", func(c *Config) {
			c.Filter = filter.Options{IncludeBody: []string{"a"}, ExcludeHeader: []string{"b"}}
		}},
	}
	for _, tt := range tests {
		cfg := valid
		tt.mutate(&cfg)
		if err := Validate(cfg); err == nil {
			t.Errorf("%s: Validate() error = nil", tt.name)
		}
	}
}

func TestPort(t *testing.T) {
	tests := []struct {
		cfg  Config
		want int
	}{
		{Config{UseTLS: true}, 993},
		{Config{UseTLS: false}, 143},
		{Config{UseTLS: true, IMAPPort: 1993}, 1993},
	}
	for _, tt := range tests {
		if got := tt.cfg.Port(); got != tt.want {
			t.Errorf("Port(%+v) = %d, want %d", tt.cfg, got, tt.want)
		}
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
server:
  executable: /srv/7dtd/7DaysToDieServer.x86_64
console:
  password: secret
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.WorkingDir != "/srv/7dtd" {
		t.Errorf("WorkingDir = %q, want /srv/7dtd", cfg.Server.WorkingDir)
	}
	if cfg.Server.ProcessName != "7DaysToDieServer.x86_64" {
		t.Errorf("ProcessName = %q", cfg.Server.ProcessName)
	}
	if cfg.Server.ConfigFile != "/srv/7dtd/serverconfig.xml" {
		t.Errorf("ConfigFile = %q", cfg.Server.ConfigFile)
	}
	if got := strings.Join(cfg.Server.Args, " "); got != "-quit -batchmode -nographics -configfile=serverconfig.xml -dedicated" {
		t.Errorf("Args = %q", got)
	}
	if cfg.Server.WatchInterval != 5*time.Second {
		t.Errorf("WatchInterval = %v, want 5s", cfg.Server.WatchInterval)
	}
	if cfg.Logs.Dir != "/srv/7dtd/Logs" {
		t.Errorf("Logs.Dir = %q", cfg.Logs.Dir)
	}
	if cfg.Logs.ContextLines != 20 {
		t.Errorf("ContextLines = %d, want 20", cfg.Logs.ContextLines)
	}
	if cfg.Console.Address() != "127.0.0.1:8081" {
		t.Errorf("Console.Address() = %q", cfg.Console.Address())
	}
	if cfg.Console.ConnectAttempts != 30 {
		t.Errorf("ConnectAttempts = %d, want 30", cfg.Console.ConnectAttempts)
	}
	if cfg.Access.ReconcileInterval != 30*time.Second {
		t.Errorf("ReconcileInterval = %v, want 30s", cfg.Access.ReconcileInterval)
	}
	if cfg.Access.KickReason != DefaultKickReason {
		t.Errorf("KickReason = %q", cfg.Access.KickReason)
	}
	if cfg.Access.VipList != filepath.Join(filepath.Dir(path), "vip_list.txt") {
		t.Errorf("VipList = %q, want it next to the config file", cfg.Access.VipList)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error: %v", err)
	}
}

func TestLoad_ExplicitValues(t *testing.T) {
	path := writeConfig(t, `
server:
  executable: /opt/7dtd/server
  args: ["-dedicated"]
  overrides:
    ServerMaxPlayerCount: "12"
console:
  port: 9000
  password: pw
  command_timeout: 5s
access:
  donor_buffer_enabled: true
  donor_buffer_slots: 2
  max_players: 12
  vip_list: /etc/bloodmoon/vips.txt
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(cfg.Server.Args) != 1 || cfg.Server.Args[0] != "-dedicated" {
		t.Errorf("Args = %v", cfg.Server.Args)
	}
	if cfg.Server.Overrides["ServerMaxPlayerCount"] != "12" {
		t.Errorf("Overrides = %v", cfg.Server.Overrides)
	}
	if cfg.Console.Port != 9000 || cfg.Console.CommandTimeout != 5*time.Second {
		t.Errorf("Console = %+v", cfg.Console)
	}
	if !cfg.Access.DonorBufferEnabled || cfg.Access.DonorBufferSlots != 2 || cfg.Access.MaxPlayers != 12 {
		t.Errorf("Access = %+v", cfg.Access)
	}
	if cfg.Access.VipList != "/etc/bloodmoon/vips.txt" {
		t.Errorf("VipList = %q", cfg.Access.VipList)
	}
}

func TestValidate_MissingEssentials(t *testing.T) {
	path := writeConfig(t, "access:\n  donor_buffer_slots: -1\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	err = cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"server.executable", "console.password", "donor_buffer_slots"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

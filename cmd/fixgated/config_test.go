package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/fixgate/internal/config"
	"github.com/danmuck/fixgate/internal/engine"
	"github.com/danmuck/fixgate/internal/testutil/testlog"
	"github.com/danmuck/fixgate/internal/transport"
)

func TestLoadEngineConfigDefaultsAndOverrides(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadEngineConfig("ex.config.toml")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	def := engine.DefaultConfig()

	if cfg.NodeID != "fixgate.example" {
		t.Fatalf("unexpected node id: %q", cfg.NodeID)
	}
	if cfg.BusCapacity != 2048 {
		t.Fatalf("unexpected bus capacity: %d", cfg.BusCapacity)
	}
	if cfg.MaxPayloadLength != def.MaxPayloadLength {
		t.Fatalf("max payload should keep default, got %d", cfg.MaxPayloadLength)
	}
	if cfg.Framer.ReplyTimeout != 15*time.Second {
		t.Fatalf("unexpected reply timeout: %v", cfg.Framer.ReplyTimeout)
	}
	if cfg.Framer.NoLogonDisconnectTimeout != 3*time.Second {
		t.Fatalf("unexpected no-logon timeout: %v", cfg.Framer.NoLogonDisconnectTimeout)
	}
	if cfg.Framer.ConnectTimeout != def.Framer.ConnectTimeout {
		t.Fatalf("connect timeout should keep default, got %v", cfg.Framer.ConnectTimeout)
	}
	if cfg.Framer.ReplayFragmentLimit != 8 || cfg.Framer.ConnectionIDSeed != 99 {
		t.Fatalf("unexpected framer overrides: %+v", cfg.Framer)
	}
	if cfg.Idle.MaxDelay != 2*time.Millisecond || cfg.Idle.MaxSpins != def.Idle.MaxSpins {
		t.Fatalf("unexpected idle config: %+v", cfg.Idle)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "http://localhost:3000" {
		t.Fatalf("unexpected cors origins: %+v", cfg.CORSOrigins)
	}
	if len(cfg.DebugTags) != 2 {
		t.Fatalf("unexpected debug tags: %+v", cfg.DebugTags)
	}
	if !cfg.Leader {
		t.Fatalf("leader should keep default true")
	}
	if cfg.AdminToken != "change-me" {
		t.Fatalf("unexpected admin token: %q", cfg.AdminToken)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadEngineConfigFollowerAndDisabledAdmin(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadEngineConfig(writeConfig(t, "leader = false\nadmin_addr = \"\"\n"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Leader {
		t.Fatalf("expected follower")
	}
	if cfg.AdminAddr != "" {
		t.Fatalf("expected admin disabled, got %q", cfg.AdminAddr)
	}
}

func TestLoadEngineConfigBadDuration(t *testing.T) {
	testlog.Start(t)
	_, err := loadEngineConfig(writeConfig(t, "[framer]\nsend_timeout = \"abc\"\n"))
	if err == nil || !strings.Contains(err.Error(), "framer.send_timeout") {
		t.Fatalf("expected parse error naming the key, got %v", err)
	}
}

func TestLoadEngineConfigRejectsUnknownDebugTag(t *testing.T) {
	testlog.Start(t)
	if _, err := loadEngineConfig(writeConfig(t, "debug_tags = [\"noise\"]\n")); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidateCommand(t *testing.T) {
	testlog.Start(t)
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"validate", "--config", "ex.config.toml"})
	if err := root.Execute(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out.String(), `node="fixgate.example"`) {
		t.Fatalf("unexpected output: %q", out.String())
	}

	root = newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"validate", "--config", writeConfig(t, "listen_addr = \"x\"\n")})
	if err := root.Execute(); err == nil {
		t.Fatalf("expected unknown key to fail validation")
	}
}

func TestLoadEngineConfigTLSSection(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadEngineConfig(writeConfig(t, `
[tls]
enabled = true
cert_file = " /etc/fixgate/server.crt "
key_file = "/etc/fixgate/server.key"
`))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.Security.TLS.Enabled || cfg.Security.TLS.CertFile != "/etc/fixgate/server.crt" {
		t.Fatalf("unexpected tls settings: %+v", cfg.Security.TLS)
	}

	_, err = loadEngineConfig(writeConfig(t, "[tls]\nsecurity_mode = \"production\"\n"))
	if !errors.Is(err, transport.ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}
}

// Both loaders must accept every shipped config, so validate and run never
// disagree about a file.
func TestShippedConfigsLoadWithBothDecoders(t *testing.T) {
	testlog.Start(t)
	paths := map[string]string{"ex.config.toml": "ex.config.toml"}
	for _, kind := range []string{"gateway", "minimal"} {
		path := filepath.Join(t.TempDir(), kind+".toml")
		if err := config.WriteTemplate(path, kind, false); err != nil {
			t.Fatalf("write %s template: %v", kind, err)
		}
		paths[kind] = path
	}
	for name, path := range paths {
		if _, err := config.LoadGatewayFile(path); err != nil {
			t.Fatalf("%s: strict loader: %v", name, err)
		}
		if _, err := loadEngineConfig(path); err != nil {
			t.Fatalf("%s: engine loader: %v", name, err)
		}
	}
}

func TestLoadEngineConfigRejectsUnknownKeys(t *testing.T) {
	testlog.Start(t)
	for _, content := range []string{
		"listen_addr = \"127.0.0.1:9880\"\n",
		"[framer]\nsend_timout = \"1s\"\n",
	} {
		_, err := loadEngineConfig(writeConfig(t, content))
		if err == nil || !strings.Contains(err.Error(), "unknown key") {
			t.Fatalf("expected unknown key error for %q, got %v", content, err)
		}
	}
}

func TestLoadEngineConfigSenderQueueDepth(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadEngineConfig(writeConfig(t, "[framer]\nsender_queue_depth = 64\n"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Framer.SenderQueueDepth != 64 {
		t.Fatalf("unexpected sender queue depth: %d", cfg.Framer.SenderQueueDepth)
	}
}

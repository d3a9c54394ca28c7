package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/relaymta/relaymta/internal/dispatch"
)

func createTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "relaymta.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/path/relaymta.toml")
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	want := Default()
	if cfg.Hostname != want.Hostname || cfg.Admin.Address != want.Admin.Address {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadOverlaysOnlySetFields(t *testing.T) {
	content := `
hostname = "mx1.example.com"

[limits]
max_recipients = 250

[admin]
address = "0.0.0.0:9090"
`
	path := createTempConfig(t, content)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Hostname != "mx1.example.com" {
		t.Errorf("hostname = %q", cfg.Hostname)
	}
	if cfg.Limits.MaxRecipients != 250 {
		t.Errorf("max_recipients = %d", cfg.Limits.MaxRecipients)
	}
	// Untouched field should keep its default.
	if cfg.Limits.MaxMessageSize != Default().Limits.MaxMessageSize {
		t.Errorf("max_message_size should remain at default, got %d", cfg.Limits.MaxMessageSize)
	}
	if cfg.Admin.Address != "0.0.0.0:9090" {
		t.Errorf("admin address = %q", cfg.Admin.Address)
	}
}

func TestLoadInvalidTOMLReturnsError(t *testing.T) {
	path := createTempConfig(t, "not [ valid toml")
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error parsing invalid TOML")
	}
}

func TestApplyEnvOverridesTLSPolicyAndBatchHandling(t *testing.T) {
	t.Setenv("KUMOD_ENABLE_TLS", "Required")
	t.Setenv("KUMOD_BATCH_HANDLING", "None")
	t.Setenv("KUMOD_SMTP_AUTH_USERNAME", "relay")
	t.Setenv("KUMOD_SMTP_AUTH_PASSWORD", "hunter2")

	cfg := ApplyEnv(Default())
	if cfg.Dispatch.TLSPolicy != "Required" {
		t.Errorf("tls policy = %q", cfg.Dispatch.TLSPolicy)
	}
	if cfg.BatchHandling != BatchNone {
		t.Errorf("batch handling = %q", cfg.BatchHandling)
	}
	if cfg.Dispatch.AuthUsername != "relay" || cfg.Dispatch.AuthPassword != "hunter2" {
		t.Errorf("auth override not applied: %+v", cfg.Dispatch)
	}
}

func TestApplyEnvLeavesUnsetVarsAlone(t *testing.T) {
	want := Default()
	got := ApplyEnv(Default())
	if got.Hostname != want.Hostname || got.Dispatch.TLSPolicy != want.Dispatch.TLSPolicy {
		t.Fatalf("expected untouched config, got %+v", got)
	}
}

func TestParsedTLSPolicyDefaultsToOpportunistic(t *testing.T) {
	cfg := Default()
	cfg.Dispatch.TLSPolicy = ""
	p, err := cfg.ParsedTLSPolicy()
	if err != nil {
		t.Fatal(err)
	}
	if p != dispatch.Opportunistic {
		t.Fatalf("expected Opportunistic, got %v", p)
	}
}

func TestParsedTLSPolicyRejectsUnknownValue(t *testing.T) {
	cfg := Default()
	cfg.Dispatch.TLSPolicy = "Bogus"
	if _, err := cfg.ParsedTLSPolicy(); err == nil {
		t.Fatal("expected an error for an unknown TLS policy literal")
	}
}

package brokerconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadFillsDefaults(t *testing.T) {
	path := writeTempConfig(t, `
keyfiles = ["/etc/idbroker/key1.pem"]
from_address = "noreply@b.example"

[server]
public_url = "https://b.example"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Addr() != "0.0.0.0:8080" {
		t.Errorf("Addr() = %q, want 0.0.0.0:8080", cfg.Server.Addr())
	}
	if cfg.TokenTTL.Duration.Seconds() != 600 {
		t.Errorf("TokenTTL = %v, want 600s", cfg.TokenTTL.Duration)
	}
	if cfg.RatelimitPerEmail.Count != 3 {
		t.Errorf("RatelimitPerEmail.Count = %d, want 3", cfg.RatelimitPerEmail.Count)
	}
}

func TestLoadMissingPublicURL(t *testing.T) {
	path := writeTempConfig(t, `
keyfiles = ["/etc/idbroker/key1.pem"]
from_address = "noreply@b.example"
`)

	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for missing public_url, got nil")
	}
}

func TestLoadMissingKeyfiles(t *testing.T) {
	path := writeTempConfig(t, `
from_address = "noreply@b.example"

[server]
public_url = "https://b.example"
`)

	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for missing keyfiles, got nil")
	}
}

func TestLoadProviderValidation(t *testing.T) {
	path := writeTempConfig(t, `
keyfiles = ["/etc/idbroker/key1.pem"]
from_address = "noreply@b.example"

[server]
public_url = "https://b.example"

[providers.gmail_test]
domain = "gmail.test"
client_id = "abc"
`)

	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for provider missing discovery_url, got nil")
	}
}

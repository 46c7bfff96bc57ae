package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/foxzi/courier/internal/config"
)

func TestGenerateRandomString(t *testing.T) {
	for _, length := range []int{8, 16, 32, 64} {
		if got := generateRandomString(length); len(got) != length {
			t.Errorf("generateRandomString(%d) returned string of length %d", length, len(got))
		}
	}

	if generateRandomString(32) == generateRandomString(32) {
		t.Error("generateRandomString should generate unique strings")
	}
}

func TestGenerateConfigGateway(t *testing.T) {
	initTransport = config.TransportGateway
	initGatewayURL = "http://gw.local:3000"
	initDataDir = "/var/lib/courier"
	initAPIKey = "testapikey"
	initWebhookSecret = "testsecret"
	initMetrics = true

	content := generateConfig()

	for _, check := range []string{
		`api_key: "testapikey"`,
		`webhook_secret: "testsecret"`,
		`base_url: "http://gw.local:3000"`,
		`path: "/var/lib/courier/courier.db"`,
	} {
		if !strings.Contains(content, check) {
			t.Errorf("Generated config missing: %s", check)
		}
	}

	cfg, err := config.Parse([]byte(content))
	if err != nil {
		t.Fatalf("generated config does not parse: %v", err)
	}
	if cfg.IsSandbox() || !cfg.Metrics.Enabled || cfg.Sessions.PersistPolicy != "log" {
		t.Errorf("parsed config = %+v", cfg)
	}
}

func TestGenerateConfigSandbox(t *testing.T) {
	initTransport = config.TransportSandbox
	initGatewayURL = ""
	initDataDir = "/tmp/courier"
	initAPIKey = "key"
	initWebhookSecret = "secret"
	initMetrics = false

	cfg, err := config.Parse([]byte(generateConfig()))
	if err != nil {
		t.Fatalf("generated config does not parse: %v", err)
	}
	if !cfg.IsSandbox() || !cfg.Transport.Sandbox.RequireScan {
		t.Errorf("transport = %+v", cfg.Transport)
	}
	if cfg.Storage.CredentialsPath != "/tmp/courier/credentials.db" {
		t.Errorf("CredentialsPath = %q", cfg.Storage.CredentialsPath)
	}
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("COURIER_TEST_GATEWAY_KEY=from-file\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("COURIER_TEST_GATEWAY_KEY") })

	envFile = path
	if err := loadEnv(nil, nil); err != nil {
		t.Fatalf("loadEnv() error = %v", err)
	}
	if got := os.Getenv("COURIER_TEST_GATEWAY_KEY"); got != "from-file" {
		t.Errorf("COURIER_TEST_GATEWAY_KEY = %q", got)
	}

	envFile = filepath.Join(dir, "missing.env")
	if err := loadEnv(nil, nil); err != nil {
		t.Errorf("loadEnv() with missing file error = %v", err)
	}
}

func TestTruncateID(t *testing.T) {
	if got := truncateID("0123456789abcdef"); got != "0123456789ab" {
		t.Errorf("truncateID() = %q", got)
	}
	if got := truncateID("short"); got != "short" {
		t.Errorf("truncateID() = %q", got)
	}
}

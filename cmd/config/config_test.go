package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"

	"github.com/noosphere/sphereengine/internal/testutil"
)

func TestLoadConfigDefaults(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	defer os.Chdir(wd)
	viper.Reset()

	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox failed: %v", err)
	}
	defer sb.Cleanup()
	if err := os.Chdir(sb.Root); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}

	LoadConfig("")
	if AppConfig.StoragePath != "./.noosphere" {
		t.Fatalf("unexpected storage path: %s", AppConfig.StoragePath)
	}
	if AppConfig.NoosphereLog != "informed" {
		t.Fatalf("unexpected default log verbosity: %s", AppConfig.NoosphereLog)
	}
}

func TestLoadConfigSandboxOverride(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox failed: %v", err)
	}
	defer sb.Cleanup()

	if err := os.Mkdir(sb.Path("config"), 0700); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	data := []byte("storage_path: /tmp/sandbox-sphere\ngateway_url: http://gw.example\n")
	if err := sb.WriteFile("config/default.yaml", data, 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	defer os.Chdir(wd)
	viper.Reset()

	if err := os.Chdir(sb.Root); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}
	LoadConfig("")

	if AppConfig.StoragePath != "/tmp/sandbox-sphere" {
		t.Fatalf("expected overridden storage path, got %s", AppConfig.StoragePath)
	}
	if AppConfig.GatewayURL != "http://gw.example" {
		t.Fatalf("expected overridden gateway url, got %s", AppConfig.GatewayURL)
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate(): %v", err)
	}
}

func TestLoadAppliesFlagOverEnvOverFileOverDefault(t *testing.T) {
	dir := t.TempDir()
	propsPath := filepath.Join(dir, "driver.properties")
	if err := os.WriteFile(propsPath, []byte("mtu=2000\nlog-level=warn\n"), 0o644); err != nil {
		t.Fatalf("write properties file: %v", err)
	}

	t.Setenv("MEDIADRIVER_LOG_LEVEL", "error")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)
	if err := flags.Set("mtu", "3000"); err != nil {
		t.Fatalf("set --mtu: %v", err)
	}

	cfg, err := Load(propsPath, flags)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.MTU != 3000 {
		t.Fatalf("MTU = %d, want 3000 (flag should win over file)", cfg.MTU)
	}
	if cfg.LogLevel != "error" {
		t.Fatalf("LogLevel = %q, want %q (env should win over file)", cfg.LogLevel, "error")
	}
}

func TestLoadRejectsNonPowerOfTwoTermLength(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)
	if err := flags.Set("term-length", "100"); err != nil {
		t.Fatalf("set --term-length: %v", err)
	}
	if _, err := Load("", flags); err == nil {
		t.Fatal("expected an error for a non-power-of-two term length")
	}
}

func TestCnCPathJoinsAeronDir(t *testing.T) {
	cfg := Default()
	cfg.AeronDir = "/tmp/example"
	if got, want := cfg.CnCPath(), filepath.Join("/tmp/example", "cnc.dat"); got != want {
		t.Fatalf("CnCPath() = %q, want %q", got, want)
	}
}

func TestWatchFileNoopOnEmptyPath(t *testing.T) {
	closer, err := WatchFile("", func() { t.Fatal("onChange should never fire") })
	if err != nil {
		t.Fatalf("WatchFile(\"\"): %v", err)
	}
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestWatchFileFiresOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "driver.properties")
	if err := os.WriteFile(path, []byte("mtu=1408\n"), 0o644); err != nil {
		t.Fatalf("write properties file: %v", err)
	}

	changed := make(chan struct{}, 1)
	closer, err := WatchFile(path, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatalf("WatchFile: %v", err)
	}
	defer closer.Close()

	if err := os.WriteFile(path, []byte("mtu=2000\n"), 0o644); err != nil {
		t.Fatalf("rewrite properties file: %v", err)
	}

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a watch notification")
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCoordinatorDefaults(t *testing.T) {
	t.Setenv("GAMEHOST_ADDR", "")
	t.Setenv("GAMEHOST_HEARTBEAT", "")
	c := CoordinatorFromEnv()
	if c.Addr != ":8080" || c.Heartbeat != 5*time.Second || c.CallTimeout != 3*time.Second || c.Store != "memory" {
		t.Fatalf("defaults: %+v", c)
	}
}

func TestNodeFromEnv(t *testing.T) {
	t.Setenv("NODE_ADDR", ":9000")
	t.Setenv("NODE_STOP_TIMEOUT", "12")
	t.Setenv("NODE_TOKEN_TTL", "bogus")
	n := NodeFromEnv()
	if n.Addr != ":9000" || n.StopTimeout != 12 || n.TokenTTL != time.Hour {
		t.Fatalf("node: %+v", n)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	wd, _ := os.Getwd()
	t.Cleanup(func() { _ = os.Chdir(wd) })
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("GAMEHOST_DOTENV_CHECK=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GAMEHOST_DOTENV_CHECK", "")
	os.Unsetenv("GAMEHOST_DOTENV_CHECK")
	if err := LoadDotEnv(); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("GAMEHOST_DOTENV_CHECK"); got != "from-file" {
		t.Fatalf("dotenv value = %q", got)
	}
}

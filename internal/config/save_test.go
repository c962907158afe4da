package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestSaveAndLoad(t *testing.T) {
	for _, name := range []string{"config.json", "config.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)

			cfg := DefaultConfig()
			cfg.Runner.Command = []string{"sh", "-c", "make task"}
			cfg.Runner.TaskTimeout = Duration(90 * time.Second)
			cfg.JobsBackend.APIKey = "secret"
			cfg.Events.RedisURL = "redis://localhost:6379/0"

			if err := Save(cfg, path); err != nil {
				t.Fatalf("Save failed: %v", err)
			}

			info, err := os.Stat(path)
			if err != nil {
				t.Fatalf("saved file missing: %v", err)
			}
			if perm := info.Mode().Perm(); perm != 0600 {
				t.Errorf("expected 0600 permissions, got %o", perm)
			}

			loaded, err := Load("", path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if diff := cmp.Diff(cfg, loaded); diff != "" {
				t.Errorf("config mismatch after save/load (-want +got):\n%s", diff)
			}
		})
	}
}

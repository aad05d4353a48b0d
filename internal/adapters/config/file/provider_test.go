package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tjfontaine/switchboard/internal/pkg/config"
)

func TestNewProvider_EmptyPath(t *testing.T) {
	if _, err := NewProvider("", nil); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestProvider_Load(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("workers:\n  count: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := NewProvider(path, nil)
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	defer p.Close()

	cfg, err := p.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Workers.Count != 2 {
		t.Errorf("workers.count = %d, want 2", cfg.Workers.Count)
	}
	if p.Current() != cfg {
		t.Error("Current() should return the loaded config")
	}
}

func TestProvider_WatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("workers:\n  count: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := NewProvider(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan *config.Config, 4)
	if err := p.Watch(ctx, func(c *config.Config) { changed <- c }); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	if err := os.WriteFile(path, []byte("workers:\n  count: 5\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-changed:
			if c.Workers.Count == 5 {
				return
			}
		case <-deadline:
			t.Fatal("config change not observed")
		}
	}
}

func TestStatic(t *testing.T) {
	s := NewStatic(nil)
	if _, err := s.Load(context.Background()); err == nil {
		t.Error("expected error for nil config")
	}

	cfg := &config.Config{}
	s = NewStatic(cfg)
	got, err := s.Load(context.Background())
	if err != nil || got != cfg {
		t.Errorf("Load() = %v, %v", got, err)
	}
}

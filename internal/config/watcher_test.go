package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-crew/internal/config"
)

func TestWatcher_DetectsConfigChange(t *testing.T) {
	stateDir := t.TempDir()
	cfgPath := config.ConfigPath(stateDir)
	if err := os.WriteFile(cfgPath, []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write initial config: %v", err)
	}

	w := config.NewWatcher(stateDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Retry the write until the watcher reports it; notification readiness
	// varies by platform.
	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(500 * time.Millisecond)
	defer writeTick.Stop()

	if err := os.WriteFile(cfgPath, []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("write updated config: %v", err)
	}

	for {
		select {
		case ev := <-w.Events():
			if ev.Kind != config.KindConfig || filepath.Base(ev.Path) != "config.yaml" {
				t.Fatalf("expected config.yaml event, got %+v", ev)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(cfgPath, []byte("log_level: debug\n"), 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for config.yaml change event")
		}
	}
}

func TestWatcher_DetectsPolicyChange(t *testing.T) {
	stateDir := t.TempDir()
	w := config.NewWatcher(stateDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	policyPath := config.PolicyPath(stateDir)
	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(500 * time.Millisecond)
	defer writeTick.Stop()
	_ = os.WriteFile(policyPath, []byte("default: allow\n"), 0o644)
	for {
		select {
		case ev := <-w.Events():
			if ev.Kind != config.KindPolicy {
				t.Fatalf("expected policy event, got %+v", ev)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(policyPath, []byte("default: allow\n"), 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for policy.yaml change event")
		}
	}
}

func TestWatcher_CoalescesBursts(t *testing.T) {
	stateDir := t.TempDir()
	cfgPath := config.ConfigPath(stateDir)
	w := config.NewWatcher(stateDir, nil)
	w.Settle = 300 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := os.WriteFile(cfgPath, []byte("log_level: debug\n"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case ev := <-w.Events():
		if ev.Kind != config.KindConfig {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for coalesced event")
	}
	select {
	case ev := <-w.Events():
		t.Fatalf("expected one event for the burst, got another: %+v", ev)
	case <-time.After(600 * time.Millisecond):
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	stateDir := t.TempDir()
	w := config.NewWatcher(stateDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	if err := os.WriteFile(filepath.Join(stateDir, "history.jsonl"), []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event for %s", ev.Path)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_ClosesOnCancel(t *testing.T) {
	w := config.NewWatcher(t.TempDir(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	cancel()
	select {
	case _, ok := <-w.Events():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed after cancel")
	}
}

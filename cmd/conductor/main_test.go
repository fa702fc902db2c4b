package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// syncBuffer is a bytes.Buffer safe for the concurrent writes made by
// background listeners.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRun_Args(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
		wantOut string
	}{
		{"no command prints usage", nil, "", "Usage: conductor"},
		{"help flag", []string{"-h"}, "", "Commands:"},
		{"version text", []string{"version"}, "", "go_version:"},
		{"unknown command", []string{"dance"}, "unknown command: dance", ""},
		{"unknown flag", []string{"-verbose"}, "unknown flag: -verbose", ""},
		{"bad output format", []string{"-o", "xml", "version"}, "unknown output format", ""},
		{"missing explicit config", []string{"-config", "/nonexistent/conductor.yaml", "serve"}, "config file not found", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			err := run(t.Context(), &stdout, &stderr, tt.args)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if !strings.Contains(stdout.String(), tt.wantOut) {
				t.Errorf("stdout = %q, want %q", stdout.String(), tt.wantOut)
			}
		})
	}
}

func TestRun_VersionJSON(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(t.Context(), &stdout, &stderr, []string{"-o=json", "version"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		t.Fatalf("version output is not JSON: %v\n%s", err, stdout.String())
	}
	for _, k := range []string{"version", "build_time", "go_version"} {
		if info[k] == "" {
			t.Errorf("version JSON missing %q", k)
		}
	}
}

func TestRun_InitSubcommand(t *testing.T) {
	dir := t.TempDir()
	var stdout, stderr bytes.Buffer
	if err := run(t.Context(), &stdout, &stderr, []string{"init", dir}); err != nil {
		t.Fatalf("run init: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "config.yaml")); err != nil {
		t.Errorf("config.yaml not written: %v", err)
	}
}

// TestRun_EmulateStopsOnCancel boots the whole daemon against the
// simulated radio. With no stored credentials the first poll opens the
// provisioning portal; cancelling the context shuts everything down.
func TestRun_EmulateStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	cfg := fmt.Sprintf(`
data_dir: %s
log_level: info
device:
  interface: conductor-test0
provisioning:
  listen: "127.0.0.1:0"
listen:
  address: 127.0.0.1
  port: 18080
`, filepath.Join(dir, "data"))
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var stdout syncBuffer
	var stderr bytes.Buffer
	if err := run(ctx, &stdout, &stderr, []string{"-config", cfgPath, "emulate"}); err != nil {
		t.Fatalf("run emulate: %v", err)
	}

	out := stdout.String()
	for _, want := range []string{
		"driver=simulated",
		"to=ProvisioningWait",
		"poll loop stopped",
		"conductor stopped",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q", want)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "data", "settings.db")); err != nil {
		t.Errorf("settings database not created: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "data", "instance_id")); err != nil {
		t.Errorf("instance id not persisted: %v", err)
	}
}

package wakewordplugin

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingModuleFails(t *testing.T) {
	ctx := context.Background()
	_, err := Load(ctx, filepath.Join(t.TempDir(), "missing.wasm"), Host{})
	if err == nil {
		t.Fatalf("expected error loading a nonexistent plugin module")
	}
}

func TestLoadRejectsNonWasmFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "not-wasm.bin")
	if err := os.WriteFile(path, []byte("not a wasm module"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, err := Load(ctx, path, Host{}); err == nil {
		t.Fatalf("expected compile error for non-wasm bytes")
	}
}

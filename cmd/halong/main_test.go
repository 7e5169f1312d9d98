package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestSplitSymbols(t *testing.T) {
	got := splitSymbols(" vnm, HPG,,fpt ")
	want := []string{"VNM", "HPG", "FPT"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("splitSymbols = %v, want %v", got, want)
	}
	if got := splitSymbols(""); got != nil {
		t.Errorf("splitSymbols(\"\") = %v, want nil", got)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRegistryAddAndList(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "halong.yaml")
	cfg := "storage:\n  data_dir: " + dir + "\nlogging:\n  format: text\n  level: error\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := execute(t, "--config", cfgPath, "registry", "add",
		"--ticker", "VNM", "--date", "2024-06-14", "--type", "split", "--ratio", "2"); err != nil {
		t.Fatalf("registry add: %v", err)
	}

	out, err := execute(t, "--config", cfgPath, "registry", "list", "--ticker", "VNM")
	if err != nil {
		t.Fatalf("registry list: %v", err)
	}
	if !strings.Contains(out, "VNM") || !strings.Contains(out, "SPLIT") || !strings.Contains(out, "manual") {
		t.Errorf("registry list output missing record:\n%s", out)
	}
}

func TestRegistryAddRejectsUnknownType(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "halong.yaml")
	if err := os.WriteFile(cfgPath, []byte("storage:\n  data_dir: "+dir+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "--config", cfgPath, "registry", "add",
		"--ticker", "VNM", "--date", "2024-06-14", "--type", "merger", "--ratio", "2"); err == nil {
		t.Fatal("registry add accepted an unknown action type")
	}
}

func TestRunRejectsUnknownMode(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "halong.yaml")
	if err := os.WriteFile(cfgPath, []byte("storage:\n  data_dir: "+dir+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "--config", cfgPath, "run", "--mode", "sideways"); err == nil {
		t.Fatal("run accepted an unknown mode")
	}
}

package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestReadItemsArray(t *testing.T) {
	path := writeFile(t, "rows.json", `[{"text": "a"}, {"text": "b"}]`)
	items, err := readItems(path)
	if err != nil {
		t.Fatalf("readItems: %v", err)
	}
	if len(items) != 2 || items[0]["text"] != "a" {
		t.Errorf("items = %v", items)
	}
}

func TestReadItemsJSONL(t *testing.T) {
	path := writeFile(t, "rows.jsonl", "{\"text\": \"a\"}\n\n{\"text\": \"b\"}\n")
	items, err := readItems(path)
	if err != nil {
		t.Fatalf("readItems: %v", err)
	}
	if len(items) != 2 || items[1]["text"] != "b" {
		t.Errorf("items = %v", items)
	}

	bad := writeFile(t, "bad.jsonl", "{\"text\": \"a\"}\nnot json\n")
	if _, err := readItems(bad); err == nil {
		t.Errorf("expected error for malformed line")
	}
}

func TestImportSelectStats(t *testing.T) {
	for _, key := range []string{"STRATIFY_DATASET", "STRATIFY_LLM", "STRATIFY_EMBED", "STRATIFY_MIN_CLUSTER_SIZE", "STRATIFY_REMOTE_URL"} {
		t.Setenv(key, "")
	}
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "data.db")
	configPath := filepath.Join(dir, "missing.yaml")
	rows := writeFile(t, "rows.jsonl", "{\"text\": \"hello\"}\n{\"text\": \"world\"}\n")

	common := []string{"--config", configPath, "--db", dbPath}
	if err := runImport(append(common, rows)); err != nil {
		t.Fatalf("runImport: %v", err)
	}
	if err := runStats(append(common, "text")); err != nil {
		t.Fatalf("runStats: %v", err)
	}
	if err := runSelect(append(common, "--paths", "text", "--limit", "1")); err != nil {
		t.Fatalf("runSelect: %v", err)
	}

	if err := runStats(append(common, "missing")); err == nil {
		t.Errorf("expected error for unknown column")
	}
}

func TestOpenDatasetRequiresPath(t *testing.T) {
	for _, key := range []string{"STRATIFY_DATASET"} {
		t.Setenv(key, "")
	}
	err := runStats([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "text"})
	if err == nil {
		t.Fatalf("expected error without a dataset path")
	}
}

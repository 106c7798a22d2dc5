package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestResolveConfigMissingFile(t *testing.T) {
	got, err := ResolveConfig(ResolveOptions{ConfigPath: filepath.Join(t.TempDir(), "nope.yaml")})
	if err != nil {
		t.Fatalf("ResolveConfig: %v", err)
	}
	if got.DatasetPath.Value != "" || got.LLM.Value != "" {
		t.Errorf("expected empty values for a missing config, got %+v", got)
	}
}

func TestResolveConfigFromFile(t *testing.T) {
	path := writeConfig(t, `
dataset_path: /data/reviews.db
llm: openrouter/openai/gpt-4o-mini
embed: ollama/nomic-embed-text
cluster:
  min_cluster_size: 8
  remote_url: https://cluster.example.com
`)
	got, err := ResolveConfig(ResolveOptions{ConfigPath: path})
	if err != nil {
		t.Fatalf("ResolveConfig: %v", err)
	}
	if got.DatasetPath.Value != "/data/reviews.db" || got.DatasetPath.Source != SourceConfig {
		t.Errorf("dataset = %+v", got.DatasetPath)
	}
	if got.LLM.Value != "openrouter/openai/gpt-4o-mini" {
		t.Errorf("llm = %+v", got.LLM)
	}
	if got.Embed.Value != "ollama/nomic-embed-text" {
		t.Errorf("embed = %+v", got.Embed)
	}
	if got.RemoteURL.Value != "https://cluster.example.com" {
		t.Errorf("remote = %+v", got.RemoteURL)
	}
	n, err := got.MinClusterSizeValue(5)
	if err != nil {
		t.Fatalf("MinClusterSizeValue: %v", err)
	}
	if n != 8 {
		t.Errorf("min cluster size = %d, want 8", n)
	}
}

func TestResolveConfigEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "llm: google/gemini-2.5-flash\ndataset_path: /from/file.db\n")
	t.Setenv("STRATIFY_LLM", "openrouter/meta-llama/llama-3-70b")

	got, err := ResolveConfig(ResolveOptions{ConfigPath: path})
	if err != nil {
		t.Fatalf("ResolveConfig: %v", err)
	}
	if got.LLM.Value != "openrouter/meta-llama/llama-3-70b" || got.LLM.Source != SourceEnv {
		t.Errorf("llm = %+v, want env override", got.LLM)
	}
	if got.LLM.From != "STRATIFY_LLM" {
		t.Errorf("llm from = %q", got.LLM.From)
	}
	if got.DatasetPath.Source != SourceConfig {
		t.Errorf("dataset = %+v, want config source", got.DatasetPath)
	}
}

func TestResolveConfigCLIWinsOverEverything(t *testing.T) {
	path := writeConfig(t, "llm: google/gemini-2.5-flash\n")
	t.Setenv("STRATIFY_LLM", "openrouter/x")

	got, err := ResolveConfig(ResolveOptions{
		ConfigPath: path,
		CLILLM:     "google/gemini-2.5-pro",
		CLIDataset: "cli.db",
	})
	if err != nil {
		t.Fatalf("ResolveConfig: %v", err)
	}
	if got.LLM.Value != "google/gemini-2.5-pro" || got.LLM.Source != SourceCLI {
		t.Errorf("llm = %+v, want cli override", got.LLM)
	}
	if got.LLM.From != "--llm" {
		t.Errorf("llm from = %q", got.LLM.From)
	}
	if got.DatasetPath.Value != "cli.db" || got.DatasetPath.Source != SourceCLI {
		t.Errorf("dataset = %+v", got.DatasetPath)
	}
}

func TestResolveConfigExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}
	got, err := ResolveConfig(ResolveOptions{
		ConfigPath: filepath.Join(t.TempDir(), "nope.yaml"),
		CLIDataset: "~/data/reviews.db",
	})
	if err != nil {
		t.Fatalf("ResolveConfig: %v", err)
	}
	want := filepath.Join(home, "data", "reviews.db")
	if got.DatasetPath.Value != want {
		t.Errorf("dataset = %q, want %q", got.DatasetPath.Value, want)
	}
}

func TestMinClusterSizeValueErrors(t *testing.T) {
	cfg := ResolvedConfig{MinClusterSize: ResolvedValue{Value: "zero", From: "--min-cluster-size"}}
	if _, err := cfg.MinClusterSizeValue(5); err == nil {
		t.Errorf("expected error for non-numeric size")
	}
	cfg.MinClusterSize.Value = "-2"
	if _, err := cfg.MinClusterSizeValue(5); err == nil {
		t.Errorf("expected error for negative size")
	}
	cfg.MinClusterSize.Value = ""
	n, err := cfg.MinClusterSizeValue(5)
	if err != nil || n != 5 {
		t.Errorf("fallback = %d, %v", n, err)
	}
}

// Package config resolves stratify's configuration from a YAML file, the
// environment and CLI flags, tracking where each value came from.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type ValueSource string

const (
	SourceUnknown ValueSource = "unknown"
	SourceConfig  ValueSource = "config"
	SourceEnv     ValueSource = "env"
	SourceCLI     ValueSource = "cli"
	SourceDefault ValueSource = "default"
)

type ResolvedValue struct {
	Value  string      `json:"value"`
	Source ValueSource `json:"source"`
	From   string      `json:"from,omitempty"`
}

type ResolveOptions struct {
	ConfigPath        string
	CLIDataset        string
	CLILLM            string
	CLIEmbed          string
	CLIMinClusterSize string
	CLIRemoteURL      string
}

type ResolvedConfig struct {
	ConfigPath string `json:"config_path"`

	DatasetPath    ResolvedValue `json:"dataset_path"`
	LLM            ResolvedValue `json:"llm"`
	Embed          ResolvedValue `json:"embed"`
	MinClusterSize ResolvedValue `json:"min_cluster_size"`
	RemoteURL      ResolvedValue `json:"remote_url"`
}

type fileConfig struct {
	DatasetPath string `yaml:"dataset_path"`
	LLM         string `yaml:"llm"`
	Embed       string `yaml:"embed"`
	Cluster     struct {
		MinClusterSize int    `yaml:"min_cluster_size"`
		RemoteURL      string `yaml:"remote_url"`
	} `yaml:"cluster"`
}

func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".stratify", "config.yaml")
}

// ResolveConfig layers config file < environment < CLI flags, recording
// the winning source per value.
func ResolveConfig(opts ResolveOptions) (ResolvedConfig, error) {
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		path = DefaultConfigPath()
	}
	out := ResolvedConfig{ConfigPath: path}

	cfg, err := loadConfig(path)
	if err != nil {
		return out, err
	}
	if cfg != nil {
		apply(&out.DatasetPath, cfg.DatasetPath, SourceConfig, path)
		apply(&out.LLM, cfg.LLM, SourceConfig, path)
		apply(&out.Embed, cfg.Embed, SourceConfig, path)
		apply(&out.RemoteURL, cfg.Cluster.RemoteURL, SourceConfig, path)
		if cfg.Cluster.MinClusterSize > 0 {
			apply(&out.MinClusterSize, strconv.Itoa(cfg.Cluster.MinClusterSize), SourceConfig, path)
		}
	}

	applyEnv(&out.DatasetPath, "STRATIFY_DATASET")
	applyEnv(&out.LLM, "STRATIFY_LLM")
	applyEnv(&out.Embed, "STRATIFY_EMBED")
	applyEnv(&out.MinClusterSize, "STRATIFY_MIN_CLUSTER_SIZE")
	applyEnv(&out.RemoteURL, "STRATIFY_REMOTE_URL")

	apply(&out.DatasetPath, opts.CLIDataset, SourceCLI, "--dataset")
	apply(&out.LLM, opts.CLILLM, SourceCLI, "--llm")
	apply(&out.Embed, opts.CLIEmbed, SourceCLI, "--embed")
	apply(&out.MinClusterSize, opts.CLIMinClusterSize, SourceCLI, "--min-cluster-size")
	apply(&out.RemoteURL, opts.CLIRemoteURL, SourceCLI, "--remote")

	if out.DatasetPath.Value != "" {
		out.DatasetPath.Value = expandUserPath(out.DatasetPath.Value)
	}
	return out, nil
}

// MinClusterSizeValue parses the resolved min cluster size, falling back
// to the given default when unset.
func (r ResolvedConfig) MinClusterSizeValue(fallback int) (int, error) {
	v := strings.TrimSpace(r.MinClusterSize.Value)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid min cluster size %q (from %s): %w", v, r.MinClusterSize.From, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("min cluster size must be positive, got %d (from %s)", n, r.MinClusterSize.From)
	}
	return n, nil
}

func apply(dst *ResolvedValue, raw string, source ValueSource, from string) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return
	}
	*dst = ResolvedValue{Value: v, Source: source, From: from}
}

func applyEnv(dst *ResolvedValue, envKey string) {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		*dst = ResolvedValue{Value: v, Source: SourceEnv, From: envKey}
	}
}

func loadConfig(path string) (*fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

func expandUserPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

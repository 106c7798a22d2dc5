package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/hurttlocker/stratify/internal/cluster"
	"github.com/hurttlocker/stratify/internal/config"
	"github.com/hurttlocker/stratify/internal/dataset"
	"github.com/hurttlocker/stratify/internal/embed"
	"github.com/hurttlocker/stratify/internal/llm"
	"github.com/hurttlocker/stratify/internal/mcp"
	"github.com/hurttlocker/stratify/internal/schema"
	"github.com/hurttlocker/stratify/internal/task"
	"github.com/mark3labs/mcp-go/server"
)

const version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	var err error
	switch os.Args[1] {
	case "import":
		err = runImport(os.Args[2:])
	case "select":
		err = runSelect(os.Args[2:])
	case "stats":
		err = runStats(os.Args[2:])
	case "cluster":
		err = runCluster(os.Args[2:])
	case "mcp":
		err = runMCP(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Printf("stratify %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// commonFlags are the flags every subcommand accepts for config resolution.
type commonFlags struct {
	configPath string
	dbPath     string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "config file path (default ~/.stratify/config.yaml)")
	fs.StringVar(&c.dbPath, "db", "", "dataset database path")
}

func (c *commonFlags) resolve(extra config.ResolveOptions) (config.ResolvedConfig, error) {
	extra.ConfigPath = c.configPath
	extra.CLIDataset = c.dbPath
	return config.ResolveConfig(extra)
}

func openDataset(cfg config.ResolvedConfig) (*dataset.SQLite, error) {
	if cfg.DatasetPath.Value == "" {
		return nil, fmt.Errorf("no dataset path: pass --db, set STRATIFY_DATASET, or add dataset_path to %s", cfg.ConfigPath)
	}
	return dataset.OpenSQLite(cfg.DatasetPath.Value)
}

func runImport(args []string) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: stratify import [flags] <rows.json|rows.jsonl>")
	}

	cfg, err := common.resolve(config.ResolveOptions{})
	if err != nil {
		return err
	}
	ds, err := openDataset(cfg)
	if err != nil {
		return err
	}
	defer ds.Close()

	path := fs.Arg(0)
	items, err := readItems(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if len(items) == 0 {
		return fmt.Errorf("%s contains no rows", path)
	}
	if err := ds.AddItems(items, nil); err != nil {
		return fmt.Errorf("importing rows: %w", err)
	}

	m, err := ds.Manifest()
	if err != nil {
		return err
	}
	fmt.Printf("Imported %d row(s); dataset now has %d.\n", len(items), m.NumItems)
	return nil
}

// readItems loads a JSON array or newline-delimited JSON objects.
func readItems(path string) ([]schema.Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, nil
	}

	if strings.HasPrefix(trimmed, "[") {
		var items []schema.Item
		if err := json.Unmarshal([]byte(trimmed), &items); err != nil {
			return nil, err
		}
		return items, nil
	}

	var items []schema.Item
	for i, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var item schema.Item
		if err := json.Unmarshal([]byte(line), &item); err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		items = append(items, item)
	}
	return items, nil
}

func runSelect(args []string) error {
	fs := flag.NewFlagSet("select", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	paths := fs.String("paths", "", "comma-separated column paths (empty = all top-level columns)")
	combine := fs.Bool("combine", false, "merge selected columns into nested row shape")
	offset := fs.Int("offset", 0, "rows to skip")
	limit := fs.Int("limit", 0, "maximum rows to print (0 = all)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := common.resolve(config.ResolveOptions{})
	if err != nil {
		return err
	}
	ds, err := openDataset(cfg)
	if err != nil {
		return err
	}
	defer ds.Close()

	opts := dataset.SelectOptions{
		CombineColumns: *combine,
		Offset:         *offset,
		Limit:          *limit,
	}
	for _, part := range strings.Split(*paths, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		col, err := dataset.Col(part)
		if err != nil {
			return err
		}
		opts.Columns = append(opts.Columns, col)
	}

	rows, err := ds.SelectRows(opts)
	if err != nil {
		return err
	}
	defer rows.Close()

	enc := json.NewEncoder(os.Stdout)
	for rows.Next() {
		if err := enc.Encode(schema.EncodeValue(rows.Item())); err != nil {
			return err
		}
	}
	return rows.Err()
}

func runStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: stratify stats [flags] <path>")
	}

	cfg, err := common.resolve(config.ResolveOptions{})
	if err != nil {
		return err
	}
	ds, err := openDataset(cfg)
	if err != nil {
		return err
	}
	defer ds.Close()

	path, err := schema.ParsePath(fs.Arg(0))
	if err != nil {
		return err
	}
	stats, err := ds.Stats(path)
	if err != nil {
		return err
	}
	m, err := ds.Manifest()
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d non-null value(s) across %d row(s)\n", path, stats.TotalCount, m.NumItems)
	return nil
}

func runCluster(args []string) error {
	fs := flag.NewFlagSet("cluster", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	input := fs.String("input", "", "dotted path of the string column to cluster (required)")
	output := fs.String("output", "", "output path override (default: sibling '{name}__cluster')")
	llmFlag := fs.String("llm", "", "LLM for titling, as provider/model (default google/gemini-2.5-flash)")
	embedFlag := fs.String("embed", "", "embedder, as provider/model (e.g. ollama/nomic-embed-text)")
	minSize := fs.String("min-cluster-size", "", "minimum cluster size (default 5)")
	remoteURL := fs.String("remote", "", "cluster via a remote service at this URL")
	overwrite := fs.Bool("overwrite", false, "recompute every stage even when its output exists")
	recomputeTitles := fs.Bool("recompute-titles", false, "regenerate cluster and category titles only")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *input == "" {
		return fmt.Errorf("usage: stratify cluster --input <path> [flags]")
	}

	cfg, err := common.resolve(config.ResolveOptions{
		CLILLM:            *llmFlag,
		CLIEmbed:          *embedFlag,
		CLIMinClusterSize: *minSize,
		CLIRemoteURL:      *remoteURL,
	})
	if err != nil {
		return err
	}
	ds, err := openDataset(cfg)
	if err != nil {
		return err
	}
	defer ds.Close()

	embedder, provider, err := buildEnrichers(cfg)
	if err != nil {
		return err
	}

	inputPath, err := schema.ParsePath(*input)
	if err != nil {
		return err
	}
	opts := cluster.Options{
		InputPath:       inputPath,
		Overwrite:       *overwrite,
		RecomputeTitles: *recomputeTitles,
	}
	if *output != "" {
		outPath, err := schema.ParsePath(*output)
		if err != nil {
			return err
		}
		opts.OutputPath = outPath
	}
	if opts.MinClusterSize, err = cfg.MinClusterSizeValue(cluster.DefaultMinClusterSize); err != nil {
		return err
	}
	if cfg.RemoteURL.Value != "" {
		opts.Remote = cluster.NewHTTPRemote(cfg.RemoteURL.Value, os.Getenv("STRATIFY_REMOTE_API_KEY"))
	}

	p := &cluster.Pipeline{
		Dataset:  ds,
		Embedder: embedder,
		Provider: provider,
		Reporter: task.NewProgress(os.Stderr),
		Rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if err := p.Run(context.Background(), opts); err != nil {
		return err
	}

	outPath := *output
	if outPath == "" {
		outPath = *input + cluster.FieldSuffix
	}
	fmt.Printf("Clustering complete; results written to %s\n", outPath)
	return nil
}

// buildEnrichers constructs the embedder and LLM provider the cluster
// pipeline needs from resolved config. Remote clustering still needs the
// LLM for titling, so both are always built.
func buildEnrichers(cfg config.ResolvedConfig) (embed.Embedder, llm.Provider, error) {
	if cfg.Embed.Value == "" {
		return nil, nil, fmt.Errorf("no embedder: pass --embed provider/model (e.g. ollama/nomic-embed-text)")
	}
	embedCfg, err := embed.ParseFlag(cfg.Embed.Value)
	if err != nil {
		return nil, nil, err
	}
	embedder, err := embed.New(embedCfg)
	if err != nil {
		return nil, nil, err
	}

	llmCfg, err := llm.ParseLLMFlag(cfg.LLM.Value)
	if err != nil {
		return nil, nil, err
	}
	provider, err := llm.NewProvider(llmCfg)
	if err != nil {
		return nil, nil, err
	}
	return embedder, provider, nil
}

func runMCP(args []string) error {
	fs := flag.NewFlagSet("mcp", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	llmFlag := fs.String("llm", "", "LLM for the cluster tool, as provider/model")
	embedFlag := fs.String("embed", "", "embedder for the cluster tool, as provider/model")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := common.resolve(config.ResolveOptions{
		CLILLM:   *llmFlag,
		CLIEmbed: *embedFlag,
	})
	if err != nil {
		return err
	}
	ds, err := openDataset(cfg)
	if err != nil {
		return err
	}
	defer ds.Close()

	serverCfg := mcp.ServerConfig{Dataset: ds, Version: version}
	// The cluster tool is optional; the server still serves selection and
	// stats when no embedder or LLM is configured.
	if cfg.Embed.Value != "" {
		embedder, provider, err := buildEnrichers(cfg)
		if err != nil {
			return err
		}
		serverCfg.Embedder = embedder
		serverCfg.Provider = provider
	}

	s := mcp.NewServer(serverCfg)
	return server.ServeStdio(s)
}

func printUsage() {
	fmt.Printf(`stratify %s — cluster and explore text datasets

Usage:
  stratify <command> [flags]

Commands:
  import <file>       Import rows from a JSON array or JSONL file
  select              Print rows as JSON lines
  stats <path>        Show non-null value count for a column
  cluster             Cluster a text column and title the clusters
  mcp                 Serve dataset tools over MCP stdio
  version             Print version

Common Flags:
  --config <path>     Config file (default ~/.stratify/config.yaml)
  --db <path>         Dataset database path

Cluster Flags:
  --input <path>      String column to cluster (required)
  --embed <p/m>       Embedder, e.g. ollama/nomic-embed-text or local/-
  --llm <p/m>         Titling LLM (default google/gemini-2.5-flash)
  --min-cluster-size  Minimum cluster size (default %d)
  --remote <url>      Cluster via a remote service
  --overwrite         Recompute every stage
  --recompute-titles  Regenerate titles only

Environment:
  STRATIFY_DATASET, STRATIFY_EMBED, STRATIFY_LLM override the config file;
  provider keys via GEMINI_API_KEY / OPENROUTER_API_KEY / OPENAI_API_KEY.
`, version, cluster.DefaultMinClusterSize)
}

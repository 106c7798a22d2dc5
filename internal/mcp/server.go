// Package mcp provides a Model Context Protocol server for stratify.
//
// It exposes dataset exploration (row selection, column statistics) and
// the clustering pipeline as MCP tools, and the dataset manifest as an
// MCP resource, over stdio transport.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"

	"github.com/hurttlocker/stratify/internal/cluster"
	"github.com/hurttlocker/stratify/internal/dataset"
	"github.com/hurttlocker/stratify/internal/embed"
	"github.com/hurttlocker/stratify/internal/llm"
	"github.com/hurttlocker/stratify/internal/schema"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	defaultSelectLimit = 20
	maxSelectLimit     = 500
)

// ServerConfig holds configuration for the MCP server.
type ServerConfig struct {
	Dataset  dataset.Dataset
	Version  string
	Embedder embed.Embedder // required for the cluster tool
	Provider llm.Provider   // required for the cluster tool
}

// dbMu serializes all MCP tool calls that touch the dataset.
// The mcp-go library dispatches handlers concurrently via goroutines,
// and the sqlite-backed dataset supports only one writer at a time. A
// global mutex ensures a cluster run completes before selections see
// its output.
var dbMu sync.Mutex

// NewServer creates a configured MCP server with all stratify tools and
// resources.
func NewServer(cfg ServerConfig) *server.MCPServer {
	ver := cfg.Version
	if ver == "" {
		ver = "dev"
	}

	s := server.NewMCPServer(
		"Stratify",
		ver,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(true, false),
	)

	s.AddTool(selectTool(), selectHandler(cfg.Dataset))
	s.AddTool(statsTool(), statsHandler(cfg.Dataset))
	s.AddTool(clusterTool(), clusterHandler(cfg))

	registerManifestResource(s, cfg.Dataset)

	return s
}

// --- Tools ---

func selectTool() mcp.Tool {
	return mcp.NewTool("stratify_select",
		mcp.WithDescription("Select rows from the dataset. Paths are dotted expressions with * for repeated elements (e.g. 'people.*.name'); omit paths to select all top-level columns."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("paths",
			mcp.Description("Comma-separated column paths. Empty = all top-level columns."),
		),
		mcp.WithBoolean("combine",
			mcp.Description("Merge selected columns back into nested row shape (default: false, flat columns)"),
		),
		mcp.WithNumber("offset",
			mcp.Description("Number of rows to skip (default: 0)"),
		),
		mcp.WithNumber("limit",
			mcp.Description(fmt.Sprintf("Maximum rows to return (default: %d, max: %d)", defaultSelectLimit, maxSelectLimit)),
		),
	)
}

func selectHandler(ds dataset.Dataset) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		opts := dataset.SelectOptions{Limit: defaultSelectLimit}

		if paths, err := req.RequireString("paths"); err == nil && paths != "" {
			cols, err := parseColumns(paths)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("invalid paths: %v", err)), nil
			}
			opts.Columns = cols
		}
		if combine, err := req.RequireBool("combine"); err == nil {
			opts.CombineColumns = combine
		}
		if off, err := req.RequireFloat("offset"); err == nil && off > 0 {
			opts.Offset = int(off)
		}
		if lim, err := req.RequireFloat("limit"); err == nil && lim > 0 {
			opts.Limit = int(lim)
			if opts.Limit > maxSelectLimit {
				opts.Limit = maxSelectLimit
			}
		}

		rows, err := ds.SelectRows(opts)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("select error: %v", err)), nil
		}
		items, err := rows.Collect()
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("select error: %v", err)), nil
		}
		lowered := make([]any, len(items))
		for i, item := range items {
			lowered[i] = schema.EncodeValue(item)
		}

		data, _ := json.MarshalIndent(lowered, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	}
}

func statsTool() mcp.Tool {
	return mcp.NewTool("stratify_stats",
		mcp.WithDescription("Get statistics for one dataset column: the count of non-null values at the path."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Dotted column path (e.g. 'text' or 'people.*.name')"),
		),
	)
}

func statsHandler(ds dataset.Dataset) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		pathStr, err := req.RequireString("path")
		if err != nil {
			return mcp.NewToolResultError("path is required"), nil
		}
		path, err := schema.ParsePath(pathStr)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid path: %v", err)), nil
		}

		stats, err := ds.Stats(path)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("stats error: %v", err)), nil
		}

		result := map[string]any{
			"path":        path.String(),
			"total_count": stats.TotalCount,
		}
		data, _ := json.MarshalIndent(result, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	}
}

func clusterTool() mcp.Tool {
	return mcp.NewTool("stratify_cluster",
		mcp.WithDescription("Cluster the text at a dataset path and title the clusters with an LLM. Writes results to a sibling '{name}__cluster' column. Completed stages are skipped on re-runs."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("input_path",
			mcp.Required(),
			mcp.Description("Dotted path of the string column to cluster"),
		),
		mcp.WithNumber("min_cluster_size",
			mcp.Description(fmt.Sprintf("Minimum cluster size (default: %d)", cluster.DefaultMinClusterSize)),
		),
		mcp.WithString("remote_url",
			mcp.Description("Cluster via a remote service at this URL instead of locally"),
		),
		mcp.WithBoolean("overwrite",
			mcp.Description("Recompute every stage even when its output exists (default: false)"),
		),
		mcp.WithBoolean("recompute_titles",
			mcp.Description("Regenerate cluster and category titles only (default: false)"),
		),
	)
}

func clusterHandler(cfg ServerConfig) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		if cfg.Embedder == nil || cfg.Provider == nil {
			return mcp.NewToolResultError("clustering is not configured: the server needs an embedder and an LLM provider"), nil
		}

		pathStr, err := req.RequireString("input_path")
		if err != nil {
			return mcp.NewToolResultError("input_path is required"), nil
		}
		inputPath, err := schema.ParsePath(pathStr)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid input_path: %v", err)), nil
		}

		opts := cluster.Options{InputPath: inputPath}
		if size, err := req.RequireFloat("min_cluster_size"); err == nil && size > 0 {
			opts.MinClusterSize = int(size)
		}
		if url, err := req.RequireString("remote_url"); err == nil && url != "" {
			opts.Remote = cluster.NewHTTPRemote(url, "")
		}
		if ow, err := req.RequireBool("overwrite"); err == nil {
			opts.Overwrite = ow
		}
		if rt, err := req.RequireBool("recompute_titles"); err == nil {
			opts.RecomputeTitles = rt
		}

		p := &cluster.Pipeline{
			Dataset:  cfg.Dataset,
			Embedder: cfg.Embedder,
			Provider: cfg.Provider,
			Rng:      rand.New(rand.NewSource(rand.Int63())),
		}
		if err := p.Run(ctx, opts); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("cluster error: %v", err)), nil
		}

		outPath := pathStr + cluster.FieldSuffix
		result := map[string]any{
			"output_path": outPath,
			"message":     fmt.Sprintf("Clustering complete; results written to %q", outPath),
		}
		data, _ := json.MarshalIndent(result, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	}
}

// --- Resources ---

func registerManifestResource(s *server.MCPServer, ds dataset.Dataset) {
	resource := mcp.NewResource(
		"stratify://manifest",
		"Dataset Manifest",
		mcp.WithResourceDescription("The dataset schema tree and row count."),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		m, err := ds.Manifest()
		if err != nil {
			return nil, fmt.Errorf("reading manifest: %w", err)
		}

		payload := map[string]any{
			"num_items": m.NumItems,
			"schema":    m.Schema,
		}
		data, _ := json.MarshalIndent(payload, "", "  ")
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(data),
			},
		}, nil
	})
}

// --- Helpers ---

func parseColumns(paths string) ([]dataset.Column, error) {
	var cols []dataset.Column
	for _, part := range strings.Split(paths, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		col, err := dataset.Col(part)
		if err != nil {
			return nil, err
		}
		cols = append(cols, col)
	}
	return cols, nil
}

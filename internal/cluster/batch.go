package cluster

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// RemoteClusterer ships a whole document batch to a remote clustering
// service and returns one assignment per document, positionally.
type RemoteClusterer interface {
	Cluster(ctx context.Context, docs []string) ([]Assignment, error)
}

// CompressDocs packs documents with msgpack and gzips the result, the
// wire form the remote clustering function accepts.
func CompressDocs(docs []string) ([]byte, error) {
	packed, err := msgpack.Marshal(docs)
	if err != nil {
		return nil, fmt.Errorf("packing documents: %w", err)
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(packed); err != nil {
		return nil, fmt.Errorf("compressing documents: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compressing documents: %w", err)
	}
	return buf.Bytes(), nil
}

// DecompressDocs is the inverse of CompressDocs.
func DecompressDocs(payload []byte) ([]string, error) {
	zr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("decompressing documents: %w", err)
	}
	defer zr.Close()
	packed, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompressing documents: %w", err)
	}
	var docs []string
	if err := msgpack.Unmarshal(packed, &docs); err != nil {
		return nil, fmt.Errorf("unpacking documents: %w", err)
	}
	return docs, nil
}

// HTTPRemote calls a remote clustering endpoint with a compressed batch
// and reads back a positional clusters list.
type HTTPRemote struct {
	URL    string
	APIKey string

	client http.Client
}

// NewHTTPRemote builds a remote clusterer for the endpoint.
func NewHTTPRemote(url, apiKey string) *HTTPRemote {
	return &HTTPRemote{
		URL:    url,
		APIKey: apiKey,
		client: http.Client{Timeout: 10 * time.Minute},
	}
}

type remoteResponse struct {
	Clusters []struct {
		ClusterID   int     `json:"cluster_id"`
		Probability float64 `json:"cluster_membership_prob"`
	} `json:"clusters"`
}

func (r *HTTPRemote) Cluster(ctx context.Context, docs []string) ([]Assignment, error) {
	payload, err := CompressDocs(docs)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", r.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Encoding", "gzip")
	if r.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.APIKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending batch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("remote clustering error (status %d): %s", resp.StatusCode, string(body))
	}

	var parsed remoteResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	if len(parsed.Clusters) != len(docs) {
		return nil, fmt.Errorf("remote returned %d clusters for %d documents", len(parsed.Clusters), len(docs))
	}
	assignments := make([]Assignment, len(parsed.Clusters))
	for i, c := range parsed.Clusters {
		assignments[i] = Assignment{ClusterID: c.ClusterID, Probability: c.Probability}
	}
	return assignments, nil
}

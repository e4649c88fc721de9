// Package metadataservice pushes per-VM metadata to the sidecar that serves
// it to the VMs themselves. Writes authenticate with the shared write token;
// reads are done by the VMs against the sidecar directly.
package metadataservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/go-logr/logr"

	"github.com/deNBI/simplevm-client/pkg/api"
	"github.com/deNBI/simplevm-client/pkg/config"
)

const requestTimeout = 30 * time.Second

// Client talks to the metadata sidecar.
type Client struct {
	log        logr.Logger
	baseURL    string
	writeToken string
	httpClient *http.Client
}

// New builds a sidecar client. The write token comes from the
// METADATA_WRITE_TOKEN environment variable.
func New(log logr.Logger, cfg *config.Metadata) (*Client, error) {
	token := os.Getenv("METADATA_WRITE_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("METADATA_WRITE_TOKEN not provided in env")
	}
	scheme := "http"
	if cfg.UseHTTPS {
		scheme = "https"
	}
	return &Client{
		log:        log.WithName("metadata"),
		baseURL:    fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port),
		writeToken: token,
		httpClient: &http.Client{Timeout: requestTimeout},
	}, nil
}

// Endpoint returns the base URL VMs use to fetch their own metadata.
func (c *Client) Endpoint() string { return c.baseURL + "/metadata" }

// Available reports whether the sidecar answers its health endpoint.
func (c *Client) Available(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Error(err, "metadata sidecar not reachable")
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// SetMetadata registers or replaces the metadata served for one VM, keyed by
// its fixed IP.
func (c *Client) SetMetadata(ctx context.Context, fixedIP string, metadata *api.ServerMetadata) error {
	payload, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata for %s: %w", fixedIP, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/metadata/"+fixedIP, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build metadata request for %s: %w", fixedIP, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Auth-Token", c.writeToken)
	return c.send(req, fixedIP)
}

// RemoveMetadata drops the metadata served for one VM.
func (c *Client) RemoveMetadata(ctx context.Context, fixedIP string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/metadata/"+fixedIP, nil)
	if err != nil {
		return fmt.Errorf("failed to build metadata request for %s: %w", fixedIP, err)
	}
	req.Header.Set("X-Auth-Token", c.writeToken)
	return c.send(req, fixedIP)
}

func (c *Client) send(req *http.Request, fixedIP string) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("metadata request for %s failed: %w", fixedIP, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("metadata request for %s failed with status %d: %s", fixedIP, resp.StatusCode, body)
	}
	return nil
}

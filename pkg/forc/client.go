// Package forc talks to the research environment proxy. Backends are
// deployed template instances routed by the proxy; templates themselves live
// in pkg/forc/template.
package forc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/deNBI/simplevm-client/pkg/api"
	"github.com/deNBI/simplevm-client/pkg/apierror"
	"github.com/deNBI/simplevm-client/pkg/config"
)

const requestTimeout = time.Minute

// Client is the proxy API client. All requests authenticate with the API key
// from the FORC_API_KEY environment variable.
type Client struct {
	log        logr.Logger
	backendURL string
	accessURL  string
	apiKey     string
	httpClient *http.Client
}

// New builds a proxy client.
func New(log logr.Logger, cfg *config.Forc) (*Client, error) {
	apiKey := os.Getenv("FORC_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("FORC_API_KEY not provided in env")
	}
	return &Client{
		log:        log.WithName("forc"),
		backendURL: strings.TrimSuffix(cfg.BackendURL, "/"),
		accessURL:  strings.TrimSuffix(cfg.AccessURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: requestTimeout},
	}, nil
}

// AccessURL returns the public base URL backends are reached under.
func (c *Client) AccessURL() string { return c.accessURL }

// BackendURL returns the base URL of the proxy API itself.
func (c *Client) BackendURL() string { return c.backendURL }

// CreateBackendParams is one backend deployment order.
type CreateBackendParams struct {
	Owner           string `json:"owner"`
	UserKeyURL      string `json:"user_key_url"`
	Template        string `json:"template"`
	TemplateVersion string `json:"template_version"`
	UpstreamURL     string `json:"upstream_url"`
}

// CreateBackend deploys a new backend at the proxy.
func (c *Client) CreateBackend(ctx context.Context, params CreateBackendParams) (*api.Backend, error) {
	backend := &api.Backend{}
	if err := c.do(ctx, http.MethodPost, "/backends", params, backend); err != nil {
		return nil, err
	}
	c.log.Info("backend created", "backend", backend.ID, "template", params.Template, "owner", params.Owner)
	return backend, nil
}

// GetBackends lists all backends.
func (c *Client) GetBackends(ctx context.Context) ([]*api.Backend, error) {
	var backends []*api.Backend
	if err := c.do(ctx, http.MethodGet, "/backends", nil, &backends); err != nil {
		return nil, err
	}
	return backends, nil
}

// GetBackendsByOwner lists the backends a user owns.
func (c *Client) GetBackendsByOwner(ctx context.Context, owner string) ([]*api.Backend, error) {
	var backends []*api.Backend
	if err := c.do(ctx, http.MethodGet, "/backends/byOwner/"+owner, nil, &backends); err != nil {
		return nil, err
	}
	return backends, nil
}

// GetBackendsByTemplate lists the backends deployed from a template.
func (c *Client) GetBackendsByTemplate(ctx context.Context, template string) ([]*api.Backend, error) {
	var backends []*api.Backend
	if err := c.do(ctx, http.MethodGet, "/backends/byTemplate/"+template, nil, &backends); err != nil {
		return nil, err
	}
	return backends, nil
}

// GetBackendByID returns one backend.
func (c *Client) GetBackendByID(ctx context.Context, backendID int64) (*api.Backend, error) {
	backend := &api.Backend{}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/backends/%d", backendID), nil, backend); err != nil {
		return nil, err
	}
	return backend, nil
}

// DeleteBackend removes a backend from the proxy.
func (c *Client) DeleteBackend(ctx context.Context, backendID int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/backends/%d", backendID), nil, nil)
}

// GetUsersFromBackend lists the users granted access to a backend.
func (c *Client) GetUsersFromBackend(ctx context.Context, backendID int64) ([]string, error) {
	var users []string
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/users/%d", backendID), nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// AddUserToBackend grants a user access to a backend.
func (c *Client) AddUserToBackend(ctx context.Context, backendID int64, user string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/users/%d", backendID), map[string]string{"user": user}, nil)
}

// RemoveUserFromBackend revokes a user's access to a backend.
func (c *Client) RemoveUserFromBackend(ctx context.Context, backendID int64, user string) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/users/%d", backendID), map[string]string{"user": user}, nil)
}

// HasTemplateVersion probes whether the proxy serves a template version.
func (c *Client) HasTemplateVersion(ctx context.Context, template, version string) (bool, error) {
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/templates/%s/%s", template, version), nil, nil)
	if err != nil {
		if apierror.IsKind(err, apierror.BackendNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request for %s: %w", path, err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.backendURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request for %s: %w", path, err)
	}
	req.Header.Set("X-API-KEY", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("proxy request %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return apierror.New(apierror.BackendNotFound, path, "not found at proxy")
	case resp.StatusCode >= 400:
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("proxy request %s %s failed with status %d: %s", method, path, resp.StatusCode, payload)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode proxy response for %s: %w", path, err)
	}
	return nil
}

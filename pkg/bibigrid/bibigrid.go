// Package bibigrid talks to the cluster provisioner's REST API. The client
// renders one configuration document per cluster request and forwards the
// provisioner's state, info and log endpoints unchanged.
package bibigrid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-logr/logr"

	"github.com/deNBI/simplevm-client/pkg/api"
	"github.com/deNBI/simplevm-client/pkg/apierror"
	"github.com/deNBI/simplevm-client/pkg/config"
)

const requestTimeout = 2 * time.Minute

// sshUser is the login user baked into every cluster image.
const sshUser = "ubuntu"

// waitForService is the boot-completion unit the provisioner waits for on
// every node before running its configuration.
const waitForService = "de.NBI_Bielefeld_environment.service"

// Client is the provisioner API client.
type Client struct {
	log        logr.Logger
	baseURL    string
	httpClient *http.Client
	cfg        *config.Bibigrid

	gatewayIP    string
	portFunction string
}

// New builds a provisioner client. portFunction is the SSH port expression
// shipped verbatim so the provisioner reaches nodes through the gateway.
func New(log logr.Logger, cfg *config.Config, portFunction string) *Client {
	scheme := "http"
	if cfg.Bibigrid.HTTPS {
		scheme = "https"
	}
	return &Client{
		log:          log.WithName("bibigrid"),
		baseURL:      fmt.Sprintf("%s://%s:%d/bibigrid", scheme, cfg.Bibigrid.Host, cfg.Bibigrid.Port),
		httpClient:   &http.Client{Timeout: requestTimeout},
		cfg:          &cfg.Bibigrid,
		gatewayIP:    cfg.OpenStack.GatewayIP,
		portFunction: portFunction,
	}
}

// ClusterRequest is one cluster start order from the portal.
type ClusterRequest struct {
	Master  api.ClusterInstance
	Workers []api.ClusterWorker
	SSHKey  string
	User    string
	Project string
}

type clusterConfiguration struct {
	Infrastructure        string                      `json:"infrastructure"`
	Cloud                 string                      `json:"cloud"`
	SSHTimeout            int                         `json:"sshTimeout"`
	Gateway               gatewayConfig               `json:"gateway"`
	MasterInstance        api.ClusterInstance         `json:"masterInstance"`
	WorkerInstances       []api.ClusterWorker         `json:"workerInstances"`
	SSHUser               string                      `json:"sshUser"`
	SSHPublicKeyFiles     []string                    `json:"sshPublicKeyFiles,omitempty"`
	Subnet                string                      `json:"subnet"`
	WaitForServices       []string                    `json:"waitForServices"`
	SecurityGroups        []string                    `json:"securityGroups"`
	UseMasterWithPublicIP bool                        `json:"useMasterWithPublicIp"`
	LocalDNSLookup        bool                        `json:"localDNSLookup"`
	AnsibleGalaxyRoles    []string                    `json:"ansibleGalaxyRoles,omitempty"`
	Meta                  api.ClusterInstanceMetadata `json:"meta"`
}

type gatewayConfig struct {
	IP           string `json:"ip"`
	PortFunction string `json:"portFunction"`
}

// StartCluster submits a cluster configuration and returns the provisioner's
// acknowledgement carrying the new cluster ID.
func (c *Client) StartCluster(ctx context.Context, req ClusterRequest) (*api.ClusterMessage, error) {
	for i := range req.Workers {
		// The portal never orders preemptible workers.
		req.Workers[i].OnDemand = false
	}
	var keyFiles []string
	if req.SSHKey != "" {
		keyFiles = []string{req.SSHKey}
	}
	body := map[string]any{
		"configurations": []clusterConfiguration{{
			Infrastructure:        "openstack",
			Cloud:                 "openstack",
			SSHTimeout:            30,
			Gateway:               gatewayConfig{IP: c.gatewayIP, PortFunction: c.portFunction},
			MasterInstance:        req.Master,
			WorkerInstances:       req.Workers,
			SSHUser:               sshUser,
			SSHPublicKeyFiles:     keyFiles,
			Subnet:                c.cfg.SubNetwork,
			WaitForServices:       []string{waitForService},
			SecurityGroups:        []string{"defaultSimpleVM"},
			UseMasterWithPublicIP: c.cfg.UseMasterWithPublicIP,
			LocalDNSLookup:        c.cfg.LocalDNSLookup,
			AnsibleGalaxyRoles:    c.cfg.AnsibleGalaxyRoles,
			Meta:                  api.ClusterInstanceMetadata{User: req.User, Project: req.Project},
		}},
	}
	msg := &api.ClusterMessage{}
	if err := c.do(ctx, http.MethodPost, "/create", body, msg); err != nil {
		return nil, err
	}
	c.log.Info("cluster requested", "cluster", msg.ClusterID, "user", req.User)
	return msg, nil
}

// TerminateCluster orders teardown of a cluster.
func (c *Client) TerminateCluster(ctx context.Context, clusterID string) (*api.ClusterMessage, error) {
	msg := &api.ClusterMessage{}
	body := map[string]string{"mode": "openstack"}
	if err := c.do(ctx, http.MethodDelete, "/terminate/"+clusterID, body, msg); err != nil {
		return nil, err
	}
	c.log.Info("cluster termination requested", "cluster", clusterID)
	return msg, nil
}

// GetClusterState returns the provisioner's state view of a cluster.
func (c *Client) GetClusterState(ctx context.Context, clusterID string) (*api.ClusterState, error) {
	state := &api.ClusterState{}
	if err := c.do(ctx, http.MethodGet, "/state/"+clusterID, nil, state); err != nil {
		return nil, err
	}
	state.ClusterID = clusterID
	return state, nil
}

// GetClusterInfo returns the provisioner's readiness view of a cluster.
func (c *Client) GetClusterInfo(ctx context.Context, clusterID string) (*api.ClusterInfo, error) {
	info := &api.ClusterInfo{}
	if err := c.do(ctx, http.MethodGet, "/info/"+clusterID, nil, info); err != nil {
		return nil, err
	}
	info.ClusterID = clusterID
	return info, nil
}

// GetClusterLog returns the full provisioner log of a cluster.
func (c *Client) GetClusterLog(ctx context.Context, clusterID string) (*api.ClusterLog, error) {
	logResp := &api.ClusterLog{}
	if err := c.do(ctx, http.MethodGet, "/log/"+clusterID, nil, logResp); err != nil {
		return nil, err
	}
	logResp.ClusterID = clusterID
	return logResp, nil
}

// SupportedOSVersions asks the provisioner which ubuntu versions its node
// requirements cover.
func (c *Client) SupportedOSVersions(ctx context.Context) ([]string, error) {
	var payload struct {
		CloudNodeRequirements struct {
			OSDistro struct {
				Ubuntu struct {
					OSVersions []string `json:"os_versions"`
				} `json:"ubuntu"`
			} `json:"os_distro"`
		} `json:"cloud_node_requirements"`
	}
	if err := c.do(ctx, http.MethodGet, "/requirements", nil, &payload); err != nil {
		return nil, err
	}
	return payload.CloudNodeRequirements.OSDistro.Ubuntu.OSVersions, nil
}

// Available reports whether the provisioner answers its requirements
// endpoint.
func (c *Client) Available(ctx context.Context) bool {
	if _, err := c.SupportedOSVersions(ctx); err != nil {
		c.log.Error(err, "provisioner not reachable")
		return false
	}
	return true
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
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request for %s: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("provisioner request %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return apierror.New(apierror.ClusterNotFound, path, "cluster not found")
	case resp.StatusCode >= 400:
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("provisioner request %s %s failed with status %d: %s", method, path, resp.StatusCode, payload)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode provisioner response for %s: %w", path, err)
	}
	return nil
}

// Package openstack wraps the compute, block storage, image and network
// services behind one connector. All SDK resources are converted at the
// boundary into the wire types of pkg/api; callers never see SDK structs.
package openstack

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gophercloud/gophercloud/v2"
	"github.com/gophercloud/gophercloud/v2/openstack"
	"github.com/gophercloud/gophercloud/v2/openstack/networking/v2/networks"

	"github.com/deNBI/simplevm-client/pkg/config"
	"github.com/deNBI/simplevm-client/pkg/portcalc"
)

// sshProbeTimeout bounds the TCP reachability check against the gateway.
const sshProbeTimeout = 5 * time.Second

// Connector talks to one OpenStack project. It is safe for concurrent use;
// the only internal synchronization is the per-name lock serializing security
// group creation.
type Connector struct {
	log logr.Logger

	compute *gophercloud.ServiceClient
	volume  *gophercloud.ServiceClient
	image   *gophercloud.ServiceClient
	network *gophercloud.ServiceClient

	cfg         *config.Config
	calc        *portcalc.Calculator
	projectName string
	projectID   string

	// networkID is the resolved ID of the configured project network.
	networkID string
	// defaultSecurityGroupID is the resolved ID of defaultSimpleVM.
	defaultSecurityGroupID string

	sgLocks *nameLocks
}

// New authenticates against keystone, builds the service clients and resolves
// the configured network and the defaultSimpleVM security group.
func New(ctx context.Context, log logr.Logger, cfg *config.Config, auth *config.Auth, calc *portcalc.Calculator) (*Connector, error) {
	provider, err := authenticate(ctx, auth)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate against %s: %w", auth.AuthURL, err)
	}

	endpointOpts := gophercloud.EndpointOpts{}
	compute, err := openstack.NewComputeV2(provider, endpointOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to build compute client: %w", err)
	}
	if cfg.OpenStack.ComputeAPIVersion != "" {
		compute.Microversion = cfg.OpenStack.ComputeAPIVersion
	}
	volume, err := openstack.NewBlockStorageV3(provider, endpointOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to build block storage client: %w", err)
	}
	image, err := openstack.NewImageV2(provider, endpointOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to build image client: %w", err)
	}
	network, err := openstack.NewNetworkV2(provider, endpointOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to build network client: %w", err)
	}

	c := &Connector{
		log:         log.WithName("openstack"),
		compute:     compute,
		volume:      volume,
		image:       image,
		network:     network,
		cfg:         cfg,
		calc:        calc,
		projectName: auth.ProjectName,
		projectID:   auth.ProjectID,
		sgLocks:     newNameLocks(),
	}

	if err := c.resolveNetwork(ctx); err != nil {
		return nil, err
	}
	if err := c.ensureDefaultSecurityGroup(ctx); err != nil {
		return nil, err
	}
	c.log.Info("connected", "network", cfg.OpenStack.Network, "networkID", c.networkID, "project", c.projectName)
	return c, nil
}

func authenticate(ctx context.Context, auth *config.Auth) (*gophercloud.ProviderClient, error) {
	ao := gophercloud.AuthOptions{
		IdentityEndpoint: auth.AuthURL,
		AllowReauth:      true,
	}
	if auth.UseApplicationCredentials {
		ao.ApplicationCredentialID = auth.ApplicationCredentialID
		ao.ApplicationCredentialSecret = auth.ApplicationCredentialSecret
	} else {
		ao.Username = auth.Username
		ao.Password = auth.Password
		ao.DomainName = auth.UserDomainName
		ao.Scope = &gophercloud.AuthScope{
			ProjectID: auth.ProjectID,
		}
	}
	return openstack.AuthenticatedClient(ctx, ao)
}

func (c *Connector) resolveNetwork(ctx context.Context) error {
	pages, err := networks.List(c.network, networks.ListOpts{Name: c.cfg.OpenStack.Network}).AllPages(ctx)
	if err != nil {
		return fmt.Errorf("failed to list networks: %w", err)
	}
	all, err := networks.ExtractNetworks(pages)
	if err != nil {
		return fmt.Errorf("failed to extract networks: %w", err)
	}
	if len(all) == 0 {
		return fmt.Errorf("network %q not found", c.cfg.OpenStack.Network)
	}
	c.networkID = all[0].ID
	return nil
}

// ProjectName returns the name of the project the connector is scoped to.
func (c *Connector) ProjectName() string { return c.projectName }

// ProbeSSH dials the gateway port mapped to the VM's fixed IP and reports
// whether an SSH daemon is reachable there.
func (c *Connector) ProbeSSH(fixedIP string) bool {
	port, _, err := c.calc.Ports(fixedIP)
	if err != nil {
		c.log.Error(err, "cannot compute gateway port", "fixedIP", fixedIP)
		return false
	}
	addr := net.JoinHostPort(c.cfg.OpenStack.GatewayIP, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, sshProbeTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func isNotFound(err error) bool {
	return gophercloud.ResponseCodeIs(err, http.StatusNotFound)
}

func isConflict(err error) bool {
	return gophercloud.ResponseCodeIs(err, http.StatusConflict)
}

// isQuotaExceeded matches the status codes the backends answer with when a
// request runs into a quota limit.
func isQuotaExceeded(err error) bool {
	return gophercloud.ResponseCodeIs(err, http.StatusForbidden) ||
		gophercloud.ResponseCodeIs(err, http.StatusRequestEntityTooLarge)
}

// nameLocks hands out one mutex per name so concurrent get-or-create calls
// for the same security group serialize without a global lock.
type nameLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newNameLocks() *nameLocks {
	return &nameLocks{locks: map[string]*sync.Mutex{}}
}

func (n *nameLocks) lock(name string) func() {
	n.mu.Lock()
	l, ok := n.locks[name]
	if !ok {
		l = &sync.Mutex{}
		n.locks[name] = l
	}
	n.mu.Unlock()
	l.Lock()
	return l.Unlock
}

package openstack

import (
	"context"
	"fmt"
	"slices"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/flavors"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/keypairs"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/remoteconsoles"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/servers"
	"github.com/gophercloud/gophercloud/v2/openstack/image/v2/images"

	"github.com/deNBI/simplevm-client/pkg/api"
	"github.com/deNBI/simplevm-client/pkg/apierror"
)

// StartServerParams collects everything a boot request carries.
type StartServerParams struct {
	FlavorName     string
	ImageName      string
	ServerName     string
	Metadata       map[string]string
	PublicKey      string
	AdditionalKeys []string
	Volumes        []api.VolumeMount
	SlurmVersion   string
	ResearchEnvSG  *ResearchEnvironmentSecurityGroup

	// AdditionalSecurityGroupIDs are attached on top of the default,
	// project and research environment groups.
	AdditionalSecurityGroupIDs []string
	// ExtraScript is appended to the boot userdata.
	ExtraScript string

	MetadataToken    string
	MetadataEndpoint string
}

// StartServer boots a VM with the user's public key injected. The keypair is
// registered only for the boot and removed again once the server exists.
func (c *Connector) StartServer(ctx context.Context, params StartServerParams) (string, error) {
	keyName := c.keypairName(params.ServerName)
	if err := c.ImportKeypair(ctx, keyName, params.PublicKey); err != nil {
		return "", err
	}
	defer func() {
		if err := c.DeleteKeypair(context.WithoutCancel(ctx), keyName); err != nil {
			c.log.Error(err, "failed to remove boot keypair", "keypair", keyName)
		}
	}()
	return c.bootServer(ctx, params, keyName)
}

// StartServerWithCustomKey boots a VM with a backend-generated keypair and
// returns its private key alongside the server ID. The keypair stays
// registered; the post-boot pipeline replaces and removes it.
func (c *Connector) StartServerWithCustomKey(ctx context.Context, params StartServerParams) (serverID, keyName, privateKey string, err error) {
	keyName = c.keypairName(params.ServerName)
	privateKey, err = c.CreateKeypair(ctx, keyName)
	if err != nil {
		return "", "", "", err
	}
	serverID, err = c.bootServer(ctx, params, keyName)
	if err != nil {
		if cleanupErr := c.DeleteKeypair(context.WithoutCancel(ctx), keyName); cleanupErr != nil {
			c.log.Error(cleanupErr, "failed to remove keypair after boot failure", "keypair", keyName)
		}
		return "", "", "", err
	}
	return serverID, keyName, privateKey, nil
}

func (c *Connector) bootServer(ctx context.Context, params StartServerParams, keyName string) (string, error) {
	img, err := c.ResolveImage(ctx, ImageLookup{
		NameOrID:        params.ImageName,
		ReplaceInactive: true,
		ReplaceNotFound: true,
		SlurmVersion:    params.SlurmVersion,
	})
	if err != nil {
		return "", err
	}
	flavor, err := c.flavorByNameOrID(ctx, params.FlavorName)
	if err != nil {
		return "", err
	}
	projectSG, err := c.GetOrCreateProjectSecurityGroup(ctx, c.projectName, c.projectID)
	if err != nil {
		return "", err
	}
	securityGroups := []string{c.defaultSecurityGroupID, projectSG}
	if params.ResearchEnvSG != nil {
		resenvSG, err := c.EnsureResearchEnvironmentSecurityGroup(ctx, *params.ResearchEnvSG)
		if err != nil {
			return "", err
		}
		securityGroups = append(securityGroups, resenvSG)
	}
	securityGroups = append(securityGroups, params.AdditionalSecurityGroupIDs...)

	userdata := ComposeUserdata(UserdataParams{
		AdditionalKeys:   params.AdditionalKeys,
		Volumes:          params.Volumes,
		MetadataToken:    params.MetadataToken,
		MetadataEndpoint: params.MetadataEndpoint,
		ExtraScript:      params.ExtraScript,
	})

	createOpts := servers.CreateOpts{
		Name:           params.ServerName,
		ImageRef:       img.ID,
		FlavorRef:      flavor.ID,
		Networks:       []servers.Network{{UUID: c.networkID}},
		SecurityGroups: securityGroups,
		Metadata:       params.Metadata,
		UserData:       userdata,
	}
	srv, err := servers.Create(ctx, c.compute, keypairs.CreateOptsExt{
		CreateOptsBuilder: createOpts,
		KeyName:           keyName,
	}, nil).Extract()
	if err != nil {
		return "", fmt.Errorf("failed to boot server %s: %w", params.ServerName, err)
	}
	c.log.Info("server booting", "server", srv.ID, "name", params.ServerName, "image", img.Name, "flavor", flavor.Name)
	if len(params.Volumes) > 0 {
		if err := c.attachBootVolumes(ctx, srv.ID, params.Volumes); err != nil {
			return "", err
		}
	}
	return srv.ID, nil
}

// attachBootVolumes attaches the requested volumes once the new server leaves
// the build phase. The mount script in the userdata waits for the devices, so
// the attachments have to happen or the boot never finishes.
func (c *Connector) attachBootVolumes(ctx context.Context, serverID string, mounts []api.VolumeMount) error {
	err := wait.PollUntilContextTimeout(ctx, 5*time.Second, 10*time.Minute, true, func(ctx context.Context) (bool, error) {
		srv, err := c.getServer(ctx, serverID)
		if err != nil {
			return false, err
		}
		return acceptsAttachments(serverID, srv.Status)
	})
	if err != nil {
		return fmt.Errorf("waiting for server %s to accept volume attachments: %w", serverID, err)
	}
	for _, mount := range mounts {
		if _, err := c.AttachVolume(ctx, serverID, mount.OpenstackID); err != nil {
			return err
		}
	}
	return nil
}

// acceptsAttachments decides whether a freshly booted server can take volume
// attachments. A server still building is retried, one in ERROR never will.
func acceptsAttachments(serverID, status string) (bool, error) {
	switch status {
	case "ERROR":
		return false, apierror.New(apierror.Default, serverID, "server entered ERROR state before volumes could be attached")
	case "BUILD":
		return false, nil
	default:
		return true, nil
	}
}

// clusterMachineUserdata disables unattended upgrades on cluster workers so
// the provisioner's package installs never race apt.
const clusterMachineUserdata = `#!/bin/bash
sed -i 's/APT::Periodic::Unattended-Upgrade "1"/APT::Periodic::Unattended-Upgrade "0"/' /etc/apt/apt.conf.d/20auto-upgrades
systemctl stop unattended-upgrades.service
`

// AddClusterMachine boots one additional worker into an existing cluster,
// tagged with the cluster ID so the machine is found again by it.
func (c *Connector) AddClusterMachine(ctx context.Context, clusterID, keyName, imageName, flavorName, name, batchIndex, workerIndex string) (string, error) {
	img, err := c.ResolveImage(ctx, ImageLookup{NameOrID: imageName, ReplaceInactive: true, ReplaceNotFound: true})
	if err != nil {
		return "", err
	}
	flavor, err := c.flavorByNameOrID(ctx, flavorName)
	if err != nil {
		return "", err
	}
	createOpts := servers.CreateOpts{
		Name:      name,
		ImageRef:  img.ID,
		FlavorRef: flavor.ID,
		Networks:  []servers.Network{{UUID: c.networkID}},
		Metadata: map[string]string{
			"bibigrid_id":  clusterID,
			"batch_index":  batchIndex,
			"worker_index": workerIndex,
		},
		SecurityGroups: []string{c.defaultSecurityGroupID},
		UserData:       []byte(clusterMachineUserdata),
	}
	srv, err := servers.Create(ctx, c.compute, keypairs.CreateOptsExt{
		CreateOptsBuilder: createOpts,
		KeyName:           keyName,
	}, nil).Extract()
	if err != nil {
		return "", fmt.Errorf("failed to boot cluster machine %s: %w", name, err)
	}
	c.log.Info("cluster machine booting", "server", srv.ID, "cluster", clusterID)
	return srv.ID, nil
}

// GetServer returns one VM with its flavor and image resolved. When the
// backend reports it active but its gateway SSH port does not answer, the
// task state is set to checking_ssh_connection so pollers keep waiting.
func (c *Connector) GetServer(ctx context.Context, serverID string) (*api.VM, error) {
	srv, err := c.getServer(ctx, serverID)
	if err != nil {
		if apierror.IsKind(err, apierror.ServerNotFound) {
			return api.NotFoundServer(), nil
		}
		return nil, err
	}
	vm := c.toVM(ctx, srv)
	if vm.VMState == api.VMStateActive && vm.TaskState == "" && vm.FixedIP != "" && !c.ProbeSSH(vm.FixedIP) {
		vm.TaskState = api.TaskStateCheckingSSH
	}
	return vm, nil
}

// GetServers lists the project's VMs.
func (c *Connector) GetServers(ctx context.Context) ([]*api.VM, error) {
	all, err := c.listServers(ctx, servers.ListOpts{})
	if err != nil {
		return nil, err
	}
	out := make([]*api.VM, 0, len(all))
	for i := range all {
		out = append(out, c.toVM(ctx, &all[i]))
	}
	return out, nil
}

// GetServersByIDs resolves a batch of VMs; unknown IDs yield not_found stubs
// so the response stays positional.
func (c *Connector) GetServersByIDs(ctx context.Context, serverIDs []string) ([]*api.VM, error) {
	out := make([]*api.VM, 0, len(serverIDs))
	for _, id := range serverIDs {
		srv, err := c.getServer(ctx, id)
		if err != nil {
			if apierror.IsKind(err, apierror.ServerNotFound) {
				out = append(out, api.NotFoundServer())
				continue
			}
			return nil, err
		}
		out = append(out, c.toVM(ctx, srv))
	}
	return out, nil
}

// GetServersByClusterID lists the machines tagged with a cluster ID.
func (c *Connector) GetServersByClusterID(ctx context.Context, clusterID string) ([]*api.VM, error) {
	all, err := c.listServers(ctx, servers.ListOpts{})
	if err != nil {
		return nil, err
	}
	out := []*api.VM{}
	for i := range all {
		if all[i].Metadata["bibigrid_id"] == clusterID {
			out = append(out, c.toVM(ctx, &all[i]))
		}
	}
	return out, nil
}

// GetServerByUniqueName finds the single VM carrying a unique name, used for
// cluster masters named after their cluster. More than one match means the
// name is not unique and the caller cannot trust either VM.
func (c *Connector) GetServerByUniqueName(ctx context.Context, name string) (*api.VM, error) {
	all, err := c.listServers(ctx, servers.ListOpts{Name: name})
	if err != nil {
		return nil, err
	}
	var match *servers.Server
	for i := range all {
		if all[i].Name != name {
			continue
		}
		if match != nil {
			return nil, apierror.New(apierror.Default, name, "more than one server carries this name")
		}
		match = &all[i]
	}
	if match == nil {
		return nil, apierror.New(apierror.ServerNotFound, name, "no server with unique name")
	}
	return c.toVM(ctx, match), nil
}

// ExistServer reports whether any VM carries the given name.
func (c *Connector) ExistServer(ctx context.Context, name string) (bool, error) {
	all, err := c.listServers(ctx, servers.ListOpts{Name: name})
	if err != nil {
		return false, err
	}
	for i := range all {
		if all[i].Name == name {
			return true, nil
		}
	}
	return false, nil
}

// DeleteServer removes a VM and cleans up its private security groups. While
// a snapshot of the VM is being captured the request is refused with a
// conflict; callers retry after the snapshot settles.
func (c *Connector) DeleteServer(ctx context.Context, serverID string) error {
	srv, err := c.getServer(ctx, serverID)
	if err != nil {
		if apierror.IsKind(err, apierror.ServerNotFound) {
			return nil
		}
		return err
	}
	if slices.Contains(api.SnapshotTaskStates, srv.TaskState) {
		return apierror.New(apierror.OpenStackConflict, serverID, "server is in task state %s, deletion would corrupt the snapshot", srv.TaskState)
	}
	c.cleanupServerSecurityGroups(ctx, srv)
	if err := servers.Delete(ctx, c.compute, serverID).ExtractErr(); err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete server %s: %w", serverID, err)
	}
	c.log.Info("server deleted", "server", serverID, "name", srv.Name)
	return nil
}

// RebootServer reboots a VM; hard forces a power cycle.
func (c *Connector) RebootServer(ctx context.Context, serverID string, hard bool) error {
	how := servers.SoftReboot
	if hard {
		how = servers.HardReboot
	}
	err := servers.Reboot(ctx, c.compute, serverID, servers.RebootOpts{Type: how}).ExtractErr()
	return c.actionErr("reboot", serverID, err)
}

// StopServer powers a VM off.
func (c *Connector) StopServer(ctx context.Context, serverID string) error {
	return c.actionErr("stop", serverID, servers.Stop(ctx, c.compute, serverID).ExtractErr())
}

// ResumeServer powers a stopped VM back on.
func (c *Connector) ResumeServer(ctx context.Context, serverID string) error {
	return c.actionErr("resume", serverID, servers.Start(ctx, c.compute, serverID).ExtractErr())
}

// RescueServer reboots a VM into the rescue image and returns the temporary
// admin password. adminPass and rescueImageRef are optional; the backend
// picks defaults when they are empty.
func (c *Connector) RescueServer(ctx context.Context, serverID, adminPass, rescueImageRef string) (string, error) {
	password, err := servers.Rescue(ctx, c.compute, serverID, servers.RescueOpts{
		AdminPass:      adminPass,
		RescueImageRef: rescueImageRef,
	}).Extract()
	if err != nil {
		return "", c.actionErr("rescue", serverID, err)
	}
	return password, nil
}

// UnrescueServer returns a rescued VM to normal operation.
func (c *Connector) UnrescueServer(ctx context.Context, serverID string) error {
	return c.actionErr("unrescue", serverID, servers.Unrescue(ctx, c.compute, serverID).ExtractErr())
}

// GetServerConsole returns a browser console URL for a VM.
func (c *Connector) GetServerConsole(ctx context.Context, serverID string) (string, error) {
	console, err := remoteconsoles.Create(ctx, c.compute, serverID, remoteconsoles.CreateOpts{
		Protocol: remoteconsoles.ConsoleProtocolVNC,
		Type:     remoteconsoles.ConsoleTypeNoVNC,
	}).Extract()
	if err != nil {
		return "", c.actionErr("open console for", serverID, err)
	}
	return console.URL, nil
}

// SetServerMetadata merges key/value pairs into a VM's metadata.
func (c *Connector) SetServerMetadata(ctx context.Context, serverID string, metadata map[string]string) error {
	_, err := servers.UpdateMetadata(ctx, c.compute, serverID, servers.MetadataOpts(metadata)).Extract()
	return c.actionErr("update metadata of", serverID, err)
}

func (c *Connector) actionErr(action, serverID string, err error) error {
	switch {
	case err == nil:
		return nil
	case isNotFound(err):
		return apierror.New(apierror.ServerNotFound, serverID, "server not found")
	case isConflict(err):
		return apierror.Wrap(apierror.OpenStackConflict, serverID, err)
	default:
		return fmt.Errorf("failed to %s server %s: %w", action, serverID, err)
	}
}

func (c *Connector) getServer(ctx context.Context, serverID string) (*servers.Server, error) {
	srv, err := servers.Get(ctx, c.compute, serverID).Extract()
	if err != nil {
		if isNotFound(err) {
			return nil, apierror.New(apierror.ServerNotFound, serverID, "server not found")
		}
		return nil, fmt.Errorf("failed to get server %s: %w", serverID, err)
	}
	return srv, nil
}

func (c *Connector) listServers(ctx context.Context, opts servers.ListOpts) ([]servers.Server, error) {
	pages, err := servers.List(c.compute, opts).AllPages(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	all, err := servers.ExtractServers(pages)
	if err != nil {
		return nil, fmt.Errorf("failed to extract servers: %w", err)
	}
	return all, nil
}

// toVM converts a server, resolving its flavor and image references. Lookup
// failures degrade to a VM without the embedded resource rather than failing
// the whole call.
func (c *Connector) toVM(ctx context.Context, srv *servers.Server) *api.VM {
	var flavor *api.Flavor
	if id, _ := srv.Flavor["id"].(string); id != "" {
		full, err := flavors.Get(ctx, c.compute, id).Extract()
		if err != nil {
			c.log.Error(err, "failed to resolve server flavor", "server", srv.ID, "flavor", id)
		} else {
			flavor = api.FromFlavor(full)
		}
	}
	var image *api.Image
	if id, _ := srv.Image["id"].(string); id != "" {
		full, err := images.Get(ctx, c.image, id).Extract()
		if err != nil {
			c.log.Error(err, "failed to resolve server image", "server", srv.ID, "image", id)
		} else {
			image = api.FromImage(full)
		}
	}
	return api.FromServer(srv, flavor, image, "")
}

// flavorByNameOrID resolves a flavor reference, trying the ID first and then
// scanning by name.
func (c *Connector) flavorByNameOrID(ctx context.Context, nameOrID string) (*flavors.Flavor, error) {
	flavor, err := flavors.Get(ctx, c.compute, nameOrID).Extract()
	if err == nil {
		return flavor, nil
	}
	if !isNotFound(err) {
		return nil, fmt.Errorf("failed to get flavor %s: %w", nameOrID, err)
	}
	all, err := c.listFlavors(ctx)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].Name == nameOrID {
			return &all[i], nil
		}
	}
	return nil, apierror.New(apierror.FlavorNotFound, nameOrID, "flavor not found")
}

// GetFlavor resolves one flavor for the RPC surface.
func (c *Connector) GetFlavor(ctx context.Context, nameOrID string) (*api.Flavor, error) {
	flavor, err := c.flavorByNameOrID(ctx, nameOrID)
	if err != nil {
		return nil, err
	}
	return api.FromFlavor(flavor), nil
}

// GetFlavors lists the project's flavors.
func (c *Connector) GetFlavors(ctx context.Context) ([]*api.Flavor, error) {
	all, err := c.listFlavors(ctx)
	if err != nil {
		return nil, err
	}
	return api.FromFlavors(all), nil
}

func (c *Connector) listFlavors(ctx context.Context) ([]flavors.Flavor, error) {
	pages, err := flavors.ListDetail(c.compute, flavors.ListOpts{}).AllPages(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list flavors: %w", err)
	}
	all, err := flavors.ExtractFlavors(pages)
	if err != nil {
		return nil, fmt.Errorf("failed to extract flavors: %w", err)
	}
	return all, nil
}

// GatewayIP returns the public gateway address and, from the configured
// expressions, the SSH port function shipped to portal clients.
func (c *Connector) GatewayIP() string { return c.cfg.OpenStack.GatewayIP }

// VMPorts returns the gateway SSH and UDP ports mapped to a VM's fixed IP.
func (c *Connector) VMPorts(ctx context.Context, serverID string) (ssh, udp int, err error) {
	vm, err := c.GetServer(ctx, serverID)
	if err != nil {
		return 0, 0, err
	}
	if vm.VMState == api.VMStateNotFound || vm.FixedIP == "" {
		return 0, 0, apierror.New(apierror.ServerNotFound, serverID, "server has no fixed IP")
	}
	return c.calc.Ports(vm.FixedIP)
}

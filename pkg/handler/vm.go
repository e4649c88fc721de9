package handler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/deNBI/simplevm-client/pkg/api"
	"github.com/deNBI/simplevm-client/pkg/apierror"
	"github.com/deNBI/simplevm-client/pkg/forc/playbook"
	"github.com/deNBI/simplevm-client/pkg/kvstore"
	"github.com/deNBI/simplevm-client/pkg/openstack"
)

// catalogWait bounds how long a deploy request waits for a running catalog
// update before giving up.
const (
	catalogWaitInterval = time.Minute
	catalogWaitTimeout  = 5 * time.Minute
)

// StartVMParams is one boot order from the portal.
type StartVMParams struct {
	FlavorName     string
	ImageName      string
	ServerName     string
	Metadata       map[string]string
	PublicKey      string
	AdditionalKeys []string
	Volumes        []api.VolumeMount
	SlurmVersion   string

	// AdditionalSecurityGroupIDs are attached on top of the groups every
	// VM gets.
	AdditionalSecurityGroupIDs []string
	// ExtraScript is appended to the boot userdata.
	ExtraScript string

	// ResearchEnvironment optionally names a catalog template whose
	// security group the VM boots with.
	ResearchEnvironment string
}

// StartServer boots a VM with the user's own public key. No playbook runs;
// the VM is ready once the backend reports it active.
func (h *Handler) StartServer(ctx context.Context, params StartVMParams) (string, error) {
	bootParams, err := h.bootParams(params)
	if err != nil {
		return "", err
	}
	return h.cloud.StartServer(ctx, bootParams)
}

// StartServerWithPlaybook boots a VM with a generated keypair and records it
// in the pipeline. The portal follows up with CreateAndDeployPlaybook once
// the VM answers on its gateway port.
func (h *Handler) StartServerWithPlaybook(ctx context.Context, params StartVMParams) (string, error) {
	bootParams, err := h.bootParams(params)
	if err != nil {
		return "", err
	}
	serverID, keyName, privateKey, err := h.cloud.StartServerWithCustomKey(ctx, bootParams)
	if err != nil {
		return "", err
	}
	err = h.store.Put(ctx, serverID, kvstore.Record{
		PrivateKey:  privateKey,
		KeypairName: keyName,
		Status:      api.TaskStatePreparePlaybook,
	})
	if err != nil {
		return "", err
	}
	return serverID, nil
}

func (h *Handler) bootParams(params StartVMParams) (openstack.StartServerParams, error) {
	boot := openstack.StartServerParams{
		FlavorName:                 params.FlavorName,
		ImageName:                  params.ImageName,
		ServerName:                 params.ServerName,
		Metadata:                   params.Metadata,
		PublicKey:                  params.PublicKey,
		AdditionalKeys:             params.AdditionalKeys,
		Volumes:                    params.Volumes,
		SlurmVersion:               params.SlurmVersion,
		AdditionalSecurityGroupIDs: params.AdditionalSecurityGroupIDs,
		ExtraScript:                params.ExtraScript,
	}
	if params.ResearchEnvironment != "" {
		if h.catalog == nil {
			return openstack.StartServerParams{}, apierror.New(apierror.ResourceNotAvailable, "forc", "research environment support is not activated")
		}
		entry, err := h.catalog.Get(params.ResearchEnvironment)
		if err != nil {
			return openstack.StartServerParams{}, err
		}
		meta := entry.Metadata
		if meta.SecurityGroupName != "" {
			boot.ResearchEnvSG = &openstack.ResearchEnvironmentSecurityGroup{
				Name:        meta.SecurityGroupName,
				Description: meta.SecurityGroupDescription,
				Port:        meta.Port,
				Protocol:    meta.Protocol,
			}
		}
	}
	if h.metadata != nil {
		if boot.Metadata == nil {
			boot.Metadata = map[string]string{}
		}
		token := uuid.NewString()
		boot.Metadata["access_token"] = token
		boot.MetadataToken = token
		boot.MetadataEndpoint = h.metadata.Endpoint()
	}
	return boot, nil
}

// DeployPlaybookParams describes the post-boot provisioning of one VM.
type DeployPlaybookParams struct {
	VMID          string
	PublicKey     string
	CondaPackages []api.CondaPackage
	AptPackages   []string

	ResearchEnvironment        string
	ResearchEnvironmentVersion string
	CreateOnlyBackend          bool
	BaseURL                    string
}

// CreateAndDeployPlaybook starts the post-boot playbook of a VM. While the
// template catalog is updating the request waits; when the catalog never
// goes idle the pipeline is marked failed.
func (h *Handler) CreateAndDeployPlaybook(ctx context.Context, params DeployPlaybookParams) error {
	if h.playbooks == nil {
		return apierror.New(apierror.ResourceNotAvailable, "playbooks", "playbook support is not activated")
	}
	if err := h.waitForCatalogIdle(ctx); err != nil {
		if statusErr := h.store.SetStatus(ctx, params.VMID, api.TaskStatePlaybookFailed); statusErr != nil {
			h.log.Error(statusErr, "failed to mark pipeline failed", "vm", params.VMID)
		}
		return err
	}

	record, found, err := h.store.Get(ctx, params.VMID)
	if err != nil {
		return err
	}
	if !found {
		return apierror.New(apierror.PlaybookNotFound, params.VMID, "VM is not in the provisioning pipeline")
	}
	vm, err := h.cloud.GetServer(ctx, params.VMID)
	if err != nil {
		return err
	}
	if vm.VMState == api.VMStateNotFound {
		return apierror.New(apierror.ServerNotFound, params.VMID, "server not found")
	}
	sshPort, _, err := h.calc.Ports(vm.FixedIP)
	if err != nil {
		return err
	}
	if params.ResearchEnvironment != "" {
		if !h.catalog.HasVersion(params.ResearchEnvironment, params.ResearchEnvironmentVersion) {
			return apierror.New(apierror.TemplateNotFound, params.ResearchEnvironment,
				"version %s is not served", params.ResearchEnvironmentVersion)
		}
	}
	h.registerMetadata(ctx, vm)

	return h.playbooks.Run(ctx, playbook.Params{
		VMID:                       params.VMID,
		IP:                         h.cfg.GatewayOrInternal(),
		Port:                       sshPort,
		PrivateKey:                 record.PrivateKey,
		PublicKey:                  params.PublicKey,
		CondaPackages:              params.CondaPackages,
		AptPackages:                params.AptPackages,
		ResearchEnvironment:        params.ResearchEnvironment,
		ResearchEnvironmentVersion: params.ResearchEnvironmentVersion,
		CreateOnlyBackend:          params.CreateOnlyBackend,
		BaseURL:                    params.BaseURL,
		CloudSite:                  h.cfg.OpenStack.CloudSite,
	})
}

func (h *Handler) waitForCatalogIdle(ctx context.Context) error {
	if h.catalog == nil || !h.catalog.Updating() {
		return nil
	}
	h.log.Info("catalog update in progress, deferring playbook deploy")
	return wait.PollUntilContextTimeout(ctx, catalogWaitInterval, catalogWaitTimeout, true,
		func(context.Context) (bool, error) {
			return !h.catalog.Updating(), nil
		})
}

// registerMetadata pushes the VM's metadata to the sidecar, keyed by its
// fixed IP. Best effort: a sidecar outage does not block provisioning.
func (h *Handler) registerMetadata(ctx context.Context, vm *api.VM) {
	if h.metadata == nil || vm.FixedIP == "" {
		return
	}
	err := h.metadata.SetMetadata(ctx, vm.FixedIP, &api.ServerMetadata{
		IP:          vm.FixedIP,
		Name:        vm.Name,
		ProjectName: h.cloud.ProjectName(),
		ProjectID:   vm.ProjectID,
		Metadata:    vm.Metadata,
	})
	if err != nil {
		h.log.Error(err, "failed to register VM metadata", "vm", vm.OpenstackID)
	}
}

// GetServer returns one VM with the pipeline status overlaid: when the
// backend reports no task of its own, the KV store's pipeline state is the
// task state the portal sees.
func (h *Handler) GetServer(ctx context.Context, serverID string) (*api.VM, error) {
	vm, err := h.cloud.GetServer(ctx, serverID)
	if err != nil {
		return nil, err
	}
	if vm.TaskState == "" {
		status, err := h.store.GetStatus(ctx, serverID)
		if err != nil {
			return nil, err
		}
		vm.TaskState = status
	}
	return vm, nil
}

// GetPlaybookStatus polls the pipeline state of a VM and finalizes the
// outcome: once the playbook has finished its terminal status is recorded on
// the returned VM.
func (h *Handler) GetPlaybookStatus(ctx context.Context, serverID string) (*api.VM, error) {
	return h.GetServer(ctx, serverID)
}

// GetPlaybookLogs returns the playbook output of a VM. Reading a finished
// run consumes the stashed logs.
func (h *Handler) GetPlaybookLogs(ctx context.Context, serverID string) (*api.PlaybookResult, error) {
	if h.playbooks == nil {
		return nil, apierror.New(apierror.ResourceNotAvailable, "playbooks", "playbook support is not activated")
	}
	result, err := h.playbooks.Logs(ctx, serverID)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// StopPlaybook kills the running playbook of a VM; the outcome is recorded
// as failed.
func (h *Handler) StopPlaybook(serverID string) {
	if h.playbooks != nil {
		h.playbooks.Stop(serverID)
	}
}

// DeleteServer removes a VM along with its pipeline record, its playbook and
// its sidecar metadata.
func (h *Handler) DeleteServer(ctx context.Context, serverID string) error {
	vm, err := h.cloud.GetServer(ctx, serverID)
	if err != nil {
		return err
	}
	if h.playbooks != nil {
		h.playbooks.Stop(serverID)
	}
	if err := h.cloud.DeleteServer(ctx, serverID); err != nil {
		return err
	}
	if h.metadata != nil && vm.FixedIP != "" {
		if err := h.metadata.RemoveMetadata(ctx, vm.FixedIP); err != nil {
			h.log.Error(err, "failed to remove VM metadata", "vm", serverID)
		}
	}
	if err := h.store.Delete(ctx, serverID); err != nil {
		h.log.Error(err, "failed to drop pipeline record", "vm", serverID)
	}
	return nil
}

// GetVMPorts returns the gateway SSH and UDP ports of a VM.
func (h *Handler) GetVMPorts(ctx context.Context, serverID string) (map[string]int, error) {
	ssh, udp, err := h.cloud.VMPorts(ctx, serverID)
	if err != nil {
		return nil, err
	}
	return map[string]int{"port": ssh, "udp": udp}, nil
}

package handler

// Plain pass-through operations: the connector already speaks in wire types,
// so nothing needs orchestration here.

import (
	"context"

	"github.com/deNBI/simplevm-client/pkg/api"
	"github.com/deNBI/simplevm-client/pkg/apierror"
)

func (h *Handler) GetImages(ctx context.Context) ([]*api.Image, error) {
	return h.cloud.GetImages(ctx)
}

func (h *Handler) GetImage(ctx context.Context, nameOrID string, ignoreNotActive bool) (*api.Image, error) {
	return h.cloud.GetImage(ctx, nameOrID, ignoreNotActive)
}

func (h *Handler) GetPublicImages(ctx context.Context) ([]*api.Image, error) {
	return h.cloud.GetPublicImages(ctx)
}

func (h *Handler) GetPrivateImages(ctx context.Context) ([]*api.Image, error) {
	return h.cloud.GetPrivateImages(ctx)
}

func (h *Handler) DeleteImage(ctx context.Context, imageID string) error {
	return h.cloud.DeleteImage(ctx, imageID)
}

func (h *Handler) CreateSnapshot(ctx context.Context, serverID, name, username, baseTag string, tags []string) (string, error) {
	return h.cloud.CreateSnapshot(ctx, serverID, name, username, baseTag, tags)
}

func (h *Handler) GetFlavors(ctx context.Context) ([]*api.Flavor, error) {
	return h.cloud.GetFlavors(ctx)
}

func (h *Handler) GetFlavor(ctx context.Context, nameOrID string) (*api.Flavor, error) {
	return h.cloud.GetFlavor(ctx, nameOrID)
}

func (h *Handler) GetVolume(ctx context.Context, volumeID string) (*api.Volume, error) {
	return h.cloud.GetVolume(ctx, volumeID)
}

func (h *Handler) GetVolumesByIDs(ctx context.Context, volumeIDs []string) ([]*api.Volume, error) {
	return h.cloud.GetVolumesByIDs(ctx, volumeIDs)
}

func (h *Handler) CreateVolume(ctx context.Context, name string, size int, metadata map[string]string) (*api.Volume, error) {
	return h.cloud.CreateVolume(ctx, name, size, metadata)
}

func (h *Handler) CreateVolumeBySnapshot(ctx context.Context, name, snapshotID string, metadata map[string]string) (*api.Volume, error) {
	return h.cloud.CreateVolumeBySnapshot(ctx, name, snapshotID, metadata)
}

func (h *Handler) DeleteVolume(ctx context.Context, volumeID string) error {
	return h.cloud.DeleteVolume(ctx, volumeID)
}

func (h *Handler) ResizeVolume(ctx context.Context, volumeID string, size int) error {
	return h.cloud.ResizeVolume(ctx, volumeID, size)
}

func (h *Handler) AttachVolume(ctx context.Context, serverID, volumeID string) (string, error) {
	return h.cloud.AttachVolume(ctx, serverID, volumeID)
}

func (h *Handler) DetachVolume(ctx context.Context, serverID, volumeID string) error {
	return h.cloud.DetachVolume(ctx, serverID, volumeID)
}

func (h *Handler) GetVolumeSnapshot(ctx context.Context, snapshotID string) (*api.VolumeSnapshot, error) {
	return h.cloud.GetVolumeSnapshot(ctx, snapshotID)
}

func (h *Handler) CreateVolumeSnapshot(ctx context.Context, volumeID, name, description string) (string, error) {
	return h.cloud.CreateVolumeSnapshot(ctx, volumeID, name, description)
}

func (h *Handler) DeleteVolumeSnapshot(ctx context.Context, snapshotID string) error {
	return h.cloud.DeleteVolumeSnapshot(ctx, snapshotID)
}

func (h *Handler) GetServers(ctx context.Context) ([]*api.VM, error) {
	return h.cloud.GetServers(ctx)
}

func (h *Handler) GetServersByIDs(ctx context.Context, serverIDs []string) ([]*api.VM, error) {
	return h.cloud.GetServersByIDs(ctx, serverIDs)
}

func (h *Handler) ExistServer(ctx context.Context, name string) (bool, error) {
	return h.cloud.ExistServer(ctx, name)
}

func (h *Handler) RebootServer(ctx context.Context, serverID string, hard bool) error {
	return h.cloud.RebootServer(ctx, serverID, hard)
}

func (h *Handler) StopServer(ctx context.Context, serverID string) error {
	return h.cloud.StopServer(ctx, serverID)
}

func (h *Handler) ResumeServer(ctx context.Context, serverID string) error {
	return h.cloud.ResumeServer(ctx, serverID)
}

func (h *Handler) RescueServer(ctx context.Context, serverID, adminPass, rescueImageRef string) (string, error) {
	return h.cloud.RescueServer(ctx, serverID, adminPass, rescueImageRef)
}

func (h *Handler) UnrescueServer(ctx context.Context, serverID string) error {
	return h.cloud.UnrescueServer(ctx, serverID)
}

func (h *Handler) GetServerConsole(ctx context.Context, serverID string) (string, error) {
	return h.cloud.GetServerConsole(ctx, serverID)
}

func (h *Handler) GetLimits(ctx context.Context) (map[string]string, error) {
	return h.cloud.GetLimits(ctx)
}

func (h *Handler) OpenPortRangeForVM(ctx context.Context, serverID string, start, stop int, etherType, protocol string) (string, error) {
	return h.cloud.OpenPortRangeForVM(ctx, serverID, start, stop, etherType, protocol)
}

func (h *Handler) CreateVolumeBySourceVolume(ctx context.Context, name, sourceVolumeID string, metadata map[string]string) (*api.Volume, error) {
	return h.cloud.CreateVolumeBySourceVolume(ctx, name, sourceVolumeID, metadata)
}

func (h *Handler) ImportKeypair(ctx context.Context, name, publicKey string) error {
	return h.cloud.ImportKeypair(ctx, name, publicKey)
}

func (h *Handler) GetKeypairPublicKey(ctx context.Context, name string) (string, error) {
	return h.cloud.GetKeypairPublicKey(ctx, name)
}

func (h *Handler) DeleteKeypair(ctx context.Context, name string) error {
	return h.cloud.DeleteKeypair(ctx, name)
}

func (h *Handler) DeleteSecurityGroupRule(ctx context.Context, ruleID string) error {
	return h.cloud.DeleteSecurityGroupRule(ctx, ruleID)
}

func (h *Handler) GetSecurityGroupIDByName(ctx context.Context, name string) (string, error) {
	return h.cloud.GetSecurityGroupIDByName(ctx, name)
}

func (h *Handler) RemoveSecurityGroupsFromServer(ctx context.Context, serverID string) error {
	return h.cloud.RemoveSecurityGroupsFromServer(ctx, serverID)
}

func (h *Handler) AddDefaultSecurityGroupsToServer(ctx context.Context, serverID string) error {
	return h.cloud.AddDefaultSecurityGroupsToServer(ctx, serverID)
}

func (h *Handler) AddResearchEnvironmentSecurityGroup(ctx context.Context, serverID, groupName string) error {
	return h.cloud.AddResearchEnvironmentSecurityGroup(ctx, serverID, groupName)
}

func (h *Handler) AddProjectSecurityGroupToServer(ctx context.Context, serverID, projectName, projectID string) error {
	return h.cloud.AddProjectSecurityGroupToServer(ctx, serverID, projectName, projectID)
}

func (h *Handler) SetServerMetadata(ctx context.Context, serverID string, metadata map[string]string) error {
	return h.cloud.SetServerMetadata(ctx, serverID, metadata)
}

// AddUDPSecurityGroup opens the UDP gateway port of a VM by attaching its
// UDP group, creating the group on first use.
func (h *Handler) AddUDPSecurityGroup(ctx context.Context, serverID string) error {
	vm, err := h.cloud.GetServer(ctx, serverID)
	if err != nil {
		return err
	}
	if vm.VMState == api.VMStateNotFound {
		return apierror.New(apierror.ServerNotFound, serverID, "server not found")
	}
	if _, err := h.cloud.EnsureUDPSecurityGroup(ctx, vm.Name, vm.FixedIP); err != nil {
		return err
	}
	return h.cloud.AddSecurityGroupToServer(ctx, serverID, vm.Name+"_udp")
}

// GetGatewayInfo returns the public gateway address and the port expressions
// clients need to reach their VMs.
func (h *Handler) GetGatewayInfo() map[string]string {
	return map[string]string{
		"gateway_ip":           h.cloud.GatewayIP(),
		"ssh_port_calculation": h.calc.SSHExpression(),
		"udp_port_calculation": h.calc.UDPExpression(),
	}
}

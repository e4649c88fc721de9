package handler

// Cluster operations, delegated to the provisioner.

import (
	"context"

	"github.com/deNBI/simplevm-client/pkg/api"
	"github.com/deNBI/simplevm-client/pkg/bibigrid"
)

// HasBibigrid reports whether cluster support is configured and reachable.
func (h *Handler) HasBibigrid(ctx context.Context) bool {
	return h.cluster != nil && h.cluster.Available(ctx)
}

// StartCluster orders a new cluster from the provisioner.
func (h *Handler) StartCluster(ctx context.Context, req bibigrid.ClusterRequest) (*api.ClusterMessage, error) {
	if err := h.requireCluster(); err != nil {
		return nil, err
	}
	return h.cluster.StartCluster(ctx, req)
}

// TerminateCluster orders teardown of a cluster.
func (h *Handler) TerminateCluster(ctx context.Context, clusterID string) (*api.ClusterMessage, error) {
	if err := h.requireCluster(); err != nil {
		return nil, err
	}
	return h.cluster.TerminateCluster(ctx, clusterID)
}

// GetClusterState returns the provisioner's state view of a cluster.
func (h *Handler) GetClusterState(ctx context.Context, clusterID string) (*api.ClusterState, error) {
	if err := h.requireCluster(); err != nil {
		return nil, err
	}
	return h.cluster.GetClusterState(ctx, clusterID)
}

// GetClusterInfo returns the provisioner's readiness view of a cluster.
func (h *Handler) GetClusterInfo(ctx context.Context, clusterID string) (*api.ClusterInfo, error) {
	if err := h.requireCluster(); err != nil {
		return nil, err
	}
	return h.cluster.GetClusterInfo(ctx, clusterID)
}

// GetClusterLog returns the full provisioner log of a cluster.
func (h *Handler) GetClusterLog(ctx context.Context, clusterID string) (*api.ClusterLog, error) {
	if err := h.requireCluster(); err != nil {
		return nil, err
	}
	return h.cluster.GetClusterLog(ctx, clusterID)
}

// GetClusterOSVersions lists the ubuntu versions the provisioner supports.
func (h *Handler) GetClusterOSVersions(ctx context.Context) ([]string, error) {
	if err := h.requireCluster(); err != nil {
		return nil, err
	}
	return h.cluster.SupportedOSVersions(ctx)
}

// AddClusterMachine boots one additional worker into an existing cluster.
func (h *Handler) AddClusterMachine(ctx context.Context, clusterID, keyName, imageName, flavorName, name, batchIndex, workerIndex string) (string, error) {
	return h.cloud.AddClusterMachine(ctx, clusterID, keyName, imageName, flavorName, name, batchIndex, workerIndex)
}

// GetServersByClusterID lists the machines of a cluster.
func (h *Handler) GetServersByClusterID(ctx context.Context, clusterID string) ([]*api.VM, error) {
	return h.cloud.GetServersByClusterID(ctx, clusterID)
}

// GetServerByUniqueName finds the single VM with a unique name, used for
// cluster masters named after their cluster.
func (h *Handler) GetServerByUniqueName(ctx context.Context, name string) (*api.VM, error) {
	return h.cloud.GetServerByUniqueName(ctx, name)
}

package openstack

import (
	"context"
	"fmt"

	"github.com/gophercloud/gophercloud/v2/openstack/blockstorage/v3/snapshots"
	"github.com/gophercloud/gophercloud/v2/openstack/blockstorage/v3/volumes"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/volumeattach"

	"github.com/deNBI/simplevm-client/pkg/api"
	"github.com/deNBI/simplevm-client/pkg/apierror"
)

// GetVolume returns one volume.
func (c *Connector) GetVolume(ctx context.Context, volumeID string) (*api.Volume, error) {
	vol, err := volumes.Get(ctx, c.volume, volumeID).Extract()
	if err != nil {
		if isNotFound(err) {
			return nil, apierror.New(apierror.VolumeNotFound, volumeID, "volume not found")
		}
		return nil, fmt.Errorf("failed to get volume %s: %w", volumeID, err)
	}
	return api.FromVolume(vol), nil
}

// GetVolumesByIDs resolves a batch of volumes; unknown IDs are skipped.
func (c *Connector) GetVolumesByIDs(ctx context.Context, volumeIDs []string) ([]*api.Volume, error) {
	out := make([]*api.Volume, 0, len(volumeIDs))
	for _, id := range volumeIDs {
		vol, err := c.GetVolume(ctx, id)
		if err != nil {
			if apierror.IsKind(err, apierror.VolumeNotFound) {
				c.log.Info("skipping unknown volume", "volumeID", id)
				continue
			}
			return nil, err
		}
		out = append(out, vol)
	}
	return out, nil
}

// CreateVolume creates an empty volume.
func (c *Connector) CreateVolume(ctx context.Context, name string, size int, metadata map[string]string) (*api.Volume, error) {
	vol, err := volumes.Create(ctx, c.volume, volumes.CreateOpts{
		Name:     name,
		Size:     size,
		Metadata: metadata,
	}, nil).Extract()
	if err != nil {
		if isQuotaExceeded(err) {
			return nil, apierror.Wrap(apierror.ResourceNotAvailable, name, err)
		}
		return nil, fmt.Errorf("failed to create volume %s: %w", name, err)
	}
	c.log.Info("volume created", "volume", vol.ID, "name", name, "size", size)
	return api.FromVolume(vol), nil
}

// CreateVolumeBySourceVolume clones an existing volume.
func (c *Connector) CreateVolumeBySourceVolume(ctx context.Context, name, sourceVolumeID string, metadata map[string]string) (*api.Volume, error) {
	vol, err := volumes.Create(ctx, c.volume, volumes.CreateOpts{
		Name:        name,
		SourceVolID: sourceVolumeID,
		Metadata:    metadata,
	}, nil).Extract()
	if err != nil {
		switch {
		case isNotFound(err):
			return nil, apierror.New(apierror.VolumeNotFound, sourceVolumeID, "source volume not found")
		case isQuotaExceeded(err):
			return nil, apierror.Wrap(apierror.ResourceNotAvailable, name, err)
		default:
			return nil, fmt.Errorf("failed to clone volume %s from %s: %w", name, sourceVolumeID, err)
		}
	}
	c.log.Info("volume cloned", "volume", vol.ID, "source", sourceVolumeID)
	return api.FromVolume(vol), nil
}

// CreateVolumeBySnapshot creates a volume seeded from a snapshot.
func (c *Connector) CreateVolumeBySnapshot(ctx context.Context, name, snapshotID string, metadata map[string]string) (*api.Volume, error) {
	snap, err := snapshots.Get(ctx, c.volume, snapshotID).Extract()
	if err != nil {
		if isNotFound(err) {
			return nil, apierror.New(apierror.SnapshotNotFound, snapshotID, "volume snapshot not found")
		}
		return nil, fmt.Errorf("failed to get volume snapshot %s: %w", snapshotID, err)
	}
	vol, err := volumes.Create(ctx, c.volume, volumes.CreateOpts{
		Name:       name,
		Size:       snap.Size,
		SnapshotID: snap.ID,
		Metadata:   metadata,
	}, nil).Extract()
	if err != nil {
		if isQuotaExceeded(err) {
			return nil, apierror.Wrap(apierror.ResourceNotAvailable, name, err)
		}
		return nil, fmt.Errorf("failed to create volume %s from snapshot %s: %w", name, snapshotID, err)
	}
	c.log.Info("volume created from snapshot", "volume", vol.ID, "snapshot", snapshotID)
	return api.FromVolume(vol), nil
}

// DeleteVolume removes a volume. A volume still attached or otherwise busy
// surfaces as a conflict the caller can retry after detaching.
func (c *Connector) DeleteVolume(ctx context.Context, volumeID string) error {
	err := volumes.Delete(ctx, c.volume, volumeID, volumes.DeleteOpts{}).ExtractErr()
	if err != nil {
		switch {
		case isNotFound(err):
			return apierror.New(apierror.VolumeNotFound, volumeID, "volume not found")
		case isConflict(err):
			return apierror.Wrap(apierror.OpenStackConflict, volumeID, err)
		default:
			return fmt.Errorf("failed to delete volume %s: %w", volumeID, err)
		}
	}
	return nil
}

// ResizeVolume grows a volume to the given size in GiB.
func (c *Connector) ResizeVolume(ctx context.Context, volumeID string, size int) error {
	err := volumes.ExtendSize(ctx, c.volume, volumeID, volumes.ExtendSizeOpts{NewSize: size}).ExtractErr()
	if err != nil {
		switch {
		case isNotFound(err):
			return apierror.New(apierror.VolumeNotFound, volumeID, "volume not found")
		case isConflict(err):
			return apierror.Wrap(apierror.OpenStackConflict, volumeID, err)
		default:
			return fmt.Errorf("failed to resize volume %s to %dGB: %w", volumeID, size, err)
		}
	}
	return nil
}

// AttachVolume attaches a volume to a server and returns the device path.
func (c *Connector) AttachVolume(ctx context.Context, serverID, volumeID string) (string, error) {
	attachment, err := volumeattach.Create(ctx, c.compute, serverID, volumeattach.CreateOpts{
		VolumeID: volumeID,
	}).Extract()
	if err != nil {
		switch {
		case isNotFound(err):
			return "", apierror.New(apierror.ServerNotFound, serverID, "server or volume not found")
		case isConflict(err):
			return "", apierror.Wrap(apierror.OpenStackConflict, volumeID, err)
		default:
			return "", fmt.Errorf("failed to attach volume %s to server %s: %w", volumeID, serverID, err)
		}
	}
	c.log.Info("volume attached", "server", serverID, "volume", volumeID, "device", attachment.Device)
	return attachment.Device, nil
}

// DetachVolume detaches a volume from a server.
func (c *Connector) DetachVolume(ctx context.Context, serverID, volumeID string) error {
	err := volumeattach.Delete(ctx, c.compute, serverID, volumeID).ExtractErr()
	if err != nil {
		switch {
		case isNotFound(err):
			return apierror.New(apierror.VolumeNotFound, volumeID, "attachment not found")
		case isConflict(err):
			return apierror.Wrap(apierror.OpenStackConflict, volumeID, err)
		default:
			return fmt.Errorf("failed to detach volume %s from server %s: %w", volumeID, serverID, err)
		}
	}
	return nil
}

// GetVolumeSnapshot returns one volume snapshot.
func (c *Connector) GetVolumeSnapshot(ctx context.Context, snapshotID string) (*api.VolumeSnapshot, error) {
	snap, err := snapshots.Get(ctx, c.volume, snapshotID).Extract()
	if err != nil {
		if isNotFound(err) {
			return nil, apierror.New(apierror.SnapshotNotFound, snapshotID, "volume snapshot not found")
		}
		return nil, fmt.Errorf("failed to get volume snapshot %s: %w", snapshotID, err)
	}
	return api.FromVolumeSnapshot(snap), nil
}

// CreateVolumeSnapshot snapshots a volume and returns the snapshot ID.
func (c *Connector) CreateVolumeSnapshot(ctx context.Context, volumeID, name, description string) (string, error) {
	snap, err := snapshots.Create(ctx, c.volume, snapshots.CreateOpts{
		VolumeID:    volumeID,
		Name:        name,
		Description: description,
		Force:       true,
	}).Extract()
	if err != nil {
		switch {
		case isNotFound(err):
			return "", apierror.New(apierror.VolumeNotFound, volumeID, "volume not found")
		case isConflict(err):
			return "", apierror.Wrap(apierror.OpenStackConflict, volumeID, err)
		default:
			return "", fmt.Errorf("failed to snapshot volume %s: %w", volumeID, err)
		}
	}
	c.log.Info("volume snapshot created", "volume", volumeID, "snapshot", snap.ID)
	return snap.ID, nil
}

// DeleteVolumeSnapshot removes a volume snapshot.
func (c *Connector) DeleteVolumeSnapshot(ctx context.Context, snapshotID string) error {
	if err := snapshots.Delete(ctx, c.volume, snapshotID).ExtractErr(); err != nil {
		switch {
		case isNotFound(err):
			return apierror.New(apierror.SnapshotNotFound, snapshotID, "volume snapshot not found")
		case isConflict(err):
			return apierror.Wrap(apierror.OpenStackConflict, snapshotID, err)
		default:
			return fmt.Errorf("failed to delete volume snapshot %s: %w", snapshotID, err)
		}
	}
	return nil
}

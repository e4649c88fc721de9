package openstack

import (
	"context"
	"fmt"
	"strconv"

	volumelimits "github.com/gophercloud/gophercloud/v2/openstack/blockstorage/v3/limits"
	computelimits "github.com/gophercloud/gophercloud/v2/openstack/compute/v2/limits"
)

// GetLimits merges the compute and volume quota usage of the project into one
// flat string map, the shape the portal dashboard consumes.
func (c *Connector) GetLimits(ctx context.Context) (map[string]string, error) {
	compute, err := computelimits.Get(ctx, c.compute, computelimits.GetOpts{}).Extract()
	if err != nil {
		return nil, fmt.Errorf("failed to get compute limits: %w", err)
	}
	volume, err := volumelimits.Get(ctx, c.volume).Extract()
	if err != nil {
		return nil, fmt.Errorf("failed to get volume limits: %w", err)
	}
	return map[string]string{
		"total_cores_used":           strconv.Itoa(compute.Absolute.TotalCoresUsed),
		"max_total_cores":            strconv.Itoa(compute.Absolute.MaxTotalCores),
		"total_ram_used":             strconv.Itoa(compute.Absolute.TotalRAMUsed),
		"max_total_ram_size":         strconv.Itoa(compute.Absolute.MaxTotalRAMSize),
		"total_instances_used":       strconv.Itoa(compute.Absolute.TotalInstancesUsed),
		"max_total_instances":        strconv.Itoa(compute.Absolute.MaxTotalInstances),
		"total_volumes_used":         strconv.Itoa(volume.Absolute.TotalVolumesUsed),
		"max_total_volumes":          strconv.Itoa(volume.Absolute.MaxTotalVolumes),
		"total_gigabytes_used":       strconv.Itoa(volume.Absolute.TotalGigabytesUsed),
		"max_total_volume_gigabytes": strconv.Itoa(volume.Absolute.MaxTotalVolumeGigabytes),
		"total_snapshots_used":       strconv.Itoa(volume.Absolute.TotalSnapshotsUsed),
		"max_total_snapshots":        strconv.Itoa(volume.Absolute.MaxTotalSnapshots),
	}, nil
}

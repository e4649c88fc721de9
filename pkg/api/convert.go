package api

import (
	"time"

	"github.com/gophercloud/gophercloud/v2/openstack/blockstorage/v3/snapshots"
	"github.com/gophercloud/gophercloud/v2/openstack/blockstorage/v3/volumes"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/flavors"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/servers"
	"github.com/gophercloud/gophercloud/v2/openstack/image/v2/images"
)

// FromImage maps a glance image onto the wire type.
func FromImage(img *images.Image) *Image {
	if img == nil {
		return nil
	}
	out := &Image{
		OpenstackID: img.ID,
		Name:        img.Name,
		MinDisk:     img.MinDiskGigabytes,
		MinRAM:      img.MinRAMMegabytes,
		Status:      string(img.Status),
		CreatedAt:   formatTime(img.CreatedAt),
		UpdatedAt:   formatTime(img.UpdatedAt),
		Tags:        img.Tags,
	}
	out.OSVersion = propString(img.Properties, "os_version")
	out.OSDistro = propString(img.Properties, "os_distro")
	out.SlurmVersion = propString(img.Properties, "slurm_version")
	out.Title = propString(img.Properties, "title")
	out.Description = propString(img.Properties, "description")
	out.IsSnapshot = propString(img.Properties, "image_type") == "snapshot"
	return out
}

// FromImages maps a list of glance images.
func FromImages(imgs []images.Image) []*Image {
	out := make([]*Image, 0, len(imgs))
	for i := range imgs {
		out = append(out, FromImage(&imgs[i]))
	}
	return out
}

// FromFlavor maps a nova flavor onto the wire type.
func FromFlavor(fl *flavors.Flavor) *Flavor {
	if fl == nil {
		return nil
	}
	name := fl.Name
	if name == "" {
		name = "N/A"
	}
	return &Flavor{
		Name:          name,
		VCPUs:         fl.VCPUs,
		RAM:           fl.RAM,
		Disk:          fl.Disk,
		EphemeralDisk: fl.Ephemeral,
		Description:   fl.Description,
	}
}

// FromFlavors maps a list of nova flavors.
func FromFlavors(fls []flavors.Flavor) []*Flavor {
	out := make([]*Flavor, 0, len(fls))
	for i := range fls {
		out = append(out, FromFlavor(&fls[i]))
	}
	return out
}

// FromVolume maps a cinder volume onto the wire type. A nil volume becomes a
// not_found marker so pollers can distinguish absence from failure.
func FromVolume(vol *volumes.Volume) *Volume {
	if vol == nil {
		return &Volume{Status: VMStateNotFound}
	}
	out := &Volume{
		ID:          vol.ID,
		Name:        vol.Name,
		Description: vol.Description,
		Status:      vol.Status,
		CreatedAt:   formatTime(vol.CreatedAt),
		Size:        vol.Size,
	}
	if len(vol.Attachments) > 0 {
		out.Device = vol.Attachments[0].Device
		out.ServerID = vol.Attachments[0].ServerID
	}
	return out
}

// FromVolumeSnapshot maps a cinder snapshot onto the wire type.
func FromVolumeSnapshot(snap *snapshots.Snapshot) *VolumeSnapshot {
	if snap == nil {
		return &VolumeSnapshot{Status: VMStateNotFound}
	}
	return &VolumeSnapshot{
		ID:          snap.ID,
		Name:        snap.Name,
		Description: snap.Description,
		Status:      snap.Status,
		CreatedAt:   formatTime(snap.CreatedAt),
		Size:        snap.Size,
		VolumeID:    snap.VolumeID,
	}
}

// FromServer maps a nova server onto the wire type. Flavor and image are
// attached by the caller after resolving them against the backend; taskState
// overrides the backend task state when non-empty.
func FromServer(srv *servers.Server, flavor *Flavor, image *Image, taskState string) *VM {
	if srv == nil {
		return &VM{VMState: VMStateNotFound}
	}
	fixedIP, floatingIP := extractAddresses(srv.Addresses)
	vm := &VM{
		OpenstackID: srv.ID,
		Name:        srv.Name,
		ProjectID:   srv.TenantID,
		Keyname:     srv.KeyName,
		Metadata:    srv.Metadata,
		CreatedAt:   formatTime(srv.Created),
		TaskState:   srv.TaskState,
		VMState:     srv.VmState,
		FixedIP:     fixedIP,
		FloatingIP:  floatingIP,
		Flavor:      flavor,
		Image:       image,
	}
	if taskState != "" {
		vm.TaskState = taskState
	}
	return vm
}

// NotFoundServer is what GetServer returns for a nonexistent VM; pollers
// read vm_state instead of handling an error.
func NotFoundServer() *VM {
	return &VM{VMState: VMStateNotFound}
}

func extractAddresses(addresses map[string]any) (fixed, floating string) {
	for _, entries := range addresses {
		list, ok := entries.([]any)
		if !ok {
			continue
		}
		for _, entry := range list {
			addr, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			ip, _ := addr["addr"].(string)
			switch addr["OS-EXT-IPS:type"] {
			case "fixed":
				fixed = ip
			case "floating":
				floating = ip
			}
		}
	}
	return fixed, floating
}

func propString(props map[string]any, key string) string {
	if props == nil {
		return ""
	}
	s, _ := props[key].(string)
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

package openstack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gophercloud/gophercloud/v2/openstack/image/v2/images"
)

func TestPickReplacementImage(t *testing.T) {
	all := []images.Image{
		{
			Name:       "Ubuntu 22.04 Snapshot",
			Properties: map[string]any{"os_version": "22.04", "os_distro": "ubuntu", "base_image_ref": "abc"},
		},
		{
			Name:       "Debian 22.04ish",
			Properties: map[string]any{"os_version": "22.04", "os_distro": "debian"},
		},
		{
			Name:       "Ubuntu 22.04 Worker Old Slurm",
			Tags:       []string{"worker"},
			Properties: map[string]any{"os_version": "22.04", "os_distro": "ubuntu", "slurm_version": "22.05"},
		},
		{
			Name:       "Ubuntu 22.04 Worker",
			Tags:       []string{"worker"},
			Properties: map[string]any{"os_version": "22.04", "os_distro": "ubuntu", "slurm_version": "23.02"},
		},
		{
			Name:       "Ubuntu 22.04 LTS",
			Properties: map[string]any{"os_version": "22.04", "os_distro": "ubuntu"},
		},
	}

	t.Run("plain os line match", func(t *testing.T) {
		img := pickReplacementImage(all, "22.04", "ubuntu", "")
		require.NotNil(t, img)
		// Snapshots and foreign distros are skipped.
		assert.Equal(t, "Ubuntu 22.04 Worker Old Slurm", img.Name)
	})

	t.Run("slurm version binds only worker images", func(t *testing.T) {
		img := pickReplacementImage(all, "22.04", "ubuntu", "23.02")
		require.NotNil(t, img)
		assert.Equal(t, "Ubuntu 22.04 Worker", img.Name)
	})

	t.Run("non-worker image ignores slurm version", func(t *testing.T) {
		workless := []images.Image{
			{
				Name:       "Ubuntu 22.04 LTS",
				Properties: map[string]any{"os_version": "22.04", "os_distro": "ubuntu"},
			},
		}
		img := pickReplacementImage(workless, "22.04", "ubuntu", "23.02")
		require.NotNil(t, img)
		assert.Equal(t, "Ubuntu 22.04 LTS", img.Name)
	})

	t.Run("os_distro mismatch yields nothing", func(t *testing.T) {
		assert.Nil(t, pickReplacementImage(all, "22.04", "centos", ""))
	})

	t.Run("unknown os version yields nothing", func(t *testing.T) {
		assert.Nil(t, pickReplacementImage(all, "18.04", "ubuntu", ""))
	})
}

func TestFilterTagged(t *testing.T) {
	all := []images.Image{
		{Name: "portal image", Tags: []string{"portal"}},
		{Name: "raw upload"},
		{Name: "worker image", Tags: []string{"worker", "portal"}},
	}
	tagged := filterTagged(all)
	require.Len(t, tagged, 2)
	assert.Equal(t, "portal image", tagged[0].Name)
	assert.Equal(t, "worker image", tagged[1].Name)
}

package openstack

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deNBI/simplevm-client/pkg/api"
)

func TestComposeUserdata(t *testing.T) {
	userdata := string(ComposeUserdata(UserdataParams{
		AdditionalKeys: []string{"ssh-ed25519 AAAA user@host"},
		Volumes: []api.VolumeMount{
			{OpenstackID: "0123456789abcdef0123456789abcdef", Path: "/vol/data"},
		},
		MetadataToken:    "secret-token",
		MetadataEndpoint: "https://metadata.example.org/metadata",
		ExtraScript:      "#!/bin/bash\ntouch /tmp/extra-done\n",
	}))

	assert.Contains(t, userdata, `"ssh-ed25519 AAAA user@host"`)
	assert.Contains(t, userdata, "passwd -u ubuntu")
	// Virtio device links carry only the first 20 characters of the ID.
	assert.Contains(t, userdata, `"0123456789abcdef0123"`)
	assert.NotContains(t, userdata, "0123456789abcdef0123456789abcdef")
	assert.Contains(t, userdata, `"/vol/data"`)
	assert.Contains(t, userdata, "secret-token")
	assert.Contains(t, userdata, "https://metadata.example.org/metadata")
	assert.NotContains(t, userdata, "REPLACE_WITH_ACTUAL_TOKEN")
	assert.NotContains(t, userdata, "KEYS_TO_ADD")
	assert.NotContains(t, userdata, "VOLUME_IDS")

	// The account unlock runs first, then key injection, mounts and the
	// extra script last.
	unlockAt := strings.Index(userdata, "passwd -u ubuntu")
	keysAt := strings.Index(userdata, "authorized_keys")
	mountAt := strings.Index(userdata, "mkfs.ext4")
	extraAt := strings.Index(userdata, "touch /tmp/extra-done")
	require.True(t, unlockAt >= 0 && keysAt >= 0 && mountAt >= 0 && extraAt >= 0)
	assert.Less(t, unlockAt, keysAt)
	assert.Less(t, keysAt, mountAt)
	assert.Less(t, mountAt, extraAt)
}

func TestComposeUserdataMinimal(t *testing.T) {
	userdata := string(ComposeUserdata(UserdataParams{}))
	assert.Contains(t, userdata, "passwd -u ubuntu")
	assert.NotContains(t, userdata, "authorized_keys")
	assert.NotContains(t, userdata, "mount")
	assert.NotContains(t, userdata, "metadata_token")
}

func TestDeriveOSVersion(t *testing.T) {
	tests := []struct {
		name     string
		expected string
	}{
		{name: "Ubuntu 20.04 LTS de.NBI", expected: "20.04"},
		{name: "ubuntu-2204-server", expected: "22.04"},
		{name: "Ubuntu 24.04 LTS", expected: "24.04"},
		{name: "CentOS 8", expected: ""},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, deriveOSVersion(test.name))
		})
	}
}

package openstack

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/deNBI/simplevm-client/pkg/api"
)

var (
	//go:embed scripts/add_keys.sh
	addKeysScript string
	//go:embed scripts/mount.sh
	mountScript string
	//go:embed scripts/metadata_token.sh
	metadataTokenScript string
)

// unlockUserScript re-enables the default account, which cloud images ship
// locked.
const unlockUserScript = "#!/bin/bash\npasswd -u ubuntu\n"

// UserdataParams collects everything that goes into the boot script of a VM.
type UserdataParams struct {
	AdditionalKeys   []string
	Volumes          []api.VolumeMount
	MetadataToken    string
	MetadataEndpoint string
	ExtraScript      string
}

// ComposeUserdata assembles the cloud-init payload: the account unlock,
// injected SSH keys, volume mounts, the metadata access token and any extra
// script, in that order.
func ComposeUserdata(params UserdataParams) []byte {
	parts := []string{unlockUserScript}
	if len(params.AdditionalKeys) > 0 {
		parts = append(parts, renderAddKeys(params.AdditionalKeys))
	}
	if len(params.Volumes) > 0 {
		parts = append(parts, renderMounts(params.Volumes))
	}
	if params.MetadataToken != "" {
		script := strings.ReplaceAll(metadataTokenScript, "REPLACE_WITH_ACTUAL_TOKEN", params.MetadataToken)
		script = strings.ReplaceAll(script, "REPLACE_WITH_ACTUAL_METADATA_INFO_ENDPOINT", params.MetadataEndpoint)
		parts = append(parts, script)
	}
	if params.ExtraScript != "" {
		parts = append(parts, params.ExtraScript)
	}
	return []byte(strings.Join(parts, "\n"))
}

func renderAddKeys(keys []string) string {
	quoted := make([]string, len(keys))
	for i, key := range keys {
		quoted[i] = fmt.Sprintf("%q", key)
	}
	return strings.ReplaceAll(addKeysScript, "KEYS_TO_ADD", strings.Join(quoted, " "))
}

func renderMounts(mounts []api.VolumeMount) string {
	ids := make([]string, len(mounts))
	paths := make([]string, len(mounts))
	for i, mount := range mounts {
		// Virtio exposes only a prefix of the volume ID in /dev/disk/by-id.
		id := mount.OpenstackID
		if len(id) > 20 {
			id = id[:20]
		}
		ids[i] = fmt.Sprintf("%q", id)
		paths[i] = fmt.Sprintf("%q", mount.Path)
	}
	script := strings.ReplaceAll(mountScript, "VOLUME_IDS", strings.Join(ids, " "))
	return strings.ReplaceAll(script, "VOLUME_PATHS", strings.Join(paths, " "))
}

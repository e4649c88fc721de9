package playbook

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/deNBI/simplevm-client/pkg/api"
	"github.com/deNBI/simplevm-client/pkg/apierror"
	"github.com/deNBI/simplevm-client/pkg/kvstore"
)

const genericPlaybook = `- hosts: vm
  become: true
  tasks:
    - name: Setup
      debug:
        msg: placeholder
`

func newPlaybooksDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, genericPlaybookName), []byte(genericPlaybook), 0o644))
	for _, part := range []string{partChangeKey, partConda, partOptional, "rstudio"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, part), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, part, part+".yml"), []byte("- debug: {msg: "+part+"}\n"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, part, part+"_vars_file.yml"), []byte("placeholder: true\n"), 0o644))
	}
	return dir
}

func TestNewPreparesScratchDir(t *testing.T) {
	dir := newPlaybooksDir(t)
	p, err := New(dir, Params{
		VMID:       "vm-1",
		IP:         "192.52.2.1",
		Port:       30527,
		PrivateKey: "PRIVATE",
		PublicKey:  "ssh-ed25519 AAAA user@host",
		CondaPackages: []api.CondaPackage{
			{Name: "samtools", Version: "1.17", Build: "h00cdaf9_0"},
		},
		AptPackages:                []string{"htop", "build-essential"},
		ResearchEnvironment:        "rstudio",
		ResearchEnvironmentVersion: "2.0.1",
		BaseURL:                    "https://proxy.example.org/rstudio/abc",
	})
	require.NoError(t, err)
	defer p.Cleanup()

	key, err := os.ReadFile(filepath.Join(p.dir, keyFileName))
	require.NoError(t, err)
	assert.Equal(t, "PRIVATE", string(key))
	info, err := os.Stat(filepath.Join(p.dir, keyFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	inventory, err := os.ReadFile(filepath.Join(p.dir, inventoryName))
	require.NoError(t, err)
	assert.Contains(t, string(inventory), "[vm]")
	assert.Contains(t, string(inventory), "192.52.2.1:30527 ansible_user=ubuntu")
	assert.Contains(t, string(inventory), "ansible_python_interpreter=/usr/bin/python3")

	// Conda vars carry the requested packages.
	var condaVars map[string]any
	raw, err := os.ReadFile(filepath.Join(p.dir, partConda, partConda+"_vars_file.yml"))
	require.NoError(t, err)
	require.NoError(t, yaml.Unmarshal(raw, &condaVars))
	packages := condaVars["packages"].(map[string]any)
	assert.Contains(t, packages, "samtools")

	// The optional part vars carry the apt packages.
	var optionalVars map[string]any
	raw, err = os.ReadFile(filepath.Join(p.dir, partOptional, partOptional+"_vars_file.yml"))
	require.NoError(t, err)
	require.NoError(t, yaml.Unmarshal(raw, &optionalVars))
	assert.Equal(t, []any{"htop", "build-essential"}, optionalVars["apt_packages"])

	// The research environment vars pin the version and carry the base URL.
	var resenvVars map[string]any
	raw, err = os.ReadFile(filepath.Join(p.dir, "rstudio", "rstudio_vars_file.yml"))
	require.NoError(t, err)
	require.NoError(t, yaml.Unmarshal(raw, &resenvVars))
	assert.Equal(t, "2.0.1", resenvVars["template_version"])
	assert.Equal(t, "https://proxy.example.org/rstudio/abc", resenvVars["base_url"])

	// The patched playbook runs the parts in its block and rotates the key
	// in the always branch.
	var plays []map[string]any
	raw, err = os.ReadFile(filepath.Join(p.dir, genericPlaybookName))
	require.NoError(t, err)
	require.NoError(t, yaml.Unmarshal(raw, &plays))
	require.Len(t, plays, 1)
	varsFiles := plays[0]["vars_files"].([]any)
	assert.Contains(t, varsFiles, filepath.Join(partConda, "conda_vars_file.yml"))
	assert.Contains(t, varsFiles, filepath.Join(partChangeKey, "change_key_vars_file.yml"))
	tasks := plays[0]["tasks"].([]any)
	require.Len(t, tasks, 1)
	task := tasks[0].(map[string]any)
	block := task["block"].([]any)
	require.Len(t, block, 3)
	assert.Equal(t, filepath.Join(partConda, "conda.yml"), block[0].(map[string]any)["include_tasks"])
	assert.Equal(t, filepath.Join(partOptional, "optional.yml"), block[1].(map[string]any)["include_tasks"])
	assert.Equal(t, filepath.Join("rstudio", "rstudio.yml"), block[2].(map[string]any)["include_tasks"])
	always := task["always"].([]any)
	require.Len(t, always, 1)
	assert.Equal(t, filepath.Join(partChangeKey, "change_key.yml"), always[0].(map[string]any)["include_tasks"])
}

func TestNewPrefersSiteSpecificTasks(t *testing.T) {
	dir := newPlaybooksDir(t)
	// Only conda ships a site variant; the other parts keep their generic
	// task file.
	require.NoError(t, os.WriteFile(filepath.Join(dir, partConda, "conda-bielefeld.yml"), []byte("- debug: {msg: site}\n"), 0o644))

	p, err := New(dir, Params{
		VMID:       "vm-1",
		IP:         "192.52.2.1",
		Port:       30527,
		PrivateKey: "PRIVATE",
		PublicKey:  "ssh-ed25519 AAAA user@host",
		CondaPackages: []api.CondaPackage{
			{Name: "samtools", Version: "1.17", Build: "h00cdaf9_0"},
		},
		AptPackages: []string{"htop"},
		CloudSite:   "bielefeld",
	})
	require.NoError(t, err)
	defer p.Cleanup()

	var plays []map[string]any
	raw, err := os.ReadFile(filepath.Join(p.dir, genericPlaybookName))
	require.NoError(t, err)
	require.NoError(t, yaml.Unmarshal(raw, &plays))
	require.Len(t, plays, 1)
	task := plays[0]["tasks"].([]any)[0].(map[string]any)
	block := task["block"].([]any)
	require.Len(t, block, 2)
	assert.Equal(t, filepath.Join(partConda, "conda-bielefeld.yml"), block[0].(map[string]any)["include_tasks"])
	assert.Equal(t, filepath.Join(partOptional, "optional.yml"), block[1].(map[string]any)["include_tasks"])
	always := task["always"].([]any)
	assert.Equal(t, filepath.Join(partChangeKey, "change_key.yml"), always[0].(map[string]any)["include_tasks"])
}

func newTestStore(t *testing.T) *kvstore.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	return kvstore.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func TestManagerLogsConsumesStashed(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	m := NewManager(logr.Discard(), store, t.TempDir())

	require.NoError(t, store.Put(ctx, "vm-1", kvstore.Record{
		KeypairName: "f3a_vm-1_project",
		Status:      api.TaskStatePlaybookSuccess,
	}))
	result := api.PlaybookResult{Status: 0, Stdout: "ok", Stderr: ""}
	require.NoError(t, store.StashLogs(ctx, "vm-1", result))

	got, err := m.Logs(ctx, "vm-1")
	require.NoError(t, err)
	assert.Equal(t, result, got)

	// Reading a finished run also tears down the pipeline record.
	exists, err := store.Exists(ctx, "vm-1")
	require.NoError(t, err)
	assert.False(t, exists)

	// A second read finds nothing: the stash is consumed.
	_, err = m.Logs(ctx, "vm-1")
	assert.True(t, apierror.IsKind(err, apierror.PlaybookNotFound))
}

func TestManagerLogsUnknownVM(t *testing.T) {
	m := NewManager(logr.Discard(), newTestStore(t), t.TempDir())
	_, err := m.Logs(context.Background(), "no-such-vm")
	assert.True(t, apierror.IsKind(err, apierror.PlaybookNotFound))
}

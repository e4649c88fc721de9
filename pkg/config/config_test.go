package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `
server:
  host: 0.0.0.0
  port: 9090
  threads: 30
openstack:
  gateway_ip: 192.52.2.1
  internal_gateway_ip: 10.0.0.1
  network: portal-network
  cloud_site: bielefeld
  ssh_port_calculation: 30000 + x + y * 256
  udp_port_calculation: 35000 + x + y * 256
  gateway_security_group_id: gw-sg-id
  forc_security_group_id: forc-sg-id
redis:
  host: localhost
  port: 6379
bibigrid:
  activated: true
  host: bibigrid.example.org
  port: 8080
  https: true
  sub_network: portal-subnet
forc:
  activated: true
  forc_backend_url: https://proxy.example.org/api/
  forc_access_url: https://proxy.example.org/
  github_playbooks_repo: https://example.org/playbooks/archive/master.zip
metadata_server:
  activated: false
production: true
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "192.52.2.1", cfg.OpenStack.GatewayIP)
	assert.Equal(t, "30000 + x + y * 256", cfg.OpenStack.SSHPortCalculation)
	assert.True(t, cfg.Bibigrid.Activated)
	assert.True(t, cfg.Production)
	// Unset update schedule falls back to its default.
	assert.Equal(t, 12, cfg.Forc.UpdateTemplatesSchedule)
	// Deploy traffic prefers the internal gateway when one is configured.
	assert.Equal(t, "10.0.0.1", cfg.GatewayOrInternal())
}

func TestLoadRejectsIncompleteConfig(t *testing.T) {
	_, err := Load(writeConfig(t, "server:\n  port: 9090\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway_ip")
}

func TestGatewayOrInternalFallsBack(t *testing.T) {
	cfg := &Config{OpenStack: OpenStack{GatewayIP: "192.52.2.1"}}
	assert.Equal(t, "192.52.2.1", cfg.GatewayOrInternal())
}

func TestLoadAuthFromEnvApplicationCredentials(t *testing.T) {
	t.Setenv("OS_AUTH_URL", "https://keystone.example.org:5000/v3")
	t.Setenv("USE_APPLICATION_CREDENTIALS", "true")
	t.Setenv("OS_APPLICATION_CREDENTIAL_ID", "cred-id")
	t.Setenv("OS_APPLICATION_CREDENTIAL_SECRET", "cred-secret")

	auth, err := LoadAuthFromEnv()
	require.NoError(t, err)
	assert.True(t, auth.UseApplicationCredentials)
	assert.Equal(t, "cred-id", auth.ApplicationCredentialID)
}

func TestLoadAuthFromEnvMissingPassword(t *testing.T) {
	t.Setenv("OS_AUTH_URL", "https://keystone.example.org:5000/v3")
	t.Setenv("USE_APPLICATION_CREDENTIALS", "")
	t.Setenv("OS_USERNAME", "user")
	t.Setenv("OS_PASSWORD", "")
	t.Setenv("OS_PROJECT_NAME", "SimpleVM")
	t.Setenv("OS_PROJECT_ID", "project-id")
	t.Setenv("OS_USER_DOMAIN_NAME", "default")
	t.Setenv("OS_PROJECT_DOMAIN_ID", "default")

	_, err := LoadAuthFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OS_PASSWORD")
}

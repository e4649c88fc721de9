// Package config loads the client configuration: a YAML file for service
// wiring plus environment variables for credentials.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
)

type Config struct {
	Server         Server    `yaml:"server"`
	OpenStack      OpenStack `yaml:"openstack"`
	Bibigrid       Bibigrid  `yaml:"bibigrid"`
	Forc           Forc      `yaml:"forc"`
	MetadataServer Metadata  `yaml:"metadata_server"`
	Redis          Redis     `yaml:"redis"`
	Production     bool      `yaml:"production"`
}

type Server struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Threads     int    `yaml:"threads"`
	UseSSL      bool   `yaml:"use_ssl"`
	CertFile    string `yaml:"certfile"`
	KeyFile     string `yaml:"keyfile"`
	CACertsPath string `yaml:"ca_certs_path"`
}

type OpenStack struct {
	GatewayIP              string `yaml:"gateway_ip"`
	InternalGatewayIP      string `yaml:"internal_gateway_ip"`
	Network                string `yaml:"network"`
	CloudSite              string `yaml:"cloud_site"`
	SSHPortCalculation     string `yaml:"ssh_port_calculation"`
	UDPPortCalculation     string `yaml:"udp_port_calculation"`
	GatewaySecurityGroupID string `yaml:"gateway_security_group_id"`
	ForcSecurityGroupID    string `yaml:"forc_security_group_id"`
	ComputeAPIVersion      string `yaml:"compute_api_version"`
}

type Bibigrid struct {
	Activated             bool     `yaml:"activated"`
	Host                  string   `yaml:"host"`
	Port                  int      `yaml:"port"`
	HTTPS                 bool     `yaml:"https"`
	Modes                 []string `yaml:"modes"`
	SubNetwork            string   `yaml:"sub_network"`
	UseMasterWithPublicIP bool     `yaml:"use_master_with_public_ip"`
	LocalDNSLookup        bool     `yaml:"localDnsLookup"`
	AnsibleGalaxyRoles    []string `yaml:"ansibleGalaxyRoles"`
}

type Forc struct {
	Activated               bool   `yaml:"activated"`
	BackendURL              string `yaml:"forc_backend_url"`
	AccessURL               string `yaml:"forc_access_url"`
	GithubPlaybooksRepo     string `yaml:"github_playbooks_repo"`
	UpdateTemplatesSchedule int    `yaml:"update_templates_schedule"`
}

type Metadata struct {
	Activated bool   `yaml:"activated"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	UseHTTPS  bool   `yaml:"use_https"`
}

type Redis struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Auth is the OpenStack credential set read from the environment. Either the
// application-credential pair or the full user credential set must be present.
type Auth struct {
	AuthURL                     string
	UseApplicationCredentials   bool
	ApplicationCredentialID     string
	ApplicationCredentialSecret string
	Username                    string
	Password                    string
	ProjectName                 string
	ProjectID                   string
	UserDomainName              string
	ProjectDomainID             string
}

// Load reads and validates the YAML config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg := &Config{
		Forc: Forc{UpdateTemplatesSchedule: 12},
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields every deployment needs. Subsystem blocks that
// are deactivated are not validated further.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port == 0 {
		errs = append(errs, fmt.Errorf("server.port must be set"))
	}
	if c.Server.UseSSL && c.Server.CertFile == "" {
		errs = append(errs, fmt.Errorf("server.certfile must be set when use_ssl is enabled"))
	}
	if c.OpenStack.GatewayIP == "" {
		errs = append(errs, fmt.Errorf("openstack.gateway_ip must be set"))
	}
	if c.OpenStack.Network == "" {
		errs = append(errs, fmt.Errorf("openstack.network must be set"))
	}
	if c.OpenStack.SSHPortCalculation == "" {
		errs = append(errs, fmt.Errorf("openstack.ssh_port_calculation must be set"))
	}
	if c.OpenStack.UDPPortCalculation == "" {
		errs = append(errs, fmt.Errorf("openstack.udp_port_calculation must be set"))
	}
	if c.OpenStack.GatewaySecurityGroupID == "" {
		errs = append(errs, fmt.Errorf("openstack.gateway_security_group_id must be set"))
	}
	if c.Redis.Host == "" || c.Redis.Port == 0 {
		errs = append(errs, fmt.Errorf("redis.host and redis.port must be set"))
	}
	if c.Bibigrid.Activated && (c.Bibigrid.Host == "" || c.Bibigrid.Port == 0) {
		errs = append(errs, fmt.Errorf("bibigrid.host and bibigrid.port must be set when bibigrid is activated"))
	}
	if c.Forc.Activated {
		if c.Forc.BackendURL == "" {
			errs = append(errs, fmt.Errorf("forc.forc_backend_url must be set when forc is activated"))
		}
		if c.Forc.GithubPlaybooksRepo == "" {
			errs = append(errs, fmt.Errorf("forc.github_playbooks_repo must be set when forc is activated"))
		}
	}
	if c.MetadataServer.Activated && (c.MetadataServer.Host == "" || c.MetadataServer.Port == 0) {
		errs = append(errs, fmt.Errorf("metadata_server.host and metadata_server.port must be set when the metadata server is activated"))
	}
	return utilerrors.NewAggregate(errs)
}

// GatewayOrInternal returns the internal gateway when configured, otherwise
// the public one. Deploy traffic prefers the internal address.
func (c *Config) GatewayOrInternal() string {
	if c.OpenStack.InternalGatewayIP != "" {
		return c.OpenStack.InternalGatewayIP
	}
	return c.OpenStack.GatewayIP
}

// LoadAuthFromEnv reads the OpenStack credentials from the environment.
func LoadAuthFromEnv() (*Auth, error) {
	auth := &Auth{
		AuthURL:                   os.Getenv("OS_AUTH_URL"),
		UseApplicationCredentials: os.Getenv("USE_APPLICATION_CREDENTIALS") == "true",
	}
	if auth.AuthURL == "" {
		return nil, fmt.Errorf("OS_AUTH_URL not provided in env")
	}
	if auth.UseApplicationCredentials {
		auth.ApplicationCredentialID = os.Getenv("OS_APPLICATION_CREDENTIAL_ID")
		auth.ApplicationCredentialSecret = os.Getenv("OS_APPLICATION_CREDENTIAL_SECRET")
		var errs []error
		if auth.ApplicationCredentialID == "" {
			errs = append(errs, fmt.Errorf("OS_APPLICATION_CREDENTIAL_ID not provided in env"))
		}
		if auth.ApplicationCredentialSecret == "" {
			errs = append(errs, fmt.Errorf("OS_APPLICATION_CREDENTIAL_SECRET not provided in env"))
		}
		return auth, utilerrors.NewAggregate(errs)
	}
	required := map[string]*string{
		"OS_USERNAME":          &auth.Username,
		"OS_PASSWORD":          &auth.Password,
		"OS_PROJECT_NAME":      &auth.ProjectName,
		"OS_PROJECT_ID":        &auth.ProjectID,
		"OS_USER_DOMAIN_NAME":  &auth.UserDomainName,
		"OS_PROJECT_DOMAIN_ID": &auth.ProjectDomainID,
	}
	var errs []error
	for key, dst := range required {
		*dst = os.Getenv(key)
		if *dst == "" {
			errs = append(errs, fmt.Errorf("%s not provided in env", key))
		}
	}
	return auth, utilerrors.NewAggregate(errs)
}

// Package template maintains the on-disk catalog of research environment
// templates: the playbook repository checkout, the per-template metadata and
// the versions the proxy actually serves.
package template

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/deNBI/simplevm-client/pkg/api"
)

// Metadata is the <template>_metadata.yml file shipped inside each template
// directory of the playbook repository.
type Metadata struct {
	TemplateName             string   `yaml:"template_name"`
	Title                    string   `yaml:"title"`
	Description              string   `yaml:"description"`
	LogoURL                  string   `yaml:"logo_url"`
	InfoURL                  string   `yaml:"info_url"`
	Port                     int      `yaml:"port"`
	SecurityGroupName        string   `yaml:"securitygroup_name"`
	SecurityGroupDescription string   `yaml:"securitygroup_description"`
	SecurityGroupSSH         bool     `yaml:"securitygroup_ssh"`
	Direction                string   `yaml:"direction"`
	Protocol                 string   `yaml:"protocol"`
	InformationForDisplay    string   `yaml:"information_for_display"`
	NeedsForcSupport         bool     `yaml:"needs_forc_support"`
	MinRAM                   int      `yaml:"min_ram"`
	MinCores                 int      `yaml:"min_cores"`
	IncompatibleVersions     []string `yaml:"incompatible_versions"`
	IsMaintained             bool     `yaml:"is_maintained"`
	ForcVersions             []string `yaml:"forc_versions"`
}

func loadMetadata(path string) (*Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template metadata %s: %w", path, err)
	}
	meta := &Metadata{}
	if err := yaml.Unmarshal(raw, meta); err != nil {
		return nil, fmt.Errorf("failed to parse template metadata %s: %w", path, err)
	}
	return meta, nil
}

// toAPI converts the metadata to its portal-facing view.
func (m *Metadata) toAPI() api.ResearchEnvironmentTemplate {
	return api.ResearchEnvironmentTemplate{
		TemplateName:          m.TemplateName,
		Title:                 m.Title,
		Description:           m.Description,
		LogoURL:               m.LogoURL,
		InfoURL:               m.InfoURL,
		Port:                  m.Port,
		IncompatibleVersions:  m.IncompatibleVersions,
		IsMaintained:          m.IsMaintained,
		InformationForDisplay: m.InformationForDisplay,
		MinRAM:                m.MinRAM,
		MinCores:              m.MinCores,
	}
}

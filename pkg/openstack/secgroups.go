package openstack

import (
	"context"
	"fmt"
	"strings"

	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/secgroups"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/servers"
	"github.com/gophercloud/gophercloud/v2/openstack/networking/v2/extensions/security/groups"
	"github.com/gophercloud/gophercloud/v2/openstack/networking/v2/extensions/security/rules"
	"github.com/gophercloud/gophercloud/v2/openstack/networking/v2/ports"

	"github.com/deNBI/simplevm-client/pkg/apierror"
)

// defaultSecurityGroupName is the shared baseline group every VM boots with.
// It admits SSH only from the gateway.
const defaultSecurityGroupName = "defaultSimpleVM"

// ResearchEnvironmentSecurityGroup is the group a template's metadata asks
// for: one ingress rule admitting the proxy to the template's port.
type ResearchEnvironmentSecurityGroup struct {
	Name        string
	Description string
	Port        int
	Protocol    string
}

// ensureDefaultSecurityGroup resolves defaultSimpleVM, creating it with its
// gateway SSH rules when it does not exist yet.
func (c *Connector) ensureDefaultSecurityGroup(ctx context.Context) error {
	unlock := c.sgLocks.lock(defaultSecurityGroupName)
	defer unlock()

	sg, err := c.securityGroupByName(ctx, defaultSecurityGroupName)
	if err != nil {
		return err
	}
	if sg != nil {
		c.defaultSecurityGroupID = sg.ID
		return nil
	}
	created, err := groups.Create(ctx, c.network, groups.CreateOpts{
		Name:        defaultSecurityGroupName,
		Description: "Default security group of the portal, admits SSH from the gateway",
	}).Extract()
	if err != nil {
		return fmt.Errorf("failed to create security group %s: %w", defaultSecurityGroupName, err)
	}
	for _, etherType := range []rules.RuleEtherType{rules.EtherType4, rules.EtherType6} {
		_, err = rules.Create(ctx, c.network, rules.CreateOpts{
			SecGroupID:    created.ID,
			Direction:     rules.DirIngress,
			EtherType:     etherType,
			Protocol:      rules.ProtocolTCP,
			PortRangeMin:  22,
			PortRangeMax:  22,
			RemoteGroupID: c.cfg.OpenStack.GatewaySecurityGroupID,
		}).Extract()
		if err != nil {
			return fmt.Errorf("failed to add ssh rule to %s: %w", defaultSecurityGroupName, err)
		}
	}
	c.defaultSecurityGroupID = created.ID
	c.log.Info("created default security group", "id", created.ID)
	return nil
}

// GetOrCreateProjectSecurityGroup resolves the per-project group named
// <project>_<projectID> that lets members of the same project reach each
// other over SSH. Concurrent boots of the same project serialize on the
// group name.
func (c *Connector) GetOrCreateProjectSecurityGroup(ctx context.Context, projectName, projectID string) (string, error) {
	name := fmt.Sprintf("%s_%s", projectName, projectID)
	unlock := c.sgLocks.lock(name)
	defer unlock()

	sg, err := c.securityGroupByName(ctx, name)
	if err != nil {
		return "", err
	}
	if sg != nil {
		return sg.ID, nil
	}
	created, err := groups.Create(ctx, c.network, groups.CreateOpts{
		Name:        name,
		Description: fmt.Sprintf("Security group of project %s", projectName),
	}).Extract()
	if err != nil {
		return "", fmt.Errorf("failed to create project security group %s: %w", name, err)
	}
	_, err = rules.Create(ctx, c.network, rules.CreateOpts{
		SecGroupID:    created.ID,
		Direction:     rules.DirIngress,
		EtherType:     rules.EtherType4,
		Protocol:      rules.ProtocolTCP,
		PortRangeMin:  22,
		PortRangeMax:  22,
		RemoteGroupID: created.ID,
	}).Extract()
	if err != nil {
		return "", fmt.Errorf("failed to add intra-project ssh rule to %s: %w", name, err)
	}
	c.log.Info("created project security group", "name", name, "id", created.ID)
	return created.ID, nil
}

// EnsureUDPSecurityGroup creates the per-VM group <serverName>_udp that
// admits the gateway on the UDP port mapped to the VM's fixed IP.
func (c *Connector) EnsureUDPSecurityGroup(ctx context.Context, serverName, fixedIP string) (string, error) {
	_, udpPort, err := c.calc.Ports(fixedIP)
	if err != nil {
		return "", err
	}
	name := serverName + "_udp"
	unlock := c.sgLocks.lock(name)
	defer unlock()

	sg, err := c.securityGroupByName(ctx, name)
	if err != nil {
		return "", err
	}
	if sg != nil {
		return sg.ID, nil
	}
	created, err := groups.Create(ctx, c.network, groups.CreateOpts{
		Name:        name,
		Description: fmt.Sprintf("UDP gateway access for %s", serverName),
	}).Extract()
	if err != nil {
		return "", fmt.Errorf("failed to create udp security group %s: %w", name, err)
	}
	for _, etherType := range []rules.RuleEtherType{rules.EtherType4, rules.EtherType6} {
		_, err = rules.Create(ctx, c.network, rules.CreateOpts{
			SecGroupID:    created.ID,
			Direction:     rules.DirIngress,
			EtherType:     etherType,
			Protocol:      rules.ProtocolUDP,
			PortRangeMin:  udpPort,
			PortRangeMax:  udpPort,
			RemoteGroupID: c.cfg.OpenStack.GatewaySecurityGroupID,
		}).Extract()
		if err != nil {
			return "", fmt.Errorf("failed to add udp rule to %s: %w", name, err)
		}
	}
	c.log.Info("created udp security group", "name", name, "port", udpPort)
	return created.ID, nil
}

// EnsureResearchEnvironmentSecurityGroup creates the group a research
// environment template asks for, admitting the proxy to the template port.
func (c *Connector) EnsureResearchEnvironmentSecurityGroup(ctx context.Context, spec ResearchEnvironmentSecurityGroup) (string, error) {
	unlock := c.sgLocks.lock(spec.Name)
	defer unlock()

	sg, err := c.securityGroupByName(ctx, spec.Name)
	if err != nil {
		return "", err
	}
	if sg != nil {
		return sg.ID, nil
	}
	created, err := groups.Create(ctx, c.network, groups.CreateOpts{
		Name:        spec.Name,
		Description: spec.Description,
	}).Extract()
	if err != nil {
		return "", fmt.Errorf("failed to create research environment security group %s: %w", spec.Name, err)
	}
	protocol := rules.RuleProtocol(strings.ToLower(spec.Protocol))
	if protocol == "" {
		protocol = rules.ProtocolTCP
	}
	_, err = rules.Create(ctx, c.network, rules.CreateOpts{
		SecGroupID:    created.ID,
		Direction:     rules.DirIngress,
		EtherType:     rules.EtherType4,
		Protocol:      protocol,
		PortRangeMin:  spec.Port,
		PortRangeMax:  spec.Port,
		RemoteGroupID: c.cfg.OpenStack.ForcSecurityGroupID,
	}).Extract()
	if err != nil {
		return "", fmt.Errorf("failed to add rule to %s: %w", spec.Name, err)
	}
	c.log.Info("created research environment security group", "name", spec.Name, "port", spec.Port)
	return created.ID, nil
}

// OpenPortRangeForVM opens [start, stop] on a VM by adding a rule to the
// VM-specific group named after its OpenStack ID, creating the group on first
// use. Traffic is admitted from the project group, so only project members
// reach the opened ports. Both the VM group and the project group end up
// attached to the server. Returns the ID of the created rule.
func (c *Connector) OpenPortRangeForVM(ctx context.Context, serverID string, start, stop int, etherType, protocol string) (string, error) {
	ruleEtherType, err := parseEtherType(etherType)
	if err != nil {
		return "", apierror.New(apierror.Default, serverID, "%s", err.Error())
	}
	srv, err := c.getServer(ctx, serverID)
	if err != nil {
		return "", err
	}
	projectSGName := fmt.Sprintf("%s_%s", c.projectName, c.projectID)
	projectSG, err := c.GetOrCreateProjectSecurityGroup(ctx, c.projectName, c.projectID)
	if err != nil {
		return "", err
	}

	unlock := c.sgLocks.lock(serverID)
	defer unlock()

	sg, err := c.securityGroupByName(ctx, serverID)
	if err != nil {
		return "", err
	}
	attached := sg != nil && serverHasSecurityGroup(srv, serverID)
	if sg == nil {
		sg, err = groups.Create(ctx, c.network, groups.CreateOpts{
			Name:        serverID,
			Description: fmt.Sprintf("Open ports of VM %s", srv.Name),
		}).Extract()
		if err != nil {
			return "", fmt.Errorf("failed to create vm security group %s: %w", serverID, err)
		}
	}

	ruleProtocol := rules.RuleProtocol(strings.ToLower(protocol))
	if ruleProtocol == "" {
		ruleProtocol = rules.ProtocolTCP
	}
	rule, err := rules.Create(ctx, c.network, rules.CreateOpts{
		SecGroupID:    sg.ID,
		Direction:     rules.DirIngress,
		EtherType:     ruleEtherType,
		Protocol:      ruleProtocol,
		PortRangeMin:  start,
		PortRangeMax:  stop,
		RemoteGroupID: projectSG,
	}).Extract()
	if err != nil {
		if isConflict(err) {
			return "", apierror.Wrap(apierror.OpenStackConflict, serverID, err)
		}
		return "", fmt.Errorf("failed to open ports %d-%d on %s: %w", start, stop, serverID, err)
	}
	if !attached {
		if err := c.AddSecurityGroupToServer(ctx, serverID, serverID); err != nil {
			return "", err
		}
	}
	if !serverHasSecurityGroup(srv, projectSGName) {
		if err := c.AddSecurityGroupToServer(ctx, serverID, projectSGName); err != nil {
			return "", err
		}
	}
	return rule.ID, nil
}

// parseEtherType maps the wire value to the SDK constant. Anything besides
// IPv4 and IPv6 is rejected.
func parseEtherType(etherType string) (rules.RuleEtherType, error) {
	switch {
	case strings.EqualFold(etherType, "IPv4"):
		return rules.EtherType4, nil
	case strings.EqualFold(etherType, "IPv6"):
		return rules.EtherType6, nil
	default:
		return "", fmt.Errorf("ethertype %q does not exist for security group rules", etherType)
	}
}

// AddSecurityGroupToServer attaches a group, by name, to a running server.
func (c *Connector) AddSecurityGroupToServer(ctx context.Context, serverID, groupName string) error {
	if err := secgroups.AddServer(ctx, c.compute, serverID, groupName).ExtractErr(); err != nil {
		if isNotFound(err) {
			return apierror.New(apierror.ServerNotFound, serverID, "server or security group not found")
		}
		return fmt.Errorf("failed to add security group %s to server %s: %w", groupName, serverID, err)
	}
	return nil
}

// RemoveSecurityGroupFromServer detaches a group, by name, from a server.
func (c *Connector) RemoveSecurityGroupFromServer(ctx context.Context, serverID, groupName string) error {
	if err := secgroups.RemoveServer(ctx, c.compute, serverID, groupName).ExtractErr(); err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to remove security group %s from server %s: %w", groupName, serverID, err)
	}
	return nil
}

// AddDefaultSecurityGroupsToServer attaches the shared baseline group to a
// server that lost it, restoring gateway SSH access.
func (c *Connector) AddDefaultSecurityGroupsToServer(ctx context.Context, serverID string) error {
	return c.AddSecurityGroupToServer(ctx, serverID, defaultSecurityGroupName)
}

// AddResearchEnvironmentSecurityGroup attaches an existing research
// environment group, by name, to a server. The group has to exist already;
// templates create theirs through EnsureResearchEnvironmentSecurityGroup.
func (c *Connector) AddResearchEnvironmentSecurityGroup(ctx context.Context, serverID, groupName string) error {
	sg, err := c.securityGroupByName(ctx, groupName)
	if err != nil {
		return err
	}
	if sg == nil {
		return apierror.New(apierror.SecurityGroupNotFound, groupName, "research environment security group not found")
	}
	srv, err := c.getServer(ctx, serverID)
	if err != nil {
		return err
	}
	if serverHasSecurityGroup(srv, groupName) {
		return nil
	}
	return c.AddSecurityGroupToServer(ctx, serverID, groupName)
}

// AddProjectSecurityGroupToServer attaches the per-project group to a server,
// creating the group when the project does not have one yet.
func (c *Connector) AddProjectSecurityGroupToServer(ctx context.Context, serverID, projectName, projectID string) error {
	if _, err := c.GetOrCreateProjectSecurityGroup(ctx, projectName, projectID); err != nil {
		return err
	}
	name := fmt.Sprintf("%s_%s", projectName, projectID)
	srv, err := c.getServer(ctx, serverID)
	if err != nil {
		return err
	}
	if serverHasSecurityGroup(srv, name) {
		return nil
	}
	return c.AddSecurityGroupToServer(ctx, serverID, name)
}

// RemoveSecurityGroupsFromServer detaches all groups of a server and deletes
// the ones nothing else uses, per the deletion policy of
// cleanupServerSecurityGroups.
func (c *Connector) RemoveSecurityGroupsFromServer(ctx context.Context, serverID string) error {
	srv, err := c.getServer(ctx, serverID)
	if err != nil {
		return err
	}
	c.cleanupServerSecurityGroups(ctx, srv)
	return nil
}

// GetSecurityGroupIDByName resolves a group name to its ID.
func (c *Connector) GetSecurityGroupIDByName(ctx context.Context, name string) (string, error) {
	sg, err := c.securityGroupByName(ctx, name)
	if err != nil {
		return "", err
	}
	if sg == nil {
		return "", apierror.New(apierror.SecurityGroupNotFound, name, "security group not found")
	}
	return sg.ID, nil
}

// DeleteSecurityGroupRule removes one rule by ID.
func (c *Connector) DeleteSecurityGroupRule(ctx context.Context, ruleID string) error {
	if err := rules.Delete(ctx, c.network, ruleID).ExtractErr(); err != nil {
		if isNotFound(err) {
			return apierror.New(apierror.SecurityGroupNotFound, ruleID, "security group rule not found")
		}
		return fmt.Errorf("failed to delete security group rule %s: %w", ruleID, err)
	}
	return nil
}

// cleanupServerSecurityGroups detaches and deletes the groups of a VM being
// deleted. Kept alive are the shared default group, bibigrid groups while the
// cluster master still exists, and any group other resources still use.
func (c *Connector) cleanupServerSecurityGroups(ctx context.Context, srv *servers.Server) {
	for _, entry := range srv.SecurityGroups {
		name, _ := entry["name"].(string)
		if name == "" || name == defaultSecurityGroupName {
			continue
		}
		if strings.Contains(name, "bibigrid") && strings.Contains(strings.ToLower(srv.Name), "master") {
			continue
		}
		if err := c.RemoveSecurityGroupFromServer(ctx, srv.ID, name); err != nil {
			c.log.Error(err, "failed to detach security group", "server", srv.ID, "group", name)
			continue
		}
		sg, err := c.securityGroupByName(ctx, name)
		if err != nil || sg == nil {
			continue
		}
		inUse, err := c.securityGroupInUse(ctx, sg.ID)
		if err != nil {
			c.log.Error(err, "failed to check security group usage", "group", name)
			continue
		}
		if inUse {
			continue
		}
		if err := groups.Delete(ctx, c.network, sg.ID).ExtractErr(); err != nil && !isNotFound(err) {
			c.log.Error(err, "failed to delete security group", "group", name)
		}
	}
}

func (c *Connector) securityGroupByName(ctx context.Context, name string) (*groups.SecGroup, error) {
	pages, err := groups.List(c.network, groups.ListOpts{Name: name}).AllPages(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list security groups: %w", err)
	}
	all, err := groups.ExtractGroups(pages)
	if err != nil {
		return nil, fmt.Errorf("failed to extract security groups: %w", err)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return &all[0], nil
}

// securityGroupInUse reports whether any port still references the group.
func (c *Connector) securityGroupInUse(ctx context.Context, sgID string) (bool, error) {
	pages, err := ports.List(c.network, ports.ListOpts{SecurityGroups: []string{sgID}}).AllPages(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to list ports of security group %s: %w", sgID, err)
	}
	all, err := ports.ExtractPorts(pages)
	if err != nil {
		return false, fmt.Errorf("failed to extract ports: %w", err)
	}
	return len(all) > 0, nil
}

func serverHasSecurityGroup(srv *servers.Server, name string) bool {
	for _, entry := range srv.SecurityGroups {
		if entryName, _ := entry["name"].(string); entryName == name {
			return true
		}
	}
	return false
}

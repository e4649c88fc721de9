package rpcserver

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/deNBI/simplevm-client/pkg/api"
	"github.com/deNBI/simplevm-client/pkg/bibigrid"
	"github.com/deNBI/simplevm-client/pkg/handler"
)

func (s *Server) mount(router chi.Router) {
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	router.Route("/images", func(r chi.Router) {
		r.Get("/", s.getImages)
		r.Get("/public", s.getPublicImages)
		r.Get("/private", s.getPrivateImages)
		r.Get("/{id}", s.getImage)
		r.Delete("/{id}", s.deleteImage)
		r.Post("/cross-check", s.crossCheckImage)
	})
	router.Post("/snapshots", s.createSnapshot)

	router.Route("/flavors", func(r chi.Router) {
		r.Get("/", s.getFlavors)
		r.Get("/{id}", s.getFlavor)
	})

	router.Route("/volumes", func(r chi.Router) {
		r.Post("/", s.createVolume)
		r.Post("/from-snapshot", s.createVolumeBySnapshot)
		r.Post("/from-volume", s.createVolumeBySourceVolume)
		r.Post("/by-ids", s.getVolumesByIDs)
		r.Get("/{id}", s.getVolume)
		r.Delete("/{id}", s.deleteVolume)
		r.Post("/{id}/resize", s.resizeVolume)
		r.Post("/{id}/attach", s.attachVolume)
		r.Post("/{id}/detach", s.detachVolume)
	})
	router.Route("/volume-snapshots", func(r chi.Router) {
		r.Post("/", s.createVolumeSnapshot)
		r.Get("/{id}", s.getVolumeSnapshot)
		r.Delete("/{id}", s.deleteVolumeSnapshot)
	})

	router.Route("/vms", func(r chi.Router) {
		r.Get("/", s.getServers)
		r.Post("/", s.startServer)
		r.Post("/playbook-boot", s.startServerWithPlaybook)
		r.Post("/by-ids", s.getServersByIDs)
		r.Get("/exists/{name}", s.existServer)
		r.Get("/by-name/{name}", s.getServerByUniqueName)
		r.Get("/{id}", s.getServer)
		r.Delete("/{id}", s.deleteServer)
		r.Post("/{id}/reboot", s.rebootServer)
		r.Post("/{id}/stop", s.stopServer)
		r.Post("/{id}/resume", s.resumeServer)
		r.Post("/{id}/rescue", s.rescueServer)
		r.Post("/{id}/unrescue", s.unrescueServer)
		r.Get("/{id}/console", s.getServerConsole)
		r.Get("/{id}/ports", s.getVMPorts)
		r.Post("/{id}/open-ports", s.openPortRange)
		r.Post("/{id}/udp", s.addUDPSecurityGroup)
		r.Post("/{id}/metadata", s.setServerMetadata)
		r.Delete("/{id}/security-groups", s.removeServerSecurityGroups)
		r.Post("/{id}/security-groups/default", s.addDefaultSecurityGroups)
		r.Post("/{id}/security-groups/project", s.addProjectSecurityGroup)
		r.Post("/{id}/security-groups/research-environment", s.addResearchEnvironmentSecurityGroup)
	})

	router.Route("/keypairs", func(r chi.Router) {
		r.Post("/", s.importKeypair)
		r.Get("/{name}", s.getKeypairPublicKey)
		r.Delete("/{name}", s.deleteKeypair)
	})

	router.Get("/security-groups/{name}", s.getSecurityGroupIDByName)
	router.Delete("/security-group-rules/{id}", s.deleteSecurityGroupRule)

	router.Route("/metadata-server", func(r chi.Router) {
		r.Get("/health", s.getMetadataServerHealth)
		r.Post("/{ip}", s.setMetadataServerData)
		r.Delete("/{ip}", s.removeMetadataServerData)
	})

	router.Route("/playbooks", func(r chi.Router) {
		r.Post("/", s.createAndDeployPlaybook)
		r.Get("/{id}/status", s.getPlaybookStatus)
		r.Get("/{id}/logs", s.getPlaybookLogs)
		r.Delete("/{id}", s.stopPlaybook)
	})

	router.Get("/limits", s.getLimits)
	router.Get("/gateway", s.getGatewayInfo)

	router.Route("/templates", func(r chi.Router) {
		r.Get("/", s.getTemplates)
		r.Post("/update", s.updateTemplates)
		r.Get("/{name}/versions", s.getTemplateVersions)
	})

	router.Route("/forc", func(r chi.Router) {
		r.Get("/url", s.getForcAccessURL)
		r.Get("/backend-url", s.getForcBackendURL)
		r.Get("/health", s.getForcHealth)
	})
	router.Route("/backends", func(r chi.Router) {
		r.Post("/", s.createBackend)
		r.Get("/", s.getBackends)
		r.Get("/{id}", s.getBackendByID)
		r.Delete("/{id}", s.deleteBackend)
		r.Get("/{id}/users", s.getUsersFromBackend)
		r.Post("/{id}/users", s.addUserToBackend)
		r.Delete("/{id}/users", s.removeUserFromBackend)
	})

	router.Route("/clusters", func(r chi.Router) {
		r.Post("/", s.startCluster)
		r.Get("/health", s.getClusterHealth)
		r.Get("/os-versions", s.getClusterOSVersions)
		r.Delete("/{id}", s.terminateCluster)
		r.Get("/{id}/state", s.getClusterState)
		r.Get("/{id}/info", s.getClusterInfo)
		r.Get("/{id}/log", s.getClusterLog)
		r.Get("/{id}/machines", s.getClusterMachines)
		r.Post("/{id}/machines", s.addClusterMachine)
	})
}

// --- images ---

func (s *Server) getImages(w http.ResponseWriter, r *http.Request) {
	images, err := s.handler.GetImages(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, images)
}

func (s *Server) getPublicImages(w http.ResponseWriter, r *http.Request) {
	images, err := s.handler.GetPublicImages(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, images)
}

func (s *Server) getPrivateImages(w http.ResponseWriter, r *http.Request) {
	images, err := s.handler.GetPrivateImages(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, images)
}

func (s *Server) getImage(w http.ResponseWriter, r *http.Request) {
	ignoreNotActive := r.URL.Query().Get("ignore_not_active") == "true"
	image, err := s.handler.GetImage(r.Context(), chi.URLParam(r, "id"), ignoreNotActive)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, image)
}

func (s *Server) deleteImage(w http.ResponseWriter, r *http.Request) {
	if err := s.handler.DeleteImage(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nil)
}

func (s *Server) crossCheckImage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tags []string `json:"tags"`
	}
	if err := decode(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"compatible": s.handler.CrossCheckForcImage(req.Tags)})
}

func (s *Server) createSnapshot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ServerID string   `json:"server_id"`
		Name     string   `json:"name"`
		Username string   `json:"username"`
		BaseTag  string   `json:"base_tag"`
		Tags     []string `json:"tags"`
	}
	if err := decode(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	imageID, err := s.handler.CreateSnapshot(r.Context(), req.ServerID, req.Name, req.Username, req.BaseTag, req.Tags)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"image_id": imageID})
}

// --- flavors ---

func (s *Server) getFlavors(w http.ResponseWriter, r *http.Request) {
	flavors, err := s.handler.GetFlavors(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, flavors)
}

func (s *Server) getFlavor(w http.ResponseWriter, r *http.Request) {
	flavor, err := s.handler.GetFlavor(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, flavor)
}

// --- volumes ---

func (s *Server) createVolume(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string            `json:"name"`
		Size     int               `json:"size"`
		Metadata map[string]string `json:"metadata"`
	}
	if err := decode(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	volume, err := s.handler.CreateVolume(r.Context(), req.Name, req.Size, req.Metadata)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, volume)
}

func (s *Server) createVolumeBySnapshot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       string            `json:"name"`
		SnapshotID string            `json:"snapshot_id"`
		Metadata   map[string]string `json:"metadata"`
	}
	if err := decode(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	volume, err := s.handler.CreateVolumeBySnapshot(r.Context(), req.Name, req.SnapshotID, req.Metadata)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, volume)
}

func (s *Server) createVolumeBySourceVolume(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name           string            `json:"name"`
		SourceVolumeID string            `json:"source_volume_id"`
		Metadata       map[string]string `json:"metadata"`
	}
	if err := decode(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	volume, err := s.handler.CreateVolumeBySourceVolume(r.Context(), req.Name, req.SourceVolumeID, req.Metadata)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, volume)
}

func (s *Server) getVolumesByIDs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := decode(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	volumes, err := s.handler.GetVolumesByIDs(r.Context(), req.IDs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, volumes)
}

func (s *Server) getVolume(w http.ResponseWriter, r *http.Request) {
	volume, err := s.handler.GetVolume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, volume)
}

func (s *Server) deleteVolume(w http.ResponseWriter, r *http.Request) {
	if err := s.handler.DeleteVolume(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nil)
}

func (s *Server) resizeVolume(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Size int `json:"size"`
	}
	if err := decode(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	if err := s.handler.ResizeVolume(r.Context(), chi.URLParam(r, "id"), req.Size); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nil)
}

func (s *Server) attachVolume(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ServerID string `json:"server_id"`
	}
	if err := decode(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	device, err := s.handler.AttachVolume(r.Context(), req.ServerID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"device": device})
}

func (s *Server) detachVolume(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ServerID string `json:"server_id"`
	}
	if err := decode(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	if err := s.handler.DetachVolume(r.Context(), req.ServerID, chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nil)
}

func (s *Server) createVolumeSnapshot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VolumeID    string `json:"volume_id"`
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := decode(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	snapshotID, err := s.handler.CreateVolumeSnapshot(r.Context(), req.VolumeID, req.Name, req.Description)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"snapshot_id": snapshotID})
}

func (s *Server) getVolumeSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.handler.GetVolumeSnapshot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) deleteVolumeSnapshot(w http.ResponseWriter, r *http.Request) {
	if err := s.handler.DeleteVolumeSnapshot(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nil)
}

// --- vms ---

type startVMRequest struct {
	FlavorName                 string            `json:"flavor_name"`
	ImageName                  string            `json:"image_name"`
	ServerName                 string            `json:"server_name"`
	Metadata                   map[string]string `json:"metadata"`
	PublicKey                  string            `json:"public_key"`
	AdditionalKeys             []string          `json:"additional_keys"`
	Volumes                    []api.VolumeMount `json:"volumes"`
	SlurmVersion               string            `json:"slurm_version"`
	AdditionalSecurityGroupIDs []string          `json:"additional_security_group_ids"`
	ExtraScript                string            `json:"extra_script"`
	ResearchEnvironment        string            `json:"research_environment"`
}

func (r startVMRequest) toParams() handler.StartVMParams {
	return handler.StartVMParams{
		FlavorName:                 r.FlavorName,
		ImageName:                  r.ImageName,
		ServerName:                 r.ServerName,
		Metadata:                   r.Metadata,
		PublicKey:                  r.PublicKey,
		AdditionalKeys:             r.AdditionalKeys,
		Volumes:                    r.Volumes,
		SlurmVersion:               r.SlurmVersion,
		AdditionalSecurityGroupIDs: r.AdditionalSecurityGroupIDs,
		ExtraScript:                r.ExtraScript,
		ResearchEnvironment:        r.ResearchEnvironment,
	}
}

func (s *Server) startServer(w http.ResponseWriter, r *http.Request) {
	var req startVMRequest
	if err := decode(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	serverID, err := s.handler.StartServer(r.Context(), req.toParams())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"openstack_id": serverID})
}

func (s *Server) startServerWithPlaybook(w http.ResponseWriter, r *http.Request) {
	var req startVMRequest
	if err := decode(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	serverID, err := s.handler.StartServerWithPlaybook(r.Context(), req.toParams())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"openstack_id": serverID})
}

func (s *Server) getServers(w http.ResponseWriter, r *http.Request) {
	vms, err := s.handler.GetServers(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, vms)
}

func (s *Server) getServersByIDs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := decode(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	vms, err := s.handler.GetServersByIDs(r.Context(), req.IDs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, vms)
}

func (s *Server) existServer(w http.ResponseWriter, r *http.Request) {
	exists, err := s.handler.ExistServer(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"exists": exists})
}

func (s *Server) getServerByUniqueName(w http.ResponseWriter, r *http.Request) {
	vm, err := s.handler.GetServerByUniqueName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, vm)
}

func (s *Server) getServer(w http.ResponseWriter, r *http.Request) {
	vm, err := s.handler.GetServer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, vm)
}

func (s *Server) deleteServer(w http.ResponseWriter, r *http.Request) {
	if err := s.handler.DeleteServer(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nil)
}

func (s *Server) rebootServer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Hard bool `json:"hard"`
	}
	if err := decode(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	if err := s.handler.RebootServer(r.Context(), chi.URLParam(r, "id"), req.Hard); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nil)
}

func (s *Server) stopServer(w http.ResponseWriter, r *http.Request) {
	if err := s.handler.StopServer(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nil)
}

func (s *Server) resumeServer(w http.ResponseWriter, r *http.Request) {
	if err := s.handler.ResumeServer(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nil)
}

func (s *Server) rescueServer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AdminPass      string `json:"admin_pass"`
		RescueImageRef string `json:"rescue_image_ref"`
	}
	// The body is optional; rescue with backend defaults when it is absent.
	if err := decode(r, &req); err != nil && !errors.Is(err, io.EOF) {
		s.writeBadRequest(w, err)
		return
	}
	password, err := s.handler.RescueServer(r.Context(), chi.URLParam(r, "id"), req.AdminPass, req.RescueImageRef)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"admin_password": password})
}

func (s *Server) unrescueServer(w http.ResponseWriter, r *http.Request) {
	if err := s.handler.UnrescueServer(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nil)
}

func (s *Server) getServerConsole(w http.ResponseWriter, r *http.Request) {
	url, err := s.handler.GetServerConsole(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"console_url": url})
}

func (s *Server) getVMPorts(w http.ResponseWriter, r *http.Request) {
	ports, err := s.handler.GetVMPorts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ports)
}

func (s *Server) openPortRange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Start     int    `json:"start"`
		Stop      int    `json:"stop"`
		EtherType string `json:"ether_type"`
		Protocol  string `json:"protocol"`
	}
	if err := decode(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	ruleID, err := s.handler.OpenPortRangeForVM(r.Context(), chi.URLParam(r, "id"), req.Start, req.Stop, req.EtherType, req.Protocol)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"rule_id": ruleID})
}

func (s *Server) addUDPSecurityGroup(w http.ResponseWriter, r *http.Request) {
	if err := s.handler.AddUDPSecurityGroup(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nil)
}

func (s *Server) setServerMetadata(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Metadata map[string]string `json:"metadata"`
	}
	if err := decode(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	if err := s.handler.SetServerMetadata(r.Context(), chi.URLParam(r, "id"), req.Metadata); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nil)
}

// --- security groups ---

func (s *Server) removeServerSecurityGroups(w http.ResponseWriter, r *http.Request) {
	if err := s.handler.RemoveSecurityGroupsFromServer(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nil)
}

func (s *Server) addDefaultSecurityGroups(w http.ResponseWriter, r *http.Request) {
	if err := s.handler.AddDefaultSecurityGroupsToServer(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nil)
}

func (s *Server) addProjectSecurityGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectName string `json:"project_name"`
		ProjectID   string `json:"project_id"`
	}
	if err := decode(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	if err := s.handler.AddProjectSecurityGroupToServer(r.Context(), chi.URLParam(r, "id"), req.ProjectName, req.ProjectID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nil)
}

func (s *Server) addResearchEnvironmentSecurityGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SecurityGroupName string `json:"security_group_name"`
	}
	if err := decode(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	if err := s.handler.AddResearchEnvironmentSecurityGroup(r.Context(), chi.URLParam(r, "id"), req.SecurityGroupName); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nil)
}

func (s *Server) getSecurityGroupIDByName(w http.ResponseWriter, r *http.Request) {
	id, err := s.handler.GetSecurityGroupIDByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"security_group_id": id})
}

func (s *Server) deleteSecurityGroupRule(w http.ResponseWriter, r *http.Request) {
	if err := s.handler.DeleteSecurityGroupRule(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nil)
}

// --- keypairs ---

func (s *Server) importKeypair(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      string `json:"name"`
		PublicKey string `json:"public_key"`
	}
	if err := decode(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	if err := s.handler.ImportKeypair(r.Context(), req.Name, req.PublicKey); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nil)
}

func (s *Server) getKeypairPublicKey(w http.ResponseWriter, r *http.Request) {
	publicKey, err := s.handler.GetKeypairPublicKey(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"public_key": publicKey})
}

func (s *Server) deleteKeypair(w http.ResponseWriter, r *http.Request) {
	if err := s.handler.DeleteKeypair(r.Context(), chi.URLParam(r, "name")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nil)
}

// --- metadata sidecar ---

func (s *Server) getMetadataServerHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]bool{"available": s.handler.IsMetadataServerAvailable(r.Context())})
}

func (s *Server) setMetadataServerData(w http.ResponseWriter, r *http.Request) {
	var metadata api.ServerMetadata
	if err := decode(r, &metadata); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	if err := s.handler.SetMetadataServerData(r.Context(), chi.URLParam(r, "ip"), &metadata); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nil)
}

func (s *Server) removeMetadataServerData(w http.ResponseWriter, r *http.Request) {
	if err := s.handler.RemoveMetadataServerData(r.Context(), chi.URLParam(r, "ip")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nil)
}

// --- playbooks ---

func (s *Server) createAndDeployPlaybook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VMID                       string             `json:"openstack_id"`
		PublicKey                  string             `json:"public_key"`
		CondaPackages              []api.CondaPackage `json:"conda_packages"`
		AptPackages                []string           `json:"apt_packages"`
		ResearchEnvironment        string             `json:"research_environment"`
		ResearchEnvironmentVersion string             `json:"research_environment_version"`
		CreateOnlyBackend          bool               `json:"create_only_backend"`
		BaseURL                    string             `json:"base_url"`
	}
	if err := decode(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	err := s.handler.CreateAndDeployPlaybook(r.Context(), handler.DeployPlaybookParams{
		VMID:                       req.VMID,
		PublicKey:                  req.PublicKey,
		CondaPackages:              req.CondaPackages,
		AptPackages:                req.AptPackages,
		ResearchEnvironment:        req.ResearchEnvironment,
		ResearchEnvironmentVersion: req.ResearchEnvironmentVersion,
		CreateOnlyBackend:          req.CreateOnlyBackend,
		BaseURL:                    req.BaseURL,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, nil)
}

func (s *Server) getPlaybookStatus(w http.ResponseWriter, r *http.Request) {
	vm, err := s.handler.GetPlaybookStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, vm)
}

func (s *Server) getPlaybookLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.handler.GetPlaybookLogs(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, logs)
}

func (s *Server) stopPlaybook(w http.ResponseWriter, r *http.Request) {
	s.handler.StopPlaybook(chi.URLParam(r, "id"))
	s.writeJSON(w, http.StatusOK, nil)
}

// --- limits, gateway ---

func (s *Server) getLimits(w http.ResponseWriter, r *http.Request) {
	limits, err := s.handler.GetLimits(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, limits)
}

func (s *Server) getGatewayInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.handler.GetGatewayInfo())
}

// --- templates, forc ---

func (s *Server) getTemplates(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.handler.GetTemplates())
}

func (s *Server) updateTemplates(w http.ResponseWriter, r *http.Request) {
	if err := s.handler.UpdateTemplates(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nil)
}

func (s *Server) getTemplateVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.handler.GetAllowedTemplateVersions(chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string][]string{"versions": versions})
}

func (s *Server) getForcAccessURL(w http.ResponseWriter, r *http.Request) {
	url, err := s.handler.GetForcAccessURL()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"access_url": url})
}

func (s *Server) getForcBackendURL(w http.ResponseWriter, r *http.Request) {
	url, err := s.handler.GetForcBackendURL()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"backend_url": url})
}

func (s *Server) getForcHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]bool{"activated": s.handler.HasForc()})
}

// --- backends ---

func backendID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func (s *Server) createBackend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner           string `json:"owner"`
		UserKeyURL      string `json:"user_key_url"`
		Template        string `json:"template"`
		TemplateVersion string `json:"template_version"`
		ServerID        string `json:"openstack_id"`
	}
	if err := decode(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	backend, err := s.handler.CreateBackend(r.Context(), req.Owner, req.UserKeyURL, req.Template, req.TemplateVersion, req.ServerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, backend)
}

func (s *Server) getBackends(w http.ResponseWriter, r *http.Request) {
	var (
		backends []*api.Backend
		err      error
	)
	switch {
	case r.URL.Query().Get("owner") != "":
		backends, err = s.handler.GetBackendsByOwner(r.Context(), r.URL.Query().Get("owner"))
	case r.URL.Query().Get("template") != "":
		backends, err = s.handler.GetBackendsByTemplate(r.Context(), r.URL.Query().Get("template"))
	default:
		backends, err = s.handler.GetBackends(r.Context())
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, backends)
}

func (s *Server) getBackendByID(w http.ResponseWriter, r *http.Request) {
	id, err := backendID(r)
	if err != nil {
		s.writeBadRequest(w, err)
		return
	}
	backend, err := s.handler.GetBackendByID(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, backend)
}

func (s *Server) deleteBackend(w http.ResponseWriter, r *http.Request) {
	id, err := backendID(r)
	if err != nil {
		s.writeBadRequest(w, err)
		return
	}
	if err := s.handler.DeleteBackend(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nil)
}

func (s *Server) getUsersFromBackend(w http.ResponseWriter, r *http.Request) {
	id, err := backendID(r)
	if err != nil {
		s.writeBadRequest(w, err)
		return
	}
	users, err := s.handler.GetUsersFromBackend(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, users)
}

func (s *Server) addUserToBackend(w http.ResponseWriter, r *http.Request) {
	id, err := backendID(r)
	if err != nil {
		s.writeBadRequest(w, err)
		return
	}
	var req struct {
		User string `json:"user"`
	}
	if err := decode(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	if err := s.handler.AddUserToBackend(r.Context(), id, req.User); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nil)
}

func (s *Server) removeUserFromBackend(w http.ResponseWriter, r *http.Request) {
	id, err := backendID(r)
	if err != nil {
		s.writeBadRequest(w, err)
		return
	}
	var req struct {
		User string `json:"user"`
	}
	if err := decode(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	if err := s.handler.RemoveUserFromBackend(r.Context(), id, req.User); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nil)
}

// --- clusters ---

func (s *Server) startCluster(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Master  api.ClusterInstance `json:"master_instance"`
		Workers []api.ClusterWorker `json:"worker_instances"`
		SSHKey  string              `json:"public_key"`
		User    string              `json:"user"`
		Project string              `json:"project"`
	}
	if err := decode(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	msg, err := s.handler.StartCluster(r.Context(), bibigrid.ClusterRequest{
		Master:  req.Master,
		Workers: req.Workers,
		SSHKey:  req.SSHKey,
		User:    req.User,
		Project: req.Project,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) getClusterHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]bool{"activated": s.handler.HasBibigrid(r.Context())})
}

func (s *Server) getClusterOSVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.handler.GetClusterOSVersions(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string][]string{"os_versions": versions})
}

func (s *Server) terminateCluster(w http.ResponseWriter, r *http.Request) {
	msg, err := s.handler.TerminateCluster(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, msg)
}

func (s *Server) getClusterState(w http.ResponseWriter, r *http.Request) {
	state, err := s.handler.GetClusterState(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) getClusterInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.handler.GetClusterInfo(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) getClusterLog(w http.ResponseWriter, r *http.Request) {
	clusterLog, err := s.handler.GetClusterLog(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, clusterLog)
}

func (s *Server) getClusterMachines(w http.ResponseWriter, r *http.Request) {
	vms, err := s.handler.GetServersByClusterID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, vms)
}

func (s *Server) addClusterMachine(w http.ResponseWriter, r *http.Request) {
	var req struct {
		KeyName     string `json:"key_name"`
		ImageName   string `json:"image_name"`
		FlavorName  string `json:"flavor_name"`
		Name        string `json:"name"`
		BatchIndex  string `json:"batch_index"`
		WorkerIndex string `json:"worker_index"`
	}
	if err := decode(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	serverID, err := s.handler.AddClusterMachine(r.Context(), chi.URLParam(r, "id"),
		req.KeyName, req.ImageName, req.FlavorName, req.Name, req.BatchIndex, req.WorkerIndex)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"openstack_id": serverID})
}

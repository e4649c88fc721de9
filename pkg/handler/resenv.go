package handler

// Research environment operations: the template catalog and the backends the
// proxy serves from it.

import (
	"context"
	"fmt"

	"github.com/deNBI/simplevm-client/pkg/api"
	"github.com/deNBI/simplevm-client/pkg/forc"
)

// HasForc reports whether research environment support is configured.
func (h *Handler) HasForc() bool { return h.forc != nil }

// GetForcAccessURL returns the public base URL of the proxy.
func (h *Handler) GetForcAccessURL() (string, error) {
	if err := h.requireForc(); err != nil {
		return "", err
	}
	return h.forc.AccessURL(), nil
}

// GetForcBackendURL returns the base URL of the proxy API.
func (h *Handler) GetForcBackendURL() (string, error) {
	if err := h.requireForc(); err != nil {
		return "", err
	}
	return h.forc.BackendURL(), nil
}

// GetTemplates lists the loaded research environment templates.
func (h *Handler) GetTemplates() []api.ResearchEnvironmentTemplate {
	if h.catalog == nil {
		return nil
	}
	return h.catalog.Templates()
}

// GetAllowedTemplateVersions returns the served versions of one template,
// newest first.
func (h *Handler) GetAllowedTemplateVersions(template string) ([]string, error) {
	if h.catalog == nil {
		return nil, nil
	}
	return h.catalog.AllowedVersions(template)
}

// IsTemplateVersionAllowed reports whether a template version is cleared for
// deployment.
func (h *Handler) IsTemplateVersionAllowed(template, version string) bool {
	return h.catalog != nil && h.catalog.HasVersion(template, version)
}

// CrossCheckForcImage reports whether an image's tags name a loaded
// template, meaning a research environment can be deployed on it.
func (h *Handler) CrossCheckForcImage(tags []string) bool {
	return h.catalog != nil && h.catalog.CrossCheckImageTags(tags)
}

// UpdateTemplates triggers a catalog refresh.
func (h *Handler) UpdateTemplates(ctx context.Context) error {
	if h.catalog == nil {
		return nil
	}
	return h.catalog.Update(ctx)
}

// CreateBackend deploys a backend routing to a VM's research environment.
// The upstream URL is derived from the VM's gateway port mapping.
func (h *Handler) CreateBackend(ctx context.Context, owner, userKeyURL, template, version, serverID string) (*api.Backend, error) {
	if err := h.requireForc(); err != nil {
		return nil, err
	}
	if !h.IsTemplateVersionAllowed(template, version) {
		return nil, fmt.Errorf("template %s version %s is not served", template, version)
	}
	entry, err := h.catalog.Get(template)
	if err != nil {
		return nil, err
	}
	vm, err := h.cloud.GetServer(ctx, serverID)
	if err != nil {
		return nil, err
	}
	upstream := fmt.Sprintf("http://%s:%d", vm.FixedIP, entry.Metadata.Port)
	return h.forc.CreateBackend(ctx, forc.CreateBackendParams{
		Owner:           owner,
		UserKeyURL:      userKeyURL,
		Template:        template,
		TemplateVersion: version,
		UpstreamURL:     upstream,
	})
}

// GetBackends lists all backends.
func (h *Handler) GetBackends(ctx context.Context) ([]*api.Backend, error) {
	if err := h.requireForc(); err != nil {
		return nil, err
	}
	return h.forc.GetBackends(ctx)
}

// GetBackendsByOwner lists the backends a user owns.
func (h *Handler) GetBackendsByOwner(ctx context.Context, owner string) ([]*api.Backend, error) {
	if err := h.requireForc(); err != nil {
		return nil, err
	}
	return h.forc.GetBackendsByOwner(ctx, owner)
}

// GetBackendsByTemplate lists the backends deployed from a template.
func (h *Handler) GetBackendsByTemplate(ctx context.Context, template string) ([]*api.Backend, error) {
	if err := h.requireForc(); err != nil {
		return nil, err
	}
	return h.forc.GetBackendsByTemplate(ctx, template)
}

// GetBackendByID returns one backend.
func (h *Handler) GetBackendByID(ctx context.Context, backendID int64) (*api.Backend, error) {
	if err := h.requireForc(); err != nil {
		return nil, err
	}
	return h.forc.GetBackendByID(ctx, backendID)
}

// DeleteBackend removes a backend from the proxy.
func (h *Handler) DeleteBackend(ctx context.Context, backendID int64) error {
	if err := h.requireForc(); err != nil {
		return err
	}
	return h.forc.DeleteBackend(ctx, backendID)
}

// GetUsersFromBackend lists the users granted access to a backend.
func (h *Handler) GetUsersFromBackend(ctx context.Context, backendID int64) ([]string, error) {
	if err := h.requireForc(); err != nil {
		return nil, err
	}
	return h.forc.GetUsersFromBackend(ctx, backendID)
}

// AddUserToBackend grants a user access to a backend.
func (h *Handler) AddUserToBackend(ctx context.Context, backendID int64, user string) error {
	if err := h.requireForc(); err != nil {
		return err
	}
	return h.forc.AddUserToBackend(ctx, backendID, user)
}

// RemoveUserFromBackend revokes a user's access to a backend.
func (h *Handler) RemoveUserFromBackend(ctx context.Context, backendID int64, user string) error {
	if err := h.requireForc(); err != nil {
		return err
	}
	return h.forc.RemoveUserFromBackend(ctx, backendID, user)
}

// Package handler is the orchestrator behind the RPC surface. It composes
// the cloud connector, the KV store, the research environment catalog, the
// playbook manager and the provisioner and metadata clients into the
// operations the portal calls.
package handler

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/deNBI/simplevm-client/pkg/api"
	"github.com/deNBI/simplevm-client/pkg/apierror"
	"github.com/deNBI/simplevm-client/pkg/bibigrid"
	"github.com/deNBI/simplevm-client/pkg/config"
	"github.com/deNBI/simplevm-client/pkg/forc"
	"github.com/deNBI/simplevm-client/pkg/forc/playbook"
	"github.com/deNBI/simplevm-client/pkg/forc/template"
	"github.com/deNBI/simplevm-client/pkg/kvstore"
	"github.com/deNBI/simplevm-client/pkg/openstack"
	"github.com/deNBI/simplevm-client/pkg/portcalc"
)

// Handler wires all subsystems together. Bibigrid, Forc and the metadata
// sidecar are optional; their fields stay nil when deactivated and the
// corresponding operations answer with ResourceNotAvailable.
type Handler struct {
	log  logr.Logger
	cfg  *config.Config
	calc *portcalc.Calculator

	store     *kvstore.Store
	cloud     *openstack.Connector
	forc      *forc.Client
	catalog   *template.Catalog
	playbooks *playbook.Manager
	cluster   *bibigrid.Client
	metadata  MetadataClient
}

// MetadataClient is what the handler needs from the metadata sidecar.
type MetadataClient interface {
	Available(ctx context.Context) bool
	Endpoint() string
	SetMetadata(ctx context.Context, fixedIP string, metadata *api.ServerMetadata) error
	RemoveMetadata(ctx context.Context, fixedIP string) error
}

// Options carries the subsystems built in main.
type Options struct {
	Config    *config.Config
	Calc      *portcalc.Calculator
	Store     *kvstore.Store
	Cloud     *openstack.Connector
	Forc      *forc.Client
	Catalog   *template.Catalog
	Playbooks *playbook.Manager
	Cluster   *bibigrid.Client
	Metadata  MetadataClient
}

// New builds the handler and registers the playbook completion hook.
func New(log logr.Logger, opts Options) *Handler {
	h := &Handler{
		log:       log.WithName("handler"),
		cfg:       opts.Config,
		calc:      opts.Calc,
		store:     opts.Store,
		cloud:     opts.Cloud,
		forc:      opts.Forc,
		catalog:   opts.Catalog,
		playbooks: opts.Playbooks,
		cluster:   opts.Cluster,
		metadata:  opts.Metadata,
	}
	if h.playbooks != nil {
		h.playbooks.OnFinished(h.dropBootKeypair)
	}
	return h
}

// dropBootKeypair removes the temporary keypair of a VM once its playbook
// has rotated the access key.
func (h *Handler) dropBootKeypair(vmID string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	record, found, err := h.store.Get(ctx, vmID)
	if err != nil || !found || record.KeypairName == "" {
		return
	}
	if err := h.cloud.DeleteKeypair(ctx, record.KeypairName); err != nil {
		h.log.Error(err, "failed to drop boot keypair", "vm", vmID, "keypair", record.KeypairName)
	}
}

// Shutdown tears down every VM still in the provisioning pipeline: its
// keypair, its playbook and the VM itself. VMs past the pipeline stay up.
func (h *Handler) Shutdown(ctx context.Context) {
	if h.playbooks == nil {
		return
	}
	for _, vmID := range h.playbooks.ActiveVMs() {
		record, found, err := h.store.Get(ctx, vmID)
		if err == nil && found && record.KeypairName != "" {
			if err := h.cloud.DeleteKeypair(ctx, record.KeypairName); err != nil {
				h.log.Error(err, "shutdown: failed to delete keypair", "vm", vmID)
			}
		}
		h.playbooks.Stop(vmID)
		if err := h.cloud.DeleteServer(ctx, vmID); err != nil {
			h.log.Error(err, "shutdown: failed to delete half-provisioned server", "vm", vmID)
		}
		if err := h.store.Delete(ctx, vmID); err != nil {
			h.log.Error(err, "shutdown: failed to drop pipeline record", "vm", vmID)
		}
		h.log.Info("shutdown: removed half-provisioned VM", "vm", vmID)
	}
	h.playbooks.StopAll()
}

func (h *Handler) requireForc() error {
	if h.forc == nil {
		return apierror.New(apierror.ResourceNotAvailable, "forc", "research environment support is not activated")
	}
	return nil
}

func (h *Handler) requireCluster() error {
	if h.cluster == nil {
		return apierror.New(apierror.ResourceNotAvailable, "bibigrid", "cluster support is not activated")
	}
	return nil
}

func (h *Handler) requireMetadata() error {
	if h.metadata == nil {
		return apierror.New(apierror.ResourceNotAvailable, "metadata", "metadata sidecar support is not activated")
	}
	return nil
}

// IsMetadataServerAvailable reports whether the sidecar answers its health
// endpoint. False when the sidecar is deactivated.
func (h *Handler) IsMetadataServerAvailable(ctx context.Context) bool {
	return h.metadata != nil && h.metadata.Available(ctx)
}

// SetMetadataServerData pushes metadata for a fixed IP to the sidecar.
func (h *Handler) SetMetadataServerData(ctx context.Context, fixedIP string, metadata *api.ServerMetadata) error {
	if err := h.requireMetadata(); err != nil {
		return err
	}
	return h.metadata.SetMetadata(ctx, fixedIP, metadata)
}

// RemoveMetadataServerData removes the sidecar entry of a fixed IP.
func (h *Handler) RemoveMetadataServerData(ctx context.Context, fixedIP string) error {
	if err := h.requireMetadata(); err != nil {
		return err
	}
	return h.metadata.RemoveMetadata(ctx, fixedIP)
}

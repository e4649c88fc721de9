package handler

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deNBI/simplevm-client/pkg/apierror"
	"github.com/deNBI/simplevm-client/pkg/bibigrid"
	"github.com/deNBI/simplevm-client/pkg/forc/template"
)

func TestDeactivatedSubsystemsAnswerNotAvailable(t *testing.T) {
	h := New(logr.Discard(), Options{})

	assert.False(t, h.HasForc())
	_, err := h.GetForcAccessURL()
	assert.True(t, apierror.IsKind(err, apierror.ResourceNotAvailable))

	_, err = h.GetForcBackendURL()
	assert.True(t, apierror.IsKind(err, apierror.ResourceNotAvailable))

	assert.False(t, h.IsMetadataServerAvailable(context.Background()))
	err = h.SetMetadataServerData(context.Background(), "192.52.2.1", nil)
	assert.True(t, apierror.IsKind(err, apierror.ResourceNotAvailable))
	err = h.RemoveMetadataServerData(context.Background(), "192.52.2.1")
	assert.True(t, apierror.IsKind(err, apierror.ResourceNotAvailable))

	_, err = h.GetBackends(context.Background())
	assert.True(t, apierror.IsKind(err, apierror.ResourceNotAvailable))

	_, err = h.StartCluster(context.Background(), bibigrid.ClusterRequest{})
	assert.True(t, apierror.IsKind(err, apierror.ResourceNotAvailable))

	_, err = h.GetClusterState(context.Background(), "abc123")
	assert.True(t, apierror.IsKind(err, apierror.ResourceNotAvailable))

	_, err = h.GetPlaybookLogs(context.Background(), "vm-1")
	assert.True(t, apierror.IsKind(err, apierror.ResourceNotAvailable))

	assert.Empty(t, h.GetTemplates())
	assert.False(t, h.IsTemplateVersionAllowed("rstudio", "1.0.0"))
	assert.False(t, h.CrossCheckForcImage([]string{"rstudio"}))
}

func TestTemplateQueries(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "rstudio"), 0o755))
	metadata := "template_name: rstudio\ntitle: RStudio\nport: 8787\nneeds_forc_support: false\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rstudio", "rstudio_metadata.yml"), []byte(metadata), 0o644))

	catalog := template.New(logr.Discard(), nil, dir, "")
	require.NoError(t, catalog.Reload(context.Background()))

	h := New(logr.Discard(), Options{Catalog: catalog})
	templates := h.GetTemplates()
	require.Len(t, templates, 1)
	assert.Equal(t, "rstudio", templates[0].TemplateName)
	assert.True(t, h.CrossCheckForcImage([]string{"ubuntu", "rstudio"}))

	_, err := h.GetAllowedTemplateVersions("jupyter")
	assert.True(t, apierror.IsKind(err, apierror.TemplateNotFound))
}

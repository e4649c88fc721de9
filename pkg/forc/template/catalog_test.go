package template

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deNBI/simplevm-client/pkg/apierror"
)

type fakeProber struct {
	served map[string]bool
}

func (f *fakeProber) HasTemplateVersion(_ context.Context, template, version string) (bool, error) {
	return f.served[template+"/"+version], nil
}

func writeTemplate(t *testing.T, dir, name, metadata string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, name), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name, name+"_metadata.yml"), []byte(metadata), 0o644))
}

func TestReload(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "rstudio", `
template_name: rstudio
title: RStudio
port: 8787
securitygroup_name: rstudio-sg
needs_forc_support: true
is_maintained: true
forc_versions: ["1.2.0", "2.0.1", "1.10.0"]
`)
	writeTemplate(t, dir, "theia", `
template_name: theia
title: Theia IDE
port: 8080
needs_forc_support: true
forc_versions: ["0.1.0"]
`)
	// Repository directories that never hold templates.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "packer"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "optional"), 0o755))

	prober := &fakeProber{served: map[string]bool{
		"rstudio/1.2.0":  true,
		"rstudio/2.0.1":  true,
		"rstudio/1.10.0": true,
		// theia is not served at all.
	}}
	catalog := New(logr.Discard(), prober, dir, "")
	require.NoError(t, catalog.Update(context.Background()))

	templates := catalog.Templates()
	require.Len(t, templates, 1)
	assert.Equal(t, "rstudio", templates[0].TemplateName)
	assert.Equal(t, 8787, templates[0].Port)

	versions, err := catalog.AllowedVersions("rstudio")
	require.NoError(t, err)
	assert.Equal(t, []string{"2.0.1", "1.10.0", "1.2.0"}, versions)

	assert.True(t, catalog.HasVersion("rstudio", "1.10.0"))
	assert.False(t, catalog.HasVersion("rstudio", "9.9.9"))

	_, err = catalog.Get("theia")
	assert.True(t, apierror.IsKind(err, apierror.TemplateNotFound))
}

func TestCrossCheckImageTags(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "rstudio", "template_name: rstudio\nneeds_forc_support: false\n")
	catalog := New(logr.Discard(), nil, dir, "")
	require.NoError(t, catalog.Reload(context.Background()))

	assert.True(t, catalog.CrossCheckImageTags([]string{"ubuntu", "rstudio"}))
	assert.False(t, catalog.CrossCheckImageTags([]string{"ubuntu", "jupyter"}))
}

func TestSortVersionsDesc(t *testing.T) {
	versions := []string{"1.2.0", "10.0.0", "1.10.0", "2.0.1"}
	sortVersionsDesc(versions)
	assert.Equal(t, []string{"10.0.0", "2.0.1", "1.10.0", "1.2.0"}, versions)
}

func TestExtractRepositoryStripsRoot(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "repo.zip")
	out, err := os.Create(archive)
	require.NoError(t, err)
	writer := zip.NewWriter(out)
	entry, err := writer.Create("playbooks-master/rstudio/rstudio_metadata.yml")
	require.NoError(t, err)
	_, err = entry.Write([]byte("template_name: rstudio\n"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	require.NoError(t, out.Close())

	dst := t.TempDir()
	require.NoError(t, extractRepository(archive, dst))
	assert.FileExists(t, filepath.Join(dst, "rstudio", "rstudio_metadata.yml"))
}

func TestExtractRepositoryRejectsEscape(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "repo.zip")
	out, err := os.Create(archive)
	require.NoError(t, err)
	writer := zip.NewWriter(out)
	_, err = writer.Create("root/../../escape.txt")
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	require.NoError(t, out.Close())

	assert.Error(t, extractRepository(archive, t.TempDir()))
}

package template

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blang/semver"
	"github.com/go-logr/logr"

	"github.com/deNBI/simplevm-client/pkg/api"
	"github.com/deNBI/simplevm-client/pkg/apierror"
)

// ErrUpdateInProgress is returned when a catalog refresh is already running.
var ErrUpdateInProgress = errors.New("catalog update already in progress")

// updateDeferral is how long a scheduled refresh waits for running playbooks
// to finish before trying again, and how often it retries.
const (
	updateDeferral       = 15 * time.Minute
	updateDeferralTries  = 5
	galaxyRequirements   = "packer/requirements.yml"
	ansibleGalaxyCommand = "ansible-galaxy"
)

// skippedDirs are repository directories that never hold templates.
var skippedDirs = map[string]bool{
	"packer":   true,
	"optional": true,
	".github":  true,
	"cluster":  true,
	"conda":    true,
}

// VersionProber answers whether the proxy serves a template version. The
// catalog keeps only versions the proxy confirms.
type VersionProber interface {
	HasTemplateVersion(ctx context.Context, template, version string) (bool, error)
}

// Entry is one loaded template with the versions cleared for deployment,
// newest first.
type Entry struct {
	Metadata        Metadata
	AllowedVersions []string
}

// Catalog holds the loaded templates. Reads are lock-free against an atomic
// snapshot; Update swaps the snapshot after a successful refresh.
type Catalog struct {
	log          logr.Logger
	prober       VersionProber
	playbooksDir string
	repoZipURL   string
	httpClient   *http.Client

	updating atomic.Bool
	updateMu sync.Mutex

	snapshot atomic.Pointer[map[string]*Entry]
}

// New builds a catalog over playbooksDir. prober may be nil when the proxy
// is deactivated; templates needing proxy support are then skipped.
func New(log logr.Logger, prober VersionProber, playbooksDir, repoZipURL string) *Catalog {
	c := &Catalog{
		log:          log.WithName("templates"),
		prober:       prober,
		playbooksDir: playbooksDir,
		repoZipURL:   repoZipURL,
		httpClient:   &http.Client{Timeout: 5 * time.Minute},
	}
	empty := map[string]*Entry{}
	c.snapshot.Store(&empty)
	return c
}

// PlaybooksDir returns the directory the playbook repository is checked out
// to; playbook scratch directories are created beneath it.
func (c *Catalog) PlaybooksDir() string { return c.playbooksDir }

// Updating reports whether a catalog refresh is running right now.
func (c *Catalog) Updating() bool { return c.updating.Load() }

// Update downloads the playbook repository, reloads the template metadata
// and re-probes the proxy for served versions. Only one update runs at a
// time; a second caller gets ErrUpdateInProgress instead of queueing.
func (c *Catalog) Update(ctx context.Context) error {
	if !c.updateMu.TryLock() {
		return ErrUpdateInProgress
	}
	defer c.updateMu.Unlock()
	c.updating.Store(true)
	defer c.updating.Store(false)

	if c.repoZipURL != "" {
		if err := c.downloadRepository(ctx); err != nil {
			return err
		}
		c.installGalaxyRoles(ctx)
	}
	return c.Reload(ctx)
}

// Reload re-reads the template metadata from disk and re-probes versions
// without touching the repository checkout.
func (c *Catalog) Reload(ctx context.Context) error {
	entries, err := os.ReadDir(c.playbooksDir)
	if err != nil {
		return fmt.Errorf("failed to read playbooks dir %s: %w", c.playbooksDir, err)
	}
	loaded := map[string]*Entry{}
	for _, entry := range entries {
		if !entry.IsDir() || skippedDirs[entry.Name()] || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		name := entry.Name()
		metaPath := filepath.Join(c.playbooksDir, name, name+"_metadata.yml")
		if _, err := os.Stat(metaPath); err != nil {
			continue
		}
		meta, err := loadMetadata(metaPath)
		if err != nil {
			c.log.Error(err, "skipping template with broken metadata", "template", name)
			continue
		}
		if meta.TemplateName == "" {
			meta.TemplateName = name
		}
		allowed, err := c.probeVersions(ctx, meta)
		if err != nil {
			return err
		}
		if meta.NeedsForcSupport && len(allowed) == 0 {
			c.log.Info("template has no served versions, skipping", "template", name)
			continue
		}
		loaded[meta.TemplateName] = &Entry{Metadata: *meta, AllowedVersions: allowed}
	}
	c.snapshot.Store(&loaded)
	c.log.Info("templates loaded", "count", len(loaded))
	return nil
}

func (c *Catalog) probeVersions(ctx context.Context, meta *Metadata) ([]string, error) {
	if !meta.NeedsForcSupport || c.prober == nil {
		return nil, nil
	}
	served := []string{}
	for _, version := range meta.ForcVersions {
		ok, err := c.prober.HasTemplateVersion(ctx, meta.TemplateName, version)
		if err != nil {
			return nil, fmt.Errorf("failed to probe %s/%s at proxy: %w", meta.TemplateName, version, err)
		}
		if ok {
			served = append(served, version)
		}
	}
	sortVersionsDesc(served)
	return served, nil
}

// sortVersionsDesc orders version strings newest first. Unparseable versions
// sort last in their original order.
func sortVersionsDesc(versions []string) {
	sort.SliceStable(versions, func(i, j int) bool {
		vi, errI := semver.ParseTolerant(versions[i])
		vj, errJ := semver.ParseTolerant(versions[j])
		if errI != nil || errJ != nil {
			return errJ != nil && errI == nil
		}
		return vi.GT(vj)
	})
}

// RunPeriodicUpdates refreshes the catalog every interval until the context
// ends. A refresh due while playbooks run is deferred a few times rather
// than pulling the repository away under them.
func (c *Catalog) RunPeriodicUpdates(ctx context.Context, interval time.Duration, activePlaybooks func() int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.updateWhenIdle(ctx, activePlaybooks)
		}
	}
}

func (c *Catalog) updateWhenIdle(ctx context.Context, activePlaybooks func() int) {
	for try := 0; try < updateDeferralTries; try++ {
		if active := activePlaybooks(); active > 0 {
			c.log.Info("deferring catalog update, playbooks still running", "active", active)
			select {
			case <-ctx.Done():
				return
			case <-time.After(updateDeferral):
			}
			continue
		}
		if err := c.Update(ctx); err != nil && !errors.Is(err, ErrUpdateInProgress) {
			c.log.Error(err, "scheduled catalog update failed")
		}
		return
	}
	c.log.Info("giving up on catalog update, playbooks never went idle")
}

// Templates returns the portal-facing view of all loaded templates.
func (c *Catalog) Templates() []api.ResearchEnvironmentTemplate {
	snapshot := *c.snapshot.Load()
	out := make([]api.ResearchEnvironmentTemplate, 0, len(snapshot))
	for _, entry := range snapshot {
		out = append(out, entry.Metadata.toAPI())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TemplateName < out[j].TemplateName })
	return out
}

// Get returns one loaded template.
func (c *Catalog) Get(name string) (*Entry, error) {
	if entry, ok := (*c.snapshot.Load())[name]; ok {
		return entry, nil
	}
	return nil, apierror.New(apierror.TemplateNotFound, name, "template not loaded")
}

// AllowedVersions returns the served versions of a template, newest first.
func (c *Catalog) AllowedVersions(name string) ([]string, error) {
	entry, err := c.Get(name)
	if err != nil {
		return nil, err
	}
	return entry.AllowedVersions, nil
}

// HasVersion reports whether a template version is cleared for deployment.
func (c *Catalog) HasVersion(name, version string) bool {
	entry, err := c.Get(name)
	if err != nil {
		return false
	}
	for _, v := range entry.AllowedVersions {
		if v == version {
			return true
		}
	}
	return false
}

// CrossCheckImageTags reports whether any loaded template occurs in the tag
// list of an image, meaning the image can host a research environment.
func (c *Catalog) CrossCheckImageTags(tags []string) bool {
	snapshot := *c.snapshot.Load()
	for _, tag := range tags {
		if _, ok := snapshot[tag]; ok {
			return true
		}
	}
	return false
}

func (c *Catalog) downloadRepository(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.repoZipURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build repository request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download playbook repository: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("playbook repository download failed with status %d", resp.StatusCode)
	}

	archive, err := os.CreateTemp("", "playbooks-*.zip")
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer os.Remove(archive.Name())
	if _, err := io.Copy(archive, resp.Body); err != nil {
		archive.Close()
		return fmt.Errorf("failed to save playbook repository: %w", err)
	}
	archive.Close()

	if err := extractRepository(archive.Name(), c.playbooksDir); err != nil {
		return err
	}
	c.log.Info("playbook repository updated", "dir", c.playbooksDir)
	return nil
}

// extractRepository unpacks a repository archive into dst, stripping the
// top-level directory the forge puts around the content.
func extractRepository(archivePath, dst string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open playbook archive: %w", err)
	}
	defer reader.Close()

	for _, file := range reader.File {
		relative := stripRoot(file.Name)
		if relative == "" {
			continue
		}
		target := filepath.Join(dst, relative)
		if !strings.HasPrefix(target, filepath.Clean(dst)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %s escapes destination", file.Name)
		}
		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create %s: %w", target, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", filepath.Dir(target), err)
		}
		if err := extractFile(file, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(file *zip.File, target string) error {
	src, err := file.Open()
	if err != nil {
		return fmt.Errorf("failed to open archive entry %s: %w", file.Name, err)
	}
	defer src.Close()
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, file.Mode())
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", target, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, src); err != nil {
		return fmt.Errorf("failed to extract %s: %w", file.Name, err)
	}
	return nil
}

func stripRoot(name string) string {
	parts := strings.SplitN(filepath.ToSlash(name), "/", 2)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// installGalaxyRoles installs the ansible-galaxy requirements shipped with
// the repository. A failure is logged, not fatal: most templates run without
// the optional roles.
func (c *Catalog) installGalaxyRoles(ctx context.Context) {
	requirements := filepath.Join(c.playbooksDir, galaxyRequirements)
	if _, err := os.Stat(requirements); err != nil {
		return
	}
	cmd := exec.CommandContext(ctx, ansibleGalaxyCommand, "install", "-r", requirements)
	if output, err := cmd.CombinedOutput(); err != nil {
		c.log.Error(err, "ansible-galaxy install failed", "output", string(output))
	}
}

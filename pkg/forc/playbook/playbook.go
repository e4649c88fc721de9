// Package playbook runs the post-boot provisioning of a VM: a scratch copy
// of the generic playbook, patched with the requested parts, executed by
// ansible through the gateway port of the VM.
package playbook

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/deNBI/simplevm-client/pkg/api"
)

const (
	ansiblePlaybookCommand = "/usr/local/bin/ansible-playbook"
	genericPlaybookName    = "generic_playbook.yml"
	inventoryName          = "ansible_hosts"
	keyFileName            = "key.pem"
	stdoutLogName          = "log_file_stdout"
	stderrLogName          = "log_file_stderr"

	// sshUser is the login user of every portal image.
	sshUser = "ubuntu"

	partChangeKey = "change_key"
	partConda     = "conda"
	partOptional  = "optional"
)

// Params describes one playbook run.
type Params struct {
	VMID string
	// IP and Port address the VM through the gateway.
	IP   string
	Port int
	// PrivateKey opens the temporary boot keypair; PublicKey is the user's
	// key installed by the final change_key step.
	PrivateKey string
	PublicKey  string

	CondaPackages []api.CondaPackage
	// AptPackages are installed by the optional part.
	AptPackages []string
	// ResearchEnvironment names a template directory plus the version to
	// deploy; empty means no research environment.
	ResearchEnvironment        string
	ResearchEnvironmentVersion string
	CreateOnlyBackend          bool
	// BaseURL is handed to the research environment template.
	BaseURL string
	// CloudSite selects site-specific task variants like conda-<site>.yml.
	CloudSite string
}

// Playbook is one prepared run. All files live in a scratch directory under
// the playbooks checkout and are removed by Cleanup.
type Playbook struct {
	vmID string
	dir  string

	cmd  *exec.Cmd
	done chan struct{}

	mu         sync.Mutex
	returnCode int
	stopped    bool
}

// New prepares the scratch directory for a run: key file, inventory, part
// directories and the patched generic playbook.
func New(playbooksDir string, params Params) (*Playbook, error) {
	dir, err := os.MkdirTemp(playbooksDir, params.VMID+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create playbook directory: %w", err)
	}
	p := &Playbook{vmID: params.VMID, dir: dir, done: make(chan struct{}), returnCode: -1}
	if err := p.prepare(playbooksDir, params); err != nil {
		p.Cleanup()
		return nil, err
	}
	return p, nil
}

func (p *Playbook) prepare(playbooksDir string, params Params) error {
	if err := os.WriteFile(filepath.Join(p.dir, keyFileName), []byte(params.PrivateKey), 0o600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	inventory := fmt.Sprintf("[vm]\n%s:%d ansible_user=%s ansible_ssh_private_key_file=%s ansible_python_interpreter=/usr/bin/python3\n",
		params.IP, params.Port, sshUser, filepath.Join(p.dir, keyFileName))
	if err := os.WriteFile(filepath.Join(p.dir, inventoryName), []byte(inventory), 0o644); err != nil {
		return fmt.Errorf("failed to write inventory: %w", err)
	}

	parts := []string{}
	if len(params.CondaPackages) > 0 {
		if err := p.prepareConda(playbooksDir, params.CondaPackages); err != nil {
			return err
		}
		parts = append(parts, partConda)
	}
	if len(params.AptPackages) > 0 {
		if err := p.prepareAptPackages(playbooksDir, params.AptPackages); err != nil {
			return err
		}
		parts = append(parts, partOptional)
	}
	if params.ResearchEnvironment != "" {
		if err := p.prepareResearchEnvironment(playbooksDir, params); err != nil {
			return err
		}
		parts = append(parts, params.ResearchEnvironment)
	}
	if err := p.prepareChangeKey(playbooksDir, params.PublicKey); err != nil {
		return err
	}
	return p.writeGenericPlaybook(playbooksDir, parts, params.CloudSite)
}

// prepareConda copies the conda part and fills its vars file with the
// requested packages.
func (p *Playbook) prepareConda(playbooksDir string, packages []api.CondaPackage) error {
	if err := copyTree(filepath.Join(playbooksDir, partConda), filepath.Join(p.dir, partConda)); err != nil {
		return err
	}
	specs := map[string]any{}
	for _, pkg := range packages {
		specs[pkg.Name] = map[string]string{"version": pkg.Version, "build": pkg.Build}
	}
	return patchVarsFile(filepath.Join(p.dir, partConda, partConda+"_vars_file.yml"), map[string]any{
		"packages": specs,
	})
}

// prepareAptPackages copies the optional part and fills its vars file with
// the requested apt packages.
func (p *Playbook) prepareAptPackages(playbooksDir string, packages []string) error {
	if err := copyTree(filepath.Join(playbooksDir, partOptional), filepath.Join(p.dir, partOptional)); err != nil {
		return err
	}
	return patchVarsFile(filepath.Join(p.dir, partOptional, partOptional+"_vars_file.yml"), map[string]any{
		"apt_packages": packages,
	})
}

// prepareResearchEnvironment copies the template part, pins the version and
// hands the template its public base URL.
func (p *Playbook) prepareResearchEnvironment(playbooksDir string, params Params) error {
	name := params.ResearchEnvironment
	if err := copyTree(filepath.Join(playbooksDir, name), filepath.Join(p.dir, name)); err != nil {
		return err
	}
	return patchVarsFile(filepath.Join(p.dir, name, name+"_vars_file.yml"), map[string]any{
		"template_version":    params.ResearchEnvironmentVersion,
		"create_only_backend": params.CreateOnlyBackend,
		"base_url":            params.BaseURL,
	})
}

// prepareChangeKey copies the key rotation part and hands it the user's key.
func (p *Playbook) prepareChangeKey(playbooksDir, publicKey string) error {
	if err := copyTree(filepath.Join(playbooksDir, partChangeKey), filepath.Join(p.dir, partChangeKey)); err != nil {
		return err
	}
	return patchVarsFile(filepath.Join(p.dir, partChangeKey, partChangeKey+"_vars_file.yml"), map[string]any{
		"key": strings.TrimSpace(publicKey),
	})
}

// writeGenericPlaybook copies the generic playbook and patches its first
// play: vars files of all parts, the part tasks as the main block and the
// key rotation as the closing always step.
func (p *Playbook) writeGenericPlaybook(playbooksDir string, parts []string, cloudSite string) error {
	raw, err := os.ReadFile(filepath.Join(playbooksDir, genericPlaybookName))
	if err != nil {
		return fmt.Errorf("failed to read generic playbook: %w", err)
	}
	var plays []map[string]any
	if err := yaml.Unmarshal(raw, &plays); err != nil {
		return fmt.Errorf("failed to parse generic playbook: %w", err)
	}
	if len(plays) == 0 {
		return fmt.Errorf("generic playbook has no plays")
	}

	varsFiles := []any{}
	block := []any{}
	for _, part := range parts {
		varsFiles = append(varsFiles, filepath.Join(part, part+"_vars_file.yml"))
		block = append(block, map[string]any{
			"name":          "Setup " + part,
			"include_tasks": p.taskInclude(part, cloudSite),
		})
	}
	varsFiles = append(varsFiles, filepath.Join(partChangeKey, partChangeKey+"_vars_file.yml"))
	always := []any{map[string]any{
		"name":          "Rotate access key",
		"include_tasks": p.taskInclude(partChangeKey, cloudSite),
	}}

	plays[0]["vars_files"] = varsFiles
	tasks, _ := plays[0]["tasks"].([]any)
	task := map[string]any{}
	if len(tasks) > 0 {
		task, _ = tasks[0].(map[string]any)
	}
	task["block"] = block
	task["always"] = always
	plays[0]["tasks"] = []any{task}

	patched, err := yaml.Marshal(plays)
	if err != nil {
		return fmt.Errorf("failed to render playbook: %w", err)
	}
	return os.WriteFile(filepath.Join(p.dir, genericPlaybookName), patched, 0o644)
}

// taskInclude picks the task file of a part, preferring a site-specific
// variant like conda-<site>.yml when the part ships one.
func (p *Playbook) taskInclude(part, cloudSite string) string {
	if cloudSite != "" {
		variant := filepath.Join(part, fmt.Sprintf("%s-%s.yml", part, cloudSite))
		if _, err := os.Stat(filepath.Join(p.dir, variant)); err == nil {
			return variant
		}
	}
	return filepath.Join(part, part+".yml")
}

// Start launches ansible. The run finishes in the background; Done is closed
// when the process exits.
func (p *Playbook) Start() error {
	stdout, err := os.Create(filepath.Join(p.dir, stdoutLogName))
	if err != nil {
		return fmt.Errorf("failed to create stdout log: %w", err)
	}
	stderr, err := os.Create(filepath.Join(p.dir, stderrLogName))
	if err != nil {
		stdout.Close()
		return fmt.Errorf("failed to create stderr log: %w", err)
	}

	cmd := exec.Command(ansiblePlaybookCommand, "-v",
		"-i", filepath.Join(p.dir, inventoryName),
		filepath.Join(p.dir, genericPlaybookName))
	cmd.Dir = p.dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return fmt.Errorf("failed to start ansible for %s: %w", p.vmID, err)
	}
	p.cmd = cmd

	go func() {
		defer close(p.done)
		defer stdout.Close()
		defer stderr.Close()
		err := cmd.Wait()
		p.mu.Lock()
		defer p.mu.Unlock()
		switch {
		case err == nil:
			p.returnCode = 0
		case p.stopped:
			p.returnCode = -1
		default:
			p.returnCode = cmd.ProcessState.ExitCode()
		}
	}()
	return nil
}

// Done is closed once the run has finished.
func (p *Playbook) Done() <-chan struct{} { return p.done }

// Running reports whether the process is still alive.
func (p *Playbook) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Result returns the exit code and the captured output. Valid any time; the
// code is -1 while running or after a stop.
func (p *Playbook) Result() api.PlaybookResult {
	p.mu.Lock()
	code := p.returnCode
	p.mu.Unlock()
	stdout, _ := os.ReadFile(filepath.Join(p.dir, stdoutLogName))
	stderr, _ := os.ReadFile(filepath.Join(p.dir, stderrLogName))
	return api.PlaybookResult{Status: code, Stdout: string(stdout), Stderr: string(stderr)}
}

// Stop kills a running playbook.
func (p *Playbook) Stop() {
	p.mu.Lock()
	p.stopped = true
	cmd := p.cmd
	p.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// Cleanup removes the scratch directory, private key included.
func (p *Playbook) Cleanup() {
	_ = os.RemoveAll(p.dir)
}

func patchVarsFile(path string, values map[string]any) error {
	vars := map[string]any{}
	if raw, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(raw, &vars); err != nil {
			return fmt.Errorf("failed to parse vars file %s: %w", path, err)
		}
	}
	for key, value := range values {
		vars[key] = value
	}
	rendered, err := yaml.Marshal(vars)
	if err != nil {
		return fmt.Errorf("failed to render vars file %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create vars dir for %s: %w", path, err)
	}
	return os.WriteFile(path, rendered, 0o644)
}

// copyTree copies a part directory into the scratch dir. A missing source is
// tolerated so thin test repositories work.
func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat %s: %w", src, err)
	}
	if !info.IsDir() {
		return copyFile(src, dst, info.Mode())
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", src, err)
	}
	for _, entry := range entries {
		if err := copyTree(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return nil
}

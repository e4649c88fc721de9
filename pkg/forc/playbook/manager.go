package playbook

import (
	"context"
	"sync"

	"github.com/go-logr/logr"

	"github.com/deNBI/simplevm-client/pkg/api"
	"github.com/deNBI/simplevm-client/pkg/apierror"
	"github.com/deNBI/simplevm-client/pkg/kvstore"
)

// Manager tracks the running playbooks and records their outcomes in the KV
// store. One playbook per VM at a time.
type Manager struct {
	log          logr.Logger
	store        *kvstore.Store
	playbooksDir string

	// onFinished, when set, runs after a playbook's outcome is recorded.
	// The orchestrator uses it to drop the VM's temporary keypair.
	onFinished func(vmID string)

	mu     sync.Mutex
	active map[string]*Playbook
}

// NewManager builds a manager running playbooks out of playbooksDir.
func NewManager(log logr.Logger, store *kvstore.Store, playbooksDir string) *Manager {
	return &Manager{
		log:          log.WithName("playbooks"),
		store:        store,
		playbooksDir: playbooksDir,
		active:       map[string]*Playbook{},
	}
}

// OnFinished registers the completion hook. Must be called before Run.
func (m *Manager) OnFinished(hook func(vmID string)) { m.onFinished = hook }

// Run prepares and starts a playbook for a VM and records building_playbook.
// The outcome is written to the KV store when the run finishes.
func (m *Manager) Run(ctx context.Context, params Params) error {
	m.mu.Lock()
	if _, exists := m.active[params.VMID]; exists {
		m.mu.Unlock()
		return apierror.New(apierror.OpenStackConflict, params.VMID, "a playbook is already running for this VM")
	}
	m.mu.Unlock()

	p, err := New(m.playbooksDir, params)
	if err != nil {
		return err
	}
	if err := m.store.SetStatus(ctx, params.VMID, api.TaskStateBuildPlaybook); err != nil {
		p.Cleanup()
		return err
	}
	if err := p.Start(); err != nil {
		p.Cleanup()
		return err
	}
	m.mu.Lock()
	m.active[params.VMID] = p
	m.mu.Unlock()
	m.log.Info("playbook started", "vm", params.VMID, "ip", params.IP, "port", params.Port)

	go m.watch(params.VMID, p)
	return nil
}

func (m *Manager) watch(vmID string, p *Playbook) {
	<-p.Done()
	ctx := context.Background()
	result := p.Result()

	status := api.TaskStatePlaybookFailed
	if result.Status == 0 {
		status = api.TaskStatePlaybookSuccess
	}
	if err := m.store.SetStatus(ctx, vmID, status); err != nil {
		m.log.Error(err, "failed to record playbook status", "vm", vmID)
	}
	if err := m.store.StashLogs(ctx, vmID, result); err != nil {
		m.log.Error(err, "failed to stash playbook logs", "vm", vmID)
	}
	p.Cleanup()

	m.mu.Lock()
	delete(m.active, vmID)
	m.mu.Unlock()
	m.log.Info("playbook finished", "vm", vmID, "status", status, "returncode", result.Status)

	if m.onFinished != nil {
		m.onFinished(vmID)
	}
}

// ActiveCount returns the number of running playbooks.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// ActiveVMs lists the VMs with a running playbook.
func (m *Manager) ActiveVMs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.active))
	for vmID := range m.active {
		out = append(out, vmID)
	}
	return out
}

// Logs returns the playbook output of a VM: live output while the run is
// active, otherwise the stashed outcome. Reading a finished outcome consumes
// it along with the VM's pipeline record.
func (m *Manager) Logs(ctx context.Context, vmID string) (api.PlaybookResult, error) {
	m.mu.Lock()
	p, running := m.active[vmID]
	m.mu.Unlock()
	if running {
		return p.Result(), nil
	}
	result, found, err := m.store.GetLogs(ctx, vmID)
	if err != nil {
		return api.PlaybookResult{}, err
	}
	if !found {
		return api.PlaybookResult{}, apierror.New(apierror.PlaybookNotFound, vmID, "no playbook logs for this VM")
	}
	if err := m.store.DeleteLogs(ctx, vmID); err != nil {
		m.log.Error(err, "failed to drop consumed playbook logs", "vm", vmID)
	}
	if err := m.store.Delete(ctx, vmID); err != nil {
		m.log.Error(err, "failed to drop finished pipeline record", "vm", vmID)
	}
	return result, nil
}

// Stop kills the playbook of a VM, if one runs. The watcher records the
// outcome as a failed run.
func (m *Manager) Stop(vmID string) {
	m.mu.Lock()
	p, ok := m.active[vmID]
	m.mu.Unlock()
	if ok {
		p.Stop()
	}
}

// StopAll kills every running playbook and waits for their outcomes to be
// recorded. Called on shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	running := make([]*Playbook, 0, len(m.active))
	for _, p := range m.active {
		running = append(running, p)
	}
	m.mu.Unlock()
	for _, p := range running {
		p.Stop()
	}
	for _, p := range running {
		<-p.Done()
	}
}

package api

// VM states as reported by the compute backend, plus the client-side
// synthetic states a poller can observe.
const (
	VMStateActive   = "active"
	VMStateBuilding = "building"
	VMStateStopped  = "stopped"
	VMStateDeleted  = "deleted"
	VMStateError    = "error"
	VMStateNotFound = "not_found"
)

// Task states owned by the post-boot pipeline. The backend's own task states
// (scheduling, spawning, image_uploading, ...) pass through untouched; these
// are layered on top when the VM has no backend task state.
const (
	TaskStatePreparePlaybook  = "prepare_playbook_build"
	TaskStateBuildPlaybook    = "building_playbook"
	TaskStatePlaybookSuccess  = "playbook_successful"
	TaskStatePlaybookFailed   = "playbook_failed"
	TaskStateCheckingSSH      = "checking_ssh_connection"
	TaskStateImageSnapshot    = "image_snapshot"
	TaskStateImagePendingUp   = "image_pending_upload"
	TaskStateImageUploading   = "image_uploading"
)

// SnapshotTaskStates are the backend task states during which a server must
// not be deleted.
var SnapshotTaskStates = []string{
	TaskStateImageSnapshot,
	TaskStateImagePendingUp,
	TaskStateImageUploading,
}

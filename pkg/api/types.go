// Package api holds the wire types of the RPC surface and the adapters that
// map OpenStack SDK resources onto them. Each cloud resource gets one typed
// struct and one adapter function; nothing downstream touches SDK types.
package api

// Image is the wire view of a glance image.
type Image struct {
	OpenstackID  string   `json:"openstack_id"`
	Name         string   `json:"name"`
	MinDisk      int      `json:"min_disk"`
	MinRAM       int      `json:"min_ram"`
	Status       string   `json:"status"`
	CreatedAt    string   `json:"created_at"`
	UpdatedAt    string   `json:"updated_at"`
	OSVersion    string   `json:"os_version"`
	OSDistro     string   `json:"os_distro"`
	SlurmVersion string   `json:"slurm_version"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Tags         []string `json:"tags"`
	IsSnapshot   bool     `json:"is_snapshot"`
}

// Flavor is the wire view of a nova flavor.
type Flavor struct {
	Name          string `json:"name"`
	VCPUs         int    `json:"vcpus"`
	RAM           int    `json:"ram"`
	Disk          int    `json:"disk"`
	EphemeralDisk int    `json:"ephemeral_disk"`
	Description   string `json:"description"`
}

// Volume is the wire view of a cinder volume. ServerID and Device are set
// only while the volume is attached.
type Volume struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
	Size        int    `json:"size"`
	Device      string `json:"device,omitempty"`
	ServerID    string `json:"server_id,omitempty"`
}

// VolumeSnapshot is the wire view of a cinder snapshot.
type VolumeSnapshot struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
	Size        int    `json:"size"`
	VolumeID    string `json:"volume_id"`
}

// VM is the wire view of a server. Flavor and image are embedded snapshots
// resolved against the backend; TaskState is the union of the backend task
// state and the pipeline state from the KV store.
type VM struct {
	OpenstackID string            `json:"openstack_id"`
	Name        string            `json:"name"`
	ProjectID   string            `json:"project_id"`
	Keyname     string            `json:"keyname"`
	Metadata    map[string]string `json:"metadata"`
	CreatedAt   string            `json:"created_at"`
	TaskState   string            `json:"task_state"`
	VMState     string            `json:"vm_state"`
	FixedIP     string            `json:"fixed_ip"`
	FloatingIP  string            `json:"floating_ip,omitempty"`
	Flavor      *Flavor           `json:"flavor,omitempty"`
	Image       *Image            `json:"image,omitempty"`
}

// VolumeMount pairs a volume with the path it should be mounted at.
type VolumeMount struct {
	OpenstackID string `json:"openstack_id"`
	Path        string `json:"path"`
}

// CondaPackage names one conda package for the playbook to install.
type CondaPackage struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Build   string `json:"build"`
}

// PlaybookResult carries the runner exit code and captured output.
type PlaybookResult struct {
	Status int    `json:"status"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// ResearchEnvironmentTemplate is the portal-facing view of a catalog entry.
type ResearchEnvironmentTemplate struct {
	TemplateName          string   `json:"template_name"`
	Title                 string   `json:"title"`
	Description           string   `json:"description"`
	LogoURL               string   `json:"logo_url"`
	InfoURL               string   `json:"info_url"`
	Port                  int      `json:"port"`
	IncompatibleVersions  []string `json:"incompatible_versions"`
	IsMaintained          bool     `json:"is_maintained"`
	InformationForDisplay string   `json:"information_for_display"`
	MinRAM                int      `json:"min_ram"`
	MinCores              int      `json:"min_cores"`
}

// Backend is a deployed research-environment backend at Forc.
type Backend struct {
	ID              int64  `json:"id"`
	Owner           string `json:"owner"`
	LocationURL     string `json:"location_url"`
	Template        string `json:"template"`
	TemplateVersion string `json:"template_version"`
}

// ClusterInstance describes the master node of a cluster.
type ClusterInstance struct {
	Type  string `json:"type"`
	Image string `json:"image"`
}

// ClusterWorker describes one worker batch of a cluster.
type ClusterWorker struct {
	Type     string          `json:"type"`
	Image    string          `json:"image"`
	Count    int             `json:"count"`
	OnDemand bool            `json:"onDemand"`
	Volumes  []ClusterVolume `json:"volumes,omitempty"`
}

// ClusterVolume describes a volume request inside a cluster spec.
type ClusterVolume struct {
	Size       int    `json:"size"`
	MountPoint string `json:"mountPoint,omitempty"`
	Exists     bool   `json:"exists,omitempty"`
}

// ClusterInstanceMetadata tags a cluster with its portal owner.
type ClusterInstanceMetadata struct {
	User    string `json:"user"`
	Project string `json:"project"`
}

// ClusterMessage is the provisioner's create/terminate acknowledgement.
type ClusterMessage struct {
	ClusterID string `json:"cluster_id"`
	Message   string `json:"message"`
}

// ClusterInfo is the provisioner's readiness view of a cluster.
type ClusterInfo struct {
	ClusterID string `json:"cluster_id"`
	Message   string `json:"message"`
	Ready     bool   `json:"ready"`
}

// ClusterState mirrors the provisioner's state endpoint.
type ClusterState struct {
	ClusterID string `json:"cluster_id"`
	State     string `json:"state"`
	LatestLog string `json:"latest_log"`
}

// ClusterLog carries the full provisioner log for a cluster.
type ClusterLog struct {
	ClusterID string `json:"cluster_id"`
	Message   string `json:"message"`
	Log       string `json:"log"`
}

// ServerMetadata is the payload shipped to the metadata sidecar for one VM.
type ServerMetadata struct {
	IP          string            `json:"ip"`
	Name        string            `json:"name"`
	ProjectName string            `json:"project_name"`
	ProjectID   string            `json:"project_id"`
	Metadata    map[string]string `json:"metadata"`
}

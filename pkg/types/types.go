package types

import "strings"

const (
	// DefaultHostPrefix is where the host's root filesystem is bind-mounted when running inside a pod
	DefaultHostPrefix = "/host"
	// DefaultKubeletDirectory is the kubelet root directory on the host
	DefaultKubeletDirectory = "/var/lib/kubelet"
	// DefaultContainerdNamespace is the containerd namespace used by the CRI plugin
	DefaultContainerdNamespace = "k8s.io"
	// VolumePluginPrefix prefixes the in-tree kubelet volume plugin directory names
	// e.g. /var/lib/kubelet/pods/<uid>/volumes/kubernetes.io~empty-dir
	VolumePluginPrefix = "kubernetes.io~"
	// Unmeasured is the byte count of a record that was not (or could not be) measured
	Unmeasured int64 = -1
	// ShortIDLength is the length of the container id shown in reports
	ShortIDLength = 12
)

// Kind is the kind of writable location.
// Besides overlay and emptydir, any other kubelet volume plugin name (configmap, secret, csi, ...) is a valid kind.
type Kind string

const (
	KindOverlay  Kind = "overlay"
	KindEmptyDir Kind = "emptydir"
)

// KindForPlugin derives the record kind from a kubelet volume plugin directory name
func KindForPlugin(pluginDir string) Kind {
	name := strings.TrimPrefix(pluginDir, VolumePluginPrefix)
	if name == "empty-dir" {
		return KindEmptyDir
	}
	return Kind(name)
}

// IsVolume returns true for every kind backed by a kubelet volume directory
func (k Kind) IsVolume() bool {
	return k != KindOverlay
}

// Status is the outcome of a measurement
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
	StatusSkip  Status = "skip"
)

// WritablePathRecord is one discovered writable location on the node
type WritablePathRecord struct {
	Kind Kind `json:"type"`
	// ContainerID is the short container id, only set for overlay records
	ContainerID string `json:"container_id"`
	// ContainerName is the container name, or the volume name for volume records
	ContainerName string `json:"container_name"`
	PodName       string `json:"pod"`
	Namespace     string `json:"namespace"`
	// Path is the absolute path to measure
	Path string `json:"path"`
	// Mountpoint is the path as seen from the originating mount entry
	Mountpoint string `json:"mountpoint"`
	VolumeName string `json:"volume_name,omitempty"`
	PodUID     string `json:"pod_uid,omitempty"`
}

// SizingResult is the outcome of measuring one path.
// Status ok implies Bytes >= 0, every other status implies Bytes == Unmeasured.
type SizingResult struct {
	Bytes     int64  `json:"actual_bytes"`
	HumanSize string `json:"actual_human"`
	Status    Status `json:"actual_status"`
	Message   string `json:"actual_error,omitempty"`
}

// OK returns true if the result carries a byte count
func (r SizingResult) OK() bool {
	return r.Status == StatusOK
}

// SizedRecord is a writable path together with its measurement.
// It is also the wire format of the streaming API.
type SizedRecord struct {
	WritablePathRecord
	SizingResult
	// Node is set when records are aggregated across nodes
	Node string `json:"node,omitempty"`
}

// MountRecord is one entry of the general mount table including its usage
type MountRecord struct {
	Device     string  `json:"device"`
	Mountpoint string  `json:"mountpoint"`
	FSType     string  `json:"fstype"`
	Options    string  `json:"opts"`
	Total      uint64  `json:"total"`
	Used       uint64  `json:"used"`
	Free       uint64  `json:"free"`
	Percent    float64 `json:"percent"`
	TotalHuman string  `json:"total_h"`
	UsedHuman  string  `json:"used_h"`
	FreeHuman  string  `json:"free_h"`
}

// OverlayMountEntry is an overlay mount of a container rootfs found in the kernel mount table
type OverlayMountEntry struct {
	Mountpoint string
	UpperDir   string
	// ContainerID is the full container id parsed from the mountpoint
	ContainerID string
}

// ShortID truncates a container id to the length shown in reports
func ShortID(id string) string {
	if len(id) > ShortIDLength {
		return id[:ShortIDLength]
	}
	return id
}

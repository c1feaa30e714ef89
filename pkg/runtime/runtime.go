package runtime

import (
	"context"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
)

const (
	// DefaultTimeout bounds every call against the container runtime
	DefaultTimeout = 10 * time.Second

	// labels set by the kubelet on every container
	labelPodName      = "io.kubernetes.pod.name"
	labelPodNamespace = "io.kubernetes.pod.namespace"
)

// ContainerInfo is the metadata of a running container
type ContainerInfo struct {
	Name      string
	Pod       string
	Namespace string
}

// PodInfo is the metadata of a pod sandbox
type PodInfo struct {
	Name      string
	Namespace string
}

// Client queries the container runtime for running containers and pods.
// Every operation returns an error if the runtime cannot be queried; callers decide how to degrade.
type Client interface {
	// RunningContainerIDs returns the full ids of all running containers
	RunningContainerIDs(ctx context.Context) (sets.String, error)
	// Containers returns the metadata of all running containers keyed by full container id
	Containers(ctx context.Context) (map[string]ContainerInfo, error)
	// Pods returns the metadata of all pods keyed by pod UID
	Pods(ctx context.Context) (map[string]PodInfo, error)
}

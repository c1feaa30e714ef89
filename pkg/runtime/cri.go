package runtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	cri "k8s.io/cri-api/pkg/apis/runtime/v1"
	"k8s.io/apimachinery/pkg/util/sets"
)

const connectTimeout = 3 * time.Second

// CRIClient queries the container runtime via its CRI gRPC socket
type CRIClient struct {
	conn    *grpc.ClientConn
	runtime cri.RuntimeServiceClient
	timeout time.Duration
}

// NewCRIClient connects to the CRI runtime service at endpoint, e.g. unix:///run/containerd/containerd.sock
func NewCRIClient(ctx context.Context, endpoint string) (*CRIClient, error) {
	if !strings.Contains(endpoint, "://") {
		endpoint = "unix://" + endpoint
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, err := grpc.DialContext(ctx, endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
		grpc.FailOnNonTempDialError(true),
	)
	if err != nil {
		return nil, fmt.Errorf("runtime connection to %q failed: %w", endpoint, err)
	}

	return newCRIClient(conn, cri.NewRuntimeServiceClient(conn)), nil
}

// NewCRIClientFromService wraps an existing runtime service client
func NewCRIClientFromService(service cri.RuntimeServiceClient) *CRIClient {
	return newCRIClient(nil, service)
}

func newCRIClient(conn *grpc.ClientConn, service cri.RuntimeServiceClient) *CRIClient {
	return &CRIClient{
		conn:    conn,
		runtime: service,
		timeout: DefaultTimeout,
	}
}

// Close closes the underlying connection
func (c *CRIClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *CRIClient) listRunningContainers(ctx context.Context) ([]*cri.Container, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reply, err := c.runtime.ListContainers(ctx, &cri.ListContainersRequest{
		Filter: &cri.ContainerFilter{
			State: &cri.ContainerStateValue{State: cri.ContainerState_CONTAINER_RUNNING},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	return reply.GetContainers(), nil
}

// RunningContainerIDs lists containers in state running
func (c *CRIClient) RunningContainerIDs(ctx context.Context) (sets.String, error) {
	containers, err := c.listRunningContainers(ctx)
	if err != nil {
		return nil, err
	}

	ids := sets.NewString()
	for _, container := range containers {
		ids.Insert(container.GetId())
	}
	return ids, nil
}

// Containers lists running containers together with their kubelet labels
func (c *CRIClient) Containers(ctx context.Context) (map[string]ContainerInfo, error) {
	containers, err := c.listRunningContainers(ctx)
	if err != nil {
		return nil, err
	}

	result := make(map[string]ContainerInfo, len(containers))
	for _, container := range containers {
		labels := container.GetLabels()
		result[container.GetId()] = ContainerInfo{
			Name:      container.GetMetadata().GetName(),
			Pod:       labels[labelPodName],
			Namespace: labels[labelPodNamespace],
		}
	}
	return result, nil
}

// Pods lists all pod sandboxes keyed by pod UID
func (c *CRIClient) Pods(ctx context.Context) (map[string]PodInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reply, err := c.runtime.ListPodSandbox(ctx, &cri.ListPodSandboxRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list pod sandboxes: %w", err)
	}

	result := make(map[string]PodInfo, len(reply.GetItems()))
	for _, pod := range reply.GetItems() {
		metadata := pod.GetMetadata()
		if metadata.GetUid() == "" {
			continue
		}
		result[metadata.GetUid()] = PodInfo{
			Name:      metadata.GetName(),
			Namespace: metadata.GetNamespace(),
		}
	}
	return result, nil
}

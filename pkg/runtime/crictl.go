package runtime

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/danielfoehrkn/writable-layer-finder/pkg/cmdrunner"
	jsoniter "github.com/json-iterator/go"
	"k8s.io/apimachinery/pkg/util/sets"
)

// DefaultCrictlPath is the crictl binary looked up in $PATH
const DefaultCrictlPath = "crictl"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// containerList is the subset of `crictl ps --output=json` we care about
type containerList struct {
	Containers []struct {
		ID       string `json:"id"`
		Metadata struct {
			Name string `json:"name"`
		} `json:"metadata"`
		Labels map[string]string `json:"labels"`
	} `json:"containers"`
}

// podList is the subset of `crictl pods --output=json` we care about
type podList struct {
	Items []struct {
		ID       string `json:"id"`
		Metadata struct {
			Name      string `json:"name"`
			UID       string `json:"uid"`
			Namespace string `json:"namespace"`
		} `json:"metadata"`
	} `json:"items"`
}

// CrictlClient queries the container runtime via the crictl CLI
type CrictlClient struct {
	runner  cmdrunner.Runner
	crictl  string
	timeout time.Duration
}

// NewCrictlClient returns a Client executing crictl (path or name in $PATH) with the given runner
func NewCrictlClient(runner cmdrunner.Runner, crictl string) *CrictlClient {
	if crictl == "" {
		crictl = DefaultCrictlPath
	}
	return &CrictlClient{
		runner:  runner,
		crictl:  crictl,
		timeout: DefaultTimeout,
	}
}

// run executes crictl and returns stdout. A non-zero exit code or empty output is an error.
func (c *CrictlClient) run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := c.runner.Run(ctx, c.crictl, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to run %s %s: %w", c.crictl, strings.Join(args, " "), err)
	}
	if out.ExitCode != 0 {
		return nil, fmt.Errorf("%s %s exited with code %d: %s", c.crictl, strings.Join(args, " "), out.ExitCode, strings.TrimSpace(string(out.Stderr)))
	}
	if len(bytes.TrimSpace(out.Stdout)) == 0 {
		return nil, fmt.Errorf("%s %s returned no output", c.crictl, strings.Join(args, " "))
	}
	return out.Stdout, nil
}

// RunningContainerIDs runs `crictl ps -q`
func (c *CrictlClient) RunningContainerIDs(ctx context.Context) (sets.String, error) {
	out, err := c.run(ctx, "ps", "-q")
	if err != nil {
		return nil, err
	}

	ids := sets.NewString()
	for _, line := range strings.Split(string(out), "\n") {
		if id := strings.TrimSpace(line); id != "" {
			ids.Insert(id)
		}
	}
	return ids, nil
}

// Containers runs `crictl ps --output=json`
func (c *CrictlClient) Containers(ctx context.Context) (map[string]ContainerInfo, error) {
	out, err := c.run(ctx, "ps", "--output=json")
	if err != nil {
		return nil, err
	}

	list := containerList{}
	if err := json.Unmarshal(out, &list); err != nil {
		return nil, fmt.Errorf("failed to decode crictl container list: %w", err)
	}

	containers := make(map[string]ContainerInfo, len(list.Containers))
	for _, container := range list.Containers {
		if container.ID == "" {
			continue
		}
		containers[container.ID] = ContainerInfo{
			Name:      container.Metadata.Name,
			Pod:       container.Labels[labelPodName],
			Namespace: container.Labels[labelPodNamespace],
		}
	}
	return containers, nil
}

// Pods runs `crictl pods --output=json`
func (c *CrictlClient) Pods(ctx context.Context) (map[string]PodInfo, error) {
	out, err := c.run(ctx, "pods", "--output=json")
	if err != nil {
		return nil, err
	}

	list := podList{}
	if err := json.Unmarshal(out, &list); err != nil {
		return nil, fmt.Errorf("failed to decode crictl pod list: %w", err)
	}

	pods := make(map[string]PodInfo, len(list.Items))
	for _, pod := range list.Items {
		// the kubelet pods directory is keyed by pod UID, not by sandbox id
		if pod.Metadata.UID == "" {
			continue
		}
		pods[pod.Metadata.UID] = PodInfo{
			Name:      pod.Metadata.Name,
			Namespace: pod.Metadata.Namespace,
		}
	}
	return pods, nil
}

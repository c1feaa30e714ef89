// Package fake provides an in-memory runtime.Client for tests.
package fake

import (
	"context"

	"github.com/danielfoehrkn/writable-layer-finder/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/sets"
)

// Client returns the configured results. A set error is returned by the respective call instead.
type Client struct {
	Running       []string
	ContainerMap  map[string]runtime.ContainerInfo
	PodMap        map[string]runtime.PodInfo
	RunningErr    error
	ContainersErr error
	PodsErr       error
}

var _ runtime.Client = &Client{}

func (c *Client) RunningContainerIDs(context.Context) (sets.String, error) {
	if c.RunningErr != nil {
		return nil, c.RunningErr
	}
	return sets.NewString(c.Running...), nil
}

func (c *Client) Containers(context.Context) (map[string]runtime.ContainerInfo, error) {
	if c.ContainersErr != nil {
		return nil, c.ContainersErr
	}
	result := map[string]runtime.ContainerInfo{}
	for id, info := range c.ContainerMap {
		result[id] = info
	}
	return result, nil
}

func (c *Client) Pods(context.Context) (map[string]runtime.PodInfo, error) {
	if c.PodsErr != nil {
		return nil, c.PodsErr
	}
	result := map[string]runtime.PodInfo{}
	for uid, info := range c.PodMap {
		result[uid] = info
	}
	return result, nil
}

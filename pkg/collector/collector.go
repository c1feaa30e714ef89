package collector

import (
	"context"
	"os"
	"path/filepath"

	"github.com/danielfoehrkn/writable-layer-finder/pkg/runtime"
	"github.com/danielfoehrkn/writable-layer-finder/pkg/types"
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/sets"
)

// OverlayEnumerator lists the container rootfs overlay mounts of the node
type OverlayEnumerator interface {
	EnumerateOverlayMounts() ([]types.OverlayMountEntry, error)
}

// Collector discovers the writable locations of a node: container writable layers and pod volume directories
type Collector struct {
	log      *logrus.Logger
	runtime  runtime.Client
	overlays OverlayEnumerator
	// kubeletDirectory is the kubelet root directory as seen from the host
	kubeletDirectory string
	// podsRoots are the candidate pods directories, the first existing one is used
	podsRoots []string
}

// NewCollector returns a Collector looking up pod volumes below the kubelet directory,
// preferably through the host mount at hostPrefix
func NewCollector(log *logrus.Logger, client runtime.Client, overlays OverlayEnumerator, hostPrefix, kubeletDirectory string) *Collector {
	return &Collector{
		log:              log,
		runtime:          client,
		overlays:         overlays,
		kubeletDirectory: kubeletDirectory,
		podsRoots:        PodsRoots(hostPrefix, kubeletDirectory),
	}
}

// PodsRoots returns the candidate locations of the kubelet pods directory in lookup order
func PodsRoots(hostPrefix, kubeletDirectory string) []string {
	var roots []string
	if hostPrefix != "" {
		roots = append(roots, filepath.Join(hostPrefix, kubeletDirectory, "pods"))
	}
	return append(roots, filepath.Join(kubeletDirectory, "pods"))
}

// Collect returns the overlay records followed by the volume records.
// Failing discovery sources are logged and contribute nothing.
func (c *Collector) Collect(ctx context.Context) []types.WritablePathRecord {
	running, err := c.runtime.RunningContainerIDs(ctx)
	if err != nil {
		c.log.Warnf("cannot list running containers, not filtering overlay mounts: %v", err)
		running = sets.NewString()
	}

	containers, err := c.runtime.Containers(ctx)
	if err != nil {
		c.log.Warnf("cannot list container metadata: %v", err)
		containers = map[string]runtime.ContainerInfo{}
	}

	records := c.collectOverlays(running, containers)
	overlayCount := len(records)

	pods, err := c.runtime.Pods(ctx)
	if err != nil {
		c.log.Warnf("cannot list pod metadata: %v", err)
		pods = map[string]runtime.PodInfo{}
	}

	records = append(records, c.collectVolumes(pods)...)
	c.log.Debugf("discovered %d overlay and %d volume paths", overlayCount, len(records)-overlayCount)
	return records
}

func (c *Collector) collectOverlays(running sets.String, containers map[string]runtime.ContainerInfo) []types.WritablePathRecord {
	entries, err := c.overlays.EnumerateOverlayMounts()
	if err != nil {
		c.log.Warnf("cannot enumerate overlay mounts: %v", err)
		return nil
	}

	var records []types.WritablePathRecord
	for _, entry := range entries {
		// an empty set means the runtime could not be asked, keep everything
		if running.Len() > 0 && !running.Has(entry.ContainerID) {
			continue
		}

		info := containers[entry.ContainerID]
		records = append(records, types.WritablePathRecord{
			Kind:          types.KindOverlay,
			ContainerID:   types.ShortID(entry.ContainerID),
			ContainerName: info.Name,
			PodName:       info.Pod,
			Namespace:     info.Namespace,
			Path:          entry.UpperDir,
			Mountpoint:    entry.Mountpoint,
		})
	}
	return records
}

func (c *Collector) podsRoot() (string, bool) {
	for _, root := range c.podsRoots {
		if info, err := os.Stat(root); err == nil && info.IsDir() {
			return root, true
		}
	}
	return "", false
}

// collectVolumes walks <pods root>/<uid>/volumes/<plugin>/<volume>
func (c *Collector) collectVolumes(pods map[string]runtime.PodInfo) []types.WritablePathRecord {
	root, ok := c.podsRoot()
	if !ok {
		c.log.Warnf("no kubelet pods directory found, tried %v", c.podsRoots)
		return nil
	}

	uids, err := os.ReadDir(root)
	if err != nil {
		c.log.Debugf("cannot list %s: %v", root, err)
		return nil
	}

	var records []types.WritablePathRecord
	for _, uid := range uids {
		if !uid.IsDir() {
			continue
		}

		volumesDir := filepath.Join(root, uid.Name(), "volumes")
		plugins, err := os.ReadDir(volumesDir)
		if err != nil {
			c.log.Debugf("cannot list %s: %v", volumesDir, err)
			continue
		}

		pod := pods[uid.Name()]
		for _, plugin := range plugins {
			if !plugin.IsDir() {
				continue
			}

			pluginDir := filepath.Join(volumesDir, plugin.Name())
			volumes, err := os.ReadDir(pluginDir)
			if err != nil {
				c.log.Debugf("cannot list %s: %v", pluginDir, err)
				continue
			}

			kind := types.KindForPlugin(plugin.Name())
			for _, volume := range volumes {
				if !volume.IsDir() {
					continue
				}
				records = append(records, types.WritablePathRecord{
					Kind:          kind,
					ContainerName: volume.Name(),
					PodName:       pod.Name,
					Namespace:     pod.Namespace,
					Path:          filepath.Join(pluginDir, volume.Name()),
					Mountpoint:    filepath.Join(c.kubeletDirectory, "pods", uid.Name(), "volumes", plugin.Name(), volume.Name()),
					VolumeName:    volume.Name(),
					PodUID:        uid.Name(),
				})
			}
		}
	}
	return records
}

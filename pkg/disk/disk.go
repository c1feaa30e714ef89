package disk

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	linuxproc "github.com/c9s/goprocinfo/linux"
	"github.com/danielfoehrkn/writable-layer-finder/pkg/types"
	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var (
	metricMountTotalBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "node_mount_total_bytes",
		Help: "The capacity of the filesystem mounted at the mountpoint",
	}, []string{"device", "mountpoint", "fstype"})

	metricMountUsedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "node_mount_used_bytes",
		Help: "The used bytes of the filesystem mounted at the mountpoint",
	}, []string{"device", "mountpoint", "fstype"})

	metricMountAvailableBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "node_mount_available_bytes",
		Help: "The free bytes of the filesystem mounted at the mountpoint",
	}, []string{"device", "mountpoint", "fstype"})

	metricMountUsedPercent = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "node_mount_used_percent",
		Help: "The used bytes of the filesystem mounted at the mountpoint in percent calculated as (used / total)",
	}, []string{"device", "mountpoint", "fstype"})
)

// MountsCandidates returns the mount list locations in lookup order.
// We are only interested in the mounts as seen from the host, hence the mounts of PID 1 (requires hostPID).
func MountsCandidates(hostPrefix string) []string {
	var candidates []string
	if hostPrefix != "" {
		candidates = append(candidates, filepath.Join(hostPrefix, "proc/1/mounts"))
	}
	return append(candidates, "/proc/1/mounts", "/proc/mounts")
}

// ListMounts reads the first readable mount list of candidates and returns the block device backed mounts with their usage.
// Mounts whose usage cannot be read are skipped. The root filesystem comes first, the rest is sorted by mountpoint.
func ListMounts(log *logrus.Logger, candidates []string, hostPrefix string) ([]types.MountRecord, error) {
	var (
		mounts *linuxproc.Mounts
		err    error
	)
	for _, candidate := range candidates {
		mounts, err = linuxproc.ReadMounts(candidate)
		if err == nil {
			log.Debugf("reading mounts from %s", candidate)
			break
		}
	}
	if mounts == nil {
		return nil, fmt.Errorf("failed to read mount list, tried %s: %w", strings.Join(candidates, ", "), err)
	}

	seen := map[string]bool{}
	records := []types.MountRecord{}
	for _, mount := range mounts.Mounts {
		// pseudo filesystems (proc, sysfs, tmpfs, overlay, ...) are not backed by a device path.
		// Container overlays are attributed per container and tmpfs is memory, neither is node disk.
		if !strings.HasPrefix(mount.Device, "/") || seen[mount.MountPoint] {
			continue
		}

		usage, err := linuxproc.ReadDisk(statPath(hostPrefix, mount.MountPoint))
		if err != nil || usage.All == 0 {
			log.Debugf("skipping mount %s: no usage available", mount.MountPoint)
			continue
		}
		seen[mount.MountPoint] = true

		records = append(records, types.MountRecord{
			Device:     mount.Device,
			Mountpoint: mount.MountPoint,
			FSType:     mount.FSType,
			Options:    mount.Options,
			Total:      usage.All,
			Used:       usage.Used,
			Free:       usage.Free,
			Percent:    math.Round(float64(usage.Used)/float64(usage.All)*1000) / 10,
			TotalHuman: humanize.IBytes(usage.All),
			UsedHuman:  humanize.IBytes(usage.Used),
			FreeHuman:  humanize.IBytes(usage.Free),
		})
	}

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Mountpoint == "/" || records[j].Mountpoint == "/" {
			return records[i].Mountpoint == "/"
		}
		return records[i].Mountpoint < records[j].Mountpoint
	})
	return records, nil
}

// statPath returns the location of mountpoint as seen from this process
func statPath(hostPrefix, mountpoint string) string {
	if hostPrefix == "" {
		return mountpoint
	}
	prefixed := filepath.Join(hostPrefix, mountpoint)
	if _, err := os.Stat(prefixed); err == nil {
		return prefixed
	}
	return mountpoint
}

// Export replaces the mount gauges with the given mounts
func Export(mounts []types.MountRecord) {
	metricMountTotalBytes.Reset()
	metricMountUsedBytes.Reset()
	metricMountAvailableBytes.Reset()
	metricMountUsedPercent.Reset()

	for _, m := range mounts {
		metricMountTotalBytes.WithLabelValues(m.Device, m.Mountpoint, m.FSType).Set(float64(m.Total))
		metricMountUsedBytes.WithLabelValues(m.Device, m.Mountpoint, m.FSType).Set(float64(m.Used))
		metricMountAvailableBytes.WithLabelValues(m.Device, m.Mountpoint, m.FSType).Set(float64(m.Free))
		metricMountUsedPercent.WithLabelValues(m.Device, m.Mountpoint, m.FSType).Set(m.Percent)
	}
}

// Render writes the mounts as table
func Render(w io.Writer, mounts []types.MountRecord) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Device", "Mountpoint", "Type", "Size", "Used", "Available"})

	for _, m := range mounts {
		t.AppendRow(table.Row{
			m.Device,
			m.Mountpoint,
			m.FSType,
			m.TotalHuman,
			fmt.Sprintf("%s (%.1f%%)", m.UsedHuman, m.Percent),
			m.FreeHuman,
		})
	}
	t.Render()
}

package overlay

import (
	"github.com/danielfoehrkn/writable-layer-finder/pkg/mounts"
	"github.com/danielfoehrkn/writable-layer-finder/pkg/types"
	"github.com/sirupsen/logrus"
)

// Resolver finds the writable (upper) directories of overlay mounts in the kernel mount table
type Resolver struct {
	log *logrus.Logger
	// candidates are the mount table locations, checked in order
	candidates []string
	// marker identifies container rootfs mountpoints, e.g. "/k8s.io/"
	marker string
}

// NewResolver returns a Resolver reading the host's mount table below hostPrefix (if present)
// and selecting container rootfs mounts of the given containerd namespace
func NewResolver(log *logrus.Logger, hostPrefix, containerdNamespace string) *Resolver {
	return NewResolverWithCandidates(log, mounts.MountinfoCandidates(hostPrefix), mounts.ContainerMarker(containerdNamespace))
}

// NewResolverWithCandidates returns a Resolver reading the first readable of the given mount tables
func NewResolverWithCandidates(log *logrus.Logger, candidates []string, marker string) *Resolver {
	return &Resolver{
		log:        log,
		candidates: candidates,
		marker:     marker,
	}
}

// FindUpperDir returns the upperdir of the overlay mounted exactly at mountpoint.
// No match is not an error: overlays without upper directory (read-only layers) are valid.
func (r *Resolver) FindUpperDir(mountpoint string) (string, bool) {
	lines, source, err := mounts.ReadTable(r.candidates)
	if err != nil {
		r.log.Warnf("cannot resolve upperdir of %q: %v", mountpoint, err)
		return "", false
	}

	for _, line := range lines {
		if upperDir, ok := mounts.UpperDirFor(line, mountpoint); ok {
			r.log.Debugf("found upperdir %q for %q in %s", upperDir, mountpoint, source)
			return upperDir, true
		}
	}
	return "", false
}

// EnumerateOverlayMounts scans the mount table once and returns all container rootfs overlay mounts.
// Lines that cannot be parsed are skipped. An error is only returned if the mount table cannot be read.
func (r *Resolver) EnumerateOverlayMounts() ([]types.OverlayMountEntry, error) {
	lines, source, err := mounts.ReadTable(r.candidates)
	if err != nil {
		return nil, err
	}

	var entries []types.OverlayMountEntry
	for _, line := range lines {
		entry, err := mounts.ParseOverlayLine(line, r.marker)
		if err != nil {
			if err != mounts.ErrNotOverlay && err != mounts.ErrMarkerNotFound {
				r.log.Debugf("skipping mount table line (%v): %s", err, line)
			}
			continue
		}
		entries = append(entries, entry)
	}

	r.log.Debugf("found %d container overlay mounts in %s", len(entries), source)
	return entries, nil
}

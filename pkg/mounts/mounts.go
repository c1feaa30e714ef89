package mounts

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/danielfoehrkn/writable-layer-finder/pkg/types"
)

const (
	// mountinfoSeparator separates the per-mount fields from the per-superblock fields
	// 36 35 98:0 /mnt1 /mnt2 rw,noatime master:1 - ext3 /dev/root rw,errors=continue
	mountinfoSeparator = " - "
	// mountpointField is the (0-indexed) field of the mountpoint in a mountinfo line
	mountpointField = 4
	fsTypeOverlay   = "overlay"
	optionUpperDir  = "upperdir="
)

var (
	// ErrMountTableUnavailable is returned if none of the mount table candidates can be read
	ErrMountTableUnavailable = errors.New("mount table unavailable")

	ErrTruncatedLine    = errors.New("truncated mountinfo line")
	ErrNoSeparator      = errors.New("mountinfo line has no optional fields separator")
	ErrNotOverlay       = errors.New("not an overlay mount")
	ErrMarkerNotFound   = errors.New("mountpoint does not contain the container marker")
	ErrNoUpperDir       = errors.New("overlay mount has no upperdir option")
	ErrEmptyContainerID = errors.New("no container id after the marker")
)

// MountinfoCandidates returns the kernel mount table locations in lookup order:
// the host's PID 1 mountinfo below hostPrefix, then the local one
func MountinfoCandidates(hostPrefix string) []string {
	var candidates []string
	if hostPrefix != "" {
		candidates = append(candidates, filepath.Join(hostPrefix, "proc/1/mountinfo"))
	}
	return append(candidates, "/proc/1/mountinfo")
}

// ContainerMarker returns the path segment identifying container rootfs mounts of a containerd namespace
func ContainerMarker(namespace string) string {
	return "/" + strings.Trim(namespace, "/") + "/"
}

// ReadTable reads the first readable mount table of the given candidates and returns its lines
// together with the file that was read
func ReadTable(candidates []string) ([]string, string, error) {
	for _, candidate := range candidates {
		f, err := os.Open(candidate)
		if err != nil {
			continue
		}

		var lines []string
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines = append(lines, scanner.Text())
		}
		err = scanner.Err()
		f.Close()
		if err != nil {
			return nil, candidate, fmt.Errorf("failed to read mount table %q: %w", candidate, err)
		}
		return lines, candidate, nil
	}
	return nil, "", fmt.Errorf("%w: tried %s", ErrMountTableUnavailable, strings.Join(candidates, ", "))
}

// splitLine splits a mountinfo line into the mountpoint, the filesystem type and the super options
func splitLine(line string) (mountpoint, fsType, superOptions string, err error) {
	idx := strings.Index(line, mountinfoSeparator)
	if idx < 0 {
		return "", "", "", ErrNoSeparator
	}

	fields := strings.Fields(line[:idx])
	if len(fields) <= mountpointField {
		return "", "", "", ErrTruncatedLine
	}

	post := strings.Fields(line[idx+len(mountinfoSeparator):])
	if len(post) == 0 {
		return "", "", "", ErrTruncatedLine
	}
	if len(post) >= 3 {
		superOptions = post[2]
	}
	return fields[mountpointField], post[0], superOptions, nil
}

// upperDirOption extracts the upperdir= value from a comma separated option string
func upperDirOption(options string) (string, bool) {
	for _, opt := range strings.Split(options, ",") {
		if strings.HasPrefix(opt, optionUpperDir) {
			if dir := strings.TrimPrefix(opt, optionUpperDir); dir != "" {
				return dir, true
			}
		}
	}
	return "", false
}

// ParseOverlayLine parses a mountinfo line of a container rootfs overlay mount.
// The container id is the path segment following marker in the mountpoint.
func ParseOverlayLine(line, marker string) (types.OverlayMountEntry, error) {
	mountpoint, fsType, options, err := splitLine(line)
	if err != nil {
		return types.OverlayMountEntry{}, err
	}
	if fsType != fsTypeOverlay {
		return types.OverlayMountEntry{}, ErrNotOverlay
	}

	idx := strings.Index(mountpoint, marker)
	if idx < 0 {
		return types.OverlayMountEntry{}, ErrMarkerNotFound
	}

	upperDir, ok := upperDirOption(options)
	if !ok {
		return types.OverlayMountEntry{}, ErrNoUpperDir
	}

	containerID := strings.SplitN(mountpoint[idx+len(marker):], "/", 2)[0]
	if containerID == "" {
		return types.OverlayMountEntry{}, ErrEmptyContainerID
	}

	return types.OverlayMountEntry{
		Mountpoint:  mountpoint,
		UpperDir:    upperDir,
		ContainerID: containerID,
	}, nil
}

// UpperDirFor returns the upperdir of line if it is an overlay mount at exactly mountpoint
func UpperDirFor(line, mountpoint string) (string, bool) {
	mp, fsType, options, err := splitLine(line)
	if err != nil || fsType != fsTypeOverlay || mp != mountpoint {
		return "", false
	}
	return upperDirOption(options)
}

package mounts_test

import (
	"os"
	"path/filepath"

	"github.com/danielfoehrkn/writable-layer-finder/pkg/mounts"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

const (
	marker      = "/k8s.io/"
	overlayLine = "612 29 0:120 / /run/containerd/io.containerd.runtime.v2.task/k8s.io/4f1e2d3c4b5a/rootfs rw,relatime shared:300 - overlay overlay rw,lowerdir=/l/4/fs,upperdir=/var/lib/containerd/io.containerd.snapshotter.v1.overlayfs/snapshots/5/fs,workdir=/w/5/work"
)

var _ = Describe("ParseOverlayLine", func() {
	It("should parse a container rootfs overlay mount", func() {
		entry, err := mounts.ParseOverlayLine(overlayLine, marker)
		Expect(err).ToNot(HaveOccurred())
		Expect(entry.Mountpoint).To(Equal("/run/containerd/io.containerd.runtime.v2.task/k8s.io/4f1e2d3c4b5a/rootfs"))
		Expect(entry.UpperDir).To(Equal("/var/lib/containerd/io.containerd.snapshotter.v1.overlayfs/snapshots/5/fs"))
		Expect(entry.ContainerID).To(Equal("4f1e2d3c4b5a"))
	})

	It("should reject truncated lines", func() {
		_, err := mounts.ParseOverlayLine("616 29 0:124 / - overlay overlay rw", marker)
		Expect(err).To(MatchError(mounts.ErrTruncatedLine))

		_, err = mounts.ParseOverlayLine("616 29 0:124 / /run/k8s.io/x/rootfs rw -", marker)
		Expect(err).To(MatchError(mounts.ErrNoSeparator))
	})

	It("should reject lines without the separator", func() {
		_, err := mounts.ParseOverlayLine("616 29 0:124 / /run/containerd/io.containerd.runtime.v2.task/k8s.io/trunc", marker)
		Expect(err).To(MatchError(mounts.ErrNoSeparator))
	})

	It("should reject non overlay mounts", func() {
		_, err := mounts.ParseOverlayLine("23 22 0:21 / /run/k8s.io/x rw shared:12 - proc proc rw", marker)
		Expect(err).To(MatchError(mounts.ErrNotOverlay))
	})

	It("should reject overlay mounts outside the container namespace", func() {
		_, err := mounts.ParseOverlayLine("615 29 0:123 / /var/lib/docker/overlay2/abc/merged rw - overlay overlay rw,upperdir=/u", marker)
		Expect(err).To(MatchError(mounts.ErrMarkerNotFound))
	})

	It("should reject overlay mounts without upperdir", func() {
		_, err := mounts.ParseOverlayLine("614 29 0:122 / /run/k8s.io/readonly/rootfs ro - overlay overlay ro,lowerdir=/l", marker)
		Expect(err).To(MatchError(mounts.ErrNoUpperDir))

		_, err = mounts.ParseOverlayLine("614 29 0:122 / /run/k8s.io/readonly/rootfs ro - overlay overlay", marker)
		Expect(err).To(MatchError(mounts.ErrNoUpperDir))
	})

	It("should reject an empty container id", func() {
		_, err := mounts.ParseOverlayLine("614 29 0:122 / /run/k8s.io//rootfs rw - overlay overlay rw,upperdir=/u", marker)
		Expect(err).To(MatchError(mounts.ErrEmptyContainerID))
	})
})

var _ = Describe("UpperDirFor", func() {
	It("should return the upperdir for the exact mountpoint", func() {
		dir, ok := mounts.UpperDirFor(overlayLine, "/run/containerd/io.containerd.runtime.v2.task/k8s.io/4f1e2d3c4b5a/rootfs")
		Expect(ok).To(BeTrue())
		Expect(dir).To(Equal("/var/lib/containerd/io.containerd.snapshotter.v1.overlayfs/snapshots/5/fs"))
	})

	It("should not match a prefix of the mountpoint", func() {
		_, ok := mounts.UpperDirFor(overlayLine, "/run/containerd/io.containerd.runtime.v2.task/k8s.io/4f1e2d3c4b5a")
		Expect(ok).To(BeFalse())
	})
})

var _ = Describe("ReadTable", func() {
	It("should read the first existing candidate", func() {
		lines, source, err := mounts.ReadTable([]string{"/does/not/exist", filepath.Join("testdata", "mountinfo")})
		Expect(err).ToNot(HaveOccurred())
		Expect(source).To(Equal(filepath.Join("testdata", "mountinfo")))
		Expect(lines).To(HaveLen(7))
	})

	It("should fail if no candidate exists", func() {
		_, _, err := mounts.ReadTable([]string{"/does/not/exist"})
		Expect(err).To(MatchError(mounts.ErrMountTableUnavailable))
	})

	It("should list the host candidate first", func() {
		Expect(mounts.MountinfoCandidates("/host")).To(Equal([]string{"/host/proc/1/mountinfo", "/proc/1/mountinfo"}))
		Expect(mounts.MountinfoCandidates("")).To(Equal([]string{"/proc/1/mountinfo"}))
	})

	It("should read an empty table", func() {
		dir, err := os.MkdirTemp("", "mountinfo")
		Expect(err).ToNot(HaveOccurred())
		defer os.RemoveAll(dir)

		f := filepath.Join(dir, "mountinfo")
		Expect(os.WriteFile(f, nil, 0o644)).To(Succeed())
		lines, _, err := mounts.ReadTable([]string{f})
		Expect(err).ToNot(HaveOccurred())
		Expect(lines).To(BeEmpty())
	})
})

var _ = Describe("ContainerMarker", func() {
	It("should wrap the namespace in slashes", func() {
		Expect(mounts.ContainerMarker("k8s.io")).To(Equal("/k8s.io/"))
		Expect(mounts.ContainerMarker("/moby/")).To(Equal("/moby/"))
	})
})

package du_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danielfoehrkn/writable-layer-finder/pkg/cmdrunner"
	"github.com/danielfoehrkn/writable-layer-finder/pkg/cmdrunner/fake"
	"github.com/danielfoehrkn/writable-layer-finder/pkg/du"
	"github.com/danielfoehrkn/writable-layer-finder/pkg/types"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Engine", func() {
	var (
		hostPrefix string
		dir        string
		runner     *fake.Runner
		sut        *du.Engine
		ctx        = context.Background()
	)

	BeforeEach(func() {
		var err error
		hostPrefix, err = os.MkdirTemp("", "host")
		Expect(err).ToNot(HaveOccurred())
		dir, err = os.MkdirTemp("", "upper")
		Expect(err).ToNot(HaveOccurred())

		runner = &fake.Runner{}
		sut = du.NewEngine(log, runner, hostPrefix, "")
	})

	AfterEach(func() {
		os.RemoveAll(hostPrefix)
		os.RemoveAll(dir)
	})

	It("should skip the root filesystem and the host mount", func() {
		for _, path := range []string{"/", hostPrefix, hostPrefix + "/"} {
			result := sut.Measure(ctx, path, 0)
			Expect(result).To(Equal(types.SizingResult{Bytes: types.Unmeasured, HumanSize: "N/A", Status: types.StatusSkip}))
		}
		Expect(runner.Calls()).To(BeEmpty())
	})

	It("should reject relative and empty paths without running du", func() {
		Expect(os.MkdirAll(filepath.Join(hostPrefix, "util"), 0755)).To(Succeed())

		for _, path := range []string{"util", "./util", "", "var/lib/kubelet"} {
			result := sut.Measure(ctx, path, 0)
			Expect(result.Status).To(Equal(types.StatusError), path)
			Expect(result.Bytes).To(Equal(types.Unmeasured))
			Expect(result.HumanSize).To(Equal("Error"))
			Expect(result.Message).To(Equal("invalid path: " + path))
		}
		Expect(runner.Calls()).To(BeEmpty())
	})

	It("should report missing paths without running du", func() {
		result := sut.Measure(ctx, "/does/not/exist", 0)
		Expect(result.Status).To(Equal(types.StatusError))
		Expect(result.Bytes).To(Equal(types.Unmeasured))
		Expect(result.HumanSize).To(Equal("Not found"))
		Expect(result.Message).To(Equal("not found: /does/not/exist"))
		Expect(runner.Calls()).To(BeEmpty())
	})

	It("should measure the apparent size on one filesystem", func() {
		runner.Handler = fake.Stdout(fmt.Sprintf("104857600\t%s\n", dir))

		result := sut.Measure(ctx, dir, 0)
		Expect(result).To(Equal(types.SizingResult{Bytes: 104857600, HumanSize: "100.0 MiB", Status: types.StatusOK}))
		Expect(runner.Calls()).To(Equal([][]string{{"du", "-s", "-x", "-b", "--", dir}}))
	})

	It("should resolve paths below the host prefix", func() {
		hostPath := filepath.Join(hostPrefix, "var/lib/kubelet/pods/uid-1")
		Expect(os.MkdirAll(hostPath, 0755)).To(Succeed())
		runner.Handler = fake.Stdout("4096\t" + hostPath)

		result := sut.Measure(ctx, "/var/lib/kubelet/pods/uid-1", 0)
		Expect(result.OK()).To(BeTrue())
		Expect(result.Bytes).To(Equal(int64(4096)))
		Expect(runner.Calls()[0]).To(HaveLen(6))
		Expect(runner.Calls()[0][5]).To(Equal(hostPath))
	})

	It("should accept exit code 1 with output", func() {
		runner.Handler = fake.Exit(1, "2048\t"+dir, "du: cannot read directory: Permission denied")

		result := sut.Measure(ctx, dir, 0)
		Expect(result.OK()).To(BeTrue())
		Expect(result.Bytes).To(Equal(int64(2048)))
	})

	It("should report du failures with truncated stderr", func() {
		stderr := "du: fatal: " + strings.Repeat("x", 200)
		runner.Handler = fake.Exit(2, "", stderr)

		result := sut.Measure(ctx, dir, 0)
		Expect(result.Status).To(Equal(types.StatusError))
		Expect(result.Bytes).To(Equal(types.Unmeasured))
		Expect(result.Message).To(Equal("du error: " + stderr[:80]))
	})

	It("should report exit code 0 without output as failure", func() {
		runner.Handler = fake.Exit(0, "", "")

		result := sut.Measure(ctx, dir, 0)
		Expect(result.Status).To(Equal(types.StatusError))
	})

	It("should report unparseable output", func() {
		runner.Handler = fake.Stdout("garbage\t" + dir)

		result := sut.Measure(ctx, dir, 0)
		Expect(result.Status).To(Equal(types.StatusError))
		Expect(result.Message).To(Equal("unparseable du output: garbage"))
	})

	It("should report timeouts", func() {
		runner.Handler = func(ctx context.Context, _ string, _ ...string) (*cmdrunner.Output, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}

		result := sut.Measure(ctx, dir, time.Second)
		Expect(result.Status).To(Equal(types.StatusError))
		Expect(result.HumanSize).To(Equal("Timeout"))
		Expect(result.Message).To(Equal("timeout after 1s"))
	})

	It("should report start failures", func() {
		runner.Handler = fake.Error(errors.New("exec: \"du\": executable file not found in $PATH"))

		result := sut.Measure(ctx, dir, 0)
		Expect(result.Status).To(Equal(types.StatusError))
		Expect(result.Message).To(HavePrefix("du error: exec"))
	})
})

var _ = Describe("Parsing", func() {
	It("should parse the leading token of a summary", func() {
		bytes, err := du.ParseSummary([]byte("  123\t/data\n"))
		Expect(err).ToNot(HaveOccurred())
		Expect(bytes).To(Equal(int64(123)))

		_, err = du.ParseSummary([]byte(""))
		Expect(err).To(HaveOccurred())
		_, err = du.ParseSummary([]byte("-5\t/data"))
		Expect(err).To(HaveOccurred())
	})

	It("should parse rows and skip malformed lines", func() {
		rows := du.ParseRows([]byte("10\t/data/a\nnot a row\n\nabc\t/data/b\n30\t/data/with space\n"))
		Expect(rows).To(Equal([]du.Row{
			{Bytes: 10, Path: "/data/a"},
			{Bytes: 30, Path: "/data/with space"},
		}))
	})
})

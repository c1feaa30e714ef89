package cmdrunner_test

import (
	"context"
	"time"

	"github.com/danielfoehrkn/writable-layer-finder/pkg/cmdrunner"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Runner", func() {
	It("should capture stdout and stderr separately", func() {
		out, err := cmdrunner.New().Run(context.Background(), "sh", "-c", "echo out; echo err >&2")
		Expect(err).ToNot(HaveOccurred())
		Expect(string(out.Stdout)).To(Equal("out\n"))
		Expect(string(out.Stderr)).To(Equal("err\n"))
		Expect(out.ExitCode).To(Equal(0))
	})

	It("should report non-zero exit codes without an error", func() {
		out, err := cmdrunner.New().Run(context.Background(), "sh", "-c", "exit 3")
		Expect(err).ToNot(HaveOccurred())
		Expect(out.ExitCode).To(Equal(3))
	})

	It("should fail for a missing binary", func() {
		_, err := cmdrunner.New().Run(context.Background(), "/does/not/exist")
		Expect(err).To(HaveOccurred())
	})

	It("should return the context error on timeout", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := cmdrunner.New().Run(ctx, "sleep", "5")
		Expect(err).To(MatchError(context.DeadlineExceeded))
	})

	It("should prepend the configured command", func() {
		out, err := cmdrunner.NewPrepended("env", "FOO=bar").Run(context.Background(), "sh", "-c", "echo $FOO")
		Expect(err).ToNot(HaveOccurred())
		Expect(string(out.Stdout)).To(Equal("bar\n"))
	})
})

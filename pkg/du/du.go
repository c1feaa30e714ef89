package du

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/danielfoehrkn/writable-layer-finder/pkg/cmdrunner"
	"github.com/danielfoehrkn/writable-layer-finder/pkg/du/util"
	"github.com/danielfoehrkn/writable-layer-finder/pkg/types"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultDuPath is the du binary looked up in $PATH
	DefaultDuPath = "du"
	// DefaultTimeout is the per-path measurement timeout
	DefaultTimeout = 60 * time.Second

	stderrLimit = 80

	humanSkipped  = "N/A"
	humanNotFound = "Not found"
	humanTimeout  = "Timeout"
	humanError    = "Error"
)

var (
	metricDuInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "node_du_invocations_total",
		Help: "The number of du invocations by outcome",
	}, []string{"outcome"})
)

// Row is one line of du output
type Row struct {
	Bytes int64
	Path  string
}

// Engine measures the on-disk size of single paths with du
type Engine struct {
	log        *logrus.Logger
	runner     cmdrunner.Runner
	hostPrefix string
	du         string
}

// NewEngine returns an Engine executing du (path or name in $PATH) with the given runner.
// Paths not found on the local filesystem are looked up again below hostPrefix.
func NewEngine(log *logrus.Logger, runner cmdrunner.Runner, hostPrefix, du string) *Engine {
	if du == "" {
		du = DefaultDuPath
	}
	return &Engine{
		log:        log,
		runner:     runner,
		hostPrefix: hostPrefix,
		du:         du,
	}
}

// Measure returns the apparent size of path in bytes.
// Failures never surface as error, they are encoded in the returned SizingResult.
// Relative paths are rejected, they would be resolved against the working directory.
func (e *Engine) Measure(ctx context.Context, path string, timeout time.Duration) types.SizingResult {
	if !util.IsSafeAbsPath(path) {
		metricDuInvocations.WithLabelValues("invalid").Inc()
		return failed(humanError, "invalid path: %s", path)
	}
	if e.isSentinel(path) {
		return types.SizingResult{Bytes: types.Unmeasured, HumanSize: humanSkipped, Status: types.StatusSkip}
	}

	resolved, ok := e.resolve(path)
	if !ok {
		metricDuInvocations.WithLabelValues("not_found").Inc()
		return failed(humanNotFound, "not found: %s", path)
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := e.runner.Run(ctx, e.du, "-s", "-x", "-b", "--", resolved)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			metricDuInvocations.WithLabelValues("timeout").Inc()
			return failed(humanTimeout, "timeout after %ds", int(timeout.Seconds()))
		}
		metricDuInvocations.WithLabelValues("error").Inc()
		return failed(humanError, "du error: %s", truncate(err.Error(), stderrLimit))
	}

	if !succeeded(out) {
		metricDuInvocations.WithLabelValues("error").Inc()
		return failed(humanError, "du error: %s", truncate(strings.TrimSpace(string(out.Stderr)), stderrLimit))
	}

	bytes, err := ParseSummary(out.Stdout)
	if err != nil {
		metricDuInvocations.WithLabelValues("error").Inc()
		return failed(humanError, "%v", err)
	}

	metricDuInvocations.WithLabelValues("ok").Inc()
	e.log.Debugf("measured %s: %s", resolved, humanize.IBytes(uint64(bytes)))
	return types.SizingResult{Bytes: bytes, HumanSize: util.HumanSize(bytes), Status: types.StatusOK}
}

// isSentinel returns true for the paths that are never measured: the root filesystem and the host mount
func (e *Engine) isSentinel(path string) bool {
	cleaned := filepath.Clean(path)
	if cleaned == "/" {
		return true
	}
	return e.hostPrefix != "" && cleaned == filepath.Clean(e.hostPrefix)
}

// resolve returns path if it exists, otherwise the same path below the host prefix if that exists
func (e *Engine) resolve(path string) (string, bool) {
	if _, err := os.Stat(path); err == nil {
		return path, true
	}
	if e.hostPrefix == "" {
		return "", false
	}
	prefixed := filepath.Join(e.hostPrefix, path)
	if _, err := os.Stat(prefixed); err == nil {
		return prefixed, true
	}
	return "", false
}

// succeeded returns true if du produced output and exited with 0, or with 1 (some entries were unreadable)
func succeeded(out *cmdrunner.Output) bool {
	if out.ExitCode != 0 && out.ExitCode != 1 {
		return false
	}
	return len(strings.TrimSpace(string(out.Stdout))) > 0
}

func failed(human, format string, args ...interface{}) types.SizingResult {
	return types.SizingResult{
		Bytes:     types.Unmeasured,
		HumanSize: human,
		Status:    types.StatusError,
		Message:   fmt.Sprintf(format, args...),
	}
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// ParseSummary parses the byte count from the first token of `du -s` output
func ParseSummary(stdout []byte) (int64, error) {
	fields := strings.Fields(string(stdout))
	if len(fields) == 0 {
		return 0, fmt.Errorf("unparseable du output: empty")
	}
	bytes, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || bytes < 0 {
		return 0, fmt.Errorf("unparseable du output: %s", truncate(fields[0], stderrLimit))
	}
	return bytes, nil
}

// ParseRows parses `du` output of the form "<bytes>\t<path>" per line.
// Lines that do not match are skipped.
func ParseRows(stdout []byte) []Row {
	var rows []Row
	for _, line := range strings.Split(string(stdout), "\n") {
		line = strings.TrimRight(line, "\r")
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 || parts[1] == "" {
			continue
		}
		bytes, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
		if err != nil {
			continue
		}
		rows = append(rows, Row{Bytes: bytes, Path: parts[1]})
	}
	return rows
}

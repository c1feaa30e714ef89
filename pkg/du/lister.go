package du

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/danielfoehrkn/writable-layer-finder/pkg/cmdrunner"
	"github.com/danielfoehrkn/writable-layer-finder/pkg/du/util"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/pointer"
)

// MaxDepth is the deepest listing that can be requested
const MaxDepth = 5

var (
	// ErrInvalidPath is returned for empty, relative or otherwise malformed paths and depths
	ErrInvalidPath = errors.New("invalid path")
	// ErrForbidden is returned for paths outside the allowed roots
	ErrForbidden = errors.New("path outside allowed roots")
)

// ToolError is returned if du could not be run or failed
type ToolError struct {
	ExitCode int
	Detail   string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("du failed (exit code %d): %s", e.ExitCode, e.Detail)
}

// TimeoutError is returned if du did not finish within the timeout
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %ds", int(e.Timeout.Seconds()))
}

// ListRequest describes one depth-limited listing
type ListRequest struct {
	Path  string
	Depth int
	// Timeout bounds the du invocation, DefaultTimeout if zero
	Timeout time.Duration
	// OneFilesystem keeps du on the filesystem of Path (-x)
	OneFilesystem bool
	// AllowedRoots restricts the paths that may be listed, any path if empty
	AllowedRoots []string
}

// Entry is a child of a listed path
type Entry struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
	Human string `json:"human"`
}

// Listing is the size of a path and its children up to the requested depth
type Listing struct {
	Path       string  `json:"path"`
	Depth      int     `json:"depth"`
	TotalBytes *int64  `json:"total_bytes"`
	TotalHuman string  `json:"total_human,omitempty"`
	Entries    []Entry `json:"entries"`
	Cached     bool    `json:"cached"`
}

// Lister produces cached, depth-limited du listings
type Lister struct {
	log    *logrus.Logger
	runner cmdrunner.Runner
	du     string
	cache  *Cache
}

// NewLister returns a Lister storing results in cache
func NewLister(log *logrus.Logger, runner cmdrunner.Runner, du string, cache *Cache) *Lister {
	if du == "" {
		du = DefaultDuPath
	}
	return &Lister{
		log:    log,
		runner: runner,
		du:     du,
		cache:  cache,
	}
}

// ListChildren returns the size of req.Path and of its children up to req.Depth levels deep
func (l *Lister) ListChildren(ctx context.Context, req ListRequest) (*Listing, error) {
	if !util.IsSafeAbsPath(req.Path) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPath, req.Path)
	}
	if req.Depth < 0 || req.Depth > MaxDepth {
		return nil, fmt.Errorf("%w: depth %d not in 0..%d", ErrInvalidPath, req.Depth, MaxDepth)
	}

	path := filepath.Clean(req.Path)
	if !util.Contained(req.AllowedRoots, path) {
		return nil, fmt.Errorf("%w: %s", ErrForbidden, path)
	}

	rows, cached := l.cache.Get(path, req.Depth, req.OneFilesystem)
	if !cached {
		var err error
		rows, err = l.fetch(ctx, path, req)
		if err != nil {
			return nil, err
		}
		l.cache.Put(path, req.Depth, req.OneFilesystem, rows)
	}

	listing := assemble(path, req.Depth, rows)
	listing.Cached = cached
	return listing, nil
}

func (l *Lister) fetch(ctx context.Context, path string, req ListRequest) ([]Row, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"-b", "-d" + strconv.Itoa(req.Depth)}
	if req.OneFilesystem {
		args = append(args, "-x")
	}
	args = append(args, "--", path)

	start := time.Now()
	out, err := l.runner.Run(ctx, l.du, args...)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &TimeoutError{Timeout: timeout}
		}
		return nil, &ToolError{ExitCode: -1, Detail: err.Error()}
	}
	if out.ExitCode != 0 && out.ExitCode != 1 {
		return nil, &ToolError{ExitCode: out.ExitCode, Detail: truncate(strings.TrimSpace(string(out.Stderr)), stderrLimit)}
	}

	rows := ParseRows(out.Stdout)
	l.log.Debugf("listed %s (depth %d) in %s: %d rows", path, req.Depth, time.Since(start).Round(time.Millisecond), len(rows))
	return rows, nil
}

func assemble(path string, depth int, rows []Row) *Listing {
	listing := &Listing{
		Path:    path,
		Depth:   depth,
		Entries: []Entry{},
	}

	for _, row := range rows {
		rowPath := filepath.Clean(row.Path)
		if rowPath == path {
			listing.TotalBytes = pointer.Int64(row.Bytes)
			listing.TotalHuman = util.HumanSize(row.Bytes)
			continue
		}

		name, err := filepath.Rel(path, rowPath)
		if err != nil {
			name = filepath.Base(rowPath)
		}
		listing.Entries = append(listing.Entries, Entry{
			Name:  name,
			Path:  rowPath,
			Bytes: row.Bytes,
			Human: util.HumanSize(row.Bytes),
		})
	}

	sort.SliceStable(listing.Entries, func(i, j int) bool {
		if listing.Entries[i].Bytes != listing.Entries[j].Bytes {
			return listing.Entries[i].Bytes > listing.Entries[j].Bytes
		}
		return listing.Entries[i].Path < listing.Entries[j].Path
	})
	return listing
}

package report

import (
	"fmt"
	"io"
	"sort"

	"github.com/danielfoehrkn/writable-layer-finder/pkg/types"
	"github.com/jedib0t/go-pretty/v6/table"
)

// RenderOptions control the table output
type RenderOptions struct {
	ShowPath    bool
	ShowSummary bool
}

// Render writes the report as table followed by the summary
func (r *Report) Render(w io.Writer, opts RenderOptions) {
	if len(r.Records) == 0 {
		renderEmpty(w, r.Summary)
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	header := table.Row{"Type", "Container ID", "Name", "Pod", "Namespace", "Size", "Status"}
	if opts.ShowPath {
		header = append(header, "Path")
	}
	t.AppendHeader(header)

	for _, record := range r.Records {
		row := table.Row{
			record.Kind,
			dash(record.ContainerID),
			dash(record.ContainerName),
			dash(record.PodName),
			dash(record.Namespace),
			record.HumanSize,
			status(record.SizingResult),
		}
		if opts.ShowPath {
			row = append(row, record.Path)
		}
		t.AppendRow(row)
	}
	t.Render()

	if opts.ShowSummary {
		renderSummary(w, r.Summary)
	}
}

func renderSummary(w io.Writer, s Summary) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Summary", "Value"})

	t.AppendRows([]table.Row{
		{"Discovered", s.Discovered},
		{"Shown", s.Shown},
		{"Overlay writable layers", s.OverlayCount},
		{"Volumes", s.VolumeCount},
	})

	kinds := make([]string, 0, len(s.ByKind))
	for kind := range s.ByKind {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		t.AppendRow(table.Row{fmt.Sprintf("  %s", kind), s.ByKind[types.Kind(kind)]})
	}

	t.AppendRow(table.Row{"Not measured", s.ErrorCount})
	t.AppendSeparator()
	t.AppendRow(table.Row{"TOTAL", fmt.Sprintf("%s (%d bytes)", s.TotalHuman, s.TotalBytes)})
	t.Render()
}

func renderEmpty(w io.Writer, s Summary) {
	fmt.Fprintln(w, "no data collected")
	if s.Discovered > 0 {
		fmt.Fprintf(w, "  %d writable paths were discovered but all of them were filtered out (see --skip-zero and --min-size)\n", s.Discovered)
		return
	}
	fmt.Fprintln(w, "  - is the host filesystem mounted (HOST_PREFIX) and the pod running with hostPID?")
	fmt.Fprintln(w, "  - is crictl installed or RUNTIME_ENDPOINT pointing to the runtime socket?")
	fmt.Fprintln(w, "  - does KUBELET_DIRECTORY match the kubelet root directory?")
}

func status(r types.SizingResult) string {
	if r.Message != "" {
		return fmt.Sprintf("%s: %s", r.Status, r.Message)
	}
	return string(r.Status)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

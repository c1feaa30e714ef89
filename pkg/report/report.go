package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/danielfoehrkn/writable-layer-finder/pkg/du/util"
	"github.com/danielfoehrkn/writable-layer-finder/pkg/types"
)

// SortKey selects the report order
type SortKey string

const (
	// SortSize orders by bytes descending, unmeasured records last
	SortSize SortKey = "size"
	// SortName orders by container or volume name ascending
	SortName SortKey = "name"
	// SortType orders by kind ascending, then by bytes descending
	SortType SortKey = "type"
)

// ParseSortKey validates a sort key, the empty string selects SortSize
func ParseSortKey(s string) (SortKey, error) {
	switch key := SortKey(strings.ToLower(strings.TrimSpace(s))); key {
	case "":
		return SortSize, nil
	case SortSize, SortName, SortType:
		return key, nil
	default:
		return "", fmt.Errorf("invalid sort key %q: must be one of size, name, type", s)
	}
}

// Summary aggregates a report
type Summary struct {
	// Discovered is the number of records before filtering
	Discovered   int                `json:"discovered"`
	Shown        int                `json:"shown"`
	ByKind       map[types.Kind]int `json:"by_kind"`
	OverlayCount int                `json:"overlay_count"`
	VolumeCount  int                `json:"volume_count"`
	// TotalBytes sums the successfully measured records
	TotalBytes int64  `json:"total_bytes"`
	TotalHuman string `json:"total_human"`
	// ErrorCount is the number of records that could not be measured (error or skip)
	ErrorCount int `json:"error_count"`
}

// Report is the sorted result of one sizing run
type Report struct {
	Records []types.SizedRecord `json:"containers"`
	Summary Summary             `json:"summary"`
}

// Assemble sorts the records by key and summarizes them.
// discovered is the number of records before filtering, it is raised to len(records) if lower.
func Assemble(records []types.SizedRecord, key SortKey, discovered int) *Report {
	sorted := make([]types.SizedRecord, len(records))
	copy(sorted, records)
	Sort(sorted, key)

	if discovered < len(sorted) {
		discovered = len(sorted)
	}

	summary := Summary{
		Discovered: discovered,
		Shown:      len(sorted),
		ByKind:     map[types.Kind]int{},
	}
	for _, record := range sorted {
		summary.ByKind[record.Kind]++
		if record.Kind.IsVolume() {
			summary.VolumeCount++
		} else {
			summary.OverlayCount++
		}

		if record.OK() {
			summary.TotalBytes += record.Bytes
		} else {
			summary.ErrorCount++
		}
	}
	summary.TotalHuman = util.HumanSize(summary.TotalBytes)

	return &Report{Records: sorted, Summary: summary}
}

// Sort orders records in place. Unknown keys sort by size.
func Sort(records []types.SizedRecord, key SortKey) {
	switch key {
	case SortName:
		sort.SliceStable(records, func(i, j int) bool {
			return records[i].ContainerName < records[j].ContainerName
		})
	case SortType:
		sort.SliceStable(records, func(i, j int) bool {
			if records[i].Kind != records[j].Kind {
				return records[i].Kind < records[j].Kind
			}
			return records[i].Bytes > records[j].Bytes
		})
	default:
		// unmeasured records carry -1 and end up last
		sort.SliceStable(records, func(i, j int) bool {
			return records[i].Bytes > records[j].Bytes
		})
	}
}

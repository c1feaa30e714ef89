package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/danielfoehrkn/writable-layer-finder/pkg/cluster"
	"github.com/danielfoehrkn/writable-layer-finder/pkg/du"
	"github.com/danielfoehrkn/writable-layer-finder/pkg/report"
	"github.com/danielfoehrkn/writable-layer-finder/pkg/sizer"
	"github.com/danielfoehrkn/writable-layer-finder/pkg/types"
	"k8s.io/apimachinery/pkg/api/resource"
)

var errClusterDisabled = errors.New("cluster aggregation is not configured")

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, "ok")
}

func (s *Server) handleNodeInfo(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"node_name": s.config.NodeName})
}

func (s *Server) handleMounts(w http.ResponseWriter, _ *http.Request) {
	if s.components.Mounts == nil {
		s.writeJSON(w, http.StatusOK, map[string][]types.MountRecord{"mounts": {}})
		return
	}

	mounts, err := s.components.Mounts()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string][]types.MountRecord{"mounts": mounts})
}

func (s *Server) handleDu(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	depth := DefaultListDepth
	if raw := query.Get("depth"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("%w: depth %q is not a number", du.ErrInvalidPath, raw))
			return
		}
		depth = parsed
	}

	oneFS, err := queryBool(r, "one_fs")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	select {
	case s.listings <- struct{}{}:
		defer func() { <-s.listings }()
	case <-r.Context().Done():
		s.writeError(w, http.StatusServiceUnavailable, r.Context().Err())
		return
	}

	listing, err := s.components.Lister.ListChildren(r.Context(), du.ListRequest{
		Path:          query.Get("path"),
		Depth:         depth,
		Timeout:       s.config.Timeout,
		OneFilesystem: oneFS,
		AllowedRoots:  s.config.AllowedRoots,
	})
	if err != nil {
		s.writeError(w, statusForListError(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, listing)
}

func statusForListError(err error) int {
	var timeoutErr *du.TimeoutError
	switch {
	case errors.Is(err, du.ErrInvalidPath):
		return http.StatusBadRequest
	case errors.Is(err, du.ErrForbidden):
		return http.StatusForbidden
	case errors.As(err, &timeoutErr):
		return http.StatusGatewayTimeout
	default:
		// *du.ToolError and anything unexpected
		return http.StatusInternalServerError
	}
}

// reportParams are the query parameters shared by the report endpoints
type reportParams struct {
	skipZero bool
	minBytes int64
	sortKey  report.SortKey
}

func parseReportParams(r *http.Request) (reportParams, error) {
	params := reportParams{}

	var err error
	if params.skipZero, err = queryBool(r, "skip_zero"); err != nil {
		return params, err
	}

	if raw := r.URL.Query().Get("min_size"); raw != "" {
		quantity, err := resource.ParseQuantity(raw)
		if err != nil {
			return params, fmt.Errorf("invalid min_size %q: %w", raw, err)
		}
		params.minBytes = quantity.Value()
	}

	if params.sortKey, err = report.ParseSortKey(r.URL.Query().Get("sort")); err != nil {
		return params, err
	}
	return params, nil
}

func (p reportParams) filter() sizer.Filter {
	var filters []sizer.Filter
	if p.skipZero {
		filters = append(filters, sizer.SkipZero())
	}
	if p.minBytes > 0 {
		filters = append(filters, sizer.MinBytes(p.minBytes))
	}
	return sizer.Chain(filters...)
}

func (s *Server) sizingOptions(filter sizer.Filter) sizer.Options {
	return sizer.Options{
		Workers: s.config.Workers,
		Timeout: s.config.Timeout,
		Filter:  filter,
	}
}

func (s *Server) handleWritable(w http.ResponseWriter, r *http.Request) {
	params, err := parseReportParams(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	records := s.components.Collector.Collect(r.Context())
	sized := s.components.Sizer.SizeAll(r.Context(), records, s.sizingOptions(params.filter()))
	for i := range sized {
		sized[i].Node = s.config.NodeName
	}

	s.writeJSON(w, http.StatusOK, report.Assemble(sized, params.sortKey, len(records)))
}

func (s *Server) handleWritableStream(w http.ResponseWriter, r *http.Request) {
	params, err := parseReportParams(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	stream, ok := newEventStream(w)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	records := s.components.Collector.Collect(r.Context())
	for record := range s.components.Sizer.Stream(r.Context(), records, s.sizingOptions(params.filter())) {
		record.Node = s.config.NodeName
		if err := stream.send(record); err != nil {
			s.log.Debugf("stream client went away: %v", err)
			return
		}
	}
	stream.done()
}

func (s *Server) handleClusterWritable(w http.ResponseWriter, r *http.Request) {
	params, err := parseReportParams(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	peers, status, err := s.peers(r)
	if err != nil {
		s.writeError(w, status, err)
		return
	}

	records := s.components.Aggregator.Collect(r.Context(), peers, params.skipZero)
	discovered := len(records)

	filter := params.filter()
	kept := make([]types.SizedRecord, 0, len(records))
	for _, record := range records {
		if filter(record) {
			kept = append(kept, record)
		}
	}
	s.writeJSON(w, http.StatusOK, report.Assemble(kept, params.sortKey, discovered))
}

func (s *Server) handleClusterWritableStream(w http.ResponseWriter, r *http.Request) {
	params, err := parseReportParams(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	peers, status, err := s.peers(r)
	if err != nil {
		s.writeError(w, status, err)
		return
	}

	stream, ok := newEventStream(w)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	for record := range s.components.Aggregator.Stream(r.Context(), peers, params.skipZero) {
		if err := stream.send(record); err != nil {
			s.log.Debugf("stream client went away: %v", err)
			return
		}
	}
	stream.done()
}

func (s *Server) peers(r *http.Request) ([]cluster.Peer, int, error) {
	if s.components.Discoverer == nil || s.components.Aggregator == nil {
		return nil, http.StatusNotImplemented, errClusterDisabled
	}
	peers, err := s.components.Discoverer.Peers(r.Context())
	if err != nil {
		return nil, http.StatusBadGateway, err
	}
	s.log.Debugf("aggregating %d peers", len(peers))
	return peers, http.StatusOK, nil
}

func queryBool(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	switch raw {
	case "yes", "on":
		return true, nil
	case "no", "off":
		return false, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: must be boolean", name, raw)
	}
	return value, nil
}

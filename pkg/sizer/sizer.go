package sizer

import (
	"context"
	"time"

	"github.com/danielfoehrkn/writable-layer-finder/pkg/types"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultWorkers is the number of concurrent measurements
const DefaultWorkers = 6

var (
	metricMeasurements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "node_writable_path_measurements_total",
		Help: "The number of writable path measurements by result status",
	}, []string{"status"})

	metricMeasureDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "node_writable_path_measure_duration_seconds",
		Help:    "The duration of a single writable path measurement",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	})
)

// Measurer measures the size of a single path
type Measurer interface {
	Measure(ctx context.Context, path string, timeout time.Duration) types.SizingResult
}

// Options configure one sizing run
type Options struct {
	// Workers bounds the number of concurrent measurements, DefaultWorkers if zero
	Workers int
	// Timeout bounds each measurement, zero leaves the default to the Measurer
	Timeout time.Duration
	// Filter drops measured records, nil keeps all
	Filter Filter
}

// Sizer measures writable paths concurrently
type Sizer struct {
	log      *logrus.Logger
	measurer Measurer
}

// New returns a Sizer measuring with m
func New(log *logrus.Logger, m Measurer) *Sizer {
	return &Sizer{
		log:      log,
		measurer: m,
	}
}

// Stream measures all records with a bounded number of workers and delivers them in completion order.
// The channel is closed once every dispatched measurement finished.
// Cancelling ctx stops dispatching, measurements already running finish within their own timeout.
func (s *Sizer) Stream(ctx context.Context, records []types.WritablePathRecord, opts Options) <-chan types.SizedRecord {
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	timeout := opts.Timeout

	out := make(chan types.SizedRecord, len(records))
	go func() {
		defer close(out)

		measureCtx := context.WithoutCancel(ctx)
		g := new(errgroup.Group)
		g.SetLimit(workers)

		for _, record := range records {
			if ctx.Err() != nil {
				s.log.Debugf("sizing cancelled, not dispatching remaining records: %v", ctx.Err())
				break
			}

			record := record
			g.Go(func() error {
				start := time.Now()
				result := s.measurer.Measure(measureCtx, record.Path, timeout)
				metricMeasureDuration.Observe(time.Since(start).Seconds())
				metricMeasurements.WithLabelValues(string(result.Status)).Inc()

				if !result.OK() {
					s.log.Debugf("cannot measure %s %q: %s", record.Kind, record.Path, result.Message)
				}

				sized := types.SizedRecord{WritablePathRecord: record, SizingResult: result}
				if opts.Filter == nil || opts.Filter(sized) {
					out <- sized
				}
				return nil
			})
		}
		_ = g.Wait()
	}()
	return out
}

// SizeAll measures all records and returns the kept ones in completion order
func (s *Sizer) SizeAll(ctx context.Context, records []types.WritablePathRecord, opts Options) []types.SizedRecord {
	start := time.Now()

	sized := make([]types.SizedRecord, 0, len(records))
	var total int64
	for record := range s.Stream(ctx, records, opts) {
		if record.OK() {
			total += record.Bytes
		}
		sized = append(sized, record)
	}

	s.log.Debugf("measured %d paths in %s, kept %d totalling %s", len(records), time.Since(start).Round(time.Millisecond), len(sized), humanize.IBytes(uint64(total)))
	return sized
}

package report

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricWritablePathBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "node_writable_path_bytes",
		Help: "The apparent size of a container writable layer or pod volume directory",
	}, []string{"kind", "namespace", "pod", "name", "path"})

	metricWritablePathTotalBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "node_writable_path_total_bytes",
		Help: "The apparent size of all measured container writable layers and pod volume directories",
	})

	metricWritablePathErrors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "node_writable_path_unmeasured",
		Help: "The number of writable paths that could not be measured in the last run",
	})
)

// Export replaces the exported gauges with the measured records of r
func Export(r *Report) {
	metricWritablePathBytes.Reset()
	for _, record := range r.Records {
		if !record.OK() {
			continue
		}
		metricWritablePathBytes.WithLabelValues(string(record.Kind), record.Namespace, record.PodName, record.ContainerName, record.Path).Set(float64(record.Bytes))
	}
	metricWritablePathTotalBytes.Set(float64(r.Summary.TotalBytes))
	metricWritablePathErrors.Set(float64(r.Summary.ErrorCount))
}

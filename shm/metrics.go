package shm

import (
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/vkngwrapper/shmcore/memutils"
)

const metricsNamespace = "shm"

// Attach failure reasons, used as the "reason" label of shm_attach_failures_total
const (
	FailureNotFound       = "not_found"
	FailureOutOfSpace     = "out_of_space"
	FailureInvalidAddress = "invalid_address"
	FailureMapFailed      = "map_failed"
	FailureOther          = "other"
)

type metrics struct {
	attaches          prometheus.Counter
	detaches          prometheus.Counter
	attachFailures    *prometheus.CounterVec
	attachPages       prometheus.Histogram
	segmentsDestroyed prometheus.Counter
	segmentsLive      prometheus.Gauge
	groupsLive        prometheus.Gauge
}

// newMetrics builds the manager's collectors and registers them on registerer. A nil
// registerer leaves them unregistered.
func newMetrics(registerer prometheus.Registerer) *metrics {
	factory := promauto.With(registerer)

	return &metrics{
		attaches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "attaches_total",
			Help:      "Total number of segments attached to a task group",
		}),
		detaches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "detaches_total",
			Help:      "Total number of segments detached from a task group",
		}),
		attachFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "attach_failures_total",
			Help:      "Total number of failed attaches, by reason",
		}, []string{"reason"}),
		attachPages: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "attach_pages",
			Help:      "Number of pages mapped by each successful attach",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		segmentsDestroyed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "segments_destroyed_total",
			Help:      "Total number of segments whose physical backing was released",
		}),
		segmentsLive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "segments_live",
			Help:      "Number of segments currently in the directory",
		}),
		groupsLive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "groups_live",
			Help:      "Number of task groups with an initialized shared memory context",
		}),
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, memutils.NotFoundError):
		return FailureNotFound
	case errors.Is(err, memutils.OutOfSpaceError):
		return FailureOutOfSpace
	case errors.Is(err, memutils.InvalidAddressError):
		return FailureInvalidAddress
	case errors.Is(err, memutils.MapFailedError):
		return FailureMapFailed
	default:
		return FailureOther
	}
}

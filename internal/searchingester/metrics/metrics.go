package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type (
	DBOperation  string
	MessageError string
	DrainResult  string
)

const (
	DBOperationUpsert           DBOperation  = "upsert"
	DBOperationDelete           DBOperation  = "delete"
	DBOperationFetch            DBOperation  = "fetch"
	DBOperationLock             DBOperation  = "lock"
	MessageErrorDeserialization MessageError = "deserialization"
	MessageErrorProcessing      MessageError = "processing"
	DrainResultSuccess          DrainResult  = "success"
	DrainResultFailure          DrainResult  = "failure"
	DrainResultSkipped          DrainResult  = "skipped"
)

const MetricsPrefix = "search_ingester_"

var (
	instance *Metrics
	once     sync.Once
)

// Get returns the process-wide Metrics instance. Prometheus collectors may only be registered
// once per process, so everything shares this.
func Get() *Metrics {
	once.Do(func() {
		instance = NewMetrics(MetricsPrefix)
	})
	return instance
}

type Metrics struct {
	eventsConsumed     *prometheus.CounterVec
	eventsDeduplicated prometheus.Counter
	dbErrorsCounter    *prometheus.CounterVec
	messageErrors      *prometheus.CounterVec
	connectionErrors   prometheus.Counter
	tenantsSkipped     prometheus.Counter
	fallbackEvents     *prometheus.CounterVec
	drainRuns          *prometheus.CounterVec
	signalsEmitted     prometheus.Counter
}

func NewMetrics(prefix string) *Metrics {
	return &Metrics{
		eventsConsumed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "events_consumed",
			Help: "Number of resource events consumed grouped by resource kind",
		}, []string{"kind"}),
		eventsDeduplicated: promauto.NewCounter(prometheus.CounterOpts{
			Name: prefix + "events_deduplicated",
			Help: "Number of events collapsed away by batch deduplication",
		}),
		dbErrorsCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "db_errors",
			Help: "Number of database errors grouped by database operation",
		}, []string{"operation"}),
		messageErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "message_errors",
			Help: "Number of message errors grouped by error type",
		}, []string{"error"}),
		connectionErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: prefix + "connection_errors",
			Help: "Number of event stream connection errors",
		}),
		tenantsSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Name: prefix + "tenants_skipped",
			Help: "Number of tenant groups skipped because no credentials were provisioned",
		}),
		fallbackEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "fallback_events",
			Help: "Number of events dropped to per-record fallback logging grouped by resource kind",
		}, []string{"kind"}),
		drainRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "drain_runs",
			Help: "Number of merge range drain runs grouped by entity type and result",
		}, []string{"entity", "result"}),
		signalsEmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: prefix + "instance_signals_emitted",
			Help: "Number of index-instance signals emitted by the event router",
		}),
	}
}

func (m *Metrics) RecordEventsConsumed(kind string, count int) {
	m.eventsConsumed.WithLabelValues(kind).Add(float64(count))
}

func (m *Metrics) RecordEventsDeduplicated(count int) {
	m.eventsDeduplicated.Add(float64(count))
}

func (m *Metrics) RecordDBError(operation DBOperation) {
	m.dbErrorsCounter.WithLabelValues(string(operation)).Inc()
}

func (m *Metrics) RecordMessageError(err MessageError) {
	m.messageErrors.WithLabelValues(string(err)).Inc()
}

func (m *Metrics) RecordConnectionError() {
	m.connectionErrors.Inc()
}

func (m *Metrics) RecordTenantSkipped() {
	m.tenantsSkipped.Inc()
}

func (m *Metrics) RecordFallbackEvent(kind string) {
	m.fallbackEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordDrainRun(entity string, result DrainResult) {
	m.drainRuns.WithLabelValues(entity, string(result)).Inc()
}

func (m *Metrics) RecordSignalEmitted() {
	m.signalsEmitted.Inc()
}
